package lunar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festcal/internal/model"
)

func TestCalculator_KnownDates(t *testing.T) {
	ctx := context.Background()
	calc := Calculator{}

	tests := []struct {
		name string
		in   Date
		want time.Time
	}{
		{"mid-autumn 2025", Date{Year: 2025, Month: 8, Day: 15}, model.Date(2025, time.October, 6)},
		{"mid-autumn 2024", Date{Year: 2024, Month: 8, Day: 15}, model.Date(2024, time.September, 17)},
		{"new year 2026", Date{Year: 2026, Month: 1, Day: 1}, model.Date(2026, time.February, 17)},
		{"leap 2nd month 2023", Date{Year: 2023, Month: 2, Day: 1, Leap: true}, model.Date(2023, time.March, 22)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Convert(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, []time.Time{tt.want}, got)
		})
	}
}

func TestCalculator_LeapMonth(t *testing.T) {
	ctx := context.Background()
	lm, err := Calculator{}.LeapMonth(ctx, 2025)
	require.NoError(t, err)
	assert.Equal(t, 6, lm)

	_, err = Calculator{}.Convert(ctx, Date{Year: 2025, Month: 3, Day: 23, Leap: true})
	assert.ErrorIs(t, err, ErrNoLeapMonth)
}

func TestStaticFallback(t *testing.T) {
	ctx := context.Background()
	s := StaticFallback{}

	got, err := s.Convert(ctx, Date{Year: 2027, Month: 3, Day: 23})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{model.Date(2027, time.April, 27)}, got)

	got, err = s.Convert(ctx, Date{Year: 2027, Month: 12, Day: 8})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{model.Date(2028, time.January, 8)}, got, "late 12th month rolls into next year")

	_, err = s.Convert(ctx, Date{Year: 2027, Month: 4, Day: 2})
	assert.Error(t, err)

	_, err = s.Convert(ctx, Date{Year: 2027, Month: 3, Day: 23, Leap: true})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestChain_StaticFallbackIsTagged(t *testing.T) {
	down := &fakeStrategy{source: model.SourceAuthoritative, err: assert.AnError}
	c := NewChain(ChainConfig{Strategies: []Strategy{down, StaticFallback{}}, Now: clock})

	res, err := c.Convert(context.Background(), Date{Year: 2026, Month: 3, Day: 23}, DefaultOptions)
	require.NoError(t, err)
	assert.Equal(t, model.SourceStaticFallback, res.Source)
}

func TestRemoteSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case q.Get("key") != "secret":
			w.WriteHeader(http.StatusUnauthorized)
		case q.Get("leap") == "true":
			_, _ = w.Write([]byte(`{"dates":[],"leap_month_absent":true}`))
		case q.Get("month") == "8" && q.Get("day") == "15" && q.Get("year") == "2025":
			_, _ = w.Write([]byte(`{"dates":["2025-10-06"]}`))
		case q.Get("month") == "1":
			_, _ = w.Write([]byte(`{"dates":["not-a-date"]}`))
		default:
			_, _ = w.Write([]byte(`{"dates":[]}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	src := NewRemoteSource(model.SourceAuthoritative, "kasi", srv.URL+"/lunar?key=secret", time.Second)
	assert.Equal(t, model.SourceAuthoritative, src.Source())

	got, err := src.Convert(ctx, Date{Year: 2025, Month: 8, Day: 15})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{model.Date(2025, time.October, 6)}, got)

	_, err = src.Convert(ctx, Date{Year: 2025, Month: 3, Day: 1, Leap: true})
	assert.ErrorIs(t, err, ErrNoLeapMonth)

	_, err = src.Convert(ctx, Date{Year: 2025, Month: 2, Day: 2})
	assert.ErrorIs(t, err, ErrEmptyResult)

	_, err = src.Convert(ctx, Date{Year: 2025, Month: 1, Day: 2})
	assert.Error(t, err)

	unauth := NewRemoteSource(model.SourceSecondary, "", srv.URL, time.Second)
	_, err = unauth.Convert(ctx, Date{Year: 2025, Month: 8, Day: 15})
	assert.ErrorContains(t, err, "401")
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://api.example.com/...(redacted)", redactURL("https://api.example.com/v1/lunar?key=abc"))
	assert.Equal(t, "lunar://...(redacted)", redactURL("not a url"))
}
