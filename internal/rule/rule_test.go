package rule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festcal/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestParse_Variants(t *testing.T) {
	tests := []struct {
		name string
		raw  Raw
		want model.Variant
	}{
		{
			name: "lunar defaults to never leap",
			raw:  Raw{ID: "mazu", LunarMonth: ptr(3), LunarDay: ptr(23)},
			want: model.Lunar{Month: 3, Day: 23, LeapBehavior: model.NeverLeap},
		},
		{
			name: "lunar with leap behavior",
			raw:  Raw{ID: "x", LunarMonth: ptr(6), LunarDay: ptr(1), LeapBehavior: ptr(" Both ")},
			want: model.Lunar{Month: 6, Day: 1, LeapBehavior: model.BothLeap},
		},
		{
			name: "solar",
			raw:  Raw{ID: "x", SolarMonth: ptr(9), SolarDay: ptr(15)},
			want: model.Solar{Month: time.September, Day: 15},
		},
		{
			name: "one time",
			raw:  Raw{ID: "x", Date: ptr("2025-12-20")},
			want: model.OneTime{Date: model.Date(2025, time.December, 20)},
		},
		{
			name: "solar term normalized",
			raw:  Raw{ID: "x", SolarTerm: ptr("QingMing")},
			want: model.SolarTerm{Name: "qingming"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Variant)
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  Raw
	}{
		{"missing id", Raw{SolarMonth: ptr(1), SolarDay: ptr(1)}},
		{"no variant", Raw{ID: "x"}},
		{"two variants", Raw{ID: "x", SolarMonth: ptr(1), SolarDay: ptr(1), Date: ptr("2025-01-01")}},
		{"lunar and term", Raw{ID: "x", LunarMonth: ptr(1), LunarDay: ptr(1), SolarTerm: ptr("lichun")}},
		{"leap behavior alone is lunar and incomplete", Raw{ID: "x", LeapBehavior: ptr("never")}},
		{"lunar month 13", Raw{ID: "x", LunarMonth: ptr(13), LunarDay: ptr(1)}},
		{"lunar day 31", Raw{ID: "x", LunarMonth: ptr(1), LunarDay: ptr(31)}},
		{"lunar day 0", Raw{ID: "x", LunarMonth: ptr(1), LunarDay: ptr(0)}},
		{"bad leap", Raw{ID: "x", LunarMonth: ptr(1), LunarDay: ptr(1), LeapBehavior: ptr("sometimes")}},
		{"solar month 0", Raw{ID: "x", SolarMonth: ptr(0), SolarDay: ptr(1)}},
		{"solar day 32", Raw{ID: "x", SolarMonth: ptr(1), SolarDay: ptr(32)}},
		{"solar missing day", Raw{ID: "x", SolarMonth: ptr(1)}},
		{"bad date", Raw{ID: "x", Date: ptr("2025-02-30")}},
		{"unknown term", Raw{ID: "x", SolarTerm: ptr("midsummer")}},
		{"negative version", Raw{ID: "x", Version: -1, SolarMonth: ptr(1), SolarDay: ptr(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			require.Error(t, err)
			var ire *InvalidRuleError
			assert.True(t, errors.As(err, &ire), "want InvalidRuleError, got %T", err)
		})
	}
}

func TestParse_Version(t *testing.T) {
	r, err := Parse(Raw{ID: "x", SolarMonth: ptr(1), SolarDay: ptr(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Version, "omitted rule_version is 1")

	r, err = Parse(Raw{ID: "x", Version: 3, SolarMonth: ptr(1), SolarDay: ptr(1)})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Version)

	_, err = Parse(Raw{ID: "x", Version: -2, SolarMonth: ptr(1), SolarDay: ptr(1)})
	var ire *InvalidRuleError
	require.ErrorAs(t, err, &ire)
	assert.Contains(t, ire.Reason, ">= 1")
}

func TestParse_SolarFeb30IsAcceptedAsRule(t *testing.T) {
	// Range checks only; impossible dates are skipped at generation time.
	r, err := Parse(Raw{ID: "x", SolarMonth: ptr(2), SolarDay: ptr(30)})
	require.NoError(t, err)
	assert.Equal(t, model.Solar{Month: time.February, Day: 30}, r.Variant)
}

func TestToRawRoundTrip(t *testing.T) {
	rules := []model.Rule{
		{ID: "a", Version: 2, Variant: model.Lunar{Month: 8, Day: 15, LeapBehavior: model.AlwaysLeap}},
		{ID: "b", Variant: model.Solar{Month: time.March, Day: 1}},
		{ID: "c", Variant: model.OneTime{Date: model.Date(2026, time.January, 2)}},
		{ID: "d", Variant: model.SolarTerm{Name: "dongzhi"}},
	}
	for _, r := range rules {
		got, err := Parse(ToRaw(r))
		require.NoError(t, err, r.ID)
		assert.Equal(t, r, got)
		assert.NoError(t, Validate(r))
	}
}
