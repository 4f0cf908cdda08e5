package rule

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festcal/internal/model"
)

func TestDecodeYAML(t *testing.T) {
	in := `
rules:
  - id: mazu-birthday
    rule_version: 2
    lunar_month: 3
    lunar_day: 23
    leap_behavior: both
  - id: founding
    solar_month: 9
    solar_day: 15
  - id: qingming
    solar_term: qingming
`
	raws, err := DecodeYAML(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, raws, 3)

	r, err := Parse(raws[0])
	require.NoError(t, err)
	assert.Equal(t, 2, r.Version)
	assert.Equal(t, model.Lunar{Month: 3, Day: 23, LeapBehavior: model.BothLeap}, r.Variant)

	r, err = Parse(raws[2])
	require.NoError(t, err)
	assert.Equal(t, model.SolarTerm{Name: "qingming"}, r.Variant)
}

func TestDecodeYAML_RejectsUnknownKeys(t *testing.T) {
	_, err := DecodeYAML(strings.NewReader("rules:\n  - id: x\n    lunar_mnth: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lunar_mnth")
}

func TestDecodeYAML_Empty(t *testing.T) {
	raws, err := DecodeYAML(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, raws)
}

func TestEncodeYAML_RoundTrip(t *testing.T) {
	want := []model.Rule{
		{ID: "a", Version: 1, Variant: model.Lunar{Month: 8, Day: 15, LeapBehavior: model.NeverLeap}},
		{ID: "b", Version: 1, Variant: model.OneTime{Date: model.Date(2026, time.January, 2)}},
	}
	raws := make([]Raw, 0, len(want))
	for _, r := range want {
		raws = append(raws, ToRaw(r))
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeYAML(&buf, raws))

	decoded, err := DecodeYAML(&buf)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	for i, raw := range decoded {
		got, err := Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, want[i], got)
	}
}
