// Package rule turns raw rule input into a validated model.Rule holding
// exactly one variant.
package rule

import (
	"fmt"
	"strings"
	"time"

	"festcal/internal/model"
	"festcal/internal/solarterm"
)

// Raw is the flat, untrusted form of a rule as it arrives from YAML, JSON or
// the CLI. Fields of at most one variant group may be set.
type Raw struct {
	ID string `yaml:"id" json:"id"`
	// Version is 1 when omitted.
	Version int `yaml:"rule_version" json:"rule_version"`

	// Lunar group.
	LunarMonth   *int    `yaml:"lunar_month,omitempty" json:"lunar_month,omitempty"`
	LunarDay     *int    `yaml:"lunar_day,omitempty" json:"lunar_day,omitempty"`
	LeapBehavior *string `yaml:"leap_behavior,omitempty" json:"leap_behavior,omitempty"`

	// Solar group.
	SolarMonth *int `yaml:"solar_month,omitempty" json:"solar_month,omitempty"`
	SolarDay   *int `yaml:"solar_day,omitempty" json:"solar_day,omitempty"`

	// OneTime group.
	Date *string `yaml:"date,omitempty" json:"date,omitempty"`

	// SolarTerm group.
	SolarTerm *string `yaml:"solar_term,omitempty" json:"solar_term,omitempty"`
}

// InvalidRuleError is a structural or range violation. It is never
// retryable.
type InvalidRuleError struct {
	ID     string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	if e.ID == "" {
		return "invalid rule: " + e.Reason
	}
	return fmt.Sprintf("invalid rule %q: %s", e.ID, e.Reason)
}

func invalid(id, format string, args ...any) error {
	return &InvalidRuleError{ID: id, Reason: fmt.Sprintf(format, args...)}
}

// Parse validates raw and returns a Rule with exactly one variant.
func Parse(raw Raw) (model.Rule, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return model.Rule{}, invalid("", "id is required")
	}
	version := raw.Version
	switch {
	case version < 0:
		return model.Rule{}, invalid(id, "rule_version must be >= 1, got %d", raw.Version)
	case version == 0:
		version = 1
	}

	groups := make([]model.VariantKind, 0, 1)
	if raw.LunarMonth != nil || raw.LunarDay != nil || raw.LeapBehavior != nil {
		groups = append(groups, model.KindLunar)
	}
	if raw.SolarMonth != nil || raw.SolarDay != nil {
		groups = append(groups, model.KindSolar)
	}
	if raw.Date != nil {
		groups = append(groups, model.KindOneTime)
	}
	if raw.SolarTerm != nil {
		groups = append(groups, model.KindSolarTerm)
	}

	switch len(groups) {
	case 0:
		return model.Rule{}, invalid(id, "no variant fields set")
	case 1:
	default:
		return model.Rule{}, invalid(id, "fields from multiple variants set: %v", groups)
	}

	var (
		v   model.Variant
		err error
	)
	switch groups[0] {
	case model.KindLunar:
		v, err = parseLunar(id, raw)
	case model.KindSolar:
		v, err = parseSolar(id, raw)
	case model.KindOneTime:
		v, err = parseOneTime(id, raw)
	case model.KindSolarTerm:
		v, err = parseSolarTerm(id, raw)
	}
	if err != nil {
		return model.Rule{}, err
	}

	return model.Rule{ID: id, Version: version, Variant: v}, nil
}

func parseLunar(id string, raw Raw) (model.Variant, error) {
	if raw.LunarMonth == nil || raw.LunarDay == nil {
		return nil, invalid(id, "lunar rule needs lunar_month and lunar_day")
	}
	m, d := *raw.LunarMonth, *raw.LunarDay
	if m < 1 || m > 12 {
		return nil, invalid(id, "lunar_month must be 1..12, got %d", m)
	}
	if d < 1 || d > 30 {
		return nil, invalid(id, "lunar_day must be 1..30, got %d", d)
	}
	lb := model.NeverLeap
	if raw.LeapBehavior != nil && strings.TrimSpace(*raw.LeapBehavior) != "" {
		lb = model.LeapBehavior(strings.ToLower(strings.TrimSpace(*raw.LeapBehavior)))
		if !lb.Valid() {
			return nil, invalid(id, "leap_behavior must be never, always or both, got %q", *raw.LeapBehavior)
		}
	}
	return model.Lunar{Month: m, Day: d, LeapBehavior: lb}, nil
}

func parseSolar(id string, raw Raw) (model.Variant, error) {
	if raw.SolarMonth == nil || raw.SolarDay == nil {
		return nil, invalid(id, "solar rule needs solar_month and solar_day")
	}
	m, d := *raw.SolarMonth, *raw.SolarDay
	if m < 1 || m > 12 {
		return nil, invalid(id, "solar_month must be 1..12, got %d", m)
	}
	if d < 1 || d > 31 {
		return nil, invalid(id, "solar_day must be 1..31, got %d", d)
	}
	return model.Solar{Month: time.Month(m), Day: d}, nil
}

func parseOneTime(id string, raw Raw) (model.Variant, error) {
	t, err := model.ParseDate(strings.TrimSpace(*raw.Date))
	if err != nil {
		return nil, invalid(id, "date must be YYYY-MM-DD: %v", err)
	}
	return model.OneTime{Date: t}, nil
}

func parseSolarTerm(id string, raw Raw) (model.Variant, error) {
	name := solarterm.Normalize(*raw.SolarTerm)
	if !solarterm.Known(name) {
		return nil, invalid(id, "unknown solar_term %q", *raw.SolarTerm)
	}
	return model.SolarTerm{Name: name}, nil
}

// Validate re-checks an already constructed Rule, e.g. one loaded from
// storage or built in code.
func Validate(r model.Rule) error {
	_, err := Parse(ToRaw(r))
	return err
}

// ToRaw flattens a Rule back into its raw form.
func ToRaw(r model.Rule) Raw {
	raw := Raw{ID: r.ID, Version: r.Version}
	switch v := r.Variant.(type) {
	case model.Lunar:
		m, d, lb := v.Month, v.Day, string(v.LeapBehavior)
		raw.LunarMonth, raw.LunarDay, raw.LeapBehavior = &m, &d, &lb
	case model.Solar:
		m, d := int(v.Month), v.Day
		raw.SolarMonth, raw.SolarDay = &m, &d
	case model.OneTime:
		s := model.FormatDate(v.Date)
		raw.Date = &s
	case model.SolarTerm:
		n := v.Name
		raw.SolarTerm = &n
	}
	return raw
}
