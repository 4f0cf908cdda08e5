package model

import (
	"fmt"
	"time"
)

// LeapBehavior governs whether a lunar rule also fires in leap-month years.
type LeapBehavior string

const (
	NeverLeap  LeapBehavior = "never"
	AlwaysLeap LeapBehavior = "always"
	BothLeap   LeapBehavior = "both"
)

// Valid reports whether b is one of the known behaviors.
func (b LeapBehavior) Valid() bool {
	switch b {
	case NeverLeap, AlwaysLeap, BothLeap:
		return true
	}
	return false
}

// VariantKind names a Variant for storage and logging.
type VariantKind string

const (
	KindLunar     VariantKind = "lunar"
	KindSolar     VariantKind = "solar"
	KindOneTime   VariantKind = "one_time"
	KindSolarTerm VariantKind = "solar_term"
)

// Variant describes how an event recurs. The set of implementations is
// closed: Lunar, Solar, OneTime and SolarTerm.
type Variant interface {
	Kind() VariantKind
	isVariant()
}

// Lunar recurs on a lunar month/day every lunar year.
type Lunar struct {
	Month        int
	Day          int
	LeapBehavior LeapBehavior
}

// Solar recurs on a fixed Gregorian month/day.
type Solar struct {
	Month time.Month
	Day   int
}

// OneTime happens exactly once.
type OneTime struct {
	Date time.Time
}

// SolarTerm recurs on one of the 24 solar terms.
type SolarTerm struct {
	Name string
}

func (Lunar) Kind() VariantKind     { return KindLunar }
func (Solar) Kind() VariantKind     { return KindSolar }
func (OneTime) Kind() VariantKind   { return KindOneTime }
func (SolarTerm) Kind() VariantKind { return KindSolarTerm }

func (Lunar) isVariant()     {}
func (Solar) isVariant()     {}
func (OneTime) isVariant()   {}
func (SolarTerm) isVariant() {}

func (v Lunar) String() string {
	return fmt.Sprintf("lunar %02d-%02d leap=%s", v.Month, v.Day, v.LeapBehavior)
}

func (v Solar) String() string {
	return fmt.Sprintf("solar %02d-%02d", int(v.Month), v.Day)
}

func (v OneTime) String() string {
	return "one_time " + FormatDate(v.Date)
}

func (v SolarTerm) String() string {
	return "solar_term " + v.Name
}

// Rule is one recurring (or singular) event definition.
type Rule struct {
	ID      string
	Version int
	Variant Variant
	// GeneratedUntil is the highest year materialized so far; nil if none.
	GeneratedUntil *int
}
