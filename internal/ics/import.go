// Package ics bridges festcal and iCalendar: it turns simple VEVENTs into
// raw rules and renders materialized occurrences as a VCALENDAR feed.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "festcal/internal/log"
	"festcal/internal/model"
	"festcal/internal/rule"
)

// Skipped is a VEVENT that could not be expressed as a rule.
type Skipped struct {
	UID    string
	Reason string
}

// ImportResult holds the rules derived from one ICS payload.
type ImportResult struct {
	Rules   []rule.Raw
	Skipped []Skipped
}

// ParseRules converts the VEVENTs of body into raw rules:
//
//   - an all-day VEVENT without RRULE becomes a one-time rule;
//   - an all-day VEVENT with an open-ended FREQ=YEARLY RRULE becomes a
//     solar rule on BYMONTH/BYMONTHDAY (or the DTSTART month/day).
//
// Everything else (timed events, other frequencies, bounded or filtered
// recurrences, overrides) is reported in Skipped. The UID becomes the rule
// id and SEQUENCE+1 its version.
func ParseRules(body []byte) (ImportResult, error) {
	var res ImportResult

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("parse calendar: %w", err)
	}

	for _, ve := range cal.Events() {
		raw, err := eventRule(ve)
		if err != nil {
			uid := propValue(ve, ical.ComponentPropertyUniqueId)
			res.Skipped = append(res.Skipped, Skipped{UID: uid, Reason: err.Error()})
			appLog.Debug("ics event skipped", "uid", uid, "reason", err.Error())
			continue
		}
		res.Rules = append(res.Rules, raw)
	}

	appLog.Info("ics rules parsed", "rules", len(res.Rules), "skipped", len(res.Skipped))
	return res, nil
}

func eventRule(ve *ical.VEvent) (rule.Raw, error) {
	var raw rule.Raw

	uid := strings.TrimSpace(propValue(ve, ical.ComponentPropertyUniqueId))
	if uid == "" {
		return raw, errors.New("missing UID")
	}
	if ve.GetProperty("RECURRENCE-ID") != nil {
		return raw, errors.New("recurrence override")
	}
	raw.ID = uid
	raw.Version = 1
	if seq := propValue(ve, ical.ComponentPropertySequence); seq != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(seq)); err == nil && n >= 0 {
			raw.Version = n + 1
		}
	}

	start, err := allDayStart(ve)
	if err != nil {
		return raw, err
	}

	rr := propValue(ve, ical.ComponentPropertyRrule)
	if rr == "" {
		date := model.FormatDate(start)
		raw.Date = &date
		return raw, nil
	}

	month, day, err := yearlyMonthDay(rr, start)
	if err != nil {
		return raw, err
	}
	raw.SolarMonth = &month
	raw.SolarDay = &day
	return raw, nil
}

// allDayStart returns DTSTART as a civil date, rejecting timed events.
func allDayStart(ve *ical.VEvent) (time.Time, error) {
	p := ve.GetProperty(ical.ComponentPropertyDtStart)
	if p == nil {
		return time.Time{}, errors.New("missing DTSTART")
	}
	val := strings.TrimSpace(p.Value)

	allDay := !strings.Contains(val, "T")
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		allDay = true
	}
	if !allDay {
		return time.Time{}, errors.New("not an all-day event")
	}

	t, err := time.Parse("20060102", val)
	if err != nil {
		return time.Time{}, fmt.Errorf("DTSTART %q: %w", val, err)
	}
	return t, nil
}

// yearlyMonthDay reduces an RRULE to a fixed Gregorian month/day.
func yearlyMonthDay(value string, start time.Time) (int, int, error) {
	opt, err := rrule.StrToROption(value)
	if err != nil {
		return 0, 0, fmt.Errorf("RRULE %q: %w", value, err)
	}
	switch {
	case opt.Freq != rrule.YEARLY:
		return 0, 0, fmt.Errorf("RRULE %q: only FREQ=YEARLY is supported", value)
	case opt.Interval > 1:
		return 0, 0, fmt.Errorf("RRULE %q: INTERVAL>1 is not supported", value)
	case opt.Count > 0 || !opt.Until.IsZero():
		return 0, 0, fmt.Errorf("RRULE %q: bounded recurrence is not supported", value)
	case len(opt.Byweekday) > 0 || len(opt.Byyearday) > 0 || len(opt.Byweekno) > 0 || len(opt.Bysetpos) > 0:
		return 0, 0, fmt.Errorf("RRULE %q: only BYMONTH and BYMONTHDAY are supported", value)
	case len(opt.Bymonth) > 1 || len(opt.Bymonthday) > 1:
		return 0, 0, fmt.Errorf("RRULE %q: multiple dates per year are not supported", value)
	}

	month, day := int(start.Month()), start.Day()
	if len(opt.Bymonth) == 1 {
		month = opt.Bymonth[0]
	}
	if len(opt.Bymonthday) == 1 {
		day = opt.Bymonthday[0]
	}
	if day < 1 {
		return 0, 0, fmt.Errorf("RRULE %q: negative BYMONTHDAY is not supported", value)
	}
	return month, day, nil
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}
