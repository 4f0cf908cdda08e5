package ics

import (
	"fmt"
	"io"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"festcal/internal/model"
)

const productID = "-//festcal//occurrences//EN"

// uidSpace namespaces the name-based UIDs of exported occurrences so that
// re-exports keep stable UIDs.
var uidSpace = uuid.MustParse("6f1c9d1e-6a9b-4b53-9d0c-2f9f0d3f6a51")

// OccurrenceUID is the stable VEVENT UID of one occurrence.
func OccurrenceUID(o model.Occurrence) string {
	name := o.EventID + "/" + model.FormatDate(o.Date)
	return uuid.NewSHA1(uidSpace, []byte(name)).String() + "@festcal"
}

// Export writes occurrences as an all-day VCALENDAR named calName.
// stamp is used as DTSTAMP for every VEVENT.
func Export(w io.Writer, calName string, occs []model.Occurrence, stamp time.Time) error {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if calName != "" {
		cal.SetXWRCalName(calName)
	}

	for _, o := range occs {
		ev := cal.AddEvent(OccurrenceUID(o))
		ev.SetDtStampTime(stamp.UTC())
		ev.SetAllDayStartAt(o.Date)
		ev.SetAllDayEndAt(o.Date.AddDate(0, 0, 1))
		ev.SetSummary(summary(o))
		ev.SetDescription(fmt.Sprintf("%s (rule version %d)", o.EventID, o.RuleVersion))
		ev.AddProperty(ical.ComponentProperty("X-FESTCAL-EVENT-ID"), o.EventID)
		ev.AddProperty(ical.ComponentProperty("X-FESTCAL-YEAR"), strconv.Itoa(o.Year))
	}

	_, err := io.WriteString(w, cal.Serialize())
	return err
}

func summary(o model.Occurrence) string {
	if o.IsLeapMonth {
		return o.EventID + " (leap month)"
	}
	return o.EventID
}
