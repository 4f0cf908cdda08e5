package solarterm

import (
	"context"
	"fmt"
	"strings"
	"time"

	lunarcal "github.com/6tail/lunar-go/calendar"

	"festcal/internal/model"
)

// JieQiImporter reads the 24 term dates of a Gregorian year from lunar-go's
// astronomical term table. Dates are civil dates in China Standard Time.
type JieQiImporter struct{}

// Import implements Importer.
func (JieQiImporter) Import(_ context.Context, year int) (terms []model.SolarTermDate, err error) {
	defer func() {
		if r := recover(); r != nil {
			terms, err = nil, fmt.Errorf("solarterm: lunar-go table for %d: %v", year, r)
		}
	}()

	// The table of lunar year Y runs from daxue of Y-1 to jingzhe of Y+1,
	// so it holds every term of Gregorian year Y exactly once.
	table := lunarcal.NewSolarFromYmd(year, 6, 1).GetLunar().GetJieQiTable()

	found := make(map[string]time.Time, len(Terms))
	for key, s := range table {
		if s == nil || s.GetYear() != year {
			continue
		}
		name, ok := termForKey(key)
		if !ok {
			continue
		}
		found[name] = model.Date(year, time.Month(s.GetMonth()), s.GetDay())
	}

	terms = make([]model.SolarTermDate, 0, len(Terms))
	for _, t := range Terms {
		d, ok := found[t.Name]
		if !ok {
			return nil, fmt.Errorf("solarterm: lunar-go table for %d has no %s", year, t.Name)
		}
		terms = append(terms, model.SolarTermDate{Year: year, Name: t.Name, Date: d})
	}
	return terms, nil
}

// termForKey maps a lunar-go table key to a term name. Keys are hanzi, or
// upper-case pinyin such as DONG_ZHI for entries spilling into a
// neighbouring year.
func termForKey(key string) (string, bool) {
	if i, ok := byHanzi[key]; ok {
		return Terms[i].Name, true
	}
	name := strings.ToLower(strings.ReplaceAll(key, "_", ""))
	if Known(name) {
		return name, true
	}
	return "", false
}
