// Package solarterm holds the fixed 24-entry solar-term vocabulary and the
// per-year Solar-Term Table that resolves a term name to a civil date.
package solarterm

import (
	"strings"
	"time"
)

// Season groups six consecutive terms.
type Season string

const (
	Spring Season = "spring"
	Summer Season = "summer"
	Autumn Season = "autumn"
	Winter Season = "winter"
)

// Term describes one entry of the vocabulary.
type Term struct {
	// Name is the canonical identifier accepted in rules.
	Name string
	// Label is a human-readable English label.
	Label  string
	Season Season
	// Month is the Gregorian month in which the term falls.
	Month time.Month
	// Hanzi is the Chinese name, which lunar-go keys its term table by.
	Hanzi string
}

// Terms is the vocabulary in strict order, six per season starting at the
// beginning of spring.
var Terms = [24]Term{
	{"lichun", "Start of Spring", Spring, time.February, "立春"},
	{"yushui", "Rain Water", Spring, time.February, "雨水"},
	{"jingzhe", "Awakening of Insects", Spring, time.March, "惊蛰"},
	{"chunfen", "Spring Equinox", Spring, time.March, "春分"},
	{"qingming", "Pure Brightness", Spring, time.April, "清明"},
	{"guyu", "Grain Rain", Spring, time.April, "谷雨"},

	{"lixia", "Start of Summer", Summer, time.May, "立夏"},
	{"xiaoman", "Grain Buds", Summer, time.May, "小满"},
	{"mangzhong", "Grain in Ear", Summer, time.June, "芒种"},
	{"xiazhi", "Summer Solstice", Summer, time.June, "夏至"},
	{"xiaoshu", "Minor Heat", Summer, time.July, "小暑"},
	{"dashu", "Major Heat", Summer, time.July, "大暑"},

	{"liqiu", "Start of Autumn", Autumn, time.August, "立秋"},
	{"chushu", "End of Heat", Autumn, time.August, "处暑"},
	{"bailu", "White Dew", Autumn, time.September, "白露"},
	{"qiufen", "Autumn Equinox", Autumn, time.September, "秋分"},
	{"hanlu", "Cold Dew", Autumn, time.October, "寒露"},
	{"shuangjiang", "Frost's Descent", Autumn, time.October, "霜降"},

	{"lidong", "Start of Winter", Winter, time.November, "立冬"},
	{"xiaoxue", "Minor Snow", Winter, time.November, "小雪"},
	{"daxue", "Major Snow", Winter, time.December, "大雪"},
	{"dongzhi", "Winter Solstice", Winter, time.December, "冬至"},
	{"xiaohan", "Minor Cold", Winter, time.January, "小寒"},
	{"dahan", "Major Cold", Winter, time.January, "大寒"},
}

var byName = func() map[string]int {
	m := make(map[string]int, len(Terms))
	for i, t := range Terms {
		m[t.Name] = i
	}
	return m
}()

var byHanzi = func() map[string]int {
	m := make(map[string]int, len(Terms))
	for i, t := range Terms {
		m[t.Hanzi] = i
	}
	return m
}()

// Normalize lowercases and trims a term name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Lookup returns the vocabulary entry for name.
func Lookup(name string) (Term, bool) {
	i, ok := byName[Normalize(name)]
	if !ok {
		return Term{}, false
	}
	return Terms[i], true
}

// Known reports whether name belongs to the vocabulary.
func Known(name string) bool {
	_, ok := byName[Normalize(name)]
	return ok
}

// Index returns the position of name in the vocabulary, or -1.
func Index(name string) int {
	i, ok := byName[Normalize(name)]
	if !ok {
		return -1
	}
	return i
}
