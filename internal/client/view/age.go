package view

import (
	"strconv"
	"strings"
	"time"
)

var birthLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006",
	"2006/01/02",
}

// DisplayAge renders a date-of-birth-like value. Short numeric strings are
// already ages; parseable dates become whole years at now; anything else is
// returned unchanged.
func DisplayAge(value string, now time.Time) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}
	if len(v) <= 3 && isDigits(v) {
		return v
	}
	for _, layout := range birthLayouts {
		dob, err := time.Parse(layout, v)
		if err != nil {
			continue
		}
		return strconv.Itoa(wholeYears(dob, now))
	}
	return value
}

func wholeYears(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
