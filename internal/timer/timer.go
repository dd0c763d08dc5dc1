// Package timer computes session countdowns from the server start time and
// duration. The math is pure; Countdown is a thin scheduling wrapper.
package timer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"wardsim/pkg/types"
)

// Display labels
const (
	LabelRemaining  = "Time Remaining"
	LabelElapsed    = "Time Elapsed"
	LabelNotStarted = "Not Started"
	LabelTimeUp     = "Time Up"
)

// MinUrgentWindow is the floor of the urgency window.
const MinUrgentWindow = 60 * time.Second

// urgentFraction of the full duration is urgent.
const urgentFraction = 0.2

// Reading is the result of ComputeRemaining.
type Reading struct {
	Remaining time.Duration
	Elapsed   time.Duration
	Expired   bool
	Unlimited bool
}

// ComputeRemaining returns start + duration - now clamped at zero.
// Unlimited durations never expire and only report elapsed time.
func ComputeRemaining(now, start time.Time, d types.Duration) Reading {
	elapsed := now.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	if d.Unlimited {
		return Reading{Elapsed: elapsed, Unlimited: true}
	}

	remaining := start.Add(d.Length()).Sub(now)
	if remaining <= 0 {
		return Reading{Elapsed: elapsed, Expired: true}
	}
	return Reading{Remaining: remaining, Elapsed: elapsed}
}

// UrgentThreshold is max(20% of the duration, MinUrgentWindow).
func UrgentThreshold(d types.Duration) time.Duration {
	threshold := time.Duration(float64(d.Length()) * urgentFraction)
	if threshold < MinUrgentWindow {
		return MinUrgentWindow
	}
	return threshold
}

// Display is what a timer widget renders.
type Display struct {
	DisplayTime string        `json:"display_time"`
	Label       string        `json:"label"`
	IsUrgent    bool          `json:"is_urgent"`
	Running     bool          `json:"running"`
	Expired     bool          `json:"expired"`
	Remaining   time.Duration `json:"remaining"`
}

// NotStarted is the display for a missing or invalid start time.
var NotStarted = Display{DisplayTime: "--:--", Label: LabelNotStarted}

// Snapshot parses startTime and computes the display at now.
func Snapshot(now time.Time, startTime string, d types.Duration) Display {
	start, ok := ParseStartTime(startTime)
	if !ok {
		return NotStarted
	}
	return SnapshotAt(now, start, d)
}

// SnapshotAt computes the display for an already parsed start time.
func SnapshotAt(now, start time.Time, d types.Duration) Display {
	if !d.Valid() {
		return NotStarted
	}
	r := ComputeRemaining(now, start, d)
	switch {
	case r.Unlimited:
		return Display{DisplayTime: FormatClock(r.Elapsed), Label: LabelElapsed, Running: true}
	case r.Expired:
		return Display{DisplayTime: FormatClock(0), Label: LabelTimeUp, IsUrgent: true, Expired: true}
	default:
		return Display{
			DisplayTime: FormatClock(r.Remaining),
			Label:       LabelRemaining,
			IsUrgent:    r.Remaining <= UrgentThreshold(d),
			Running:     true,
			Remaining:   r.Remaining,
		}
	}
}

// FormatClock renders MM:SS, or H:MM:SS from one hour up. Sub-second
// remainders are truncated.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

var startTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

// ParseStartTime accepts RFC 3339, SQL-style timestamps (UTC) and unix
// seconds or milliseconds.
func ParseStartTime(v string) (time.Time, bool) {
	s := strings.TrimSpace(v)
	if s == "" || s == "null" {
		return time.Time{}, false
	}
	for _, layout := range startTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		// 1e11 seconds is in the year 5138; anything larger is milliseconds
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	return time.Time{}, false
}
