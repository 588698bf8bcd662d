// Package reltime renders compact relative timestamps for terminal output.
package reltime

import (
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

const day = 24 * time.Hour

var past = []humanize.RelTimeMagnitude{
	{D: time.Minute, Format: "just now", DivBy: time.Second},
	{D: time.Hour, Format: "%dm ago", DivBy: time.Minute},
	{D: day, Format: "%dh ago", DivBy: time.Hour},
	{D: math.MaxInt64, Format: "%dd ago", DivBy: day},
}

var future = []humanize.RelTimeMagnitude{
	{D: time.Minute, Format: "just now", DivBy: time.Second},
	{D: time.Hour, Format: "in %dm", DivBy: time.Minute},
	{D: day, Format: "in %dh", DivBy: time.Hour},
	{D: math.MaxInt64, Format: "in %dd", DivBy: day},
}

// Format returns t relative to now: "just now", "5m ago", "in 2h", "3d ago".
// The zero time renders as "never".
func Format(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	if t.After(now) {
		return humanize.CustomRelTime(t, now, "", "", future)
	}
	return humanize.CustomRelTime(t, now, "", "", past)
}

// FormatPtr is Format for optional timestamps; nil renders as "-".
func FormatPtr(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return Format(*t, now)
}
