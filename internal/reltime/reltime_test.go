package reltime

import (
	"testing"
	"time"
)

func TestFormat(t *testing.T) {
	now := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero", time.Time{}, "never"},
		{"same instant", now, "just now"},
		{"seconds ago", now.Add(-30 * time.Second), "just now"},
		{"minutes ago", now.Add(-5 * time.Minute), "5m ago"},
		{"hours ago", now.Add(-3*time.Hour - 10*time.Minute), "3h ago"},
		{"days ago", now.Add(-5 * 24 * time.Hour), "5d ago"},
		{"minutes ahead", now.Add(15 * time.Minute), "in 15m"},
		{"hours ahead", now.Add(2 * time.Hour), "in 2h"},
		{"days ahead", now.Add(49 * time.Hour), "in 2d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.t, now); got != tt.want {
				t.Errorf("Format = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatPtr_Nil(t *testing.T) {
	if got := FormatPtr(nil, time.Now()); got != "-" {
		t.Errorf("FormatPtr(nil) = %q, want -", got)
	}
}
