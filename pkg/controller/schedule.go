package controller

import (
	"fmt"
	"time"
)

// ClockTime is a wall-clock time of day without a date.
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

// ParseClockTime parses "HH:MM" or "HH:MM:SS".
func ParseClockTime(s string) (ClockTime, error) {
	var t ClockTime
	var err error
	switch {
	case len(s) == 5:
		_, err = fmt.Sscanf(s, "%02d:%02d", &t.Hour, &t.Minute)
	case len(s) == 8:
		_, err = fmt.Sscanf(s, "%02d:%02d:%02d", &t.Hour, &t.Minute, &t.Second)
	default:
		return t, fmt.Errorf("invalid time %q: want HH:MM or HH:MM:SS", s)
	}
	if err != nil {
		return t, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return t, fmt.Errorf("invalid time %q: out of range", s)
	}
	return t, nil
}

// ClockTimeOf extracts the time of day from t in its own location.
func ClockTimeOf(t time.Time) ClockTime {
	return ClockTime{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

func (t ClockTime) seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// TimeRange is an endpoint-inclusive time-of-day range. When Start is after
// End the range crosses midnight, e.g. 22:00-06:00.
type TimeRange struct {
	Start ClockTime
	End   ClockTime
}

// ParseTimeRange parses both endpoints of a range.
func ParseTimeRange(start, end string) (TimeRange, error) {
	var r TimeRange
	var err error
	if r.Start, err = ParseClockTime(start); err != nil {
		return r, err
	}
	if r.End, err = ParseClockTime(end); err != nil {
		return r, err
	}
	return r, nil
}

// Contains reports whether t falls inside the range, both endpoints included.
func (r TimeRange) Contains(t ClockTime) bool {
	now := t.seconds()
	start := r.Start.seconds()
	end := r.End.seconds()
	if start <= end {
		return start <= now && now <= end
	}
	// crosses midnight
	return now >= start || now <= end
}

// Overlaps reports whether two ranges share any time of day. An endpoint of
// one range lying inside the other counts as overlap.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Contains(o.Start) || r.Contains(o.End) || o.Contains(r.Start) || o.Contains(r.End)
}
