package ratelimit

import "time"

// HourWindow returns the hour-aligned start of the window containing t.
// All rate accounting uses hard hourly buckets, not sliding windows.
func HourWindow(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

// NextWindow returns the start of the hour window following the one
// containing t. It is hour-aligned regardless of where within the current
// hour t falls.
func NextWindow(t time.Time) time.Time {
	return HourWindow(t).Add(time.Hour)
}

// DelayUntil returns the time remaining from now until target.
// Past-due targets yield zero, never a negative duration.
func DelayUntil(target, now time.Time) time.Duration {
	d := target.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
