package util

import (
	"fmt"
	"math"
	"time"
)

// FloatToTimestamp formats an offset in seconds as HH:MM:SS.mmm, the form
// ffmpeg accepts for -ss. Negative offsets clamp to zero.
func FloatToTimestamp(seconds float64) string {
	if seconds <= 0 || math.IsNaN(seconds) {
		return "00:00:00.000"
	}

	d := time.Duration(math.Round(seconds*1000)) * time.Millisecond

	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second

	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, d/time.Millisecond)
}
