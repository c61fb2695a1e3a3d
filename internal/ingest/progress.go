package ingest

import (
	"fmt"
	"time"
)

// Throughput returns records read per second
func (s Stats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Read) / s.Elapsed.Seconds()
}

// FormatThroughput formats a rate as human-readable records per second
func FormatThroughput(perSec float64) string {
	if perSec >= 1_000_000 {
		return fmt.Sprintf("%.1fM/s", perSec/1_000_000)
	}
	if perSec >= 1_000 {
		return fmt.Sprintf("%.1fK/s", perSec/1_000)
	}
	return fmt.Sprintf("%.0f/s", perSec)
}

// FormatDuration formats d as "1h 2m 3s", dropping leading zero units
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
