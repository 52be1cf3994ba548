// Package humanfmt provides human-readable formatting for bytes,
// durations, rates, and counts used by the end-of-run summary.
package humanfmt

import (
	"fmt"
	"strconv"
	"time"
)

var byteUnits = []struct {
	limit float64
	name  string
}{
	{1 << 40, "TiB"},
	{1 << 30, "GiB"},
	{1 << 20, "MiB"},
	{1 << 10, "KiB"},
}

// Bytes formats a byte count using IEC binary units, e.g. "1.23 GiB".
func Bytes(b int64) string {
	v := float64(b)
	for _, u := range byteUnits {
		if v >= u.limit {
			return fmt.Sprintf("%.2f %s", v/u.limit, u.name)
		}
	}
	return fmt.Sprintf("%d B", b)
}

// Duration formats a duration at a precision readable in a summary line,
// e.g. "1.23s", "45.6ms", "1m30s".
func Duration(d time.Duration) string {
	switch {
	case d < 0:
		return d.String()
	case d >= time.Minute:
		m := d / time.Minute
		s := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", m, s)
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	case d >= time.Microsecond:
		return fmt.Sprintf("%.1fµs", float64(d)/float64(time.Microsecond))
	default:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
}

// Throughput formats bytes over a duration as a rate, e.g. "123.45 MiB/s".
func Throughput(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "∞"
	}
	perSec := float64(bytes) / d.Seconds()
	for _, u := range byteUnits {
		if perSec >= u.limit {
			return fmt.Sprintf("%.2f %s/s", perSec/u.limit, u.name)
		}
	}
	return fmt.Sprintf("%.0f B/s", perSec)
}

// Count formats a count with decimal suffixes, e.g. "1.23M", "456".
func Count(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.2fB", float64(n)/1_000_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.2fK", float64(n)/1_000)
	default:
		return strconv.FormatInt(n, 10)
	}
}
