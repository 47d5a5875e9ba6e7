package lake

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MillisPerDay is the UTC day bucket used for partitioning.
const MillisPerDay = int64(24 * time.Hour / time.Millisecond)

// TimeframeMillis parses a candle timeframe like "1m", "5m", "1h", "4h",
// "1d" into its step in milliseconds.
func TimeframeMillis(tf string) (int64, error) {
	tf = strings.TrimSpace(strings.ToLower(tf))
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.ParseInt(tf[:len(tf)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	var unit int64
	switch tf[len(tf)-1] {
	case 's':
		unit = 1000
	case 'm':
		unit = 60 * 1000
	case 'h':
		unit = 60 * 60 * 1000
	case 'd':
		unit = MillisPerDay
	case 'w':
		unit = 7 * MillisPerDay
	default:
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	return n * unit, nil
}

// DayOf returns the UTC day index (days since epoch) a millisecond
// timestamp falls into. A timestamp exactly on a day boundary belongs to
// the day it opens.
func DayOf(tsMillis int64) int64 {
	if tsMillis >= 0 {
		return tsMillis / MillisPerDay
	}
	// Floor division for pre-epoch timestamps.
	return (tsMillis - MillisPerDay + 1) / MillisPerDay
}

// DayStart returns the first millisecond of a day index.
func DayStart(day int64) int64 { return day * MillisPerDay }

// DayDate returns the UTC calendar date of a day index.
func DayDate(day int64) time.Time {
	return time.UnixMilli(DayStart(day)).UTC()
}
