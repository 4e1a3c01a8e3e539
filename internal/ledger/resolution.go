package ledger

import "time"

// Resolution is the time-bucket granularity used for the bucketed update
// rows and for period sums.
type Resolution string

const (
	Raw   Resolution = "raw"
	Day   Resolution = "day"
	Week  Resolution = "week"
	Month Resolution = "month"
	Year  Resolution = "year"
)

// Resolutions returns every granularity the write path maintains, finest
// first.
func Resolutions() []Resolution {
	return []Resolution{Raw, Day, Week, Month, Year}
}

// Valid reports whether r is one of the known granularities.
func (r Resolution) Valid() bool {
	switch r {
	case Raw, Day, Week, Month, Year:
		return true
	}
	return false
}

// Truncate floors t to the start of the bucket containing it. All
// bucketing is done in UTC; weeks start on Monday. Raw floors to whole
// seconds, the quantum event timestamps are recorded at.
func (r Resolution) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch r {
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Week:
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		back := (int(d.Weekday()) + 6) % 7
		return d.AddDate(0, 0, -back)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Second)
	}
}
