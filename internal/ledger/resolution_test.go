package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolutionTruncate(t *testing.T) {
	// Thursday, with sub-second noise and a non-UTC zone
	loc := time.FixedZone("UTC+2", 2*3600)
	in := time.Date(2026, time.March, 19, 16, 42, 31, 500_000_000, loc)

	cases := []struct {
		res  Resolution
		want time.Time
	}{
		{Raw, time.Date(2026, time.March, 19, 14, 42, 31, 0, time.UTC)},
		{Day, time.Date(2026, time.March, 19, 0, 0, 0, 0, time.UTC)},
		{Week, time.Date(2026, time.March, 16, 0, 0, 0, 0, time.UTC)},
		{Month, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)},
		{Year, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		t.Run(string(c.res), func(t *testing.T) {
			assert.True(t, c.want.Equal(c.res.Truncate(in)), "got %s", c.res.Truncate(in))
		})
	}
}

func TestWeekStartsMonday(t *testing.T) {
	// A Monday truncates to itself; a Sunday belongs to the prior Monday.
	monday := time.Date(2026, time.March, 16, 0, 0, 0, 0, time.UTC)
	assert.True(t, monday.Equal(Week.Truncate(monday.Add(5*time.Hour))))

	sunday := time.Date(2026, time.March, 22, 23, 59, 0, 0, time.UTC)
	assert.True(t, monday.Equal(Week.Truncate(sunday)))
}

func TestResolutionValid(t *testing.T) {
	for _, r := range Resolutions() {
		assert.True(t, r.Valid())
	}
	assert.False(t, Resolution("hour").Valid())
	assert.False(t, Resolution("").Valid())
}
