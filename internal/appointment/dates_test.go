package appointment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDay(t *testing.T) {
	want := time.Date(2030, time.June, 15, 0, 0, 0, 0, time.UTC)

	for _, in := range []string{
		"2030-06-15",
		" 2030-06-15 ",
		"2030-06-15T00:00:00Z",
		"2030-06-15T23:59:59.999Z",
		"2030-06-15T08:30:00",
		"2030-06-15T20:30:00-02:00",
		"2030-06-16T01:30:00+02:00",
	} {
		got, err := ParseDay(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "15/06/2030", "2030-13-01", "tomorrow"} {
		_, err := ParseDay(in)
		assert.ErrorIs(t, err, ErrValidation, in)
	}
}

func TestDayWindow(t *testing.T) {
	from, to := DayWindow(time.Date(2030, time.June, 15, 17, 4, 0, 0, time.UTC))

	assert.Equal(t, time.Date(2030, time.June, 15, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2030, time.June, 15, 23, 59, 59, 999_000_000, time.UTC), to)
}

func TestParseClock(t *testing.T) {
	tests := map[string]string{
		"9:00":  "09:00",
		"09:00": "09:00",
		"23:59": "23:59",
		"0:05":  "00:05",
	}
	for in, want := range tests {
		got, err := ParseClock(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", "24:00", "9", "9:5", "09:60", "noon"} {
		_, err := ParseClock(in)
		assert.ErrorIs(t, err, ErrValidation, in)
	}
}

func TestAt(t *testing.T) {
	day := time.Date(2030, time.June, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2030, time.June, 15, 14, 30, 0, 0, time.UTC), At(day, "14:30"))
	assert.Equal(t, 45, slotMinutes(Slot{StartTime: "09:15", EndTime: "10:00"}))
}
