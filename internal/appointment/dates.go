package appointment

import (
	"strings"
	"time"
)

const (
	DayLayout   = "2006-01-02"
	clockLayout = "15:04"
)

var dayInputLayouts = []string{
	DayLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

// ParseDay accepts a date with or without a time component and returns the
// UTC midnight of that calendar day. Inputs carrying an offset are converted
// to UTC first.
func ParseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, validationError("date is required")
	}
	for _, layout := range dayInputLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return StartOfDay(t), nil
		}
	}
	return time.Time{}, validationError("invalid date %q, expected YYYY-MM-DD or an RFC 3339 timestamp", s)
}

func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayWindow returns [00:00:00.000, 23:59:59.999] UTC of the day containing t.
func DayWindow(t time.Time) (time.Time, time.Time) {
	start := StartOfDay(t)
	return start, start.Add(24*time.Hour - time.Millisecond)
}

// ParseClock validates a wall-clock "H:MM" or "HH:MM" string and returns its
// canonical "HH:MM" form, so lexicographic comparison matches time order.
func ParseClock(s string) (string, error) {
	t, err := time.Parse(clockLayout, strings.TrimSpace(s))
	if err != nil {
		return "", validationError("invalid time %q, expected HH:MM", s)
	}
	return t.Format(clockLayout), nil
}

// At combines a day with a canonical wall-clock string.
func At(day time.Time, clock string) time.Time {
	c, err := time.Parse(clockLayout, clock)
	if err != nil {
		return StartOfDay(day)
	}
	return StartOfDay(day).Add(time.Duration(c.Hour())*time.Hour + time.Duration(c.Minute())*time.Minute)
}

func slotMinutes(s Slot) int {
	start, err1 := time.Parse(clockLayout, s.StartTime)
	end, err2 := time.Parse(clockLayout, s.EndTime)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(end.Sub(start).Minutes())
}
