package reserve

import (
	"fmt"
	"time"
)

// =============================================================================
// WINDOW - Half-open reservation interval [Start, End)
// =============================================================================

// WindowLayout is the only accepted wire format for reservation times.
// Values carry no zone and are interpreted as UTC.
const WindowLayout = "2006-01-02 15:04"

type Window struct {
	Start time.Time
	End   time.Time
}

// ParseWindow parses both ends with exact-format matching.
// Fails with ErrInvalidWindow on any parse error or when start >= end.
func ParseWindow(startText, endText string) (Window, error) {
	start, err := parseStamp(startText)
	if err != nil {
		return Window{}, &InvalidWindowError{Start: startText, End: endText, Reason: "start_time must be YYYY-MM-DD HH:MM"}
	}
	end, err := parseStamp(endText)
	if err != nil {
		return Window{}, &InvalidWindowError{Start: startText, End: endText, Reason: "end_time must be YYYY-MM-DD HH:MM"}
	}
	return NewWindow(start, end)
}

// parseStamp rejects shapes time.Parse tolerates, such as a one-digit hour.
func parseStamp(s string) (time.Time, error) {
	if len(s) != len(WindowLayout) {
		return time.Time{}, fmt.Errorf("want %d characters, got %d", len(WindowLayout), len(s))
	}
	return time.ParseInLocation(WindowLayout, s, time.UTC)
}

// NewWindow validates start < end and normalizes both ends to UTC.
func NewWindow(start, end time.Time) (Window, error) {
	start, end = start.UTC(), end.UTC()
	if !start.Before(end) {
		return Window{}, &InvalidWindowError{
			Start:  start.Format(WindowLayout),
			End:    end.Format(WindowLayout),
			Reason: "start_time must be before end_time",
		}
	}
	return Window{Start: start, End: end}, nil
}

// Overlaps reports whether two half-open windows share at least one instant.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && w.End.After(other.Start)
}

// Contains reports whether t falls inside [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(WindowLayout), w.End.Format(WindowLayout))
}

// =============================================================================
// CALENDAR DAY
// =============================================================================

// Day is a UTC calendar day, the unit of daily-cap accounting.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

func DayOf(t time.Time) Day {
	t = t.UTC()
	return Day{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// ParseDay parses YYYY-MM-DD.
func ParseDay(s string) (Day, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return Day{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return DayOf(t), nil
}

// Bounds returns [midnight, next midnight) in UTC.
func (d Day) Bounds() (time.Time, time.Time) {
	start := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

func (d Day) Contains(t time.Time) bool {
	from, to := d.Bounds()
	t = t.UTC()
	return !t.Before(from) && t.Before(to)
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}
