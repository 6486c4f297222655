package schedule

import (
	"strings"
	"time"
)

// ValidationError lists every invalid producer field at once.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "missing or invalid fields: " + strings.Join(e.Fields, ", ")
}

// NewDraft validates producer input. Title and message must be non-blank
// and rawTime must match TimeLayout in loc (time.Local when nil).
func NewDraft(title, message, rawTime string, urgent bool, loc *time.Location) (Draft, error) {
	title = strings.TrimSpace(title)
	message = strings.TrimSpace(message)

	var bad []string
	if title == "" {
		bad = append(bad, "title")
	}
	if message == "" {
		bad = append(bad, "message")
	}
	at, err := ParseTime(rawTime, loc)
	if err != nil {
		bad = append(bad, "time (YYYY-MM-DD HH:MM:SS)")
	}
	if len(bad) > 0 {
		return Draft{}, &ValidationError{Fields: bad}
	}
	return Draft{Title: title, Message: message, At: at.Truncate(time.Second), Urgent: urgent}, nil
}

// Search keeps notifications whose title or message contains q
// (case-insensitive). An empty q keeps everything.
func Search(ns []Notification, q string) []Notification {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return ns
	}
	out := make([]Notification, 0, len(ns))
	for _, n := range ns {
		if strings.Contains(strings.ToLower(n.Title), q) || strings.Contains(strings.ToLower(n.Message), q) {
			out = append(out, n)
		}
	}
	return out
}

// DayKeys returns the last days calendar days ending at now, oldest first,
// formatted as YYYY-MM-DD.
func DayKeys(now time.Time, days int) []string {
	if days <= 0 {
		return nil
	}
	out := make([]string, 0, days)
	for i := days - 1; i >= 0; i-- {
		out = append(out, now.AddDate(0, 0, -i).Format("2006-01-02"))
	}
	return out
}

// FillDays turns sparse per-day counts into a dense series over DayKeys.
func FillDays(now time.Time, days int, counts map[string]int) []DayCount {
	keys := DayKeys(now, days)
	out := make([]DayCount, 0, len(keys))
	for _, k := range keys {
		out = append(out, DayCount{Day: k, Count: counts[k]})
	}
	return out
}
