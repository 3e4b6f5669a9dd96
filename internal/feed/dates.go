package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/patient-timeline-engine/internal/domain"
)

// Layouts are tried in order; the first successful parse decides the
// precision unless the feed supplied an explicit, coarser hint.
var dateLayouts = []struct {
	layout    string
	precision domain.DatePrecision
}{
	{time.RFC3339Nano, domain.PrecisionDay},
	{"2006-01-02T15:04:05", domain.PrecisionDay},
	{"2006-01-02 15:04:05", domain.PrecisionDay},
	{"2006-01-02 15:04:05-07", domain.PrecisionDay},
	{"2006-01-02", domain.PrecisionDay},
	{"01/02/2006", domain.PrecisionDay},
	{"2006-01", domain.PrecisionMonth},
	{"2006", domain.PrecisionYear},
}

// ParseDate parses a source event date. Timestamps keep the calendar date and
// wall-clock time of the offset they were recorded in, relabelled as UTC.
// Month and year precision dates are anchored at the first day of the period.
// A blank or unparsable value yields ErrMalformedDate.
func ParseDate(raw, precisionHint string) (time.Time, domain.DatePrecision, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, domain.PrecisionUnknown, fmt.Errorf("empty date: %w", domain.ErrMalformedDate)
	}

	for _, l := range dateLayouts {
		t, err := time.Parse(l.layout, value)
		if err != nil {
			continue
		}
		t = wallClockUTC(t)
		precision := coarser(l.precision, domain.DatePrecision(strings.ToLower(strings.TrimSpace(precisionHint))))
		return truncateTo(t, precision), precision, nil
	}

	return time.Time{}, domain.PrecisionUnknown, fmt.Errorf("unrecognised date %q: %w", raw, domain.ErrMalformedDate)
}

func wallClockUTC(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func coarser(parsed, hint domain.DatePrecision) domain.DatePrecision {
	rank := map[domain.DatePrecision]int{
		domain.PrecisionDay:   0,
		domain.PrecisionMonth: 1,
		domain.PrecisionYear:  2,
	}
	h, ok := rank[hint]
	if !ok {
		return parsed
	}
	if h > rank[parsed] {
		return hint
	}
	return parsed
}

func truncateTo(t time.Time, precision domain.DatePrecision) time.Time {
	switch precision {
	case domain.PrecisionYear:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	case domain.PrecisionMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}
