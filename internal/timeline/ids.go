package timeline

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// eventNamespace scopes the name-based event identifiers.
var eventNamespace = uuid.MustParse("6f1c3e52-8a4d-4b8e-9a57-2d1f0c7e4b91")

// EventID derives a stable identifier from an event's provenance so that
// rebuilding a timeline from the same feed yields the same keys.
func EventID(patientID, sourceView, sourceDomain, sourceRecordID string) string {
	name := strings.Join([]string{patientID, sourceView, sourceDomain, sourceRecordID}, "|")
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

// DaysBetween returns the whole number of calendar days from a to b, taken
// on UTC dates. The result is negative when b precedes a.
func DaysBetween(a, b time.Time) int {
	return int((dateOf(b).Unix() - dateOf(a).Unix()) / secondsPerDay)
}

const secondsPerDay = 24 * 60 * 60

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
