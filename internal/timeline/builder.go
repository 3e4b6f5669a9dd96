// Package timeline turns a patient's raw event feed into an ordered,
// classified and annotated timeline.
package timeline

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/patient-timeline-engine/internal/domain"
	"github.com/patient-timeline-engine/internal/feed"
)

// EventClassifier re-labels medication events in place.
type EventClassifier interface {
	Apply(events []domain.Event) int
}

// Built is the result of constructing one patient's timeline.
type Built struct {
	Patient    domain.Patient
	Events     []domain.Event
	Milestones domain.Milestones
	Malformed  int // events kept with an unparsable date
	Skipped    int // records dropped for missing required fields
}

// Builder assembles timelines from feed records.
type Builder struct {
	classifier  EventClassifier
	annotator   *Annotator
	dataVersion string
	loadSource  string
	logger      *logrus.Logger
	now         func() time.Time
}

// NewBuilder creates a builder. loadSource tags every event with the feed it
// came from.
func NewBuilder(classifier EventClassifier, annotator *Annotator, dataVersion, loadSource string, logger *logrus.Logger) *Builder {
	return &Builder{
		classifier:  classifier,
		annotator:   annotator,
		dataVersion: dataVersion,
		loadSource:  loadSource,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Build normalises, classifies and annotates one patient's events and derives
// the patient row. It never fails: unusable records are counted and logged.
func (b *Builder) Build(rec domain.PatientRecord, raws []domain.RawEvent) *Built {
	loadedAt := b.now()
	out := &Built{}
	seen := make(map[string]bool, len(raws))

	for _, raw := range raws {
		e, err := b.normalize(rec.PatientID, raw, loadedAt)
		switch {
		case errors.Is(err, domain.ErrMalformedDate):
			out.Malformed++
			b.logger.WithError(err).WithFields(logrus.Fields{
				"patient_id":       rec.PatientID,
				"source_record_id": raw.SourceRecordID,
				"raw_date":         raw.EventDate,
			}).Warn("Event date could not be parsed; keeping event without temporal context")
		case err != nil:
			out.Skipped++
			b.logger.WithError(err).WithFields(logrus.Fields{
				"patient_id":       rec.PatientID,
				"source_record_id": raw.SourceRecordID,
			}).Warn("Skipping feed record")
			continue
		}
		if seen[e.EventID] {
			out.Skipped++
			b.logger.WithFields(logrus.Fields{
				"patient_id": rec.PatientID,
				"event_id":   e.EventID,
			}).Warn("Duplicate feed record; keeping first occurrence")
			continue
		}
		seen[e.EventID] = true
		out.Events = append(out.Events, e)
	}

	SortByDate(out.Events)
	b.classifier.Apply(out.Events)

	out.Milestones = ComputeMilestones(out.Events, rec.DeathDate)
	out.Events = b.annotator.AnnotateAll(out.Events, out.Milestones)
	SetAges(out.Events, rec.BirthDate)

	out.Patient = domain.Patient{
		PatientID:   rec.PatientID,
		BirthDate:   rec.BirthDate,
		Sex:         rec.Sex,
		Race:        rec.Race,
		Ethnicity:   rec.Ethnicity,
		Deceased:    rec.Deceased,
		DeathDate:   rec.DeathDate,
		BuiltAt:     loadedAt,
		DataVersion: b.dataVersion,
	}
	ApplyMilestones(&out.Patient, out.Milestones, out.Events)

	b.logger.WithFields(logrus.Fields{
		"patient_id": rec.PatientID,
		"events":     len(out.Events),
		"malformed":  out.Malformed,
		"skipped":    out.Skipped,
	}).Debug("Timeline built")
	return out
}

// normalize converts a feed record into an event. A malformed date yields the
// event together with a MALFORMED_DATE error wrapping ErrMalformedDate.
func (b *Builder) normalize(patientID string, raw domain.RawEvent, loadedAt time.Time) (domain.Event, error) {
	if raw.PatientID != "" && raw.PatientID != patientID {
		return domain.Event{}, domain.NewValidationError("patient_id", "record belongs to another patient", raw.PatientID)
	}
	required := []struct{ field, value string }{
		{"source_record_id", raw.SourceRecordID},
		{"event_type", raw.EventType},
		{"source_view", raw.SourceView},
		{"source_domain", raw.SourceDomain},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return domain.Event{}, domain.NewValidationError(r.field, "required field is empty", r.value)
		}
	}

	e := domain.Event{
		EventID:        EventID(patientID, raw.SourceView, raw.SourceDomain, raw.SourceRecordID),
		PatientID:      patientID,
		EventType:      canonicalEventType(raw.EventType),
		EventCategory:  raw.EventCategory,
		EventSubtype:   raw.EventSubtype,
		Description:    raw.Description,
		Status:         raw.Status,
		SourceView:     raw.SourceView,
		SourceDomain:   raw.SourceDomain,
		SourceRecordID: raw.SourceRecordID,
		Codes: domain.Codes{
			ICD:    raw.ICDCodes,
			CPT:    raw.CPTCodes,
			LOINC:  raw.LOINCCodes,
			RxNorm: raw.RxNormCodes,
		},
		Metadata:   copyMetadata(raw.Metadata),
		LoadSource: b.loadSource,
		LoadedAt:   loadedAt,
	}

	date, precision, err := feed.ParseDate(raw.EventDate, raw.DatePrecision)
	if err != nil {
		e.DatePrecision = domain.PrecisionUnknown
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata["raw_date"] = raw.EventDate
		return e, domain.NewTimelineError(domain.ErrCodeMalformedDate,
			fmt.Sprintf("event %s has an unusable date", raw.SourceRecordID), patientID, err)
	}
	e.EventDate = date
	e.DatePrecision = precision
	return e, nil
}

// ApplyMilestones writes the milestone set and the values derived from it
// onto the patient row, replacing whatever was there.
func ApplyMilestones(p *domain.Patient, m domain.Milestones, events []domain.Event) {
	p.FirstDiagnosisDate = m.Diagnosis
	p.FirstSurgeryDate = m.Surgery
	p.FirstTreatmentDate = m.Treatment
	p.FirstRadiationDate = m.Radiation
	p.LastFollowUpDate = m.LastFollowUp

	p.AgeAtDiagnosisDays = daysBetween(p.BirthDate, m.Diagnosis)
	p.AgeAtSurgeryDays = daysBetween(p.BirthDate, m.Surgery)

	start := m.Diagnosis
	if start == nil {
		start = earliestDate(events)
	}
	p.FollowUpDays = daysBetween(start, m.LastFollowUp)
}

// SetAges fills the age-at-event fields from a birth date.
func SetAges(events []domain.Event, birth *time.Time) {
	for i := range events {
		e := &events[i]
		e.AgeAtEventDays, e.AgeAtEventYears = nil, nil
		if birth == nil || !e.HasDate() {
			continue
		}
		days := DaysBetween(*birth, e.EventDate)
		years := math.Round(float64(days)/365.25*100) / 100
		e.AgeAtEventDays = &days
		e.AgeAtEventYears = &years
	}
}

// SortByDate orders events chronologically, keeping input order for equal
// dates. Events without a usable date go last.
func SortByDate(events []domain.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := &events[i], &events[j]
		if a.HasDate() != b.HasDate() {
			return a.HasDate()
		}
		return a.EventDate.Before(b.EventDate)
	})
}

func daysBetween(from, to *time.Time) *int {
	if from == nil || to == nil {
		return nil
	}
	d := DaysBetween(*from, *to)
	return &d
}

func earliestDate(events []domain.Event) *time.Time {
	var earliest *time.Time
	for i := range events {
		if !events[i].HasDate() {
			continue
		}
		if earliest == nil || events[i].EventDate.Before(*earliest) {
			d := events[i].EventDate
			earliest = &d
		}
	}
	return earliest
}

var knownEventTypes = []domain.EventType{
	domain.EventTypeImaging, domain.EventTypeProcedure, domain.EventTypeMedication,
	domain.EventTypeDiagnosis, domain.EventTypeRadiation, domain.EventTypeLab,
	domain.EventTypeEncounter, domain.EventTypePathology,
}

func canonicalEventType(s string) domain.EventType {
	s = strings.TrimSpace(s)
	for _, t := range knownEventTypes {
		if strings.EqualFold(s, string(t)) {
			return t
		}
	}
	return domain.EventType(s)
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
