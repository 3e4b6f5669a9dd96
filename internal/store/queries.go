package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/patient-timeline-engine/internal/domain"
)

// EventFilter selects events of one patient. From and To are inclusive
// bounds on event_date; a nil bound is open. Events without a usable date
// are only returned when IncludeUndated is set and no bound is given.
type EventFilter struct {
	PatientID      string
	From           *time.Time
	To             *time.Time
	Types          []domain.EventType
	Categories     []string
	IncludeUndated bool
}

// Patient returns one patient row.
func (t *Timeline) Patient(ctx context.Context, patientID string) (*domain.Patient, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	row := t.db.QueryRowContext(ctx, "SELECT "+patientColumns+" FROM patients WHERE patient_id = ?", patientID)
	p, err := scanPatient(row)
	if err != nil {
		return nil, notFound(err, "patient "+patientID)
	}
	return p, nil
}

// PatientIDs lists every stored patient in identifier order.
func (t *Timeline) PatientIDs(ctx context.Context) ([]string, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx, "SELECT patient_id FROM patients ORDER BY patient_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Milestones returns the stored milestone set of a patient together with
// the event ids that set each milestone.
func (t *Timeline) Milestones(ctx context.Context, patientID string) (*domain.Milestones, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	p, err := t.Patient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	m := p.Milestones()

	var sources string
	if err := t.db.QueryRowContext(ctx,
		"SELECT milestone_sources FROM patients WHERE patient_id = ?", patientID,
	).Scan(&sources); err != nil {
		return nil, notFound(err, "patient "+patientID)
	}
	if err := json.Unmarshal([]byte(sources), &m.Sources); err != nil {
		return nil, fmt.Errorf("decoding milestone sources of %s: %w", patientID, err)
	}
	return &m, nil
}

// Event returns one event by id.
func (t *Timeline) Event(ctx context.Context, eventID string) (*domain.Event, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	row := t.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE event_id = ?", eventID)
	e, err := scanEvent(row)
	if err != nil {
		return nil, notFound(err, "event "+eventID)
	}
	return e, nil
}

// EventsBetween returns the events matching f in chronological order, ties
// in load order.
func (t *Timeline) EventsBetween(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	where := []string{"patient_id = ?"}
	args := []any{f.PatientID}
	if f.From != nil || f.To != nil || !f.IncludeUndated {
		where = append(where, "date_precision <> ?")
		args = append(args, string(domain.PrecisionUnknown))
	}
	if f.From != nil {
		where = append(where, "event_date >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "event_date <= ?")
		args = append(args, formatTime(*f.To))
	}
	if len(f.Types) > 0 {
		where = append(where, "event_type IN ("+placeholders(len(f.Types))+")")
		for _, typ := range f.Types {
			args = append(args, string(typ))
		}
	}
	if len(f.Categories) > 0 {
		where = append(where, "event_category IN ("+placeholders(len(f.Categories))+")")
		for _, c := range f.Categories {
			args = append(args, c)
		}
	}

	query := "SELECT " + eventColumns + " FROM events WHERE " + strings.Join(where, " AND ") +
		" ORDER BY event_date, rowid"
	return t.queryEvents(ctx, query, args...)
}

// EventsAround returns the events within days calendar days either side of
// date, inclusive, further narrowed by the types and categories of f.
func (t *Timeline) EventsAround(ctx context.Context, patientID string, date time.Time, days int, f EventFilter) ([]domain.Event, error) {
	from := startOfDay(date).AddDate(0, 0, -days)
	to := endOfDay(date.AddDate(0, 0, days))
	f.PatientID = patientID
	f.From, f.To = &from, &to
	return t.EventsBetween(ctx, f)
}

// LatestEventAtOrBefore returns the most recent dated event of the given
// type on or before the calendar day of date, optionally restricted to
// categories. It returns ErrNotFound when no event qualifies.
func (t *Timeline) LatestEventAtOrBefore(ctx context.Context, patientID string, eventType domain.EventType, date time.Time, categories ...string) (*domain.Event, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	query := "SELECT " + eventColumns + ` FROM events
		WHERE patient_id = ? AND event_type = ? AND date_precision <> ? AND event_date <= ?`
	args := []any{patientID, string(eventType), string(domain.PrecisionUnknown), formatTime(endOfDay(date))}
	if len(categories) > 0 {
		query += " AND event_category IN (" + placeholders(len(categories)) + ")"
		for _, c := range categories {
			args = append(args, c)
		}
	}
	query += " ORDER BY event_date DESC, rowid DESC LIMIT 1"

	e, err := scanEvent(t.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("%s event for %s at or before %s", eventType, patientID, date.Format("2006-01-02")))
	}
	return e, nil
}

// ActiveMedication returns the latest medication event on or before date.
func (t *Timeline) ActiveMedication(ctx context.Context, patientID string, date time.Time) (*domain.Event, error) {
	return t.LatestEventAtOrBefore(ctx, patientID, domain.EventTypeMedication, date)
}

// ActiveTreatment returns the latest chemotherapy or targeted therapy event
// on or before date.
func (t *Timeline) ActiveTreatment(ctx context.Context, patientID string, date time.Time) (*domain.Event, error) {
	return t.LatestEventAtOrBefore(ctx, patientID, domain.EventTypeMedication, date,
		string(domain.MedicationChemotherapy), string(domain.MedicationTargetedTherapy))
}

func (t *Timeline) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1).Add(-time.Millisecond)
}
