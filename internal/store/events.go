package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/patient-timeline-engine/internal/domain"
	"github.com/patient-timeline-engine/internal/timeline"
)

const patientColumns = `patient_id, birth_date, sex, race, ethnicity,
	first_diagnosis_date, first_surgery_date, first_treatment_date, first_radiation_date,
	last_followup_date, milestone_sources, deceased, death_date,
	age_at_diagnosis_days, age_at_surgery_days, followup_days, built_at, data_version`

const eventColumns = `event_id, patient_id, event_date, date_precision,
	age_at_event_days, age_at_event_years,
	event_type, event_category, event_subtype, description, status,
	source_view, source_domain, source_record_id,
	icd_codes, cpt_codes, loinc_codes, rxnorm_codes,
	days_from_diagnosis, days_from_surgery, days_from_treatment, days_from_radiation,
	disease_phase, treatment_status, metadata, load_source, loaded_at`

// LoadResult summarises one per-patient load.
type LoadResult struct {
	Inserted int
	Updated  int
	Removed  int
}

// LoadPatient replaces a patient's timeline in one transaction. Events are
// upserted by event id, so loading the same feed twice leaves the store
// unchanged; events that are no longer in the feed are removed.
func (t *Timeline) LoadPatient(ctx context.Context, p *domain.Patient, events []domain.Event, sources map[string]string) (*LoadResult, error) {
	if err := t.checkWritable(); err != nil {
		return nil, err
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertPatient(ctx, tx, p, sources); err != nil {
		return nil, err
	}

	existing, err := eventIDs(ctx, tx, p.PatientID)
	if err != nil {
		return nil, err
	}

	res := &LoadResult{}
	keep := make(map[string]bool, len(events))
	for i := range events {
		e := &events[i]
		if e.PatientID != p.PatientID {
			return nil, domain.NewTimelineError(domain.ErrCodeInvalidInput,
				fmt.Sprintf("event %s belongs to patient %s", e.EventID, e.PatientID), p.PatientID, nil)
		}
		if err := upsertEvent(ctx, tx, e); err != nil {
			return nil, err
		}
		keep[e.EventID] = true
		if existing[e.EventID] {
			res.Updated++
		} else {
			res.Inserted++
		}
	}

	for id := range existing {
		if keep[id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE event_id = ?", id); err != nil {
			return nil, fmt.Errorf("removing stale event %s: %w", id, err)
		}
		res.Removed++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing load: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"patient_id": p.PatientID,
		"inserted":   res.Inserted,
		"updated":    res.Updated,
		"removed":    res.Removed,
	}).Debug("Patient timeline loaded")
	return res, nil
}

// upsertPatient keeps demographics and built_at from the first load; only the
// milestone-derived fields are overwritten on later loads.
func upsertPatient(ctx context.Context, tx *sql.Tx, p *domain.Patient, sources map[string]string) error {
	src, err := encodeObject(sources)
	if err != nil {
		return fmt.Errorf("encoding milestone sources: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO patients (`+patientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(patient_id) DO UPDATE SET
			first_diagnosis_date = excluded.first_diagnosis_date,
			first_surgery_date = excluded.first_surgery_date,
			first_treatment_date = excluded.first_treatment_date,
			first_radiation_date = excluded.first_radiation_date,
			last_followup_date = excluded.last_followup_date,
			milestone_sources = excluded.milestone_sources,
			age_at_diagnosis_days = excluded.age_at_diagnosis_days,
			age_at_surgery_days = excluded.age_at_surgery_days,
			followup_days = excluded.followup_days,
			data_version = excluded.data_version
	`,
		p.PatientID,
		formatTimePtr(p.BirthDate),
		nullableString(p.Sex),
		nullableString(p.Race),
		nullableString(p.Ethnicity),
		formatTimePtr(p.FirstDiagnosisDate),
		formatTimePtr(p.FirstSurgeryDate),
		formatTimePtr(p.FirstTreatmentDate),
		formatTimePtr(p.FirstRadiationDate),
		formatTimePtr(p.LastFollowUpDate),
		src,
		p.Deceased,
		formatTimePtr(p.DeathDate),
		nullableInt(p.AgeAtDiagnosisDays),
		nullableInt(p.AgeAtSurgeryDays),
		nullableInt(p.FollowUpDays),
		formatTime(p.BuiltAt),
		p.DataVersion,
	)
	if err != nil {
		return fmt.Errorf("upserting patient %s: %w", p.PatientID, err)
	}
	return nil
}

// upsertEvent preserves loaded_at of an existing row.
func upsertEvent(ctx context.Context, tx *sql.Tx, e *domain.Event) error {
	var lists [4]string
	for i, codes := range [][]string{e.ICD, e.CPT, e.LOINC, e.RxNorm} {
		s, err := encodeList(codes)
		if err != nil {
			return fmt.Errorf("encoding codes for event %s: %w", e.EventID, err)
		}
		lists[i] = s
	}
	meta, err := encodeObject(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata for event %s: %w", e.EventID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			event_date = excluded.event_date,
			date_precision = excluded.date_precision,
			age_at_event_days = excluded.age_at_event_days,
			age_at_event_years = excluded.age_at_event_years,
			event_type = excluded.event_type,
			event_category = excluded.event_category,
			event_subtype = excluded.event_subtype,
			description = excluded.description,
			status = excluded.status,
			icd_codes = excluded.icd_codes,
			cpt_codes = excluded.cpt_codes,
			loinc_codes = excluded.loinc_codes,
			rxnorm_codes = excluded.rxnorm_codes,
			days_from_diagnosis = excluded.days_from_diagnosis,
			days_from_surgery = excluded.days_from_surgery,
			days_from_treatment = excluded.days_from_treatment,
			days_from_radiation = excluded.days_from_radiation,
			disease_phase = excluded.disease_phase,
			treatment_status = excluded.treatment_status,
			metadata = excluded.metadata,
			load_source = excluded.load_source
	`,
		e.EventID,
		e.PatientID,
		formatTime(e.EventDate),
		string(e.DatePrecision),
		nullableInt(e.AgeAtEventDays),
		nullableFloat(e.AgeAtEventYears),
		string(e.EventType),
		e.EventCategory,
		e.EventSubtype,
		e.Description,
		e.Status,
		e.SourceView,
		e.SourceDomain,
		e.SourceRecordID,
		lists[0], lists[1], lists[2], lists[3],
		nullableInt(e.DaysFromDiagnosis),
		nullableInt(e.DaysFromSurgery),
		nullableInt(e.DaysFromTreatment),
		nullableInt(e.DaysFromRadiation),
		string(e.DiseasePhase),
		string(e.TreatmentStatus),
		meta,
		e.LoadSource,
		formatTime(e.LoadedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting event %s: %w", e.EventID, err)
	}
	return nil
}

func eventIDs(ctx context.Context, tx *sql.Tx, patientID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, "SELECT event_id FROM events WHERE patient_id = ?", patientID)
	if err != nil {
		return nil, fmt.Errorf("listing events of %s: %w", patientID, err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Reannotate recomputes milestones from the stored events of one patient and
// rewrites the offsets, phase and status of every event in place. Event
// categories are taken as stored.
func (t *Timeline) Reannotate(ctx context.Context, patientID string, annotator *timeline.Annotator) (*domain.Milestones, error) {
	if err := t.checkWritable(); err != nil {
		return nil, err
	}

	p, err := t.Patient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	events, err := t.EventsBetween(ctx, EventFilter{PatientID: patientID, IncludeUndated: true})
	if err != nil {
		return nil, err
	}

	m := timeline.ComputeMilestones(events, p.DeathDate)
	annotated := annotator.AnnotateAll(events, m)
	timeline.ApplyMilestones(p, m, annotated)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning reannotation: %w", err)
	}
	defer tx.Rollback()

	if err := upsertPatient(ctx, tx, p, m.Sources); err != nil {
		return nil, err
	}
	for i := range annotated {
		e := &annotated[i]
		_, err := tx.ExecContext(ctx, `
			UPDATE events SET
				days_from_diagnosis = ?, days_from_surgery = ?,
				days_from_treatment = ?, days_from_radiation = ?,
				disease_phase = ?, treatment_status = ?
			WHERE event_id = ?
		`,
			nullableInt(e.DaysFromDiagnosis),
			nullableInt(e.DaysFromSurgery),
			nullableInt(e.DaysFromTreatment),
			nullableInt(e.DaysFromRadiation),
			string(e.DiseasePhase),
			string(e.TreatmentStatus),
			e.EventID,
		)
		if err != nil {
			return nil, fmt.Errorf("reannotating event %s: %w", e.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reannotation: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"patient_id": patientID,
		"events":     len(annotated),
	}).Info("Patient timeline reannotated")
	return &m, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPatient(s scanner) (*domain.Patient, error) {
	var (
		p                                   domain.Patient
		birth, dx, sx, tx, rx, lastFU, died sql.NullString
		sex, race, ethnicity                sql.NullString
		sources, builtAt                    string
		ageDx, ageSx, followUp              sql.NullInt64
	)
	err := s.Scan(
		&p.PatientID, &birth, &sex, &race, &ethnicity,
		&dx, &sx, &tx, &rx, &lastFU, &sources, &p.Deceased, &died,
		&ageDx, &ageSx, &followUp, &builtAt, &p.DataVersion,
	)
	if err != nil {
		return nil, err
	}

	p.Sex, p.Race, p.Ethnicity = stringPtr(sex), stringPtr(race), stringPtr(ethnicity)
	p.AgeAtDiagnosisDays, p.AgeAtSurgeryDays, p.FollowUpDays = intPtr(ageDx), intPtr(ageSx), intPtr(followUp)

	dates := []struct {
		src  sql.NullString
		dest **time.Time
	}{
		{birth, &p.BirthDate}, {dx, &p.FirstDiagnosisDate}, {sx, &p.FirstSurgeryDate},
		{tx, &p.FirstTreatmentDate}, {rx, &p.FirstRadiationDate},
		{lastFU, &p.LastFollowUpDate}, {died, &p.DeathDate},
	}
	for _, d := range dates {
		if *d.dest, err = parseNullTime(d.src); err != nil {
			return nil, err
		}
	}
	if p.BuiltAt, err = parseTime(builtAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanEvent(s scanner) (*domain.Event, error) {
	var (
		e                         domain.Event
		date, loadedAt            string
		precision, eventType      string
		ageDays                   sql.NullInt64
		ageYears                  sql.NullFloat64
		dDx, dSx, dTx, dRx        sql.NullInt64
		phase, status             sql.NullString
		icd, cpt, loinc, rx, meta string
	)
	err := s.Scan(
		&e.EventID, &e.PatientID, &date, &precision,
		&ageDays, &ageYears,
		&eventType, &e.EventCategory, &e.EventSubtype, &e.Description, &e.Status,
		&e.SourceView, &e.SourceDomain, &e.SourceRecordID,
		&icd, &cpt, &loinc, &rx,
		&dDx, &dSx, &dTx, &dRx,
		&phase, &status, &meta, &e.LoadSource, &loadedAt,
	)
	if err != nil {
		return nil, err
	}

	if e.EventDate, err = parseTime(date); err != nil {
		return nil, err
	}
	if e.LoadedAt, err = parseTime(loadedAt); err != nil {
		return nil, err
	}
	e.DatePrecision = domain.DatePrecision(precision)
	e.EventType = domain.EventType(eventType)
	e.AgeAtEventDays, e.AgeAtEventYears = intPtr(ageDays), floatPtr(ageYears)
	e.DaysFromDiagnosis, e.DaysFromSurgery = intPtr(dDx), intPtr(dSx)
	e.DaysFromTreatment, e.DaysFromRadiation = intPtr(dTx), intPtr(dRx)
	e.DiseasePhase = domain.DiseasePhase(phase.String)
	e.TreatmentStatus = domain.TreatmentStatus(status.String)

	for _, c := range []struct {
		src  string
		dest *[]string
	}{{icd, &e.ICD}, {cpt, &e.CPT}, {loinc, &e.LOINC}, {rx, &e.RxNorm}} {
		if *c.dest, err = decodeList(c.src); err != nil {
			return nil, fmt.Errorf("decoding codes of event %s: %w", e.EventID, err)
		}
	}
	if e.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, fmt.Errorf("decoding metadata of event %s: %w", e.EventID, err)
	}
	return &e, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return fmt.Errorf("failed to scan %s: %w", what, err)
}
