package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/patient-timeline-engine/internal/domain"
)

// SQLReader reads the feed from a Postgres-compatible warehouse through
// database/sql. The "postgres" driver is lib/pq, "pgx" is pgx's stdlib shim.
type SQLReader struct {
	db     *sql.DB
	views  Views
	logger *logrus.Logger
}

// OpenSQLReader opens a warehouse connection and returns a reader over it.
func OpenSQLReader(driver, dsn string, views Views, logger *logrus.Logger) (*SQLReader, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening warehouse: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	reader, err := NewSQLReader(db, views, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"driver":      driver,
		"events_view": views.Events,
	}).Info("Warehouse feed connection established")
	return reader, nil
}

// NewSQLReader wraps an existing connection.
func NewSQLReader(db *sql.DB, views Views, logger *logrus.Logger) (*SQLReader, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := views.validate(); err != nil {
		return nil, err
	}
	return &SQLReader{db: db, views: views, logger: logger}, nil
}

// ListPatients returns the distinct patient ids in the demographics view.
func (r *SQLReader) ListPatients(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT patient_id FROM %s ORDER BY patient_id`, r.views.Patients))
	if err != nil {
		return nil, fmt.Errorf("listing patients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning patient id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReadPatient returns the demographic row for a patient.
func (r *SQLReader) ReadPatient(ctx context.Context, patientID string) (*domain.PatientRecord, error) {
	query := fmt.Sprintf(`
		SELECT patient_id, birth_date, sex, race, ethnicity, deceased, death_date
		FROM %s
		WHERE patient_id = $1`, r.views.Patients)

	var (
		rec                  domain.PatientRecord
		birth, death         sql.NullTime
		sex, race, ethnicity sql.NullString
		deceased             sql.NullBool
	)
	err := r.db.QueryRowContext(ctx, query, patientID).Scan(
		&rec.PatientID, &birth, &sex, &race, &ethnicity, &deceased, &death,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to read patient from warehouse")
		return nil, fmt.Errorf("reading patient: %w", err)
	}

	rec.BirthDate = nullTime(birth)
	rec.DeathDate = nullTime(death)
	rec.Sex = nullString(sex)
	rec.Race = nullString(race)
	rec.Ethnicity = nullString(ethnicity)
	rec.Deceased = deceased.Valid && deceased.Bool
	return &rec, nil
}

// ReadEvents returns the patient's unified events ordered by date. The date
// is read as text so partial and malformed source dates survive the query.
func (r *SQLReader) ReadEvents(ctx context.Context, patientID string) ([]domain.RawEvent, error) {
	query := fmt.Sprintf(`
		SELECT patient_id, source_record_id, CAST(event_date AS TEXT), date_precision,
			event_type, event_category, event_subtype, description, status,
			source_view, source_domain,
			icd_codes, cpt_codes, loinc_codes, rxnorm_codes, metadata
		FROM %s
		WHERE patient_id = $1
		ORDER BY event_date NULLS LAST, source_record_id`, r.views.Events)

	rows, err := r.db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []domain.RawEvent
	for rows.Next() {
		var (
			e                                  domain.RawEvent
			date, precision, category, subtype sql.NullString
			description, status, metadata      sql.NullString
			icd, cpt, loinc, rxnorm            []string
		)
		if err := rows.Scan(
			&e.PatientID, &e.SourceRecordID, &date, &precision,
			&e.EventType, &category, &subtype, &description, &status,
			&e.SourceView, &e.SourceDomain,
			pq.Array(&icd), pq.Array(&cpt), pq.Array(&loinc), pq.Array(&rxnorm),
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}

		e.EventDate = date.String
		e.DatePrecision = precision.String
		e.EventCategory = category.String
		e.EventSubtype = subtype.String
		e.Description = description.String
		e.Status = status.String
		e.ICDCodes, e.CPTCodes, e.LOINCCodes, e.RxNormCodes = icd, cpt, loinc, rxnorm
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				r.logger.WithFields(logrus.Fields{
					"patient_id":       patientID,
					"source_record_id": e.SourceRecordID,
				}).Warn("Ignoring unparsable event metadata")
				e.Metadata = nil
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"patient_id": patientID,
		"events":     len(events),
	}).Debug("Read events from warehouse")
	return events, nil
}

// Close closes the warehouse connection.
func (r *SQLReader) Close() error {
	return r.db.Close()
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := wallClockUTC(v.Time)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
