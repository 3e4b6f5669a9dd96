package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/patient-timeline-engine/internal/domain"
)

const extractionColumns = `extraction_id, patient_id, event_id, document_type, document_date,
	source_excerpt, variable_name, variable_value, confidence,
	event_date, event_disease_phase, event_treatment_status,
	extraction_method, extraction_timestamp, model_version, prompt_version,
	validated, validation_status, validation_notes,
	conflicts_with, conflict_resolution, supersedes`

// InsertExtraction writes v unless a row with the same extraction id exists.
// It reports whether a row was written. Existing rows are never modified.
func (t *Timeline) InsertExtraction(ctx context.Context, v *domain.ExtractedVariable) (bool, error) {
	if err := t.checkWritable(); err != nil {
		return false, err
	}

	conflicts, err := encodeList(v.ConflictsWith)
	if err != nil {
		return false, fmt.Errorf("encoding conflicts of %s: %w", v.ExtractionID, err)
	}
	status := v.ValidationStatus
	if status == "" {
		status = domain.ValidationPending
	}

	res, err := t.db.ExecContext(ctx, `
		INSERT INTO extracted_variables (`+extractionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(extraction_id) DO NOTHING
	`,
		v.ExtractionID,
		v.PatientID,
		nullableString(v.EventID),
		v.DocumentType,
		formatTimePtr(v.DocumentDate),
		v.SourceExcerpt,
		v.VariableName,
		v.VariableValue,
		v.Confidence,
		formatTimePtr(v.EventDate),
		nullIfEmpty(string(v.EventDiseasePhase)),
		nullIfEmpty(string(v.EventTreatmentStatus)),
		v.ExtractionMethod,
		formatTime(v.ExtractionTimestamp),
		v.ModelVersion,
		v.PromptVersion,
		v.Validated,
		string(status),
		v.ValidationNotes,
		conflicts,
		string(v.ConflictResolution),
		nullableString(v.Supersedes),
	)
	if err != nil {
		return false, fmt.Errorf("inserting extraction %s: %w", v.ExtractionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"extraction_id": v.ExtractionID,
		"patient_id":    v.PatientID,
		"variable":      v.VariableName,
		"written":       n > 0,
	}).Trace("Extraction insert")
	return n > 0, nil
}

// Extraction returns one extracted variable by id.
func (t *Timeline) Extraction(ctx context.Context, extractionID string) (*domain.ExtractedVariable, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	row := t.db.QueryRowContext(ctx, "SELECT "+extractionColumns+" FROM extracted_variables WHERE extraction_id = ?", extractionID)
	v, err := scanExtraction(row)
	if err != nil {
		return nil, notFound(err, "extraction "+extractionID)
	}
	return v, nil
}

// Extractions lists a patient's extracted variables, optionally limited to
// one variable name, oldest first.
func (t *Timeline) Extractions(ctx context.Context, patientID, variable string) ([]domain.ExtractedVariable, error) {
	query := "SELECT " + extractionColumns + " FROM extracted_variables WHERE patient_id = ?"
	args := []any{patientID}
	if variable != "" {
		query += " AND variable_name = ?"
		args = append(args, variable)
	}
	return t.queryExtractions(ctx, query+" ORDER BY extraction_timestamp, rowid", args...)
}

// ExtractionsForEvent lists the extracted values of one variable anchored to
// an event, oldest first.
func (t *Timeline) ExtractionsForEvent(ctx context.Context, eventID, variable string) ([]domain.ExtractedVariable, error) {
	return t.queryExtractions(ctx, "SELECT "+extractionColumns+` FROM extracted_variables
		WHERE event_id = ? AND variable_name = ?
		ORDER BY extraction_timestamp, rowid`, eventID, variable)
}

func (t *Timeline) queryExtractions(ctx context.Context, query string, args ...any) ([]domain.ExtractedVariable, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query extractions: %w", err)
	}
	defer rows.Close()

	var out []domain.ExtractedVariable
	for rows.Next() {
		v, err := scanExtraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func scanExtraction(s scanner) (*domain.ExtractedVariable, error) {
	var (
		v                     domain.ExtractedVariable
		eventID, supersedes   sql.NullString
		docDate, eventDate    sql.NullString
		phase, status         sql.NullString
		timestamp, validation string
		conflicts, resolution string
	)
	err := s.Scan(
		&v.ExtractionID, &v.PatientID, &eventID, &v.DocumentType, &docDate,
		&v.SourceExcerpt, &v.VariableName, &v.VariableValue, &v.Confidence,
		&eventDate, &phase, &status,
		&v.ExtractionMethod, &timestamp, &v.ModelVersion, &v.PromptVersion,
		&v.Validated, &validation, &v.ValidationNotes,
		&conflicts, &resolution, &supersedes,
	)
	if err != nil {
		return nil, err
	}

	v.EventID, v.Supersedes = stringPtr(eventID), stringPtr(supersedes)
	v.EventDiseasePhase = domain.DiseasePhase(phase.String)
	v.EventTreatmentStatus = domain.TreatmentStatus(status.String)
	v.ValidationStatus = domain.ValidationStatus(validation)
	v.ConflictResolution = domain.ConflictRule(resolution)

	if v.DocumentDate, err = parseNullTime(docDate); err != nil {
		return nil, err
	}
	if v.EventDate, err = parseNullTime(eventDate); err != nil {
		return nil, err
	}
	if v.ExtractionTimestamp, err = parseTime(timestamp); err != nil {
		return nil, err
	}
	if v.ConflictsWith, err = decodeList(conflicts); err != nil {
		return nil, fmt.Errorf("decoding conflicts of %s: %w", v.ExtractionID, err)
	}
	return &v, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
