package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/patient-timeline-engine/internal/domain"
)

// ExportVersion is the layout version written by ExportJSON.
const ExportVersion = "1.0"

// PatientExport is one patient's full timeline.
type PatientExport struct {
	Patient     *domain.Patient            `json:"patient"`
	Milestones  *domain.Milestones         `json:"milestones"`
	Events      []domain.Event             `json:"events"`
	Extractions []domain.ExtractedVariable `json:"extractions"`
}

// Export is the document written by ExportJSON.
type Export struct {
	Version    string          `json:"version"`
	ExportedAt time.Time       `json:"exported_at"`
	Count      int             `json:"count"`
	Patients   []PatientExport `json:"patients"`
}

// ExportPatient gathers one patient's rows.
func (t *Timeline) ExportPatient(ctx context.Context, patientID string) (*PatientExport, error) {
	p, err := t.Patient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	m, err := t.Milestones(ctx, patientID)
	if err != nil {
		return nil, err
	}
	events, err := t.EventsBetween(ctx, EventFilter{PatientID: patientID, IncludeUndated: true})
	if err != nil {
		return nil, err
	}
	extractions, err := t.Extractions(ctx, patientID, "")
	if err != nil {
		return nil, err
	}
	return &PatientExport{Patient: p, Milestones: m, Events: events, Extractions: extractions}, nil
}

// ExportJSON writes every patient's timeline to writer as indented JSON.
func (t *Timeline) ExportJSON(ctx context.Context, writer io.Writer) error {
	ids, err := t.PatientIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list patients: %w", err)
	}

	export := &Export{
		Version:    ExportVersion,
		ExportedAt: time.Now().UTC(),
		Patients:   make([]PatientExport, 0, len(ids)),
	}
	for _, id := range ids {
		p, err := t.ExportPatient(ctx, id)
		if err != nil {
			return fmt.Errorf("exporting patient %s: %w", id, err)
		}
		export.Patients = append(export.Patients, *p)
	}
	export.Count = len(export.Patients)

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
