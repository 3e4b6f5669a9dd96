package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"

	"github.com/patient-timeline-engine/internal/domain"
)

// BigQueryReader reads the feed from a BigQuery dataset.
type BigQueryReader struct {
	client  *bigquery.Client
	dataset string
	views   Views
	logger  *logrus.Logger
}

// bqEvent mirrors one row of the unified events view.
type bqEvent struct {
	PatientID      string              `bigquery:"patient_id"`
	SourceRecordID string              `bigquery:"source_record_id"`
	EventDate      bigquery.NullString `bigquery:"event_date"`
	DatePrecision  bigquery.NullString `bigquery:"date_precision"`
	EventType      string              `bigquery:"event_type"`
	EventCategory  bigquery.NullString `bigquery:"event_category"`
	EventSubtype   bigquery.NullString `bigquery:"event_subtype"`
	Description    bigquery.NullString `bigquery:"description"`
	Status         bigquery.NullString `bigquery:"status"`
	SourceView     string              `bigquery:"source_view"`
	SourceDomain   string              `bigquery:"source_domain"`
	ICDCodes       []string            `bigquery:"icd_codes"`
	CPTCodes       []string            `bigquery:"cpt_codes"`
	LOINCCodes     []string            `bigquery:"loinc_codes"`
	RxNormCodes    []string            `bigquery:"rxnorm_codes"`
	Metadata       bigquery.NullString `bigquery:"metadata"`
}

// bqPatient mirrors one row of the demographics view.
type bqPatient struct {
	PatientID string              `bigquery:"patient_id"`
	BirthDate bigquery.NullDate   `bigquery:"birth_date"`
	Sex       bigquery.NullString `bigquery:"sex"`
	Race      bigquery.NullString `bigquery:"race"`
	Ethnicity bigquery.NullString `bigquery:"ethnicity"`
	Deceased  bigquery.NullBool   `bigquery:"deceased"`
	DeathDate bigquery.NullDate   `bigquery:"death_date"`
}

// NewBigQueryReader creates a BigQuery client for the given project.
func NewBigQueryReader(ctx context.Context, project, dataset string, views Views, logger *logrus.Logger) (*BigQueryReader, error) {
	if err := views.validate(); err != nil {
		return nil, err
	}
	if err := validateIdentifier(dataset); err != nil {
		return nil, err
	}

	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"project": project,
		"dataset": dataset,
	}).Info("Using BigQuery event feed")

	return &BigQueryReader{client: client, dataset: dataset, views: views, logger: logger}, nil
}

// ListPatients returns the distinct patient ids in the demographics view.
func (r *BigQueryReader) ListPatients(ctx context.Context) ([]string, error) {
	query := r.client.Query(fmt.Sprintf(
		"SELECT DISTINCT patient_id FROM %s.%s ORDER BY patient_id", r.dataset, r.views.Patients))

	itr, err := query.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing patients: %w", err)
	}

	var ids []string
	for {
		var row struct {
			PatientID string `bigquery:"patient_id"`
		}
		err := itr.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing patients: %w", err)
		}
		ids = append(ids, row.PatientID)
	}
	return ids, nil
}

// ReadPatient returns the demographic row for a patient.
func (r *BigQueryReader) ReadPatient(ctx context.Context, patientID string) (*domain.PatientRecord, error) {
	query := r.client.Query(fmt.Sprintf(`SELECT patient_id, birth_date, sex, race, ethnicity, deceased, death_date
FROM %s.%s
WHERE patient_id = @PatientID
LIMIT 1`, r.dataset, r.views.Patients))
	query.QueryConfig.Parameters = []bigquery.QueryParameter{
		{Name: "PatientID", Value: patientID},
	}

	itr, err := query.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading patient: %w", err)
	}

	var row bqPatient
	err = itr.Next(&row)
	if err == iterator.Done {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading patient: %w", err)
	}
	return row.record(), nil
}

// ReadEvents returns the patient's events ordered by date.
func (r *BigQueryReader) ReadEvents(ctx context.Context, patientID string) ([]domain.RawEvent, error) {
	query := r.client.Query(fmt.Sprintf(`SELECT patient_id, source_record_id,
  CAST(event_date AS STRING) AS event_date, date_precision,
  event_type, event_category, event_subtype, description, status,
  source_view, source_domain,
  icd_codes, cpt_codes, loinc_codes, rxnorm_codes,
  TO_JSON_STRING(metadata) AS metadata
FROM %s.%s
WHERE patient_id = @PatientID
ORDER BY event_date ASC, source_record_id ASC`, r.dataset, r.views.Events))
	query.QueryConfig.Parameters = []bigquery.QueryParameter{
		{Name: "PatientID", Value: patientID},
	}

	itr, err := query.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}

	var events []domain.RawEvent
	for {
		var row bqEvent
		err := itr.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating events: %w", err)
		}
		events = append(events, row.rawEvent(r.logger))
	}
	return events, nil
}

// Close closes the BigQuery client.
func (r *BigQueryReader) Close() error {
	return r.client.Close()
}

func (row bqEvent) rawEvent(logger *logrus.Logger) domain.RawEvent {
	e := domain.RawEvent{
		PatientID:      row.PatientID,
		SourceRecordID: row.SourceRecordID,
		EventDate:      row.EventDate.StringVal,
		DatePrecision:  row.DatePrecision.StringVal,
		EventType:      row.EventType,
		EventCategory:  row.EventCategory.StringVal,
		EventSubtype:   row.EventSubtype.StringVal,
		Description:    row.Description.StringVal,
		Status:         row.Status.StringVal,
		SourceView:     row.SourceView,
		SourceDomain:   row.SourceDomain,
		ICDCodes:       row.ICDCodes,
		CPTCodes:       row.CPTCodes,
		LOINCCodes:     row.LOINCCodes,
		RxNormCodes:    row.RxNormCodes,
	}
	if row.Metadata.Valid && row.Metadata.StringVal != "" && row.Metadata.StringVal != "null" {
		if err := json.Unmarshal([]byte(row.Metadata.StringVal), &e.Metadata); err != nil {
			logger.WithField("source_record_id", row.SourceRecordID).Warn("Ignoring unparsable event metadata")
			e.Metadata = nil
		}
	}
	return e
}

func (row bqPatient) record() *domain.PatientRecord {
	rec := &domain.PatientRecord{
		PatientID: row.PatientID,
		Deceased:  row.Deceased.Valid && row.Deceased.Bool,
	}
	if row.BirthDate.Valid {
		t := row.BirthDate.Date.In(time.UTC)
		rec.BirthDate = &t
	}
	if row.DeathDate.Valid {
		t := row.DeathDate.Date.In(time.UTC)
		rec.DeathDate = &t
	}
	if row.Sex.Valid {
		rec.Sex = &row.Sex.StringVal
	}
	if row.Race.Valid {
		rec.Race = &row.Race.StringVal
	}
	if row.Ethnicity.Valid {
		rec.Ethnicity = &row.Ethnicity.StringVal
	}
	return rec
}
