// Package feed reads the unified per-patient event stream produced by the
// warehouse view layer. The feed is already merged across source domains;
// readers only fetch and shape it.
package feed

import (
	"context"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/patient-timeline-engine/internal/domain"
)

// Reader pulls patients and their events from the warehouse collaborator.
type Reader interface {
	// ListPatients returns every patient id available in the feed.
	ListPatients(ctx context.Context) ([]string, error)

	// ReadPatient returns the demographic record for a patient, or an error
	// wrapping domain.ErrNotFound.
	ReadPatient(ctx context.Context, patientID string) (*domain.PatientRecord, error)

	// ReadEvents returns the patient's events ordered by date.
	ReadEvents(ctx context.Context, patientID string) ([]domain.RawEvent, error)

	// Close releases the underlying connection.
	Close() error
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// validateIdentifier guards view names that are interpolated into queries.
func validateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return domain.NewValidationError("view", "not a valid SQL identifier", name)
	}
	return nil
}

// Open builds the reader selected by the feed configuration. Remote readers
// are wrapped with a circuit breaker and rate limiter.
func Open(ctx context.Context, cfg domain.FeedConfig, logger *logrus.Logger) (Reader, error) {
	var (
		reader Reader
		err    error
	)

	switch cfg.Driver {
	case "file":
		return NewFileReader(cfg.Path, logger)
	case "postgres", "pgx":
		reader, err = OpenSQLReader(cfg.Driver, cfg.DSN, Views{Events: cfg.EventsView, Patients: cfg.PatientsView}, logger)
	case "bigquery":
		reader, err = NewBigQueryReader(ctx, cfg.Project, cfg.Dataset, Views{Events: cfg.EventsView, Patients: cfg.PatientsView}, logger)
	default:
		return nil, fmt.Errorf("unknown feed driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	return NewResilientReader(reader, ResilienceConfig{
		Name:         cfg.Driver,
		RateLimit:    cfg.RateLimit,
		Timeout:      cfg.Timeout,
		MaxRequests:  cfg.Breaker.MaxRequests,
		Interval:     cfg.Breaker.Interval,
		OpenTimeout:  cfg.Breaker.Timeout,
		FailureRatio: cfg.Breaker.FailureRatio,
		MinRequests:  cfg.Breaker.MinRequests,
	}, logger), nil
}

// Views names the warehouse views the remote readers query.
type Views struct {
	Events   string
	Patients string
}

func (v Views) validate() error {
	if err := validateIdentifier(v.Events); err != nil {
		return err
	}
	return validateIdentifier(v.Patients)
}
