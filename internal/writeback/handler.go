// Package writeback persists variables produced by the document extraction
// pipeline against the timeline events they are anchored to.
package writeback

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/patient-timeline-engine/internal/domain"
)

// Store is the subset of the timeline handle the handler writes through.
type Store interface {
	Event(ctx context.Context, eventID string) (*domain.Event, error)
	ExtractionsForEvent(ctx context.Context, eventID, variable string) ([]domain.ExtractedVariable, error)
	InsertExtraction(ctx context.Context, v *domain.ExtractedVariable) (bool, error)
}

// Extraction is one value handed over by the extraction pipeline.
type Extraction struct {
	ExtractionID     string     `json:"extraction_id,omitempty"`
	PatientID        string     `json:"patient_id"`
	EventID          string     `json:"event_id,omitempty"`
	DocumentType     string     `json:"document_type,omitempty"`
	DocumentDate     *time.Time `json:"document_date,omitempty"`
	SourceExcerpt    string     `json:"source_excerpt,omitempty"`
	VariableName     string     `json:"variable_name"`
	VariableValue    string     `json:"variable_value"`
	Confidence       float64    `json:"confidence"`
	ExtractionMethod string     `json:"extraction_method"`
	ExtractedAt      *time.Time `json:"extraction_timestamp,omitempty"`
	ModelVersion     string     `json:"model_version,omitempty"`
	PromptVersion    string     `json:"prompt_version,omitempty"`
	Supersedes       string     `json:"supersedes,omitempty"`
}

// Summary counts the outcome of a batch.
type Summary struct {
	Inserted        int `json:"inserted"`
	Duplicates      int `json:"duplicates"`
	Conflicts       int `json:"conflicts"`
	SkippedNotFound int `json:"skipped_not_found"`
	SkippedInvalid  int `json:"skipped_invalid"`
}

// Skipped is the number of rows that were not written for any reason other
// than already being present.
func (s Summary) Skipped() int {
	return s.SkippedNotFound + s.SkippedInvalid
}

// Handler validates extractions and writes them through the store's
// insert-if-absent path.
type Handler struct {
	store  Store
	rule   domain.ConflictRule
	logger *logrus.Logger
	now    func() time.Time
}

// NewHandler creates a handler recording rule on rows that conflict with
// earlier values.
func NewHandler(store Store, rule domain.ConflictRule, logger *logrus.Logger) *Handler {
	if !rule.IsValid() {
		rule = domain.ConflictRuleHighestConfidence
	}
	return &Handler{
		store:  store,
		rule:   rule,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Write persists one extraction. It returns the stored row and whether it
// was newly written. A missing anchor event yields an UNRESOLVED_REFERENCE
// error wrapping ErrNotFound, and an invalid extraction a
// *domain.ValidationError wrapped with ErrInvalidExtraction.
func (h *Handler) Write(ctx context.Context, x Extraction) (*domain.ExtractedVariable, bool, error) {
	if err := validate(x); err != nil {
		return nil, false, err
	}

	v := &domain.ExtractedVariable{
		ExtractionID:        x.ExtractionID,
		PatientID:           x.PatientID,
		DocumentType:        x.DocumentType,
		DocumentDate:        x.DocumentDate,
		SourceExcerpt:       x.SourceExcerpt,
		VariableName:        x.VariableName,
		VariableValue:       x.VariableValue,
		Confidence:          x.Confidence,
		ExtractionMethod:    x.ExtractionMethod,
		ExtractionTimestamp: h.now(),
		ModelVersion:        x.ModelVersion,
		PromptVersion:       x.PromptVersion,
		ValidationStatus:    domain.ValidationPending,
	}
	if x.ExtractedAt != nil {
		v.ExtractionTimestamp = x.ExtractedAt.UTC()
	}
	if x.Supersedes != "" {
		s := x.Supersedes
		v.Supersedes = &s
	}
	if v.ExtractionID == "" {
		v.ExtractionID = ExtractionID(x)
	}

	if x.EventID != "" {
		event, err := h.store.Event(ctx, x.EventID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, domain.NewTimelineError(domain.ErrCodeUnresolvedReference,
				fmt.Sprintf("extraction references unknown event %s", x.EventID), x.PatientID, err)
		}
		if err != nil {
			return nil, false, err
		}
		if event.PatientID != x.PatientID {
			return nil, false, invalid("event_id",
				fmt.Sprintf("event belongs to patient %s", event.PatientID), x.EventID)
		}
		snapshot(v, event)

		if err := h.recordConflicts(ctx, v); err != nil {
			return nil, false, err
		}
	}

	written, err := h.store.InsertExtraction(ctx, v)
	if err != nil {
		return nil, false, err
	}
	return v, written, nil
}

// snapshot copies the anchoring event's temporal context onto the row.
func snapshot(v *domain.ExtractedVariable, e *domain.Event) {
	id := e.EventID
	v.EventID = &id
	if e.HasDate() {
		d := e.EventDate
		v.EventDate = &d
	}
	v.EventDiseasePhase = e.DiseasePhase
	v.EventTreatmentStatus = e.TreatmentStatus
}

// recordConflicts lists earlier rows for the same event and variable that
// disagree with v, plus the row v supersedes.
func (h *Handler) recordConflicts(ctx context.Context, v *domain.ExtractedVariable) error {
	existing, err := h.store.ExtractionsForEvent(ctx, *v.EventID, v.VariableName)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, prior := range existing {
		if prior.ExtractionID == v.ExtractionID {
			continue
		}
		if prior.VariableValue != v.VariableValue || (v.Supersedes != nil && *v.Supersedes == prior.ExtractionID) {
			v.ConflictsWith = append(v.ConflictsWith, prior.ExtractionID)
			seen[prior.ExtractionID] = true
		}
	}
	if v.Supersedes != nil && !seen[*v.Supersedes] {
		v.ConflictsWith = append(v.ConflictsWith, *v.Supersedes)
	}
	if len(v.ConflictsWith) > 0 {
		v.ConflictResolution = h.rule
	}
	return nil
}

// WriteBatch writes every extraction, skipping and logging the ones that
// reference missing events or fail validation. Only store failures abort
// the batch.
func (h *Handler) WriteBatch(ctx context.Context, batch []Extraction) (*Summary, error) {
	summary := &Summary{}
	for i, x := range batch {
		entry := h.logger.WithFields(logrus.Fields{
			"index":      i,
			"patient_id": x.PatientID,
			"event_id":   x.EventID,
			"variable":   x.VariableName,
		})

		v, written, err := h.Write(ctx, x)
		var verr *domain.ValidationError
		switch {
		case errors.Is(err, domain.ErrNotFound):
			summary.SkippedNotFound++
			entry.WithError(err).Warn("Skipping extraction with unresolved event")
			continue
		case errors.As(err, &verr):
			summary.SkippedInvalid++
			entry.WithError(err).Warn("Skipping invalid extraction")
			continue
		case err != nil:
			return summary, domain.NewTimelineError(domain.ErrCodeStoreError, "extraction writeback failed", x.PatientID, err)
		}

		if !written {
			summary.Duplicates++
			continue
		}
		summary.Inserted++
		if len(v.ConflictsWith) > 0 {
			summary.Conflicts++
			entry.WithFields(logrus.Fields{
				"extraction_id":  v.ExtractionID,
				"conflicts_with": v.ConflictsWith,
				"resolution":     v.ConflictResolution,
			}).Info("Extraction conflicts with earlier values")
		}
	}

	h.logger.WithFields(logrus.Fields{
		"inserted":          summary.Inserted,
		"duplicates":        summary.Duplicates,
		"conflicts":         summary.Conflicts,
		"skipped_not_found": summary.SkippedNotFound,
		"skipped_invalid":   summary.SkippedInvalid,
	}).Info("Extraction writeback complete")
	return summary, nil
}

func validate(x Extraction) error {
	switch {
	case strings.TrimSpace(x.PatientID) == "":
		return invalid("patient_id", "is required", x.PatientID)
	case strings.TrimSpace(x.VariableName) == "":
		return invalid("variable_name", "is required", x.VariableName)
	case strings.TrimSpace(x.VariableValue) == "":
		return invalid("variable_value", "is required", x.VariableValue)
	case strings.TrimSpace(x.ExtractionMethod) == "":
		return invalid("extraction_method", "is required", x.ExtractionMethod)
	case x.Confidence < 0 || x.Confidence > 1:
		return invalid("confidence", "must be between 0 and 1", x.Confidence)
	}
	return nil
}

func invalid(field, message string, value any) error {
	return fmt.Errorf("%w: %w", domain.ErrInvalidExtraction, domain.NewValidationError(field, message, value))
}

// extractionNamespace scopes derived extraction identifiers.
var extractionNamespace = uuid.MustParse("0b6e9d4c-3f2a-4c1e-8f7d-5a9b2c1d3e4f")

// ExtractionID derives a deterministic identifier for an extraction that
// arrived without one, so re-running the same extraction does not add rows.
func ExtractionID(x Extraction) string {
	var docDate string
	if x.DocumentDate != nil {
		docDate = x.DocumentDate.UTC().Format(time.RFC3339)
	}
	name := strings.Join([]string{
		x.PatientID, x.EventID, x.DocumentType, docDate,
		x.VariableName, x.VariableValue,
		x.ExtractionMethod, x.ModelVersion, x.PromptVersion,
	}, "|")
	return uuid.NewSHA1(extractionNamespace, []byte(name)).String()
}

// ReadExtractions decodes newline-delimited JSON extractions. Blank lines are
// ignored.
func ReadExtractions(r io.Reader) ([]Extraction, error) {
	var out []Extraction
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var x Extraction
		if err := json.Unmarshal([]byte(text), &x); err != nil {
			return nil, fmt.Errorf("line %s: %w", strconv.Itoa(line), err)
		}
		out = append(out, x)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading extractions: %w", err)
	}
	return out, nil
}
