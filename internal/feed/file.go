package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/patient-timeline-engine/internal/domain"
)

// maxLineBytes bounds a single NDJSON record.
const maxLineBytes = 4 * 1024 * 1024

// FileReader serves the feed from an NDJSON export. Each line is an object
// with a "kind" of "patient" or "event" (the default).
type FileReader struct {
	path   string
	logger *logrus.Logger

	once     sync.Once
	loadErr  error
	patients map[string]*domain.PatientRecord
	events   map[string][]domain.RawEvent
}

// NewFileReader creates a reader over the NDJSON file at path. The file is
// parsed on first use.
func NewFileReader(path string, logger *logrus.Logger) (*FileReader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening feed file: %w", err)
	}
	return &FileReader{path: path, logger: logger}, nil
}

// NewFileReaderFrom parses an NDJSON stream eagerly.
func NewFileReaderFrom(r io.Reader, logger *logrus.Logger) (*FileReader, error) {
	fr := &FileReader{logger: logger}
	fr.once.Do(func() { fr.loadErr = fr.parse(r) })
	if fr.loadErr != nil {
		return nil, fr.loadErr
	}
	return fr, nil
}

func (r *FileReader) load() error {
	r.once.Do(func() {
		f, err := os.Open(r.path)
		if err != nil {
			r.loadErr = fmt.Errorf("opening feed file: %w", err)
			return
		}
		defer f.Close()
		r.loadErr = r.parse(f)
	})
	return r.loadErr
}

type fileRecord struct {
	Kind string `json:"kind"`
}

// filePatient carries demographic dates as text so partial dates parse the
// same way event dates do.
type filePatient struct {
	PatientID string  `json:"patient_id"`
	BirthDate string  `json:"birth_date"`
	Sex       *string `json:"sex"`
	Race      *string `json:"race"`
	Ethnicity *string `json:"ethnicity"`
	Deceased  bool    `json:"deceased"`
	DeathDate string  `json:"death_date"`
}

func (p filePatient) record() *domain.PatientRecord {
	rec := &domain.PatientRecord{
		PatientID: p.PatientID,
		Sex:       p.Sex,
		Race:      p.Race,
		Ethnicity: p.Ethnicity,
		Deceased:  p.Deceased,
	}
	if t, _, err := ParseDate(p.BirthDate, ""); err == nil {
		rec.BirthDate = &t
	}
	if t, _, err := ParseDate(p.DeathDate, ""); err == nil {
		rec.DeathDate = &t
	}
	return rec
}

func (r *FileReader) parse(src io.Reader) error {
	r.patients = make(map[string]*domain.PatientRecord)
	r.events = make(map[string][]domain.RawEvent)

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var head fileRecord
		if err := json.Unmarshal(raw, &head); err != nil {
			return fmt.Errorf("feed line %d: %w", line, err)
		}

		switch head.Kind {
		case "patient":
			var p filePatient
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("feed line %d: %w", line, err)
			}
			r.patients[p.PatientID] = p.record()
		case "", "event":
			var e domain.RawEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("feed line %d: %w", line, err)
			}
			r.events[e.PatientID] = append(r.events[e.PatientID], e)
		default:
			r.logger.WithFields(logrus.Fields{
				"line": line,
				"kind": head.Kind,
			}).Warn("Skipping feed record of unknown kind")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading feed: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"patients": len(r.patients),
		"lines":    line,
	}).Debug("Feed file parsed")
	return nil
}

// ListPatients returns every patient id seen in the file, sorted.
func (r *FileReader) ListPatients(ctx context.Context) ([]string, error) {
	if err := r.load(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for id := range r.patients {
		seen[id] = true
	}
	for id := range r.events {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadPatient returns the patient record. A patient with events but no
// demographic line gets an empty record.
func (r *FileReader) ReadPatient(ctx context.Context, patientID string) (*domain.PatientRecord, error) {
	if err := r.load(); err != nil {
		return nil, err
	}
	if p, ok := r.patients[patientID]; ok {
		cp := *p
		return &cp, nil
	}
	if _, ok := r.events[patientID]; ok {
		return &domain.PatientRecord{PatientID: patientID}, nil
	}
	return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
}

// ReadEvents returns the patient's events in file order.
func (r *FileReader) ReadEvents(ctx context.Context, patientID string) ([]domain.RawEvent, error) {
	if err := r.load(); err != nil {
		return nil, err
	}
	events := r.events[patientID]
	out := make([]domain.RawEvent, len(events))
	copy(out, events)
	return out, nil
}

// Close is a no-op for file readers.
func (r *FileReader) Close() error {
	return nil
}
