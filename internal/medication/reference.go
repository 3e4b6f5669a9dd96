package medication

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/patient-timeline-engine/internal/domain"
)

//go:embed reference_lists.yaml
var defaultReferenceLists []byte

// CategoryList is the reference data for one therapy category.
type CategoryList struct {
	Category domain.MedicationCategory `yaml:"category"`
	RxNorm   []string                  `yaml:"rxnorm"`
	Names    []string                  `yaml:"names"`
	Patterns []string                  `yaml:"patterns"`
}

// ReferenceLists is the full, ordered set of category lists.
type ReferenceLists struct {
	Version    string         `yaml:"version"`
	Categories []CategoryList `yaml:"categories"`
}

// DefaultReferenceLists returns the lists compiled into the binary.
func DefaultReferenceLists() (*ReferenceLists, error) {
	return ParseReferenceLists(bytes.NewReader(defaultReferenceLists))
}

// LoadReferenceLists reads lists from a YAML file on disk.
func LoadReferenceLists(path string) (*ReferenceLists, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening reference lists: %w", err)
	}
	defer f.Close()
	return ParseReferenceLists(f)
}

// ParseReferenceLists decodes and validates YAML reference lists.
func ParseReferenceLists(r io.Reader) (*ReferenceLists, error) {
	var lists ReferenceLists
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&lists); err != nil {
		return nil, fmt.Errorf("decoding reference lists: %w", err)
	}
	if err := lists.Validate(); err != nil {
		return nil, err
	}
	return &lists, nil
}

// Validate checks that every list names a known, non-default category
// exactly once.
func (l *ReferenceLists) Validate() error {
	if len(l.Categories) == 0 {
		return domain.NewValidationError("categories", "at least one category list is required", nil)
	}
	seen := make(map[domain.MedicationCategory]bool)
	for _, c := range l.Categories {
		if !c.Category.IsValid() || c.Category == domain.MedicationOther {
			return domain.NewValidationError("category", "unknown or reserved category", c.Category)
		}
		if seen[c.Category] {
			return domain.NewValidationError("category", "listed more than once", c.Category)
		}
		seen[c.Category] = true
	}
	return nil
}
