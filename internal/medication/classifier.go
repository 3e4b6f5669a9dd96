// Package medication assigns therapy categories to medication events using
// maintained reference lists.
package medication

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/patient-timeline-engine/internal/domain"
)

// MatchTier records which reference lookup produced a category.
type MatchTier string

const (
	MatchCode     MatchTier = "code"
	MatchName     MatchTier = "name"
	MatchFreeText MatchTier = "free_text"
	MatchDefault  MatchTier = "default"
)

// Input is the medication information consulted by the classifier.
type Input struct {
	Codes []string // RxNorm codes
	Name  string   // drug name, usually the event subtype
	Text  string   // free text, usually the event description
}

// Result is a classification outcome.
type Result struct {
	Category domain.MedicationCategory
	Tier     MatchTier
	Term     string // the code, name or pattern that matched
}

type categoryTable struct {
	category domain.MedicationCategory
	codes    map[string]bool
	names    map[string]bool
	terms    []string // normalised names, in list order
	patterns []string // class words and regimen names, lower-case
}

// Classifier is safe for concurrent use; it holds no per-call state beyond
// a memo of previous answers.
type Classifier struct {
	tables  []categoryTable
	version string
	cache   *lru.Cache[string, Result]
	logger  *logrus.Logger
}

// NewClassifier builds a classifier over the given lists. cacheSize bounds
// the memo of previously seen medication strings.
func NewClassifier(lists *ReferenceLists, cacheSize int, logger *logrus.Logger) (*Classifier, error) {
	if err := lists.Validate(); err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, Result](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier cache: %w", err)
	}

	c := &Classifier{version: lists.Version, cache: cache, logger: logger}
	for _, list := range lists.Categories {
		t := categoryTable{
			category: list.Category,
			codes:    make(map[string]bool, len(list.RxNorm)),
			names:    make(map[string]bool, len(list.Names)),
		}
		for _, code := range list.RxNorm {
			t.codes[strings.TrimSpace(code)] = true
		}
		for _, name := range list.Names {
			n := NormalizeName(name)
			if n == "" {
				continue
			}
			t.names[n] = true
			t.terms = append(t.terms, n)
		}
		for _, p := range list.Patterns {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				t.patterns = append(t.patterns, p)
			}
		}
		c.tables = append(c.tables, t)
	}

	logger.WithFields(logrus.Fields{
		"version":    lists.Version,
		"categories": len(c.tables),
	}).Debug("Medication classifier initialised")
	return c, nil
}

// Version returns the reference list version.
func (c *Classifier) Version() string {
	return c.version
}

// Classify returns exactly one category for the input. Lookups run in
// precedence order: exact code, normalised name, a listed drug name inside
// the medication name, a listed drug name in the free text, a class pattern
// in the free text, and finally the Other default.
func (c *Classifier) Classify(in Input) Result {
	key := cacheKey(in)
	if r, ok := c.cache.Get(key); ok {
		return r
	}
	r := c.classify(in)
	c.cache.Add(key, r)
	return r
}

func (c *Classifier) classify(in Input) Result {
	for _, code := range in.Codes {
		code = strings.TrimSpace(code)
		for _, t := range c.tables {
			if t.codes[code] {
				return Result{Category: t.category, Tier: MatchCode, Term: code}
			}
		}
	}

	if name := NormalizeName(in.Name); name != "" {
		for _, t := range c.tables {
			if t.names[name] {
				return Result{Category: t.category, Tier: MatchName, Term: name}
			}
		}
		if r, ok := c.search(name, MatchName, func(t categoryTable) []string { return t.terms }); ok {
			return r
		}
	}

	text := strings.ToLower(in.Name + " " + in.Text)
	if r, ok := c.search(text, MatchFreeText, func(t categoryTable) []string { return t.terms }); ok {
		return r
	}
	if r, ok := c.search(text, MatchFreeText, func(t categoryTable) []string { return t.patterns }); ok {
		return r
	}

	return Result{Category: domain.MedicationOther, Tier: MatchDefault}
}

// search returns the first term of any table, in table order, that occurs in
// text.
func (c *Classifier) search(text string, tier MatchTier, terms func(categoryTable) []string) (Result, bool) {
	for _, t := range c.tables {
		for _, term := range terms(t) {
			if strings.Contains(text, term) {
				return Result{Category: t.category, Tier: tier, Term: term}, true
			}
		}
	}
	return Result{}, false
}

// ClassifyEvent classifies a medication event from its RxNorm codes,
// subtype and description.
func (c *Classifier) ClassifyEvent(e *domain.Event) Result {
	return c.Classify(Input{Codes: e.RxNorm, Name: e.EventSubtype, Text: e.Description})
}

// Apply overwrites event_category on every Medication-typed event with the
// classifier's answer and leaves all other events untouched. It returns the
// number of medication events classified.
func (c *Classifier) Apply(events []domain.Event) int {
	n := 0
	for i := range events {
		e := &events[i]
		if e.EventType != domain.EventTypeMedication {
			continue
		}
		r := c.ClassifyEvent(e)
		if e.EventCategory != string(r.Category) {
			c.logger.WithFields(logrus.Fields{
				"event_id": e.EventID,
				"from":     e.EventCategory,
				"to":       r.Category,
				"tier":     r.Tier,
			}).Trace("Medication re-labelled")
		}
		e.EventCategory = string(r.Category)
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata["medication_match"] = string(r.Tier)
		n++
	}
	return n
}

var (
	parenthetical = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]`)
	doseToken     = regexp.MustCompile(`\b\d+(\.\d+)?\s*(mg/m2|mg/ml|mcg|mg|ml|units|unit|iu|g|%)?\b`)
	nonName       = regexp.MustCompile(`[^a-z0-9/\- ]+`)
	spaces        = regexp.MustCompile(`\s+`)
)

// formTokens are dosage-form and salt words stripped from drug names.
var formTokens = map[string]bool{
	"hydrochloride": true, "hcl": true, "sodium": true, "sulfate": true,
	"mesylate": true, "citrate": true, "tartrate": true, "acetate": true,
	"phosphate": true, "injection": true, "injectable": true, "tablet": true,
	"tablets": true, "capsule": true, "capsules": true, "oral": true,
	"iv": true, "solution": true, "infusion": true, "in": true, "ns": true,
	"d5w": true, "liposomal": true, "for": true, "suspension": true,
}

// NormalizeName lower-cases a drug name and strips bracketed brand names,
// doses, salts and dosage forms.
func NormalizeName(name string) string {
	n := strings.ToLower(name)
	n = parenthetical.ReplaceAllString(n, " ")
	n = doseToken.ReplaceAllString(n, " ")
	n = nonName.ReplaceAllString(n, " ")

	var kept []string
	for _, tok := range strings.Fields(n) {
		if formTokens[tok] {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.TrimSpace(spaces.ReplaceAllString(strings.Join(kept, " "), " "))
}

func cacheKey(in Input) string {
	return strings.Join(in.Codes, ",") + "\x1f" + in.Name + "\x1f" + in.Text
}
