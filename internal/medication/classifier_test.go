package medication

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patient-timeline-engine/internal/domain"
	"github.com/patient-timeline-engine/internal/logging"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	lists, err := DefaultReferenceLists()
	require.NoError(t, err)
	c, err := NewClassifier(lists, 64, logging.Discard())
	require.NoError(t, err)
	return c
}

func TestClassifier_Classify(t *testing.T) {
	c := newTestClassifier(t)

	tests := []struct {
		name     string
		input    Input
		expected domain.MedicationCategory
		tier     MatchTier
	}{
		{"rxnorm code", Input{Codes: []string{"56946"}}, domain.MedicationChemotherapy, MatchCode},
		{"code beats name", Input{Codes: []string{"26225"}, Name: "paclitaxel"}, domain.MedicationSupportiveCare, MatchCode},
		{"unknown code falls to name", Input{Codes: []string{"999999"}, Name: "Trastuzumab (Herceptin) 440 mg IV"}, domain.MedicationTargetedTherapy, MatchName},
		{"salt and form stripped", Input{Name: "Ondansetron HCl 8 mg tablet"}, domain.MedicationSupportiveCare, MatchName},
		{"dose per area stripped", Input{Name: "Paclitaxel 175 mg/m2 IV"}, domain.MedicationChemotherapy, MatchName},
		{"free text regimen", Input{Name: "Cycle 3", Text: "FOLFOX day 1"}, domain.MedicationChemotherapy, MatchFreeText},
		{"free text class", Input{Text: "started CDK4/6 inhibitor"}, domain.MedicationTargetedTherapy, MatchFreeText},
		{"own name beats class word in text", Input{Name: "Ondansetron ODT 8 mg", Text: "for chemotherapy-induced nausea"}, domain.MedicationSupportiveCare, MatchName},
		{"own name beats paired drug in text", Input{Name: "Dexamethasone elixir", Text: "premedication before paclitaxel"}, domain.MedicationSupportiveCare, MatchName},
		{"drug in text beats class word", Input{Name: "Cycle 1", Text: "filgrastim support after chemotherapy"}, domain.MedicationSupportiveCare, MatchFreeText},
		{"unmatched", Input{Name: "Lisinopril 10 mg", Codes: []string{"29046"}}, domain.MedicationOther, MatchDefault},
		{"empty", Input{}, domain.MedicationOther, MatchDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := c.Classify(tt.input)
			assert.Equal(t, tt.expected, r.Category)
			assert.Equal(t, tt.tier, r.Tier)
		})
	}
}

func TestClassifier_Deterministic(t *testing.T) {
	c := newTestClassifier(t)
	in := Input{Name: "Pembrolizumab 200 mg"}

	first := c.Classify(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify(in))
	}

	// A fresh classifier without the memo agrees.
	assert.Equal(t, first, newTestClassifier(t).Classify(in))
}

func TestClassifier_ApplyOnlyTouchesMedications(t *testing.T) {
	c := newTestClassifier(t)

	events := []domain.Event{
		{EventID: "a", EventType: domain.EventTypeMedication, EventCategory: "Drug", EventSubtype: "Carboplatin"},
		{EventID: "b", EventType: domain.EventTypeProcedure, EventCategory: domain.CategorySurgery, EventSubtype: "Carboplatin"},
		{EventID: "c", EventType: domain.EventTypeMedication, EventCategory: "Drug", Description: "Tylenol PRN"},
	}

	n := c.Apply(events)
	assert.Equal(t, 2, n)
	assert.Equal(t, "Chemotherapy", events[0].EventCategory)
	assert.Equal(t, domain.CategorySurgery, events[1].EventCategory)
	assert.Nil(t, events[1].Metadata)
	assert.Equal(t, "Other", events[2].EventCategory)
	assert.Equal(t, "default", events[2].Metadata["medication_match"])
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"Paclitaxel":                 "paclitaxel",
		"DOXOrubicin HCl 50 mg/ml":   "doxorubicin",
		"Zoledronic Acid 4 mg in NS": "zoledronic acid",
		"Trastuzumab [Herceptin]":    "trastuzumab",
		"  ":                         "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeName(in), in)
	}
}

func TestNewClassifier_RejectsInvalidLists(t *testing.T) {
	_, err := NewClassifier(&ReferenceLists{}, 8, logging.Discard())
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)

	lists := &ReferenceLists{Categories: []CategoryList{{Category: domain.MedicationOther}}}
	_, err = NewClassifier(lists, 8, logging.Discard())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "reserved"))
}
