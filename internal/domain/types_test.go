package domain

import (
	"testing"
	"time"
)

func TestDiseasePhaseValues(t *testing.T) {
	tests := []struct {
		name     string
		value    DiseasePhase
		expected string
	}{
		{"Pre-diagnosis", PhasePreDiagnosis, "Pre-diagnosis"},
		{"Diagnostic", PhaseDiagnostic, "Diagnostic"},
		{"Post-surgical", PhasePostSurgical, "Post-surgical"},
		{"On-treatment", PhaseOnTreatment, "On-treatment"},
		{"Surveillance", PhaseSurveillance, "Surveillance"},
		{"Observation", PhaseObservation, "Observation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value.String() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.value)
			}
			if !tt.value.IsValid() {
				t.Errorf("Expected %s to be valid", tt.value)
			}
		})
	}

	if DiseasePhase("Remission").IsValid() {
		t.Error("Expected unknown phase to be invalid")
	}
}

func TestTreatmentStatusValues(t *testing.T) {
	for _, s := range []TreatmentStatus{StatusTreatmentNaive, StatusOnTreatment, StatusOffTreatment} {
		if !s.IsValid() {
			t.Errorf("Expected %s to be valid", s)
		}
	}
	if TreatmentStatus("").IsValid() {
		t.Error("Expected empty status to be invalid")
	}
}

func TestMedicationCategory(t *testing.T) {
	tests := []struct {
		category  MedicationCategory
		valid     bool
		treatment bool
	}{
		{MedicationChemotherapy, true, true},
		{MedicationTargetedTherapy, true, true},
		{MedicationSupportiveCare, true, false},
		{MedicationOther, true, false},
		{MedicationCategory("Immunotherapy"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.category.String(), func(t *testing.T) {
			if got := tt.category.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
			if got := tt.category.IsTreatment(); got != tt.treatment {
				t.Errorf("IsTreatment() = %v, want %v", got, tt.treatment)
			}
		})
	}
}

func TestConflictRule(t *testing.T) {
	for _, r := range []ConflictRule{ConflictRuleNone, ConflictRuleHighestConfidence, ConflictRuleMostRecent} {
		if !r.IsValid() {
			t.Errorf("Expected %s to be valid", r)
		}
	}
	if ConflictRule("first_wins").IsValid() {
		t.Error("Expected unknown rule to be invalid")
	}
}

func TestEventHasDate(t *testing.T) {
	day := time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{"day precision", Event{EventDate: day, DatePrecision: PrecisionDay}, true},
		{"year precision", Event{EventDate: day, DatePrecision: PrecisionYear}, true},
		{"unknown precision", Event{EventDate: day, DatePrecision: PrecisionUnknown}, false},
		{"zero date", Event{DatePrecision: PrecisionDay}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.HasDate(); got != tt.want {
				t.Errorf("HasDate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPatientMilestones(t *testing.T) {
	dx := time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC)
	tx := dx.AddDate(0, 1, 0)
	p := &Patient{PatientID: "P1", FirstDiagnosisDate: &dx, FirstTreatmentDate: &tx}

	m := p.Milestones()
	if m.Diagnosis == nil || !m.Diagnosis.Equal(dx) {
		t.Errorf("Expected diagnosis %v, got %v", dx, m.Diagnosis)
	}
	if m.Treatment == nil || !m.Treatment.Equal(tx) {
		t.Errorf("Expected treatment %v, got %v", tx, m.Treatment)
	}
	if m.Surgery != nil || m.Radiation != nil || m.LastFollowUp != nil {
		t.Error("Expected unset milestones to stay nil")
	}
}
