// Package domain contains the core entities of the patient timeline engine:
// patients, clinical events, milestone sets and the variables extracted from
// clinical documents, together with the enumerations that classify events
// relative to a patient's course of care.
package domain

// EventType is the coarse event taxonomy supplied by the event feed.
type EventType string

const (
	EventTypeImaging    EventType = "Imaging"
	EventTypeProcedure  EventType = "Procedure"
	EventTypeMedication EventType = "Medication"
	EventTypeDiagnosis  EventType = "Diagnosis"
	EventTypeRadiation  EventType = "Radiation"
	EventTypeLab        EventType = "Lab"
	EventTypeEncounter  EventType = "Encounter"
	EventTypePathology  EventType = "Pathology"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// CategorySurgery is the procedure category that qualifies for the surgery milestone.
const CategorySurgery = "Surgery"

// MedicationCategory is the therapy class assigned by the medication classifier.
type MedicationCategory string

const (
	MedicationChemotherapy    MedicationCategory = "Chemotherapy"
	MedicationTargetedTherapy MedicationCategory = "Targeted Therapy"
	MedicationSupportiveCare  MedicationCategory = "Supportive Care"
	MedicationOther           MedicationCategory = "Other"
)

// IsValid reports whether the category is one of the four known classes.
func (c MedicationCategory) IsValid() bool {
	switch c {
	case MedicationChemotherapy, MedicationTargetedTherapy, MedicationSupportiveCare, MedicationOther:
		return true
	default:
		return false
	}
}

// IsTreatment reports whether the category counts towards the treatment milestone.
func (c MedicationCategory) IsTreatment() bool {
	return c == MedicationChemotherapy || c == MedicationTargetedTherapy
}

// String returns the string representation of the category.
func (c MedicationCategory) String() string {
	return string(c)
}

// DatePrecision records the granularity of a source event date.
type DatePrecision string

const (
	PrecisionDay     DatePrecision = "day"
	PrecisionMonth   DatePrecision = "month"
	PrecisionYear    DatePrecision = "year"
	PrecisionUnknown DatePrecision = "unknown"
)

// IsValid reports whether the precision is a known tag.
func (p DatePrecision) IsValid() bool {
	switch p {
	case PrecisionDay, PrecisionMonth, PrecisionYear, PrecisionUnknown:
		return true
	default:
		return false
	}
}

// DiseasePhase places an event relative to the patient's milestones.
type DiseasePhase string

const (
	PhasePreDiagnosis DiseasePhase = "Pre-diagnosis"
	PhaseDiagnostic   DiseasePhase = "Diagnostic"
	PhasePostSurgical DiseasePhase = "Post-surgical"
	PhaseOnTreatment  DiseasePhase = "On-treatment"
	PhaseSurveillance DiseasePhase = "Surveillance"
	PhaseObservation  DiseasePhase = "Observation"
)

// IsValid reports whether the phase is one of the six defined states.
func (p DiseasePhase) IsValid() bool {
	switch p {
	case PhasePreDiagnosis, PhaseDiagnostic, PhasePostSurgical,
		PhaseOnTreatment, PhaseSurveillance, PhaseObservation:
		return true
	default:
		return false
	}
}

// String returns the string representation of the phase.
func (p DiseasePhase) String() string {
	return string(p)
}

// TreatmentStatus places an event relative to the treatment milestone only.
type TreatmentStatus string

const (
	StatusTreatmentNaive TreatmentStatus = "Treatment-naive"
	StatusOnTreatment    TreatmentStatus = "On-treatment"
	StatusOffTreatment   TreatmentStatus = "Off-treatment"
)

// IsValid reports whether the status is one of the three defined states.
func (s TreatmentStatus) IsValid() bool {
	switch s {
	case StatusTreatmentNaive, StatusOnTreatment, StatusOffTreatment:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s TreatmentStatus) String() string {
	return string(s)
}

// ValidationStatus tracks review state of an extracted variable.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationValidated ValidationStatus = "validated"
	ValidationRejected  ValidationStatus = "rejected"
)

// ConflictRule names how competing extractions for the same event and
// variable are resolved.
type ConflictRule string

const (
	ConflictRuleNone              ConflictRule = "none"
	ConflictRuleHighestConfidence ConflictRule = "highest_confidence"
	ConflictRuleMostRecent        ConflictRule = "most_recent"
)

// IsValid reports whether the rule is known.
func (r ConflictRule) IsValid() bool {
	switch r {
	case ConflictRuleNone, ConflictRuleHighestConfidence, ConflictRuleMostRecent:
		return true
	default:
		return false
	}
}
