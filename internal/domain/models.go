package domain

import (
	"time"
)

// Patient is one row of the patients table.
type Patient struct {
	PatientID          string     `json:"patient_id"`
	BirthDate          *time.Time `json:"birth_date,omitempty"`
	Sex                *string    `json:"sex,omitempty"`
	Race               *string    `json:"race,omitempty"`
	Ethnicity          *string    `json:"ethnicity,omitempty"`
	FirstDiagnosisDate *time.Time `json:"first_diagnosis_date,omitempty"`
	FirstSurgeryDate   *time.Time `json:"first_surgery_date,omitempty"`
	FirstTreatmentDate *time.Time `json:"first_treatment_date,omitempty"`
	FirstRadiationDate *time.Time `json:"first_radiation_date,omitempty"`
	LastFollowUpDate   *time.Time `json:"last_followup_date,omitempty"`
	Deceased           bool       `json:"deceased"`
	DeathDate          *time.Time `json:"death_date,omitempty"`
	AgeAtDiagnosisDays *int       `json:"age_at_diagnosis_days,omitempty"`
	AgeAtSurgeryDays   *int       `json:"age_at_surgery_days,omitempty"`
	FollowUpDays       *int       `json:"followup_days,omitempty"`
	BuiltAt            time.Time  `json:"built_at"`
	DataVersion        string     `json:"data_version"`
}

// Milestones returns the milestone set recorded on the patient row.
func (p *Patient) Milestones() Milestones {
	return Milestones{
		Diagnosis:    p.FirstDiagnosisDate,
		Surgery:      p.FirstSurgeryDate,
		Treatment:    p.FirstTreatmentDate,
		Radiation:    p.FirstRadiationDate,
		LastFollowUp: p.LastFollowUpDate,
	}
}

// Codes holds the coded identifiers of an event. One event may carry several
// codes per vocabulary.
type Codes struct {
	ICD    []string `json:"icd_codes,omitempty"`
	CPT    []string `json:"cpt_codes,omitempty"`
	LOINC  []string `json:"loinc_codes,omitempty"`
	RxNorm []string `json:"rxnorm_codes,omitempty"`
}

// Event is one clinical occurrence on a patient's timeline.
type Event struct {
	EventID         string        `json:"event_id"`
	PatientID       string        `json:"patient_id"`
	EventDate       time.Time     `json:"event_date"`
	DatePrecision   DatePrecision `json:"date_precision"`
	AgeAtEventDays  *int          `json:"age_at_event_days,omitempty"`
	AgeAtEventYears *float64      `json:"age_at_event_years,omitempty"`

	EventType     EventType `json:"event_type"`
	EventCategory string    `json:"event_category"`
	EventSubtype  string    `json:"event_subtype"`
	Description   string    `json:"description"`
	Status        string    `json:"status"`

	SourceView     string `json:"source_view"`
	SourceDomain   string `json:"source_domain"`
	SourceRecordID string `json:"source_record_id"`

	Codes

	DaysFromDiagnosis *int            `json:"days_from_diagnosis,omitempty"`
	DaysFromSurgery   *int            `json:"days_from_surgery,omitempty"`
	DaysFromTreatment *int            `json:"days_from_treatment,omitempty"`
	DaysFromRadiation *int            `json:"days_from_radiation,omitempty"`
	DiseasePhase      DiseasePhase    `json:"disease_phase,omitempty"`
	TreatmentStatus   TreatmentStatus `json:"treatment_status,omitempty"`

	Metadata   map[string]any `json:"metadata,omitempty"`
	LoadSource string         `json:"load_source"`
	LoadedAt   time.Time      `json:"loaded_at"`
}

// HasDate reports whether the event carries a usable date. Events whose
// source date could not be parsed are kept with PrecisionUnknown.
func (e *Event) HasDate() bool {
	return e.DatePrecision != PrecisionUnknown && !e.EventDate.IsZero()
}

// Milestones is the set of anchor dates derived from a patient's events.
// Any field may be nil when no qualifying event exists.
type Milestones struct {
	Diagnosis    *time.Time `json:"diagnosis,omitempty"`
	Surgery      *time.Time `json:"surgery,omitempty"`
	Treatment    *time.Time `json:"treatment,omitempty"`
	Radiation    *time.Time `json:"radiation,omitempty"`
	LastFollowUp *time.Time `json:"last_followup,omitempty"`

	// Sources maps milestone name to the event id that set it.
	Sources map[string]string `json:"sources,omitempty"`
}

// ExtractedVariable is a clinical value produced by the document extraction
// pipeline and anchored to a timeline event. Rows are immutable once written.
type ExtractedVariable struct {
	ExtractionID  string     `json:"extraction_id"`
	PatientID     string     `json:"patient_id"`
	EventID       *string    `json:"event_id,omitempty"`
	DocumentType  string     `json:"document_type,omitempty"`
	DocumentDate  *time.Time `json:"document_date,omitempty"`
	SourceExcerpt string     `json:"source_excerpt,omitempty"`
	VariableName  string     `json:"variable_name"`
	VariableValue string     `json:"variable_value"`
	Confidence    float64    `json:"confidence"`

	EventDate            *time.Time      `json:"event_date,omitempty"`
	EventDiseasePhase    DiseasePhase    `json:"event_disease_phase,omitempty"`
	EventTreatmentStatus TreatmentStatus `json:"event_treatment_status,omitempty"`

	ExtractionMethod    string    `json:"extraction_method"`
	ExtractionTimestamp time.Time `json:"extraction_timestamp"`
	ModelVersion        string    `json:"model_version,omitempty"`
	PromptVersion       string    `json:"prompt_version,omitempty"`

	Validated        bool             `json:"validated"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	ValidationNotes  string           `json:"validation_notes,omitempty"`

	ConflictsWith      []string     `json:"conflicts_with,omitempty"`
	ConflictResolution ConflictRule `json:"conflict_resolution,omitempty"`
	Supersedes         *string      `json:"supersedes,omitempty"`
}

// PatientRecord is the demographic row supplied by the event feed.
type PatientRecord struct {
	PatientID string     `json:"patient_id"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Sex       *string    `json:"sex,omitempty"`
	Race      *string    `json:"race,omitempty"`
	Ethnicity *string    `json:"ethnicity,omitempty"`
	Deceased  bool       `json:"deceased"`
	DeathDate *time.Time `json:"death_date,omitempty"`
}

// RawEvent is one record of the unified per-patient event feed, before
// classification and annotation.
type RawEvent struct {
	PatientID      string         `json:"patient_id"`
	SourceRecordID string         `json:"source_record_id"`
	EventDate      string         `json:"event_date"`
	DatePrecision  string         `json:"date_precision,omitempty"`
	EventType      string         `json:"event_type"`
	EventCategory  string         `json:"event_category,omitempty"`
	EventSubtype   string         `json:"event_subtype,omitempty"`
	Description    string         `json:"description,omitempty"`
	Status         string         `json:"status,omitempty"`
	SourceView     string         `json:"source_view"`
	SourceDomain   string         `json:"source_domain"`
	ICDCodes       []string       `json:"icd_codes,omitempty"`
	CPTCodes       []string       `json:"cpt_codes,omitempty"`
	LOINCCodes     []string       `json:"loinc_codes,omitempty"`
	RxNormCodes    []string       `json:"rxnorm_codes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
