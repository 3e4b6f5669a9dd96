package timeline

import (
	"time"

	"github.com/patient-timeline-engine/internal/domain"
)

// Windows holds the phase window lengths in days.
type Windows struct {
	Diagnostic   int
	PostSurgical int
	Treatment    int
}

// DefaultWindows returns the 90/180/365 day windows.
func DefaultWindows() Windows {
	return Windows{Diagnostic: 90, PostSurgical: 180, Treatment: 365}
}

// WindowsFromConfig maps annotator configuration onto Windows.
func WindowsFromConfig(cfg domain.AnnotatorConfig) Windows {
	return Windows{
		Diagnostic:   cfg.DiagnosticWindowDays,
		PostSurgical: cfg.PostSurgicalWindowDays,
		Treatment:    cfg.TreatmentWindowDays,
	}
}

// Offsets are signed day counts from each milestone to an event
// (event date minus milestone). A nil offset means the milestone is absent.
type Offsets struct {
	Diagnosis *int
	Surgery   *int
	Treatment *int
	Radiation *int
}

// OffsetsFor computes the four offsets for an event. Events without a
// usable date get no offsets.
func OffsetsFor(e *domain.Event, m domain.Milestones) Offsets {
	if !e.HasDate() {
		return Offsets{}
	}
	return Offsets{
		Diagnosis: offset(e, m.Diagnosis),
		Surgery:   offset(e, m.Surgery),
		Treatment: offset(e, m.Treatment),
		Radiation: offset(e, m.Radiation),
	}
}

// PhaseRule is one row of the disease-phase table.
type PhaseRule struct {
	Phase       domain.DiseasePhase
	Description string
	Matches     func(o Offsets, w Windows) bool
}

// PhaseRules is evaluated in order; the first matching rule assigns the
// phase and Observation applies when none match.
var PhaseRules = []PhaseRule{
	{
		Phase:       domain.PhasePreDiagnosis,
		Description: "before diagnosis and before any surgery or treatment milestone",
		Matches: func(o Offsets, w Windows) bool {
			known := 0
			for _, d := range []*int{o.Diagnosis, o.Surgery, o.Treatment} {
				if d == nil {
					continue
				}
				if *d >= 0 {
					return false
				}
				known++
			}
			return known > 0
		},
	},
	{
		Phase:       domain.PhaseDiagnostic,
		Description: "on or after diagnosis, within the diagnostic window before surgery or, without surgery, treatment",
		Matches: func(o Offsets, w Windows) bool {
			anchor := o.Surgery
			if anchor == nil {
				anchor = o.Treatment
			}
			return o.Diagnosis != nil && *o.Diagnosis >= 0 &&
				anchor != nil && *anchor < 0 && -*anchor <= w.Diagnostic
		},
	},
	{
		Phase:       domain.PhasePostSurgical,
		Description: "on or after surgery, within the post-surgical window before treatment",
		Matches: func(o Offsets, w Windows) bool {
			return o.Surgery != nil && *o.Surgery >= 0 &&
				o.Treatment != nil && *o.Treatment < 0 && -*o.Treatment <= w.PostSurgical
		},
	},
	{
		Phase:       domain.PhaseOnTreatment,
		Description: "within the treatment window starting at treatment",
		Matches: func(o Offsets, w Windows) bool {
			return o.Treatment != nil && *o.Treatment >= 0 && *o.Treatment <= w.Treatment
		},
	},
	{
		Phase:       domain.PhaseSurveillance,
		Description: "beyond the treatment window",
		Matches: func(o Offsets, w Windows) bool {
			return o.Treatment != nil && *o.Treatment > w.Treatment
		},
	},
}

// StatusRule is one row of the treatment-status table.
type StatusRule struct {
	Status  domain.TreatmentStatus
	Matches func(o Offsets, w Windows) bool
}

// StatusRules is evaluated in order; Treatment-naive applies when none match.
var StatusRules = []StatusRule{
	{
		Status: domain.StatusOnTreatment,
		Matches: func(o Offsets, w Windows) bool {
			return o.Treatment != nil && *o.Treatment >= 0 && *o.Treatment <= w.Treatment
		},
	},
	{
		Status: domain.StatusOffTreatment,
		Matches: func(o Offsets, w Windows) bool {
			return o.Treatment != nil && *o.Treatment > w.Treatment
		},
	},
}

// Annotator assigns temporal context to events. It has no mutable state.
type Annotator struct {
	windows Windows
}

// NewAnnotator creates an annotator with the given windows.
func NewAnnotator(w Windows) *Annotator {
	return &Annotator{windows: w}
}

// Windows returns the configured windows.
func (a *Annotator) Windows() Windows {
	return a.windows
}

// Phase returns the disease phase for a set of offsets.
func (a *Annotator) Phase(o Offsets) domain.DiseasePhase {
	for _, rule := range PhaseRules {
		if rule.Matches(o, a.windows) {
			return rule.Phase
		}
	}
	return domain.PhaseObservation
}

// Status returns the treatment status for a set of offsets.
func (a *Annotator) Status(o Offsets) domain.TreatmentStatus {
	for _, rule := range StatusRules {
		if rule.Matches(o, a.windows) {
			return rule.Status
		}
	}
	return domain.StatusTreatmentNaive
}

// Annotate returns a copy of e with offsets, phase and status set from m.
func (a *Annotator) Annotate(e domain.Event, m domain.Milestones) domain.Event {
	o := OffsetsFor(&e, m)
	e.DaysFromDiagnosis = o.Diagnosis
	e.DaysFromSurgery = o.Surgery
	e.DaysFromTreatment = o.Treatment
	e.DaysFromRadiation = o.Radiation
	e.DiseasePhase = a.Phase(o)
	e.TreatmentStatus = a.Status(o)
	return e
}

// AnnotateAll annotates every event into a new slice.
func (a *Annotator) AnnotateAll(events []domain.Event, m domain.Milestones) []domain.Event {
	out := make([]domain.Event, len(events))
	for i := range events {
		out[i] = a.Annotate(events[i], m)
	}
	return out
}

func offset(e *domain.Event, milestone *time.Time) *int {
	if milestone == nil {
		return nil
	}
	d := DaysBetween(*milestone, e.EventDate)
	return &d
}
