package timeline

import (
	"strings"
	"time"

	"github.com/patient-timeline-engine/internal/domain"
)

// Milestone names used as keys of domain.Milestones.Sources.
const (
	MilestoneDiagnosis    = "diagnosis"
	MilestoneSurgery      = "surgery"
	MilestoneTreatment    = "treatment"
	MilestoneRadiation    = "radiation"
	MilestoneLastFollowUp = "last_followup"
)

// SourceDeath marks a last follow-up taken from the recorded death date.
const SourceDeath = "death_date"

// MilestoneRule selects the events that qualify for one milestone. The
// milestone is the earliest qualifying event date.
type MilestoneRule struct {
	Name    string
	Matches func(e *domain.Event) bool
	Field   func(m *domain.Milestones) **time.Time
}

// MilestoneRules is the ordered rule table for the four anchor milestones.
var MilestoneRules = []MilestoneRule{
	{
		Name:    MilestoneDiagnosis,
		Matches: func(e *domain.Event) bool { return e.EventType == domain.EventTypeDiagnosis },
		Field:   func(m *domain.Milestones) **time.Time { return &m.Diagnosis },
	},
	{
		Name: MilestoneSurgery,
		Matches: func(e *domain.Event) bool {
			return e.EventType == domain.EventTypeProcedure && strings.EqualFold(e.EventCategory, domain.CategorySurgery)
		},
		Field: func(m *domain.Milestones) **time.Time { return &m.Surgery },
	},
	{
		Name: MilestoneTreatment,
		Matches: func(e *domain.Event) bool {
			return e.EventType == domain.EventTypeMedication && domain.MedicationCategory(e.EventCategory).IsTreatment()
		},
		Field: func(m *domain.Milestones) **time.Time { return &m.Treatment },
	},
	{
		Name:    MilestoneRadiation,
		Matches: func(e *domain.Event) bool { return e.EventType == domain.EventTypeRadiation },
		Field:   func(m *domain.Milestones) **time.Time { return &m.Radiation },
	},
}

// ComputeMilestones scans the classified events once. Events without a
// usable date never set a milestone. On equal dates the event that appears
// first in the input wins. deathDate, when later than every event, becomes
// the last follow-up.
func ComputeMilestones(events []domain.Event, deathDate *time.Time) domain.Milestones {
	m := domain.Milestones{Sources: make(map[string]string)}

	for i := range events {
		e := &events[i]
		if !e.HasDate() {
			continue
		}
		for _, rule := range MilestoneRules {
			if !rule.Matches(e) {
				continue
			}
			field := rule.Field(&m)
			if *field == nil || e.EventDate.Before(**field) {
				d := e.EventDate
				*field = &d
				m.Sources[rule.Name] = e.EventID
			}
		}
		if m.LastFollowUp == nil || e.EventDate.After(*m.LastFollowUp) {
			d := e.EventDate
			m.LastFollowUp = &d
			m.Sources[MilestoneLastFollowUp] = e.EventID
		}
	}

	if deathDate != nil && (m.LastFollowUp == nil || deathDate.After(*m.LastFollowUp)) {
		d := *deathDate
		m.LastFollowUp = &d
		m.Sources[MilestoneLastFollowUp] = SourceDeath
	}
	return m
}
