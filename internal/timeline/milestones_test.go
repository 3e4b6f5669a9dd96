package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patient-timeline-engine/internal/domain"
)

func typed(id string, n int, t domain.EventType, category string) domain.Event {
	return domain.Event{
		EventID:       id,
		EventDate:     dayN(n),
		DatePrecision: domain.PrecisionDay,
		EventType:     t,
		EventCategory: category,
	}
}

func TestComputeMilestones(t *testing.T) {
	events := []domain.Event{
		typed("img", -30, domain.EventTypeImaging, "CT"),
		typed("dx-late", 50, domain.EventTypeDiagnosis, "Tumor"),
		typed("dx", 0, domain.EventTypeDiagnosis, "Tumor"),
		typed("biopsy", 5, domain.EventTypeProcedure, "Biopsy"),
		typed("sx", 10, domain.EventTypeProcedure, "surgery"),
		typed("antiemetic", 20, domain.EventTypeMedication, "Supportive Care"),
		typed("chemo", 40, domain.EventTypeMedication, "Chemotherapy"),
		typed("tki", 30, domain.EventTypeMedication, "Targeted Therapy"),
		typed("rt", 90, domain.EventTypeRadiation, "EBRT"),
		typed("visit", 700, domain.EventTypeEncounter, "Office"),
	}

	m := ComputeMilestones(events, nil)
	require.NotNil(t, m.Diagnosis)
	assert.Equal(t, dayN(0), *m.Diagnosis)
	assert.Equal(t, dayN(10), *m.Surgery)
	assert.Equal(t, dayN(30), *m.Treatment, "targeted therapy counts as treatment")
	assert.Equal(t, dayN(90), *m.Radiation)
	assert.Equal(t, dayN(700), *m.LastFollowUp)

	assert.Equal(t, "dx", m.Sources[MilestoneDiagnosis])
	assert.Equal(t, "sx", m.Sources[MilestoneSurgery])
	assert.Equal(t, "tki", m.Sources[MilestoneTreatment])
	assert.Equal(t, "rt", m.Sources[MilestoneRadiation])
	assert.Equal(t, "visit", m.Sources[MilestoneLastFollowUp])
}

func TestComputeMilestones_NoQualifyingEvents(t *testing.T) {
	events := []domain.Event{
		typed("img", 0, domain.EventTypeImaging, "CT"),
		typed("support", 3, domain.EventTypeMedication, "Supportive Care"),
	}

	m := ComputeMilestones(events, nil)
	assert.Nil(t, m.Diagnosis)
	assert.Nil(t, m.Surgery)
	assert.Nil(t, m.Treatment)
	assert.Nil(t, m.Radiation)
	require.NotNil(t, m.LastFollowUp)
	assert.Equal(t, dayN(3), *m.LastFollowUp)

	empty := ComputeMilestones(nil, nil)
	assert.Nil(t, empty.LastFollowUp)
}

func TestComputeMilestones_TiesKeepInputOrder(t *testing.T) {
	events := []domain.Event{
		typed("first", 0, domain.EventTypeDiagnosis, ""),
		typed("second", 0, domain.EventTypeDiagnosis, ""),
	}

	m := ComputeMilestones(events, nil)
	assert.Equal(t, "first", m.Sources[MilestoneDiagnosis])
}

func TestComputeMilestones_SkipsMalformedDates(t *testing.T) {
	events := []domain.Event{
		{EventID: "undated", EventType: domain.EventTypeDiagnosis, DatePrecision: domain.PrecisionUnknown},
		typed("dx", 12, domain.EventTypeDiagnosis, ""),
	}

	m := ComputeMilestones(events, nil)
	require.NotNil(t, m.Diagnosis)
	assert.Equal(t, dayN(12), *m.Diagnosis)
	assert.Equal(t, "dx", m.Sources[MilestoneDiagnosis])
}

func TestComputeMilestones_DeathDateExtendsFollowUp(t *testing.T) {
	events := []domain.Event{typed("dx", 0, domain.EventTypeDiagnosis, "")}

	m := ComputeMilestones(events, ptr(dayN(200)))
	assert.Equal(t, dayN(200), *m.LastFollowUp)
	assert.Equal(t, SourceDeath, m.Sources[MilestoneLastFollowUp])

	earlier := ComputeMilestones(events, ptr(dayN(-10)))
	assert.Equal(t, dayN(0), *earlier.LastFollowUp)
}
