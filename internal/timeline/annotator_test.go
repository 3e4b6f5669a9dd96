package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patient-timeline-engine/internal/domain"
)

var day0 = time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC)

func dayN(n int) time.Time {
	return day0.AddDate(0, 0, n)
}

func ptr(t time.Time) *time.Time {
	return &t
}

func eventOn(n int) domain.Event {
	return domain.Event{
		EventID:       "e",
		EventDate:     dayN(n),
		DatePrecision: domain.PrecisionDay,
		EventType:     domain.EventTypeImaging,
	}
}

// fullMilestones is diagnosis at day 0, surgery at day 10, treatment at day 40.
func fullMilestones() domain.Milestones {
	return domain.Milestones{
		Diagnosis: ptr(dayN(0)),
		Surgery:   ptr(dayN(10)),
		Treatment: ptr(dayN(40)),
	}
}

func TestAnnotator_PhaseAndStatus(t *testing.T) {
	a := NewAnnotator(DefaultWindows())

	tests := []struct {
		name   string
		day    int
		m      domain.Milestones
		phase  domain.DiseasePhase
		status domain.TreatmentStatus
	}{
		{"before diagnosis", -5, fullMilestones(), domain.PhasePreDiagnosis, domain.StatusTreatmentNaive},
		{"diagnosis day", 0, fullMilestones(), domain.PhaseDiagnostic, domain.StatusTreatmentNaive},
		{"day before surgery", 9, fullMilestones(), domain.PhaseDiagnostic, domain.StatusTreatmentNaive},
		{"surgery day", 10, fullMilestones(), domain.PhasePostSurgical, domain.StatusTreatmentNaive},
		{"between surgery and treatment", 35, fullMilestones(), domain.PhasePostSurgical, domain.StatusTreatmentNaive},
		{"treatment day", 40, fullMilestones(), domain.PhaseOnTreatment, domain.StatusOnTreatment},
		{"last treatment window day", 405, fullMilestones(), domain.PhaseOnTreatment, domain.StatusOnTreatment},
		{"first surveillance day", 406, fullMilestones(), domain.PhaseSurveillance, domain.StatusOffTreatment},
		{"no milestones", 100, domain.Milestones{}, domain.PhaseObservation, domain.StatusTreatmentNaive},
		{
			"diagnostic without surgery anchors on treatment", 20,
			domain.Milestones{Diagnosis: ptr(dayN(0)), Treatment: ptr(dayN(30))},
			domain.PhaseDiagnostic, domain.StatusTreatmentNaive,
		},
		{
			"diagnostic window exceeded", 5,
			domain.Milestones{Diagnosis: ptr(dayN(0)), Surgery: ptr(dayN(200))},
			domain.PhaseObservation, domain.StatusTreatmentNaive,
		},
		{
			"post-surgical window exceeded", 20,
			domain.Milestones{Diagnosis: ptr(dayN(0)), Surgery: ptr(dayN(10)), Treatment: ptr(dayN(300))},
			domain.PhaseObservation, domain.StatusTreatmentNaive,
		},
		{
			"no diagnosis, before surgery", 5,
			domain.Milestones{Surgery: ptr(dayN(10))},
			domain.PhasePreDiagnosis, domain.StatusTreatmentNaive,
		},
		{
			"diagnosis only, after diagnosis", 30,
			domain.Milestones{Diagnosis: ptr(dayN(0))},
			domain.PhaseObservation, domain.StatusTreatmentNaive,
		},
		{
			"treatment only, after treatment", 30,
			domain.Milestones{Treatment: ptr(dayN(0))},
			domain.PhaseOnTreatment, domain.StatusOnTreatment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Annotate(eventOn(tt.day), tt.m)
			assert.Equal(t, tt.phase, got.DiseasePhase)
			assert.Equal(t, tt.status, got.TreatmentStatus)
		})
	}
}

func TestAnnotator_TreatmentWindowBoundary(t *testing.T) {
	a := NewAnnotator(DefaultWindows())
	m := domain.Milestones{Treatment: ptr(dayN(0))}

	at := a.Annotate(eventOn(365), m)
	assert.Equal(t, domain.StatusOnTreatment, at.TreatmentStatus)
	assert.Equal(t, domain.PhaseOnTreatment, at.DiseasePhase)

	after := a.Annotate(eventOn(366), m)
	assert.Equal(t, domain.StatusOffTreatment, after.TreatmentStatus)
	assert.Equal(t, domain.PhaseSurveillance, after.DiseasePhase)
}

func TestAnnotator_Offsets(t *testing.T) {
	a := NewAnnotator(DefaultWindows())
	m := fullMilestones()
	m.Radiation = ptr(dayN(100))

	got := a.Annotate(eventOn(35), m)
	require.NotNil(t, got.DaysFromDiagnosis)
	assert.Equal(t, 35, *got.DaysFromDiagnosis)
	assert.Equal(t, 25, *got.DaysFromSurgery)
	assert.Equal(t, -5, *got.DaysFromTreatment)
	assert.Equal(t, -65, *got.DaysFromRadiation)

	none := a.Annotate(eventOn(35), domain.Milestones{Diagnosis: ptr(dayN(0))})
	assert.Nil(t, none.DaysFromSurgery)
	assert.Nil(t, none.DaysFromTreatment)
	assert.Nil(t, none.DaysFromRadiation)
}

func TestAnnotator_MalformedDateFallsBack(t *testing.T) {
	a := NewAnnotator(DefaultWindows())
	e := domain.Event{EventID: "bad", DatePrecision: domain.PrecisionUnknown, EventType: domain.EventTypeLab}

	got := a.Annotate(e, fullMilestones())
	assert.Equal(t, domain.PhaseObservation, got.DiseasePhase)
	assert.Equal(t, domain.StatusTreatmentNaive, got.TreatmentStatus)
	assert.Nil(t, got.DaysFromDiagnosis)
}

func TestAnnotator_SurgeryDayNeverEarlierPhase(t *testing.T) {
	a := NewAnnotator(DefaultWindows())

	treatments := []*time.Time{nil, ptr(dayN(11)), ptr(dayN(40)), ptr(dayN(500)), ptr(dayN(5))}
	for _, tx := range treatments {
		m := domain.Milestones{Diagnosis: ptr(dayN(0)), Surgery: ptr(dayN(10)), Treatment: tx}
		got := a.Annotate(eventOn(10), m)
		assert.NotEqual(t, domain.PhasePreDiagnosis, got.DiseasePhase)
		assert.NotEqual(t, domain.PhaseDiagnostic, got.DiseasePhase)
	}
}

func TestAnnotator_EveryEventGetsExactlyOneLabel(t *testing.T) {
	a := NewAnnotator(DefaultWindows())
	milestoneSets := []domain.Milestones{
		{},
		fullMilestones(),
		{Diagnosis: ptr(dayN(0))},
		{Surgery: ptr(dayN(10))},
		{Treatment: ptr(dayN(40))},
		{Radiation: ptr(dayN(60))},
	}

	for _, m := range milestoneSets {
		for n := -400; n <= 900; n += 7 {
			got := a.Annotate(eventOn(n), m)
			assert.True(t, got.DiseasePhase.IsValid(), "day %d", n)
			assert.True(t, got.TreatmentStatus.IsValid(), "day %d", n)

			matched := 0
			o := OffsetsFor(&got, m)
			for _, rule := range StatusRules {
				if rule.Matches(o, a.Windows()) {
					matched++
				}
			}
			assert.LessOrEqual(t, matched, 1, "status rules must be disjoint")
		}
	}
}

func TestAnnotator_Idempotent(t *testing.T) {
	a := NewAnnotator(DefaultWindows())
	events := []domain.Event{eventOn(-3), eventOn(12), eventOn(400)}

	once := a.AnnotateAll(events, fullMilestones())
	twice := a.AnnotateAll(once, fullMilestones())
	assert.Equal(t, once, twice)

	// The input slice is left untouched.
	assert.Empty(t, events[0].DiseasePhase)
}

func TestAnnotator_ConfiguredWindows(t *testing.T) {
	a := NewAnnotator(WindowsFromConfig(domain.AnnotatorConfig{
		DiagnosticWindowDays:   30,
		PostSurgicalWindowDays: 60,
		TreatmentWindowDays:    180,
	}))
	m := domain.Milestones{Treatment: ptr(dayN(0))}

	assert.Equal(t, domain.StatusOnTreatment, a.Annotate(eventOn(180), m).TreatmentStatus)
	assert.Equal(t, domain.StatusOffTreatment, a.Annotate(eventOn(181), m).TreatmentStatus)
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2020, 3, 1, 23, 30, 0, 0, time.UTC)
	b := time.Date(2020, 3, 2, 0, 15, 0, 0, time.UTC)
	assert.Equal(t, 1, DaysBetween(a, b), "calendar days, not elapsed hours")
	assert.Equal(t, -1, DaysBetween(b, a))
	assert.Equal(t, 366, DaysBetween(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)))
}
