package writeback

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patient-timeline-engine/internal/domain"
	"github.com/patient-timeline-engine/internal/logging"
	"github.com/patient-timeline-engine/internal/medication"
	"github.com/patient-timeline-engine/internal/store"
	"github.com/patient-timeline-engine/internal/timeline"
)

var (
	testOpts = store.Options{BusyTimeout: time.Second, Logger: logging.Discard()}
	day0     = time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC)
	chemoID  = timeline.EventID("X", "v_test", "clinical", "chemo")
)

func raw(id string, n int, eventType, category, subtype string) domain.RawEvent {
	return domain.RawEvent{
		PatientID:      "X",
		SourceRecordID: id,
		EventDate:      day0.AddDate(0, 0, n).Format("2006-01-02"),
		EventType:      eventType,
		EventCategory:  category,
		EventSubtype:   subtype,
		SourceView:     "v_test",
		SourceDomain:   "clinical",
	}
}

// createTestStore loads a small timeline and returns an open write handle.
func createTestStore(t *testing.T) *store.Timeline {
	t.Helper()
	lists, err := medication.DefaultReferenceLists()
	require.NoError(t, err)
	classifier, err := medication.NewClassifier(lists, 16, logging.Discard())
	require.NoError(t, err)
	b := timeline.NewBuilder(classifier, timeline.NewAnnotator(timeline.DefaultWindows()), "v1", "test", logging.Discard())
	built := b.Build(domain.PatientRecord{PatientID: "X"}, []domain.RawEvent{
		raw("dx", 0, "Diagnosis", "Tumor", "Breast"),
		raw("sx", 10, "Procedure", "Surgery", "Lumpectomy"),
		raw("chemo", 40, "Medication", "Drug", "Paclitaxel"),
	})

	path := filepath.Join(t.TempDir(), "timeline.db")
	tl, err := store.Open(context.Background(), path, store.ModeWrite, testOpts)
	require.NoError(t, err)
	t.Cleanup(func() { tl.Close() })

	_, err = tl.LoadPatient(context.Background(), &built.Patient, built.Events, built.Milestones.Sources)
	require.NoError(t, err)
	return tl
}

func newTestHandler(tl *store.Timeline, rule domain.ConflictRule) *Handler {
	h := NewHandler(tl, rule, logging.Discard())
	tick := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return h
}

func stage(value string, confidence float64) Extraction {
	return Extraction{
		PatientID:        "X",
		EventID:          chemoID,
		DocumentType:     "pathology",
		VariableName:     "tumor_stage",
		VariableValue:    value,
		Confidence:       confidence,
		ExtractionMethod: "llm",
		ModelVersion:     "m1",
	}
}

func TestHandler_SnapshotsEventContext(t *testing.T) {
	tl := createTestStore(t)
	h := newTestHandler(tl, domain.ConflictRuleHighestConfidence)

	v, written, err := h.Write(context.Background(), stage("IIA", 0.9))
	require.NoError(t, err)
	assert.True(t, written)
	require.NotNil(t, v.EventID)

	stored, err := tl.Extraction(context.Background(), v.ExtractionID)
	require.NoError(t, err)
	require.NotNil(t, stored.EventDate)
	assert.True(t, day0.AddDate(0, 0, 40).Equal(*stored.EventDate))
	assert.Equal(t, domain.PhaseOnTreatment, stored.EventDiseasePhase)
	assert.Equal(t, domain.StatusOnTreatment, stored.EventTreatmentStatus)
	assert.Equal(t, domain.ValidationPending, stored.ValidationStatus)
	assert.Empty(t, stored.ConflictsWith)
	assert.Empty(t, stored.ConflictResolution)
}

func TestHandler_WriteWithoutAnchor(t *testing.T) {
	tl := createTestStore(t)
	h := newTestHandler(tl, domain.ConflictRuleNone)

	x := stage("IIA", 0.5)
	x.EventID = ""
	v, written, err := h.Write(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Nil(t, v.EventID)
	assert.Nil(t, v.EventDate)
}

func TestWriteBatch_MissingEventIsSkipped(t *testing.T) {
	tl := createTestStore(t)
	h := newTestHandler(tl, domain.ConflictRuleHighestConfidence)

	missing := stage("IIA", 0.8)
	missing.EventID = "no-such-event"

	summary, err := h.WriteBatch(context.Background(), []Extraction{missing, stage("IIB", 0.7)})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SkippedNotFound)
	assert.Equal(t, 1, summary.Inserted, "the rest of the batch still lands")

	rows, err := tl.Extractions(context.Background(), "X", "")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, _, err = h.Write(context.Background(), missing)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	var terr *domain.TimelineError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.ErrCodeUnresolvedReference, terr.Code)
}

func TestWriteBatch_InvalidExtractions(t *testing.T) {
	tl := createTestStore(t)
	h := newTestHandler(tl, domain.ConflictRuleHighestConfidence)

	tooConfident := stage("IIA", 1.5)
	noValue := stage("", 0.5)
	otherPatient := stage("IIA", 0.5)
	otherPatient.PatientID = "Y"

	summary, err := h.WriteBatch(context.Background(), []Extraction{tooConfident, noValue, otherPatient})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.SkippedInvalid)
	assert.Equal(t, 3, summary.Skipped())
	assert.Zero(t, summary.Inserted)

	_, _, err = h.Write(context.Background(), tooConfident)
	assert.ErrorIs(t, err, domain.ErrInvalidExtraction)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "confidence", verr.Field)
}

func TestWriteBatch_RepeatedRunIsIdempotent(t *testing.T) {
	tl := createTestStore(t)
	h := newTestHandler(tl, domain.ConflictRuleHighestConfidence)
	batch := []Extraction{stage("IIA", 0.9)}

	first, err := h.WriteBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)

	second, err := h.WriteBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 1, second.Duplicates)

	rows, err := tl.Extractions(context.Background(), "X", "tumor_stage")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestWriteBatch_ConflictingValuesBothPersist(t *testing.T) {
	tl := createTestStore(t)
	h := newTestHandler(tl, domain.ConflictRuleMostRecent)

	summary, err := h.WriteBatch(context.Background(), []Extraction{stage("IIA", 0.9), stage("IIIB", 0.6)})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 1, summary.Conflicts)

	rows, err := tl.ExtractionsForEvent(context.Background(), chemoID, "tumor_stage")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "IIA", rows[0].VariableValue, "earlier row is never rewritten")
	assert.Empty(t, rows[0].ConflictsWith)
	assert.Equal(t, "IIIB", rows[1].VariableValue)
	assert.Equal(t, []string{rows[0].ExtractionID}, rows[1].ConflictsWith)
	assert.Equal(t, domain.ConflictRuleMostRecent, rows[1].ConflictResolution)
}

func TestWriteBatch_AgreeingValuesDoNotConflict(t *testing.T) {
	tl := createTestStore(t)
	h := newTestHandler(tl, domain.ConflictRuleHighestConfidence)

	other := stage("IIA", 0.7)
	other.ModelVersion = "m2"
	summary, err := h.WriteBatch(context.Background(), []Extraction{stage("IIA", 0.9), other})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Inserted)
	assert.Zero(t, summary.Conflicts)
}

func TestHandler_CorrectionLinksBack(t *testing.T) {
	tl := createTestStore(t)
	h := newTestHandler(tl, domain.ConflictRuleHighestConfidence)
	ctx := context.Background()

	original, _, err := h.Write(ctx, stage("IIA", 0.6))
	require.NoError(t, err)

	correction := stage("IIA", 0.95)
	correction.PromptVersion = "p2"
	correction.Supersedes = original.ExtractionID
	v, written, err := h.Write(ctx, correction)
	require.NoError(t, err)
	require.True(t, written)

	stored, err := tl.Extraction(ctx, v.ExtractionID)
	require.NoError(t, err)
	require.NotNil(t, stored.Supersedes)
	assert.Equal(t, original.ExtractionID, *stored.Supersedes)
	assert.Equal(t, []string{original.ExtractionID}, stored.ConflictsWith)

	kept, err := tl.Extraction(ctx, original.ExtractionID)
	require.NoError(t, err)
	assert.Equal(t, 0.6, kept.Confidence)
}

func TestNewHandler_DefaultsUnknownRule(t *testing.T) {
	h := NewHandler(nil, domain.ConflictRule("coin_toss"), logging.Discard())
	assert.Equal(t, domain.ConflictRuleHighestConfidence, h.rule)
}

func TestExtractionID(t *testing.T) {
	a := stage("IIA", 0.9)
	b := stage("IIA", 0.4)
	c := stage("IIB", 0.9)

	assert.Equal(t, ExtractionID(a), ExtractionID(b), "confidence is not part of the identity")
	assert.NotEqual(t, ExtractionID(a), ExtractionID(c))

	a.ExtractionID = "caller-supplied"
	v, _, err := newTestHandler(createTestStore(t), domain.ConflictRuleNone).Write(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "caller-supplied", v.ExtractionID)
}

func TestReadExtractions(t *testing.T) {
	input := `{"patient_id":"X","event_id":"e1","variable_name":"er_status","variable_value":"positive","confidence":0.8,"extraction_method":"regex"}

{"patient_id":"X","variable_name":"her2","variable_value":"negative","confidence":1,"extraction_method":"llm","supersedes":"abc"}
`
	got, err := ReadExtractions(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].EventID)
	assert.Equal(t, 0.8, got[0].Confidence)
	assert.Equal(t, "abc", got[1].Supersedes)

	_, err = ReadExtractions(strings.NewReader("{\"patient_id\":\"X\"}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}
