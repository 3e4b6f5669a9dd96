// Package pipeline runs the timeline phases in order. At most one store
// handle exists at a time, and none while an external phase runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/patient-timeline-engine/internal/domain"
	"github.com/patient-timeline-engine/internal/feed"
	"github.com/patient-timeline-engine/internal/logging"
	"github.com/patient-timeline-engine/internal/medication"
	"github.com/patient-timeline-engine/internal/store"
	"github.com/patient-timeline-engine/internal/timeline"
	"github.com/patient-timeline-engine/internal/writeback"
)

// BuildSummary counts the outcome of a construction run.
type BuildSummary struct {
	Patients  int      `json:"patients"`
	Events    int      `json:"events"`
	Inserted  int      `json:"inserted"`
	Updated   int      `json:"updated"`
	Removed   int      `json:"removed"`
	Malformed int      `json:"malformed"`
	Skipped   int      `json:"skipped"`
	Failures  int      `json:"failures"`
	Failed    []string `json:"failed,omitempty"`
}

// Pipeline owns the collaborators shared by every phase.
type Pipeline struct {
	storePath    string
	storeOpts    store.Options
	reader       feed.Reader
	builder      *timeline.Builder
	annotator    *timeline.Annotator
	conflictRule domain.ConflictRule
	logger       *logrus.Logger
}

// Options configures a pipeline built by hand, mostly in tests.
type Options struct {
	StorePath    string
	Store        store.Options
	Reader       feed.Reader
	Builder      *timeline.Builder
	Annotator    *timeline.Annotator
	ConflictRule domain.ConflictRule
	Logger       *logrus.Logger
}

// New creates a pipeline from explicit collaborators.
func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Store.Logger == nil {
		opts.Store.Logger = opts.Logger
	}
	if opts.Annotator == nil {
		opts.Annotator = timeline.NewAnnotator(timeline.DefaultWindows())
	}
	return &Pipeline{
		storePath:    opts.StorePath,
		storeOpts:    opts.Store,
		reader:       opts.Reader,
		builder:      opts.Builder,
		annotator:    opts.Annotator,
		conflictRule: opts.ConflictRule,
		logger:       opts.Logger,
	}
}

// FromConfig wires the feed reader, medication classifier and annotator
// described by cfg. The returned pipeline owns the reader; call Close.
func FromConfig(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (*Pipeline, error) {
	lists, err := referenceLists(cfg.Medication.ReferenceFile)
	if err != nil {
		return nil, err
	}
	classifier, err := medication.NewClassifier(lists, cfg.Medication.CacheSize, logger)
	if err != nil {
		return nil, err
	}

	reader, err := feed.Open(ctx, cfg.Feed, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s feed: %w", cfg.Feed.Driver, err)
	}

	annotator := timeline.NewAnnotator(timeline.WindowsFromConfig(cfg.Annotator))
	builder := timeline.NewBuilder(classifier, annotator, cfg.DataVersion, cfg.Feed.Driver, logger)

	logger.WithFields(logrus.Fields{
		"store":               cfg.Store.Path,
		"feed":                cfg.Feed.Driver,
		"medication_lists":    classifier.Version(),
		"treatment_window":    annotator.Windows().Treatment,
		"conflict_resolution": cfg.Writeback.ConflictRule,
	}).Info("Pipeline configured")

	return New(Options{
		StorePath:    cfg.Store.Path,
		Store:        store.Options{BusyTimeout: cfg.Store.BusyTimeout, Logger: logger},
		Reader:       reader,
		Builder:      builder,
		Annotator:    annotator,
		ConflictRule: domain.ConflictRule(cfg.Writeback.ConflictRule),
		Logger:       logger,
	}), nil
}

func referenceLists(path string) (*medication.ReferenceLists, error) {
	if path == "" {
		return medication.DefaultReferenceLists()
	}
	return medication.LoadReferenceLists(path)
}

// Close releases the feed reader.
func (p *Pipeline) Close() error {
	if p.reader == nil {
		return nil
	}
	return p.reader.Close()
}

// StorePath returns the timeline store file the phases open.
func (p *Pipeline) StorePath() string {
	return p.storePath
}

// Build constructs the timelines of the given patients, or of every patient
// in the feed when none are named, and loads them in one write phase. Feed
// failures for a single patient are counted and logged; only store failures
// abort the run.
func (p *Pipeline) Build(ctx context.Context, patientIDs ...string) (*BuildSummary, error) {
	entry := logging.RunEntry(p.logger, "build")
	if p.reader == nil || p.builder == nil {
		return nil, errors.New("pipeline has no feed reader or builder")
	}

	if len(patientIDs) == 0 {
		ids, err := p.reader.ListPatients(ctx)
		if err != nil {
			return nil, domain.NewTimelineError(domain.ErrCodeFeedError, "listing patients", "", err)
		}
		patientIDs = ids
	}

	summary := &BuildSummary{}
	var built []*timeline.Built
	for _, id := range patientIDs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		b, err := p.buildPatient(ctx, id)
		if err != nil {
			summary.Failures++
			summary.Failed = append(summary.Failed, id)
			entry.WithError(err).WithField("patient_id", id).Warn("Skipping patient; feed read failed")
			continue
		}
		summary.Malformed += b.Malformed
		summary.Skipped += b.Skipped
		built = append(built, b)
	}

	if len(built) == 0 {
		entry.WithField("failures", summary.Failures).Warn("No timelines to load")
		return summary, nil
	}

	err := store.WithTimeline(ctx, p.storePath, store.ModeWrite, p.storeOpts, func(tl *store.Timeline) error {
		for _, b := range built {
			res, err := tl.LoadPatient(ctx, &b.Patient, b.Events, b.Milestones.Sources)
			if err != nil {
				return err
			}
			summary.Patients++
			summary.Events += len(b.Events)
			summary.Inserted += res.Inserted
			summary.Updated += res.Updated
			summary.Removed += res.Removed
		}
		return nil
	})
	if err != nil {
		return summary, domain.NewTimelineError(domain.ErrCodeStoreError, "loading timelines", "", err)
	}

	entry.WithFields(logrus.Fields{
		"patients":  summary.Patients,
		"events":    summary.Events,
		"inserted":  summary.Inserted,
		"updated":   summary.Updated,
		"removed":   summary.Removed,
		"malformed": summary.Malformed,
		"skipped":   summary.Skipped,
		"failures":  summary.Failures,
	}).Info("Timeline build complete")
	return summary, nil
}

func (p *Pipeline) buildPatient(ctx context.Context, patientID string) (*timeline.Built, error) {
	rec, err := p.reader.ReadPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("reading patient: %w", err)
	}
	raws, err := p.reader.ReadEvents(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	return p.builder.Build(*rec, raws), nil
}

// Reannotate recomputes milestones and temporal context of stored patients
// under the pipeline's annotator windows.
func (p *Pipeline) Reannotate(ctx context.Context, patientIDs ...string) (map[string]*domain.Milestones, error) {
	entry := logging.RunEntry(p.logger, "reannotate")
	out := make(map[string]*domain.Milestones, len(patientIDs))

	err := store.WithTimeline(ctx, p.storePath, store.ModeWrite, p.storeOpts, func(tl *store.Timeline) error {
		if len(patientIDs) == 0 {
			ids, err := tl.PatientIDs(ctx)
			if err != nil {
				return err
			}
			patientIDs = ids
		}
		for _, id := range patientIDs {
			m, err := tl.Reannotate(ctx, id, p.annotator)
			if err != nil {
				return fmt.Errorf("reannotating %s: %w", id, err)
			}
			out[id] = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry.WithField("patients", len(out)).Info("Reannotation complete")
	return out, nil
}

// Read runs fn against a read-only handle that is closed before Read returns.
func (p *Pipeline) Read(ctx context.Context, fn func(*store.Timeline) error) error {
	return store.WithTimeline(ctx, p.storePath, store.ModeRead, p.storeOpts, fn)
}

// External runs fn with no store handle open in this process. It refuses to
// start while any handle is still held.
func (p *Pipeline) External(ctx context.Context, fn func(context.Context) error) error {
	if n := store.OpenHandles(); n != 0 {
		return fmt.Errorf("external phase with %d open store handle(s): %w", n, domain.ErrStoreBusy)
	}
	entry := logging.RunEntry(p.logger, "external")
	entry.Debug("Store released; running external phase")
	if err := fn(ctx); err != nil {
		return fmt.Errorf("external phase: %w", err)
	}
	return nil
}

// Writeback persists a batch of extractions through a write handle that is
// closed before Writeback returns.
func (p *Pipeline) Writeback(ctx context.Context, batch []writeback.Extraction) (*writeback.Summary, error) {
	var summary *writeback.Summary
	err := store.WithTimeline(ctx, p.storePath, store.ModeWrite, p.storeOpts, func(tl *store.Timeline) error {
		var err error
		summary, err = writeback.NewHandler(tl, p.conflictRule, p.logger).WriteBatch(ctx, batch)
		return err
	})
	return summary, err
}
