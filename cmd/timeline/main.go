// Command timeline builds and queries patient timelines.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/patient-timeline-engine/internal/config"
	"github.com/patient-timeline-engine/internal/domain"
	"github.com/patient-timeline-engine/internal/feed"
	"github.com/patient-timeline-engine/internal/logging"
	"github.com/patient-timeline-engine/internal/pipeline"
	"github.com/patient-timeline-engine/internal/store"
	"github.com/patient-timeline-engine/internal/timeline"
	"github.com/patient-timeline-engine/internal/writeback"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "timeline",
		Short:         "Patient timeline construction and temporal context",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to timeline.yaml")

	env := &environment{configFile: &configFile}
	rootCmd.AddCommand(
		buildCmd(env),
		reannotateCmd(env),
		milestonesCmd(env),
		eventsCmd(env),
		activeCmd(env),
		writebackCmd(env),
		exportCmd(env),
		statsCmd(env),
		migrateCmd(env),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// environment loads configuration lazily so --config is parsed first.
type environment struct {
	configFile *string
	cfg        *domain.Config
	logger     *logrus.Logger
}

func (e *environment) load() error {
	if e.cfg != nil {
		return nil
	}
	manager, err := config.NewManager(*e.configFile)
	if err != nil {
		return err
	}
	if err := manager.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := manager.EnsureStoreDir(); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	e.cfg = manager.GetConfig()
	e.logger = logging.New(e.cfg.Logging)
	if used := manager.ConfigFileUsed(); used != "" {
		e.logger.WithField("config", used).Debug("Configuration loaded")
	}
	return nil
}

// storeOnly returns a pipeline for the phases that never touch the feed.
func (e *environment) storeOnly() (*pipeline.Pipeline, error) {
	if err := e.load(); err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Options{
		StorePath:    e.cfg.Store.Path,
		Store:        store.Options{BusyTimeout: e.cfg.Store.BusyTimeout, Logger: e.logger},
		Annotator:    timeline.NewAnnotator(timeline.WindowsFromConfig(e.cfg.Annotator)),
		ConflictRule: domain.ConflictRule(e.cfg.Writeback.ConflictRule),
		Logger:       e.logger,
	}), nil
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func parseDateFlag(cmd *cobra.Command, name string) (*time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return nil, nil
	}
	t, _, err := feed.ParseDate(raw, "")
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}

func buildCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Construct timelines from the event feed and load them into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := env.load(); err != nil {
				return err
			}
			p, err := pipeline.FromConfig(cmd.Context(), env.cfg, env.logger)
			if err != nil {
				return err
			}
			defer p.Close()

			patients, _ := cmd.Flags().GetStringSlice("patient")
			summary, err := p.Build(cmd.Context(), patients...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringSlice("patient", nil, "Patient id to build (repeatable; default all)")
	return cmd
}

func reannotateCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reannotate",
		Short: "Recompute milestones and temporal context of stored timelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := env.storeOnly()
			if err != nil {
				return err
			}
			patients, _ := cmd.Flags().GetStringSlice("patient")
			milestones, err := p.Reannotate(cmd.Context(), patients...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), milestones)
		},
	}
	cmd.Flags().StringSlice("patient", nil, "Patient id to reannotate (repeatable; default all)")
	return cmd
}

func milestonesCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "milestones PATIENT_ID",
		Short: "Show a patient's milestone dates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := env.storeOnly()
			if err != nil {
				return err
			}
			var m *domain.Milestones
			err = p.Read(cmd.Context(), func(tl *store.Timeline) error {
				m, err = tl.Milestones(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
}

func eventsCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events PATIENT_ID",
		Short: "List a patient's events by date range or around a date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := env.storeOnly()
			if err != nil {
				return err
			}

			from, err := parseDateFlag(cmd, "from")
			if err != nil {
				return err
			}
			to, err := parseDateFlag(cmd, "to")
			if err != nil {
				return err
			}
			around, err := parseDateFlag(cmd, "around")
			if err != nil {
				return err
			}
			days, _ := cmd.Flags().GetInt("days")
			types, _ := cmd.Flags().GetStringSlice("type")
			categories, _ := cmd.Flags().GetStringSlice("category")
			undated, _ := cmd.Flags().GetBool("include-undated")

			filter := store.EventFilter{
				PatientID:      args[0],
				From:           from,
				To:             to,
				Categories:     categories,
				IncludeUndated: undated,
			}
			for _, t := range types {
				filter.Types = append(filter.Types, domain.EventType(t))
			}

			var events []domain.Event
			err = p.Read(cmd.Context(), func(tl *store.Timeline) error {
				if around != nil {
					events, err = tl.EventsAround(cmd.Context(), args[0], *around, days, filter)
				} else {
					events, err = tl.EventsBetween(cmd.Context(), filter)
				}
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().String("from", "", "Earliest event date (inclusive)")
	cmd.Flags().String("to", "", "Latest event date (inclusive)")
	cmd.Flags().String("around", "", "Centre date for a windowed lookup")
	cmd.Flags().Int("days", 30, "Window half-width in days for --around")
	cmd.Flags().StringSlice("type", nil, "Event type filter (repeatable)")
	cmd.Flags().StringSlice("category", nil, "Event category filter (repeatable)")
	cmd.Flags().Bool("include-undated", false, "Include events without a usable date when no bounds are given")
	return cmd
}

func activeCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active PATIENT_ID",
		Short: "Show the medication or treatment active at a date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := env.storeOnly()
			if err != nil {
				return err
			}
			at, err := parseDateFlag(cmd, "date")
			if err != nil {
				return err
			}
			if at == nil {
				now := time.Now().UTC()
				at = &now
			}
			treatment, _ := cmd.Flags().GetBool("treatment")

			var event *domain.Event
			err = p.Read(cmd.Context(), func(tl *store.Timeline) error {
				if treatment {
					event, err = tl.ActiveTreatment(cmd.Context(), args[0], *at)
				} else {
					event, err = tl.ActiveMedication(cmd.Context(), args[0], *at)
				}
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), event)
		},
	}
	cmd.Flags().String("date", "", "Reference date (default today)")
	cmd.Flags().Bool("treatment", false, "Only chemotherapy and targeted therapy")
	return cmd
}

func writebackCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "writeback",
		Short: "Persist extracted variables from an NDJSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := env.storeOnly()
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("file")

			// The extraction file is read with no store handle open.
			var batch []writeback.Extraction
			err = p.External(cmd.Context(), func(context.Context) error {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				batch, err = writeback.ReadExtractions(f)
				return err
			})
			if err != nil {
				return err
			}

			summary, err := p.Writeback(cmd.Context(), batch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().String("file", "", "NDJSON file of extractions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func exportCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every stored timeline as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := env.storeOnly()
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")

			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("creating export file: %w", err)
				}
				defer f.Close()
				w = f
			}
			return p.Read(cmd.Context(), func(tl *store.Timeline) error {
				return tl.ExportJSON(cmd.Context(), w)
			})
		},
	}
	cmd.Flags().String("out", "-", "Output file (- for stdout)")
	return cmd
}

func statsCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show row counts of the timeline store",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := env.storeOnly()
			if err != nil {
				return err
			}
			var stats *store.Stats
			err = p.Read(cmd.Context(), func(tl *store.Timeline) error {
				stats, err = tl.Stats(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func migrateCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the timeline store schema",
	}

	withRunner := func(fn func(*store.MigrationRunner) error) error {
		if err := env.load(); err != nil {
			return err
		}
		runner, err := store.NewMigrationRunner(env.cfg.Store.Path, env.logger)
		if err != nil {
			return err
		}
		defer runner.Close()
		return fn(runner)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(func(r *store.MigrationRunner) error { return r.Up() })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(func(r *store.MigrationRunner) error { return r.Down() })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(func(r *store.MigrationRunner) error {
				version, dirty, err := r.Version()
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"version": version, "dirty": dirty})
			})
		},
	})
	return cmd
}
