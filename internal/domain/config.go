package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	DataVersion string           `mapstructure:"data_version"`
	Store       StoreConfig      `mapstructure:"store"`
	Feed        FeedConfig       `mapstructure:"feed"`
	Annotator   AnnotatorConfig  `mapstructure:"annotator"`
	Medication  MedicationConfig `mapstructure:"medication"`
	Writeback   WritebackConfig  `mapstructure:"writeback"`
	Logging     LoggingConfig    `mapstructure:"logging"`
}

// StoreConfig represents the embedded timeline store settings
type StoreConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// FeedConfig represents the event feed connection
type FeedConfig struct {
	Driver       string        `mapstructure:"driver"` // "file", "postgres", "pgx", "bigquery"
	DSN          string        `mapstructure:"dsn"`
	Path         string        `mapstructure:"path"`
	Project      string        `mapstructure:"project"`
	Dataset      string        `mapstructure:"dataset"`
	EventsView   string        `mapstructure:"events_view"`
	PatientsView string        `mapstructure:"patients_view"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"` // requests per second, 0 disables
	Breaker      BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig represents circuit breaker settings for remote feeds
type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// AnnotatorConfig holds the window lengths used for phase and treatment
// status classification, in days.
type AnnotatorConfig struct {
	DiagnosticWindowDays   int `mapstructure:"diagnostic_window_days"`
	PostSurgicalWindowDays int `mapstructure:"post_surgical_window_days"`
	TreatmentWindowDays    int `mapstructure:"treatment_window_days"`
}

// MedicationConfig represents medication classifier settings
type MedicationConfig struct {
	ReferenceFile string `mapstructure:"reference_file"`
	CacheSize     int    `mapstructure:"cache_size"`
}

// WritebackConfig represents extraction writeback settings
type WritebackConfig struct {
	ConflictRule string `mapstructure:"conflict_rule"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
