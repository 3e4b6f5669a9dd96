package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/patient-timeline-engine/internal/domain"
	"github.com/spf13/viper"
)

// Manager loads configuration using Viper
type Manager struct {
	v      *viper.Viper
	config *domain.Config
}

// NewManager creates a new configuration manager. configFile may be empty, in
// which case the standard search paths are used.
func NewManager(configFile string) (*Manager, error) {
	m := &Manager{v: viper.New()}
	if err := m.loadConfig(configFile); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig(configFile string) error {
	v := m.v
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("timeline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/patient-timeline/")
	}

	v.SetEnvPrefix("TIMELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults and environment cover everything.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	v := m.v
	homeDir, _ := os.UserHomeDir()

	v.SetDefault("data_version", "v1")

	// Store defaults
	v.SetDefault("store.path", filepath.Join(homeDir, ".patient-timeline", "timeline.db"))
	v.SetDefault("store.busy_timeout", "5s")

	// Feed defaults
	v.SetDefault("feed.driver", "file")
	v.SetDefault("feed.path", "events.ndjson")
	v.SetDefault("feed.dsn", "")
	v.SetDefault("feed.project", "")
	v.SetDefault("feed.dataset", "")
	v.SetDefault("feed.events_view", "unified_patient_events")
	v.SetDefault("feed.patients_view", "patient_demographics")
	v.SetDefault("feed.timeout", "60s")
	v.SetDefault("feed.rate_limit", 5)
	v.SetDefault("feed.breaker.max_requests", 3)
	v.SetDefault("feed.breaker.interval", "60s")
	v.SetDefault("feed.breaker.timeout", "30s")
	v.SetDefault("feed.breaker.failure_ratio", 0.6)
	v.SetDefault("feed.breaker.min_requests", 3)

	// Annotator windows
	v.SetDefault("annotator.diagnostic_window_days", 90)
	v.SetDefault("annotator.post_surgical_window_days", 180)
	v.SetDefault("annotator.treatment_window_days", 365)

	v.SetDefault("medication.reference_file", "")
	v.SetDefault("medication.cache_size", 4096)

	v.SetDefault("writeback.conflict_rule", string(domain.ConflictRuleHighestConfidence))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetStoreConfig returns store configuration
func (m *Manager) GetStoreConfig() *domain.StoreConfig {
	return &m.config.Store
}

// GetFeedConfig returns event feed configuration
func (m *Manager) GetFeedConfig() *domain.FeedConfig {
	return &m.config.Feed
}

// GetAnnotatorConfig returns the annotator windows
func (m *Manager) GetAnnotatorConfig() *domain.AnnotatorConfig {
	return &m.config.Annotator
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func (m *Manager) ConfigFileUsed() string {
	return m.v.ConfigFileUsed()
}

var validDrivers = map[string]bool{
	"file": true, "postgres": true, "pgx": true, "bigquery": true,
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if !validDrivers[config.Feed.Driver] {
		return fmt.Errorf("invalid feed driver: %s", config.Feed.Driver)
	}
	switch config.Feed.Driver {
	case "file":
		if config.Feed.Path == "" {
			return fmt.Errorf("feed path is required for the file driver")
		}
	case "postgres", "pgx":
		if config.Feed.DSN == "" {
			return fmt.Errorf("feed dsn is required for the %s driver", config.Feed.Driver)
		}
	case "bigquery":
		if config.Feed.Project == "" || config.Feed.Dataset == "" {
			return fmt.Errorf("feed project and dataset are required for the bigquery driver")
		}
	}
	if config.Feed.RateLimit < 0 {
		return fmt.Errorf("invalid feed rate limit: %v", config.Feed.RateLimit)
	}

	a := config.Annotator
	if a.DiagnosticWindowDays <= 0 || a.PostSurgicalWindowDays <= 0 || a.TreatmentWindowDays <= 0 {
		return fmt.Errorf("annotator windows must be positive: %+v", a)
	}

	if !domain.ConflictRule(config.Writeback.ConflictRule).IsValid() {
		return fmt.Errorf("invalid conflict rule: %s", config.Writeback.ConflictRule)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// EnsureStoreDir creates the directory holding the store file.
func (m *Manager) EnsureStoreDir() error {
	return os.MkdirAll(filepath.Dir(m.config.Store.Path), 0755)
}
