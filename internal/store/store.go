// Package store persists patient timelines in an embedded SQLite file and
// exposes the query and write paths used by downstream consumers.
//
// A store file is held by at most one handle at a time. Handles are opened
// for one lifecycle phase, either read or write, and closed before control
// passes to anything else.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/patient-timeline-engine/internal/domain"
)

const driverName = "sqlite"

// Mode selects the access a handle is opened for.
type Mode int

const (
	// ModeRead opens a query-only handle.
	ModeRead Mode = iota
	// ModeWrite opens a handle that may load timelines and insert extractions.
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// Options configures a handle.
type Options struct {
	BusyTimeout time.Duration
	Logger      *logrus.Logger
}

// registry tracks the files this process currently holds open.
var registry = struct {
	sync.Mutex
	open map[string]Mode
}{open: make(map[string]Mode)}

// OpenHandles reports how many store handles this process holds.
func OpenHandles() int {
	registry.Lock()
	defer registry.Unlock()
	return len(registry.open)
}

func acquire(path string, mode Mode) error {
	registry.Lock()
	defer registry.Unlock()
	if held, ok := registry.open[path]; ok {
		return fmt.Errorf("%s (held for %s): %w", path, held, domain.ErrStoreBusy)
	}
	registry.open[path] = mode
	return nil
}

func release(path string) {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.open, path)
}

// Timeline is an open handle on a store file.
type Timeline struct {
	db     *sql.DB
	path   string
	mode   Mode
	logger *logrus.Logger

	mu     sync.Mutex
	closed bool
}

// Open acquires a handle on the store at path. Write handles create the file
// and migrate the schema first; read handles require an existing file.
func Open(ctx context.Context, path string, mode Mode, opts Options) (*Timeline, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving store path: %w", err)
	}
	if err := acquire(abs, mode); err != nil {
		return nil, err
	}

	t, err := open(ctx, abs, mode, opts.BusyTimeout, logger)
	if err != nil {
		release(abs)
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"path": abs,
		"mode": mode.String(),
	}).Debug("Timeline store opened")
	return t, nil
}

func open(ctx context.Context, path string, mode Mode, busyTimeout time.Duration, logger *logrus.Logger) (*Timeline, error) {
	switch mode {
	case ModeWrite:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := Migrate(path, logger); err != nil {
			return nil, err
		}
	case ModeRead:
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("timeline store %s: %w", path, domain.ErrNotFound)
		}
	default:
		return nil, fmt.Errorf("unknown store mode %d", mode)
	}

	db, err := sql.Open(driverName, dsn(path, mode, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	return &Timeline{db: db, path: path, mode: mode, logger: logger}, nil
}

func dsn(path string, mode Mode, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if mode == ModeRead {
		q.Add("_pragma", "query_only(1)")
	} else {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return path + "?" + q.Encode()
}

// Path returns the absolute path of the store file.
func (t *Timeline) Path() string {
	return t.path
}

// Mode returns the access mode of the handle.
func (t *Timeline) Mode() Mode {
	return t.mode
}

// Close releases the handle. Closing twice is a no-op.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	defer release(t.path)

	if err := t.db.Close(); err != nil {
		return fmt.Errorf("closing timeline store: %w", err)
	}
	t.logger.WithField("path", t.path).Debug("Timeline store closed")
	return nil
}

// WithTimeline opens a handle, runs fn and closes the handle on every exit
// path, including a panic inside fn.
func WithTimeline(ctx context.Context, path string, mode Mode, opts Options, fn func(*Timeline) error) (err error) {
	t, err := Open(ctx, path, mode, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := t.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(t)
}

func (t *Timeline) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrStoreClosed
	}
	return nil
}

func (t *Timeline) checkWritable() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.mode != ModeWrite {
		return domain.ErrReadOnly
	}
	return nil
}

// Stats holds row counts per table.
type Stats struct {
	Patients    int64 `json:"patients"`
	Events      int64 `json:"events"`
	Extractions int64 `json:"extractions"`
}

// Stats returns row counts per table.
func (t *Timeline) Stats(ctx context.Context) (*Stats, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	var s Stats
	for table, dest := range map[string]*int64{
		"patients":            &s.Patients,
		"events":              &s.Events,
		"extracted_variables": &s.Extractions,
	} {
		if err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
	}
	return &s, nil
}
