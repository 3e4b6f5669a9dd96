package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/patient-timeline-engine/internal/domain"
)

// ResilienceConfig configures the breaker and limiter around a remote feed.
type ResilienceConfig struct {
	Name         string
	RateLimit    float64 // requests per second, 0 disables limiting
	Timeout      time.Duration
	MaxRequests  uint32
	Interval     time.Duration
	OpenTimeout  time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// ResilientReader wraps a remote Reader with a circuit breaker and a rate
// limiter. A missing patient is a normal answer and does not count as a
// breaker failure.
type ResilientReader struct {
	next    Reader
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
	logger  *logrus.Logger
}

// NewResilientReader decorates next.
func NewResilientReader(next Reader, config ResilienceConfig, logger *logrus.Logger) *ResilientReader {
	if config.MaxRequests == 0 {
		config.MaxRequests = 3
	}
	if config.Interval == 0 {
		config.Interval = 60 * time.Second
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.FailureRatio == 0 {
		config.FailureRatio = 0.6
	}
	if config.MinRequests == 0 {
		config.MinRequests = 3
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "feed-" + config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Feed circuit breaker changed state")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound)
		},
	})

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	return &ResilientReader{
		next:    next,
		breaker: breaker,
		limiter: rate.NewLimiter(limit, 1),
		timeout: config.Timeout,
		logger:  logger,
	}
}

func (r *ResilientReader) call(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limiter: %w", op, err)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// ListPatients delegates through the breaker.
func (r *ResilientReader) ListPatients(ctx context.Context) ([]string, error) {
	result, err := r.call(ctx, "list patients", func(ctx context.Context) (interface{}, error) {
		return r.next.ListPatients(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// ReadPatient delegates through the breaker.
func (r *ResilientReader) ReadPatient(ctx context.Context, patientID string) (*domain.PatientRecord, error) {
	result, err := r.call(ctx, "read patient", func(ctx context.Context) (interface{}, error) {
		return r.next.ReadPatient(ctx, patientID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.PatientRecord), nil
}

// ReadEvents delegates through the breaker.
func (r *ResilientReader) ReadEvents(ctx context.Context, patientID string) ([]domain.RawEvent, error) {
	result, err := r.call(ctx, "read events", func(ctx context.Context) (interface{}, error) {
		return r.next.ReadEvents(ctx, patientID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.RawEvent), nil
}

// State reports the breaker state, for diagnostics.
func (r *ResilientReader) State() gobreaker.State {
	return r.breaker.State()
}

// Close closes the wrapped reader.
func (r *ResilientReader) Close() error {
	return r.next.Close()
}
