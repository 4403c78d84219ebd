package ocr

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
)

// BreakerConfig controls when recognition calls are short-circuited.
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests" yaml:"half_open_requests"`
}

// DefaultBreakerConfig opens after 5 consecutive failures for 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// callerDone marks an error that happened because the caller gave up.
// The breaker does not count it against the engine.
type callerDone struct{ err error }

func (c callerDone) Error() string { return c.err.Error() }
func (c callerDone) Unwrap() error { return c.err }

type breakerEngine struct {
	next Engine
	cb   *gobreaker.CircuitBreaker[*Result]
}

// WithBreaker wraps next so a run of engine failures fails fast with
// ErrEngineBusy. Errors seen after the caller's context ended do not count
// as failures; engine timeouts do.
func WithBreaker(next Engine, cfg BreakerConfig, logger *zap.Logger) Engine {
	if !cfg.Enabled {
		return next
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        "ocr",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			var done callerDone
			return err == nil || errors.As(err, &done)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("OCR circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &breakerEngine{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[*Result](settings),
	}
}

func (b *breakerEngine) Recognize(ctx context.Context, img image.Image, opts Options) (*Result, error) {
	res, err := b.cb.Execute(func() (*Result, error) {
		res, err := b.next.Recognize(ctx, img, opts)
		if err != nil && ctx.Err() != nil {
			return nil, callerDone{err}
		}
		return res, err
	})
	var done callerDone
	if errors.As(err, &done) {
		return nil, done.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperrors.Wrapf(apperrors.ErrEngineBusy, err, "ocr breaker %s", b.cb.State())
	}
	return res, err
}

func (b *breakerEngine) Available() bool { return b.next.Available() }

func (b *breakerEngine) Close() error { return b.next.Close() }
