package uploadhttp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentsync/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a half-open trial request.
	Timeout time.Duration
	// Interval clears failure counts while closed. Zero keeps the default.
	Interval time.Duration
}

// Breaker wraps an ImageTransport with circuit breaker protection. While the
// circuit is open uploads fail fast as ErrUploadFailed.
type Breaker struct {
	inner   domain.ImageTransport
	breaker *gobreaker.CircuitBreaker[domain.Attachment]
}

var _ domain.ImageTransport = (*Breaker)(nil)

// NewBreaker wraps inner. Zero-valued cfg fields take defaults.
func NewBreaker(inner domain.ImageTransport, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[domain.Attachment](gobreaker.Settings{
		Name:        "upload",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Client errors and caller cancellation do not count against the endpoint.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Breaker{inner: inner, breaker: cb}
}

// UploadImage implements domain.ImageTransport.
func (b *Breaker) UploadImage(ctx context.Context, token string, file domain.File) (domain.Attachment, error) {
	att, err := b.breaker.Execute(func() (domain.Attachment, error) {
		return b.inner.UploadImage(ctx, token, file)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Attachment{}, domain.NewDomainError("uploadhttp.Breaker", domain.ErrUploadFailed,
			"upload service temporarily unavailable")
	}
	return att, err
}

// State returns the current circuit breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}
