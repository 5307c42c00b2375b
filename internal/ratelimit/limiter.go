// Package ratelimit is the fixed-window admission gate for authenticated
// requests, keyed by API key and client address.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"pagesnap/internal/metrics"
	"pagesnap/internal/pkg/errors"
	"pagesnap/internal/pkg/logger"
)

// Identity is who is being limited.
type Identity struct {
	Credential string
	Origin     string
}

// Key is the window key for the identity.
func (i Identity) Key() string {
	return i.Credential + ":" + i.Origin
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed bool
	Count   int
	Limit   int
	// RetryAfter is the time left in the current window. Only meaningful
	// when Allowed is false.
	RetryAfter time.Duration
}

// Store holds the windows. Incr must replace an expired window and count
// the request as one atomic step so concurrent checks never lose an
// increment.
type Store interface {
	// Incr counts one request for key and returns the count in the current
	// window together with the time left in it.
	Incr(ctx context.Context, key string, now time.Time, window time.Duration) (count int, remaining time.Duration, err error)
	// Sweep drops windows that expired before now.
	Sweep(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

// Config controls the limiter.
type Config struct {
	MaxRequests   int
	Window        time.Duration
	SweepInterval time.Duration
}

// DefaultConfig allows 10 requests per minute and sweeps every minute.
func DefaultConfig() Config {
	return Config{MaxRequests: 10, Window: time.Minute, SweepInterval: time.Minute}
}

// Limiter checks identities against a Store.
type Limiter struct {
	store Store
	cfg   Config
	log   *logger.Logger
	now   func() time.Time

	// Rejections can arrive in floods; log the first few and then sample.
	warn rate.Sometimes
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter.
func New(store Store, cfg Config, log *logger.Logger, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.MaxRequests < 1 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if log == nil {
		log = logger.NewDiscard()
	}
	l := &Limiter{
		store: store,
		cfg:   cfg,
		log:   log.WithComponent("ratelimit"),
		now:   time.Now,
		warn:  rate.Sometimes{First: 10, Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Limit returns the configured maximum per window.
func (l *Limiter) Limit() int { return l.cfg.MaxRequests }

// Check counts one request for id and reports whether it is admitted.
func (l *Limiter) Check(ctx context.Context, id Identity) (Decision, error) {
	count, remaining, err := l.store.Incr(ctx, id.Key(), l.now(), l.cfg.Window)
	if err != nil {
		return Decision{}, errors.WrapWithCode(err, errors.CodeUnavailable, "ratelimit.check", "rate limit store unavailable")
	}

	d := Decision{
		Allowed: count <= l.cfg.MaxRequests,
		Count:   count,
		Limit:   l.cfg.MaxRequests,
	}
	if d.Allowed {
		metrics.RateLimitDecisionsTotal.WithLabelValues("allowed").Inc()
		return d, nil
	}

	d.RetryAfter = remaining
	metrics.RateLimitDecisionsTotal.WithLabelValues("rejected").Inc()
	l.warn.Do(func() {
		l.log.FromContext(ctx).Warn("rate_limit_exceeded",
			"api_key", maskKey(id.Credential),
			"ip", id.Origin,
			"requests", count,
		)
	})
	return d, nil
}

// Sweep drops expired windows.
func (l *Limiter) Sweep(ctx context.Context, now time.Time) (int, error) {
	return l.store.Sweep(ctx, now, l.cfg.Window)
}

// Run sweeps every SweepInterval until ctx ends.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := l.Sweep(ctx, l.now())
			if err != nil {
				l.log.WithError(err).Error("ratelimit_sweep_failed")
				continue
			}
			if n > 0 {
				l.log.Debug("ratelimit_swept", "windows", n)
			}
		}
	}
}

// maskKey keeps the first eight characters of an API key for logs.
func maskKey(k string) string {
	if len(k) <= 8 {
		return k[:len(k)/2] + "..."
	}
	return k[:8] + "..."
}
