// Package capture renders a URL on a leased browser page and returns the
// screenshot bytes, retrying failed attempts with exponential backoff.
package capture

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pagesnap/internal/metrics"
	"pagesnap/internal/pagepool"
	"pagesnap/internal/pkg/errors"
	"pagesnap/internal/pkg/logger"
	"pagesnap/internal/ports"
)

const tracerName = "pagesnap/internal/capture"

const (
	DefaultWidth   = 1200
	DefaultHeight  = 630
	DefaultQuality = 90
)

// DefaultUserAgent is a desktop Chrome UA; some sites serve bots a
// different page.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// DefaultHeaders are sent with every navigation alongside DefaultUserAgent.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"Accept-Language":           "en-US,en;q=0.9",
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		"Accept-Encoding":           "gzip, deflate, br",
		"Cache-Control":             "no-cache",
		"Pragma":                    "no-cache",
		"Sec-Ch-Ua":                 `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		"Sec-Ch-Ua-Mobile":          "?0",
		"Sec-Ch-Ua-Platform":        `"macOS"`,
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
		"Upgrade-Insecure-Requests": "1",
	}
}

// PagePool is the part of pagepool.Pool the executor needs.
type PagePool interface {
	Acquire(ctx context.Context) (*pagepool.Lease, error)
	Release(lease *pagepool.Lease)
}

// Options describes one capture. Zero fields take defaults.
type Options struct {
	Width     int
	Height    int
	Format    ports.ImageFormat
	Quality   int
	WaitUntil ports.WaitUntil
	Timeout   time.Duration
}

// Config holds executor-wide settings.
type Config struct {
	// MaxRetries is the retry budget N; a capture makes at most N+1 attempts.
	MaxRetries int
	// Timeout is the navigation timeout when Options.Timeout is zero.
	Timeout time.Duration
	// BaseBackoff is the delay after the first failed attempt; it doubles
	// with every further attempt.
	BaseBackoff      time.Duration
	ReadinessTimeout time.Duration
	SettleDelay      time.Duration
	StylesheetHost   string
	UserAgent        string
	Headers          map[string]string
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       2,
		Timeout:          30 * time.Second,
		BaseBackoff:      time.Second,
		ReadinessTimeout: 10 * time.Second,
		SettleDelay:      3 * time.Second,
		StylesheetHost:   "use.typekit.net",
		UserAgent:        DefaultUserAgent,
		Headers:          DefaultHeaders(),
	}
}

// Executor runs captures against a page pool.
type Executor struct {
	pool   PagePool
	cfg    Config
	log    *logger.Logger
	tracer trace.Tracer
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithSleep replaces the backoff and settle sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// New creates an Executor.
func New(pool PagePool, cfg Config, log *logger.Logger, opts ...Option) *Executor {
	if log == nil {
		log = logger.NewDiscard()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Headers == nil {
		cfg.Headers = DefaultHeaders()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	e := &Executor{
		pool:   pool,
		cfg:    cfg,
		log:    log.WithComponent("capture"),
		tracer: otel.Tracer(tracerName),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Backoff returns the delay after failed attempt i (0-based).
func Backoff(base time.Duration, attempt int) time.Duration {
	return base << attempt
}

// Capture runs a capture with the configured retry budget.
func (e *Executor) Capture(ctx context.Context, url string, opts Options) ([]byte, error) {
	return e.CaptureWithRetries(ctx, url, opts, e.cfg.MaxRetries)
}

// CaptureWithRetries makes up to retries+1 attempts. Only the final failure
// is returned, as CAPTURE_FAILED wrapping the last attempt's error.
func (e *Executor) CaptureWithRetries(ctx context.Context, url string, opts Options, retries int) ([]byte, error) {
	if retries < 0 {
		retries = 0
	}
	opts = e.withDefaults(opts)
	log := e.log.FromContext(ctx).WithFields(map[string]any{"url": url})

	ctx, span := e.tracer.Start(ctx, "capture.run",
		trace.WithAttributes(
			attribute.String("capture.url", url),
			attribute.String("capture.format", string(opts.Format)),
			attribute.Int("capture.max_attempts", retries+1),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() { metrics.CaptureDurationSeconds.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		img, err := e.attempt(ctx, log, url, opts, attempt)
		metrics.CaptureAttemptsTotal.WithLabelValues(metrics.Result(err)).Inc()

		if err == nil {
			span.SetAttributes(attribute.Int("capture.attempts", attempt+1))
			span.SetStatus(codes.Ok, "")
			log.Info("screenshot_captured",
				"duration_ms", time.Since(start).Milliseconds(),
				"size", len(img),
				"attempt", attempt+1,
			)
			return img, nil
		}

		lastErr = err
		log.WithError(err).Error("screenshot_error", "attempt", attempt+1)

		if attempt == retries {
			break
		}

		backoff := Backoff(e.cfg.BaseBackoff, attempt)
		log.Info("retrying_screenshot", "backoff_ms", backoff.Milliseconds(), "next_attempt", attempt+2)
		if err := e.sleep(ctx, backoff); err != nil {
			lastErr = err
			retries = attempt
			break
		}
	}

	attempts := retries + 1
	err := errors.WrapWithCode(lastErr, errors.CodeCaptureFailed, "capture.run",
		fmt.Sprintf("failed to capture screenshot after %d attempts", attempts)).
		WithField("attempts", attempts)

	span.SetAttributes(attribute.Int("capture.attempts", attempts))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// attempt is one acquire, render, release cycle. The lease is released
// before it returns on every path.
func (e *Executor) attempt(ctx context.Context, log *logger.Logger, url string, opts Options, attempt int) (img []byte, err error) {
	ctx, span := e.tracer.Start(ctx, "capture.attempt",
		trace.WithAttributes(attribute.Int("capture.attempt", attempt+1)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(lease)
	page := lease.Page()

	if err := page.SetHeaders(ctx, e.cfg.UserAgent, e.cfg.Headers); err != nil {
		return nil, fmt.Errorf("set headers: %w", err)
	}
	if err := page.SetViewport(ctx, opts.Width, opts.Height); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	log.Debug("navigating_to_url", "attempt", attempt+1)
	if err := page.Navigate(ctx, url, ports.NavigateOptions{WaitUntil: opts.WaitUntil, Timeout: opts.Timeout}); err != nil {
		return nil, err
	}

	e.waitReady(ctx, log, page)

	img, err = page.Screenshot(ctx, ports.ScreenshotOptions{Format: opts.Format, Quality: opts.Quality})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return img, nil
}

// waitReady waits for web fonts and then lets the page settle. A failed
// wait is logged and the capture goes ahead.
func (e *Executor) waitReady(ctx context.Context, log *logger.Logger, page ports.Page) {
	err := page.WaitReady(ctx, ports.ReadyOptions{
		StylesheetHost: e.cfg.StylesheetHost,
		Timeout:        e.cfg.ReadinessTimeout,
	})
	if err != nil {
		log.WithError(err).Warn("font_loading_check_failed")
	} else {
		log.Debug("fonts_loaded")
	}
	if e.cfg.SettleDelay > 0 {
		_ = e.sleep(ctx, e.cfg.SettleDelay)
	}
}

func (e *Executor) withDefaults(o Options) Options {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Format == "" {
		o.Format = ports.FormatPNG
	}
	if o.Format == ports.FormatPNG {
		o.Quality = 0
	} else if o.Quality <= 0 {
		o.Quality = DefaultQuality
	}
	if o.WaitUntil == "" {
		o.WaitUntil = ports.WaitNetworkIdle2
	}
	if o.Timeout <= 0 {
		o.Timeout = e.cfg.Timeout
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
