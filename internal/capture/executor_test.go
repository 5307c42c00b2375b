package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pagesnap/internal/pagepool"
	"pagesnap/internal/pkg/errors"
	"pagesnap/internal/ports"
)

var errNavigation = fmt.Errorf("net::ERR_CONNECTION_RESET")

// scriptedEngine hands out pages whose navigation fails while fails > 0.
type scriptedEngine struct {
	fails    atomic.Int32
	readyErr error

	mu    sync.Mutex
	pages []*recordingPage
}

func (e *scriptedEngine) Launch(context.Context) (ports.Browser, error) {
	return &scriptedBrowser{engine: e, gone: make(chan struct{})}, nil
}

type scriptedBrowser struct {
	engine *scriptedEngine
	gone   chan struct{}
}

func (b *scriptedBrowser) NewPage(context.Context) (ports.Page, error) {
	p := &recordingPage{engine: b.engine}
	b.engine.mu.Lock()
	b.engine.pages = append(b.engine.pages, p)
	b.engine.mu.Unlock()
	return p, nil
}
func (b *scriptedBrowser) Version(context.Context) (string, error) { return "test", nil }
func (b *scriptedBrowser) Disconnected() <-chan struct{}            { return b.gone }
func (b *scriptedBrowser) Close() error                            { return nil }

type recordingPage struct {
	engine *scriptedEngine

	width, height int
	userAgent     string
	headers       map[string]string
	nav           ports.NavigateOptions
	ready         ports.ReadyOptions
	shot          ports.ScreenshotOptions
	closed        atomic.Bool
}

func (p *recordingPage) SetViewport(_ context.Context, w, h int) error {
	p.width, p.height = w, h
	return nil
}

func (p *recordingPage) SetHeaders(_ context.Context, ua string, h map[string]string) error {
	p.userAgent, p.headers = ua, h
	return nil
}

func (p *recordingPage) Navigate(_ context.Context, _ string, opts ports.NavigateOptions) error {
	p.nav = opts
	if p.engine.fails.Add(-1) >= 0 {
		return errNavigation
	}
	return nil
}

func (p *recordingPage) WaitReady(_ context.Context, opts ports.ReadyOptions) error {
	p.ready = opts
	return p.engine.readyErr
}

func (p *recordingPage) Screenshot(_ context.Context, opts ports.ScreenshotOptions) ([]byte, error) {
	p.shot = opts
	return []byte("fake-image-bytes"), nil
}

func (p *recordingPage) Close() error {
	p.closed.Store(true)
	return nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return nil
}

func newTestExecutor(engine *scriptedEngine, cfg Config, opts ...Option) (*Executor, *pagepool.Pool, *sleepRecorder) {
	pool := pagepool.New(engine, 2, nil)
	rec := &sleepRecorder{}
	opts = append([]Option{WithSleep(rec.sleep)}, opts...)
	return New(pool, cfg, nil, opts...), pool, rec
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	return cfg
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1000 * time.Millisecond},
		{1, 2000 * time.Millisecond},
		{2, 4000 * time.Millisecond},
		{5, 32000 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, tt.attempt); got != tt.want {
			t.Errorf("Backoff(1s, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestCaptureSucceedsAfterTransientFailures(t *testing.T) {
	engine := &scriptedEngine{}
	engine.fails.Store(2)
	exec, pool, rec := newTestExecutor(engine, testConfig())

	img, err := exec.CaptureWithRetries(context.Background(), "https://example.com", Options{}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(img) != "fake-image-bytes" {
		t.Errorf("unexpected image: %q", img)
	}

	if len(engine.pages) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(engine.pages))
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if fmt.Sprint(rec.sleeps) != fmt.Sprint(want) {
		t.Errorf("expected backoff %v, got %v", want, rec.sleeps)
	}
	if pool.Stats().ActivePages != 0 {
		t.Errorf("expected every lease released, %d still active", pool.Stats().ActivePages)
	}
}

func TestCaptureExhaustsRetries(t *testing.T) {
	engine := &scriptedEngine{}
	engine.fails.Store(100)
	exec, pool, rec := newTestExecutor(engine, testConfig())

	_, err := exec.Capture(context.Background(), "https://example.com", Options{})
	if !errors.IsCode(err, errors.CodeCaptureFailed) {
		t.Fatalf("expected CAPTURE_FAILED, got %v", err)
	}
	if !strings.Contains(err.Error(), "3 attempts") {
		t.Errorf("expected message to mention 3 attempts, got %s", err.Error())
	}
	if !errors.Is(err, errNavigation) {
		t.Errorf("expected error to wrap the last navigation error, got %v", err)
	}
	if errors.GetFields(err)["attempts"] != 3 {
		t.Errorf("expected attempts field 3, got %v", errors.GetFields(err))
	}

	if len(engine.pages) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(engine.pages))
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if fmt.Sprint(rec.sleeps) != fmt.Sprint(want) {
		t.Errorf("expected backoff %v, got %v", want, rec.sleeps)
	}
	for i, p := range engine.pages {
		if !p.closed.Load() {
			t.Errorf("page %d was not released", i)
		}
	}
	if pool.Stats().ActivePages != 0 {
		t.Errorf("expected every lease released")
	}
}

func TestCaptureWithZeroRetries(t *testing.T) {
	engine := &scriptedEngine{}
	engine.fails.Store(1)
	exec, _, rec := newTestExecutor(engine, testConfig())

	_, err := exec.CaptureWithRetries(context.Background(), "https://example.com", Options{}, 0)
	if err == nil || !strings.Contains(err.Error(), "1 attempts") {
		t.Fatalf("expected failure after 1 attempt, got %v", err)
	}
	if len(rec.sleeps) != 0 {
		t.Errorf("expected no backoff, got %v", rec.sleeps)
	}
}

func TestCaptureAppliesDefaults(t *testing.T) {
	engine := &scriptedEngine{}
	cfg := testConfig()
	cfg.Timeout = 15 * time.Second
	exec, _, _ := newTestExecutor(engine, cfg)

	if _, err := exec.Capture(context.Background(), "https://example.com", Options{}); err != nil {
		t.Fatal(err)
	}

	p := engine.pages[0]
	if p.width != 1200 || p.height != 630 {
		t.Errorf("expected 1200x630 viewport, got %dx%d", p.width, p.height)
	}
	if p.nav.WaitUntil != ports.WaitNetworkIdle2 || p.nav.Timeout != 15*time.Second {
		t.Errorf("unexpected navigate options: %+v", p.nav)
	}
	if p.shot.Format != ports.FormatPNG || p.shot.Quality != 0 {
		t.Errorf("expected png without quality, got %+v", p.shot)
	}
	if p.userAgent != DefaultUserAgent {
		t.Errorf("unexpected user agent: %s", p.userAgent)
	}
	if p.headers["Accept-Language"] != "en-US,en;q=0.9" {
		t.Errorf("expected browser-like headers, got %v", p.headers)
	}
	if p.ready.StylesheetHost != "use.typekit.net" || p.ready.Timeout != 10*time.Second {
		t.Errorf("unexpected readiness options: %+v", p.ready)
	}
}

func TestCaptureJPEGDefaultsQuality(t *testing.T) {
	engine := &scriptedEngine{}
	exec, _, _ := newTestExecutor(engine, testConfig())

	opts := Options{Width: 800, Height: 600, Format: ports.FormatJPEG}
	if _, err := exec.Capture(context.Background(), "https://example.com", opts); err != nil {
		t.Fatal(err)
	}

	p := engine.pages[0]
	if p.shot.Quality != DefaultQuality {
		t.Errorf("expected quality %d, got %d", DefaultQuality, p.shot.Quality)
	}
	if p.width != 800 || p.height != 600 {
		t.Errorf("expected 800x600 viewport, got %dx%d", p.width, p.height)
	}
}

func TestReadinessFailureIsSwallowed(t *testing.T) {
	engine := &scriptedEngine{readyErr: context.DeadlineExceeded}
	cfg := testConfig()
	cfg.SettleDelay = 3 * time.Second
	exec, _, rec := newTestExecutor(engine, cfg)

	if _, err := exec.Capture(context.Background(), "https://example.com", Options{}); err != nil {
		t.Fatalf("expected readiness failure to be ignored, got %v", err)
	}
	if len(engine.pages) != 1 {
		t.Errorf("expected a single attempt, got %d", len(engine.pages))
	}
	if len(rec.sleeps) != 1 || rec.sleeps[0] != 3*time.Second {
		t.Errorf("expected one settle delay of 3s, got %v", rec.sleeps)
	}
}

func TestCaptureFoldsCapacityExceeded(t *testing.T) {
	engine := &scriptedEngine{}
	pool := pagepool.New(engine, 1, nil)
	rec := &sleepRecorder{}
	exec := New(pool, testConfig(), nil, WithSleep(rec.sleep))

	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Release(held)

	_, err = exec.CaptureWithRetries(context.Background(), "https://example.com", Options{}, 1)
	if !errors.IsCode(err, errors.CodeCaptureFailed) {
		t.Fatalf("expected CAPTURE_FAILED, got %v", err)
	}
	if !errors.Is(err, errors.New(errors.CodeCapacityExceeded, "")) {
		t.Errorf("expected CAPACITY_EXCEEDED in the chain, got %v", err)
	}
}

func TestCaptureStopsOnCanceledContext(t *testing.T) {
	engine := &scriptedEngine{}
	engine.fails.Store(100)
	pool := pagepool.New(engine, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	exec := New(pool, testConfig(), nil, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := exec.CaptureWithRetries(ctx, "https://example.com", Options{}, 5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 attempts") {
		t.Errorf("expected 1 attempt recorded, got %s", err.Error())
	}
}

func TestCaptureSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	engine := &scriptedEngine{}
	engine.fails.Store(1)
	exec, _, _ := newTestExecutor(engine, testConfig(), WithTracer(tp.Tracer("test")))

	if _, err := exec.Capture(context.Background(), "https://example.com", Options{}); err != nil {
		t.Fatal(err)
	}

	var runs, attempts int
	for _, s := range sr.Ended() {
		switch s.Name() {
		case "capture.run":
			runs++
		case "capture.attempt":
			attempts++
		}
	}
	if runs != 1 || attempts != 2 {
		t.Errorf("expected 1 run span and 2 attempt spans, got %d and %d", runs, attempts)
	}
}
