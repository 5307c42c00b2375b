// Package pagepool lends out browser pages from one lazily launched browser,
// never more than a fixed number at a time.
package pagepool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"pagesnap/internal/metrics"
	"pagesnap/internal/pkg/errors"
	"pagesnap/internal/pkg/logger"
	"pagesnap/internal/ports"
)

// State is the pool's browser lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

const healthProbeTimeout = 5 * time.Second

// Stats is the snapshot reported on the health endpoint.
type Stats struct {
	Initialized   bool `json:"initialized"`
	ActivePages   int  `json:"active_pages"`
	MaxConcurrent int  `json:"max_concurrent"`
}

// Lease is one page handed out by Acquire. It must be given back with
// Release on every path.
type Lease struct {
	id   uint64
	page ports.Page
	once sync.Once
}

// Page returns the leased page.
func (l *Lease) Page() ports.Page { return l.page }

// Pool owns the browser and the set of outstanding leases.
type Pool struct {
	engine ports.Engine
	max    int
	log    *logger.Logger

	launching singleflight.Group

	mu       sync.Mutex
	state    State
	browser  ports.Browser
	gen      uint64
	leases   map[uint64]*Lease
	reserved int
	nextID   uint64
}

// New creates a pool that launches browsers through engine. maxConcurrent
// below 1 is treated as 1.
func New(engine ports.Engine, maxConcurrent int, log *logger.Logger) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Pool{
		engine: engine,
		max:    maxConcurrent,
		log:    log.WithComponent("pagepool"),
		leases: make(map[uint64]*Lease),
	}
}

// Initialize launches the browser if it is not running. Concurrent callers
// share one launch and its result. The launch itself is detached from ctx
// cancellation; ctx only bounds how long this caller waits for it.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	ready := p.state == StateReady
	p.mu.Unlock()
	if ready {
		return nil
	}

	launchCtx := context.WithoutCancel(ctx)
	ch := p.launching.DoChan("launch", func() (any, error) {
		return nil, p.launch(launchCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) launch(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateReady {
		p.mu.Unlock()
		return nil
	}
	p.state = StateInitializing
	gen := p.gen
	p.mu.Unlock()

	start := time.Now()
	b, err := p.engine.Launch(ctx)
	metrics.BrowserLaunchesTotal.WithLabelValues(metrics.Result(err)).Inc()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		if p.gen == gen {
			p.state = StateUninitialized
		}
		p.log.WithError(err).Error("browser_launch_failed")
		return errors.WrapWithCode(err, errors.CodeUnavailable, "pagepool.initialize", "failed to launch browser")
	}

	// Cleanup ran while the browser was starting.
	if p.gen != gen {
		if cerr := b.Close(); cerr != nil {
			p.log.WithError(cerr).Warn("browser_close_failed")
		}
		p.log.Warn("browser_launch_discarded")
		return errors.New(errors.CodeUnavailable, "browser was shut down while launching")
	}

	p.gen++
	p.browser = b
	p.state = StateReady
	go p.watch(b, p.gen)

	p.log.Info("browser_initialized",
		"max_concurrent", p.max,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// watch resets the pool when b disconnects, unless b was already replaced
// or deliberately closed.
func (p *Pool) watch(b ports.Browser, gen uint64) {
	<-b.Disconnected()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.browser != b {
		return
	}
	p.browser = nil
	p.state = StateUninitialized
	metrics.BrowserDisconnectsTotal.Inc()
	p.log.Warn("browser_disconnected", "active_pages", len(p.leases))
}

// Acquire leases a fresh page, launching the browser first if needed. It
// fails with CAPACITY_EXCEEDED when max pages are already out; callers are
// not queued.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.state != StateReady || p.browser == nil {
		p.mu.Unlock()
		return nil, errors.Unavailable("browser")
	}
	if len(p.leases)+p.reserved >= p.max {
		p.mu.Unlock()
		metrics.PoolRejectionsTotal.Inc()
		return nil, errors.CapacityExceeded(p.max)
	}
	p.reserved++
	b := p.browser
	p.mu.Unlock()

	page, err := b.NewPage(ctx)

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.mu.Unlock()
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "pagepool.acquire", "failed to open page")
	}
	p.nextID++
	lease := &Lease{id: p.nextID, page: page}
	p.leases[lease.id] = lease
	active := len(p.leases)
	p.mu.Unlock()

	metrics.ActivePages.Set(float64(active))
	p.log.Debug("page_created", "active_pages", active)
	return lease, nil
}

// Release closes the leased page and frees its slot. Releasing nil or an
// already released lease is a no-op. Close failures are logged.
func (p *Pool) Release(lease *Lease) {
	_ = p.release(lease)
}

func (p *Pool) release(lease *Lease) error {
	if lease == nil {
		return nil
	}
	var closeErr error
	lease.once.Do(func() {
		closeErr = lease.page.Close()

		p.mu.Lock()
		delete(p.leases, lease.id)
		active := len(p.leases)
		p.mu.Unlock()

		metrics.ActivePages.Set(float64(active))
		if closeErr != nil {
			p.log.WithError(closeErr).Warn("page_close_failed")
			return
		}
		p.log.Debug("page_closed", "active_pages", active)
	})
	return closeErr
}

// IsHealthy reports whether the browser is up and answers a version probe.
func (p *Pool) IsHealthy(ctx context.Context) bool {
	p.mu.Lock()
	b := p.browser
	ready := p.state == StateReady
	p.mu.Unlock()

	if !ready || b == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	if _, err := b.Version(probeCtx); err != nil {
		p.log.WithError(err).Warn("browser_health_check_failed")
		return false
	}
	return true
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Initialized:   p.state == StateReady,
		ActivePages:   len(p.leases),
		MaxConcurrent: p.max,
	}
}

// State returns the current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Cleanup releases every outstanding lease, closes the browser and returns
// the pool to StateUninitialized. Close failures are logged, not returned;
// the only error is ctx expiring before the pages were closed.
func (p *Pool) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	leases := make([]*Lease, 0, len(p.leases))
	for _, l := range p.leases {
		leases = append(leases, l)
	}
	b := p.browser
	p.gen++
	p.browser = nil
	p.state = StateUninitialized
	p.mu.Unlock()

	var g errgroup.Group
	for _, l := range leases {
		l := l
		g.Go(func() error { return p.release(l) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var ctxErr error
	select {
	case err := <-done:
		if err != nil {
			p.log.WithError(err).Warn("pagepool_cleanup_page_errors", "pages", len(leases))
		}
	case <-ctx.Done():
		ctxErr = ctx.Err()
		p.log.Warn("pagepool_cleanup_timeout", "pages", len(leases))
	}

	if b != nil {
		if err := b.Close(); err != nil {
			p.log.WithError(err).Warn("browser_close_failed")
		}
	}

	p.log.Info("pagepool_cleaned_up", "pages_released", len(leases))
	return ctxErr
}
