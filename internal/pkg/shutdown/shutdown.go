// Package shutdown runs registered cleanup handlers when the process is
// asked to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pagesnap/internal/pkg/logger"
)

// overrunGrace bounds each handler that starts after the shutdown timeout
// has already passed.
const overrunGrace = 5 * time.Second

// Manager handles graceful shutdown of services.
type Manager struct {
	log      *logger.Logger
	timeout  time.Duration
	grace    time.Duration
	handlers []Handler
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	err      error
}

// Handler is a function that performs cleanup during shutdown.
type Handler struct {
	Name    string
	Cleanup func(ctx context.Context) error
}

// NewManager creates a new shutdown manager.
func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Manager{
		log:      log.WithComponent("shutdown"),
		timeout:  timeout,
		grace:    overrunGrace,
		handlers: make([]Handler, 0),
		done:     make(chan struct{}),
	}
}

// Register adds a cleanup handler. Handlers run one at a time, last
// registered first, so a component registered after its dependencies is
// torn down before them.
func (m *Manager) Register(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup})
	m.log.Debug("registered shutdown handler", "name", name)
}

// RegisterSimple adds a simple cleanup handler without context.
func (m *Manager) RegisterSimple(name string, cleanup func()) {
	m.Register(name, func(ctx context.Context) error {
		cleanup()
		return nil
	})
}

// Wait blocks until shutdown signal is received, then runs cleanup.
func (m *Manager) Wait() error {
	return m.WaitWithContext(context.Background())
}

// WaitWithContext waits for a shutdown signal or for ctx to end, then runs
// cleanup.
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.log.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		m.log.Info("context canceled, initiating shutdown")
	}

	return m.Shutdown()
}

// Shutdown runs all cleanup handlers in reverse registration order. It
// returns context.DeadlineExceeded when the handlers did not finish within
// the timeout. A handler still running at the deadline is abandoned, and
// the ones after it still run, each bounded by the overrun grace. Only the
// first call does any work.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.err = m.run()
		close(m.done)
	})
	return m.err
}

func (m *Manager) run() error {
	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Info("starting graceful shutdown", "handlers", len(handlers), "timeout", m.timeout.String())

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		hctx, hcancel := ctx, context.CancelFunc(func() {})
		if ctx.Err() != nil {
			hctx, hcancel = context.WithTimeout(context.Background(), m.grace)
			m.log.Warn("shutdown handler running after timeout", "name", h.Name, "grace", m.grace.String())
		}
		err := m.runHandler(hctx, h)
		hcancel()
		if err != nil {
			errs = append(errs, err)
		}
	}

	if ctx.Err() != nil {
		m.log.Warn("shutdown timeout exceeded, forcing exit")
		return context.DeadlineExceeded
	}
	m.log.Info("graceful shutdown completed")
	return errors.Join(errs...)
}

// runHandler returns when h does or when ctx ends, whichever is first.
func (m *Manager) runHandler(ctx context.Context, h Handler) error {
	m.log.Debug("running shutdown handler", "name", h.Name)
	start := time.Now()

	finished := make(chan error, 1)
	go func() { finished <- h.Cleanup(ctx) }()

	var err error
	select {
	case err = <-finished:
	case <-ctx.Done():
		err = fmt.Errorf("%s: %w", h.Name, ctx.Err())
	}

	if err != nil {
		m.log.Error("shutdown handler failed",
			"name", h.Name,
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return err
	}
	m.log.Debug("shutdown handler completed",
		"name", h.Name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Context returns a context that is canceled on shutdown.
func (m *Manager) Context() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-m.done
		cancel()
	}()
	return ctx
}
