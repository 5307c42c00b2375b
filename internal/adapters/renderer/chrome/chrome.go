// Package chrome implements ports.Engine on a headless Chrome driven over
// the DevTools protocol with chromedp.
package chrome

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"

	"pagesnap/internal/pkg/logger"
	"pagesnap/internal/ports"
)

// Options configures the launched browser.
type Options struct {
	// ExecPath overrides chromedp's Chrome lookup.
	ExecPath string
	// Flags are extra command line switches, name to value.
	Flags map[string]any
}

// Engine launches headless Chrome processes.
type Engine struct {
	opts Options
	log  *logger.Logger
}

func New(opts Options, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Engine{opts: opts, log: log.WithComponent("chrome")}
}

// allocatorOptions are the sandbox-free, container friendly switches the
// service always runs with.
func (e *Engine) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-zygote", true),
	)
	if e.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.opts.ExecPath))
	}
	for name, v := range e.opts.Flags {
		opts = append(opts, chromedp.Flag(name, v))
	}
	return opts
}

// Launch starts a browser. The process outlives ctx; it stops on Close.
func (e *Engine) Launch(ctx context.Context) (ports.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), e.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run on a fresh context starts the process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	b := &Browser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		gone:        make(chan struct{}),
	}
	go b.watch()

	e.log.Debug("chrome_started")
	return b, nil
}

// Browser is one running Chrome process.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	gone      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (b *Browser) watch() {
	var lost <-chan struct{}
	if c := chromedp.FromContext(b.ctx); c != nil && c.Browser != nil {
		lost = c.Browser.LostConnection
	}
	select {
	case <-lost:
	case <-b.ctx.Done():
	}
	close(b.gone)
}

func (b *Browser) Disconnected() <-chan struct{} { return b.gone }

// NewPage opens a blank tab. The tab is created on its own context rather
// than ctx: chromedp ties a target's lifetime to the context of the first
// Run, and the tab must outlive the caller's deadline.
func (b *Browser) NewPage(ctx context.Context) (ports.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &Page{ctx: tabCtx, cancel: cancel}, nil
}

// Version asks the browser for its product string.
func (b *Browser) Version(ctx context.Context) (string, error) {
	c := chromedp.FromContext(b.ctx)
	if c == nil || c.Browser == nil {
		return "", fmt.Errorf("browser not started")
	}
	_, product, _, _, _, err := browser.GetVersion().Do(cdp.WithExecutor(ctx, c.Browser))
	if err != nil {
		return "", err
	}
	return product, nil
}

// Close shuts Chrome down and waits for the process to exit.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = chromedp.Cancel(b.ctx)
		b.cancel()
		b.allocCancel()
	})
	return b.closeErr
}
