package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"pagesnap/internal/ports"
)

// Page is one tab. Every call runs on the tab's chromedp context and is
// bounded by the caller's ctx.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// run executes actions on the tab. Cancelling the derived context stops the
// actions without closing the tab.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if dl, ok := ctx.Deadline(); ok {
		var c context.CancelFunc
		runCtx, c = context.WithDeadline(runCtx, dl)
		defer c()
	}
	if timeout > 0 {
		var c context.CancelFunc
		runCtx, c = context.WithTimeout(runCtx, timeout)
		defer c()
	}

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	return p.run(ctx, 0, chromedp.EmulateViewport(int64(width), int64(height)))
}

func (p *Page) SetHeaders(ctx context.Context, userAgent string, headers map[string]string) error {
	h := make(network.Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return p.run(ctx, 0,
		network.Enable(),
		network.SetExtraHTTPHeaders(h),
		emulation.SetUserAgentOverride(userAgent),
	)
}

// Navigate loads url and waits for the requested lifecycle event of the new
// document. chromedp.Navigate itself returns once the load event fired.
func (p *Page) Navigate(ctx context.Context, url string, opts ports.NavigateOptions) error {
	event := lifecycleEvent(opts.WaitUntil)
	if event == "load" {
		return p.run(ctx, opts.Timeout, chromedp.Navigate(url))
	}

	return p.run(ctx, opts.Timeout, chromedp.ActionFunc(func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return err
		}
		reached := waitLifecycle(ctx, tree.Frame.ID, event)

		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return err
		}
		if err := chromedp.Navigate(url).Do(ctx); err != nil {
			return err
		}

		select {
		case <-reached:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", event, ctx.Err())
		}
	}))
}

// waitLifecycle returns a channel closed when the main frame's next
// document reports event. The "init" event marks a new document, so events
// replayed for the previous one are ignored.
func waitLifecycle(ctx context.Context, mainFrame cdp.FrameID, event string) <-chan struct{} {
	reached := make(chan struct{})
	var (
		once   sync.Once
		loader string
	)
	chromedp.ListenTarget(ctx, func(ev any) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok || e.FrameID != mainFrame {
			return
		}
		if e.Name == "init" {
			loader = string(e.LoaderID)
			return
		}
		if loader != "" && string(e.LoaderID) == loader && e.Name == event {
			once.Do(func() { close(reached) })
		}
	})
	return reached
}

// lifecycleEvent maps a navigation condition to Chrome's lifecycle event
// name.
func lifecycleEvent(w ports.WaitUntil) string {
	switch w {
	case ports.WaitDOMContentLoaded:
		return "DOMContentLoaded"
	case ports.WaitNetworkIdle0:
		return "networkIdle"
	case ports.WaitNetworkIdle2:
		return "networkAlmostIdle"
	default:
		return "load"
	}
}

// WaitReady waits for the stylesheet from opts.StylesheetHost to be parsed
// and then for document.fonts.ready.
func (p *Page) WaitReady(ctx context.Context, opts ports.ReadyOptions) error {
	var actions []chromedp.Action
	if opts.StylesheetHost != "" {
		var (
			loaded  bool
			pollOpt []chromedp.PollOption
		)
		if opts.Timeout > 0 {
			pollOpt = append(pollOpt, chromedp.WithPollingTimeout(opts.Timeout))
		}
		actions = append(actions, chromedp.Poll(stylesheetLoadedExpr(opts.StylesheetHost), &loaded, pollOpt...))
	}

	var fonts int64
	actions = append(actions, chromedp.Evaluate(`document.fonts.ready.then(() => document.fonts.size)`, &fonts,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams { return p.WithAwaitPromise(true) }))

	return p.run(ctx, opts.Timeout, actions...)
}

// stylesheetLoadedExpr is true once a stylesheet from host exists and its
// rules are readable.
func stylesheetLoadedExpr(host string) string {
	quoted, _ := json.Marshal(host)
	return fmt.Sprintf(`(() => {
	const sheet = Array.from(document.styleSheets).find(s => s.href && s.href.includes(%s));
	if (!sheet) return false;
	try { return sheet.cssRules.length > 0; } catch (e) { return false; }
})()`, quoted)
}

func (p *Page) Screenshot(ctx context.Context, opts ports.ScreenshotOptions) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = screenshotParams(opts).Do(ctx)
		return err
	}))
	return buf, err
}

func screenshotParams(opts ports.ScreenshotOptions) *page.CaptureScreenshotParams {
	params := page.CaptureScreenshot()
	switch opts.Format {
	case ports.FormatJPEG:
		params = params.WithFormat(page.CaptureScreenshotFormatJpeg)
	case ports.FormatWebP:
		params = params.WithFormat(page.CaptureScreenshotFormatWebp)
	default:
		return params.WithFormat(page.CaptureScreenshotFormatPng)
	}
	if opts.Quality > 0 {
		params = params.WithQuality(int64(opts.Quality))
	}
	return params
}

// Close closes the tab.
func (p *Page) Close() error {
	var err error
	p.once.Do(func() {
		err = chromedp.Cancel(p.ctx)
		p.cancel()
	})
	return err
}
