package ports

import (
	"context"
	"time"
)

// Engine launches the long-lived browser process that pages are drawn from.
type Engine interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one running engine instance.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	// Version doubles as the liveness probe.
	Version(ctx context.Context) (string, error)
	// Disconnected is closed once, when the browser goes away for any reason.
	Disconnected() <-chan struct{}
	Close() error
}

// WaitUntil names the navigation completion condition.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle0     WaitUntil = "networkidle0"
	WaitNetworkIdle2     WaitUntil = "networkidle2"
)

// ImageFormat is the screenshot encoding.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
	FormatWebP ImageFormat = "webp"
)

// NavigateOptions bounds one navigation.
type NavigateOptions struct {
	WaitUntil WaitUntil
	Timeout   time.Duration
}

// ReadyOptions describes the best-effort readiness wait after navigation.
// StylesheetHost, when set, is waited on to have a loaded stylesheet before
// document fonts are awaited.
type ReadyOptions struct {
	StylesheetHost string
	Timeout        time.Duration
}

// ScreenshotOptions selects the encoding. Quality is ignored for PNG.
type ScreenshotOptions struct {
	Format  ImageFormat
	Quality int
}

// Page is a single isolated tab leased from a Browser.
type Page interface {
	SetViewport(ctx context.Context, width, height int) error
	SetHeaders(ctx context.Context, userAgent string, headers map[string]string) error
	Navigate(ctx context.Context, url string, opts NavigateOptions) error
	WaitReady(ctx context.Context, opts ReadyOptions) error
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	Close() error
}
