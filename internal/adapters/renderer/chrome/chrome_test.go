package chrome

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/page"

	"pagesnap/internal/ports"
)

func TestLifecycleEvent(t *testing.T) {
	tests := []struct {
		in   ports.WaitUntil
		want string
	}{
		{ports.WaitLoad, "load"},
		{"", "load"},
		{ports.WaitDOMContentLoaded, "DOMContentLoaded"},
		{ports.WaitNetworkIdle0, "networkIdle"},
		{ports.WaitNetworkIdle2, "networkAlmostIdle"},
	}
	for _, tt := range tests {
		if got := lifecycleEvent(tt.in); got != tt.want {
			t.Errorf("lifecycleEvent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScreenshotParams(t *testing.T) {
	tests := []struct {
		opts        ports.ScreenshotOptions
		wantFormat  page.CaptureScreenshotFormat
		wantQuality int64
	}{
		{ports.ScreenshotOptions{Format: ports.FormatPNG, Quality: 90}, page.CaptureScreenshotFormatPng, 0},
		{ports.ScreenshotOptions{Format: ports.FormatJPEG, Quality: 75}, page.CaptureScreenshotFormatJpeg, 75},
		{ports.ScreenshotOptions{Format: ports.FormatWebP, Quality: 60}, page.CaptureScreenshotFormatWebp, 60},
	}
	for _, tt := range tests {
		p := screenshotParams(tt.opts)
		if p.Format != tt.wantFormat || p.Quality != tt.wantQuality {
			t.Errorf("%v: got format=%s quality=%d", tt.opts, p.Format, p.Quality)
		}
	}
}

func TestStylesheetLoadedExprQuotesHost(t *testing.T) {
	expr := stylesheetLoadedExpr(`fonts".example.com`)
	if !strings.Contains(expr, `"fonts\".example.com"`) {
		t.Errorf("expected host to be JSON quoted, got %s", expr)
	}
}

func TestAllocatorOptions(t *testing.T) {
	e := New(Options{ExecPath: "/usr/bin/chromium", Flags: map[string]any{"lang": "en-US"}}, nil)
	base := len(e.allocatorOptions())

	e2 := New(Options{}, nil)
	if got := len(e2.allocatorOptions()); got != base-2 {
		t.Errorf("expected exec path and flag to add 2 options, got %d vs %d", base, got)
	}
}

// TestChromeCapture drives a real browser. It only runs when
// PAGESNAP_CHROME_TESTS=1 and Chrome is installed.
func TestChromeCapture(t *testing.T) {
	if os.Getenv("PAGESNAP_CHROME_TESTS") != "1" {
		t.Skip("set PAGESNAP_CHROME_TESTS=1 to run against a local Chrome")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	b, err := New(Options{ExecPath: os.Getenv("CHROME_EXECUTABLE_PATH")}, nil).Launch(ctx)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer b.Close()

	if v, err := b.Version(ctx); err != nil || v == "" {
		t.Fatalf("version: %q %v", v, err)
	}

	p, err := b.NewPage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.SetViewport(ctx, 320, 200); err != nil {
		t.Fatal(err)
	}
	if err := p.Navigate(ctx, "data:text/html,<h1>pagesnap</h1>", ports.NavigateOptions{WaitUntil: ports.WaitLoad, Timeout: 10 * time.Second}); err != nil {
		t.Fatal(err)
	}
	img, err := p.Screenshot(ctx, ports.ScreenshotOptions{Format: ports.FormatPNG})
	if err != nil {
		t.Fatal(err)
	}
	if len(img) < 8 || string(img[1:4]) != "PNG" {
		t.Errorf("expected PNG bytes, got %d bytes", len(img))
	}
}
