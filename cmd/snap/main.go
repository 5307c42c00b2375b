// Command snap captures one URL with the same pool and retry policy as the
// API and writes the image to a local file.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"pagesnap/internal/adapters/renderer/chrome"
	"pagesnap/internal/adapters/storage/localfs"
	"pagesnap/internal/capture"
	"pagesnap/internal/config"
	"pagesnap/internal/pagepool"
	"pagesnap/internal/pkg/logger"
	"pagesnap/internal/ports"
)

func main() {
	var (
		url      = flag.String("url", "", "page to capture (required)")
		out      = flag.String("out", "", "output file; defaults to screenshot.<format>")
		width    = flag.Int("width", capture.DefaultWidth, "viewport width")
		height   = flag.Int("height", capture.DefaultHeight, "viewport height")
		format   = flag.String("format", "png", "png, jpeg or webp")
		quality  = flag.Int("quality", capture.DefaultQuality, "jpeg/webp quality")
		retries  = flag.Int("retries", 2, "retry budget after the first attempt")
		wait     = flag.String("wait", string(ports.WaitNetworkIdle2), "load, domcontentloaded, networkidle0 or networkidle2")
		timeout  = flag.Duration("timeout", 30*time.Second, "navigation timeout")
		settle   = flag.Duration("settle", 3*time.Second, "delay after fonts are ready")
		execPath = flag.String("chrome", config.Env("CHROME_EXECUTABLE_PATH", ""), "Chrome executable")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{Level: level, Format: "text", Output: os.Stderr, ServiceName: "pagesnap-snap"})

	if *url == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *out == "" {
		*out = "screenshot." + *format
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, snapOptions{
		url:      *url,
		out:      *out,
		retries:  *retries,
		execPath: *execPath,
		settle:   *settle,
		capture: capture.Options{
			Width:     *width,
			Height:    *height,
			Format:    ports.ImageFormat(strings.ToLower(*format)),
			Quality:   *quality,
			WaitUntil: ports.WaitUntil(*wait),
			Timeout:   *timeout,
		},
	}); err != nil {
		log.LogFatal("snap failed", err)
	}
}

type snapOptions struct {
	url      string
	out      string
	retries  int
	execPath string
	settle   time.Duration
	capture  capture.Options
}

func run(ctx context.Context, log *logger.Logger, o snapOptions) error {
	pool := pagepool.New(chrome.New(chrome.Options{ExecPath: o.execPath}, log), 1, log)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = pool.Cleanup(cleanupCtx)
	}()

	cfg := capture.DefaultConfig()
	cfg.SettleDelay = o.settle
	exec := capture.New(pool, cfg, log)

	img, err := exec.CaptureWithRetries(ctx, o.url, o.capture, o.retries)
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(o.out)
	if err != nil {
		return err
	}
	key := filepath.Base(abs)
	res, err := localfs.New(filepath.Dir(abs), "").PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: ports.ContentTypeForKey(key),
		Reader:      bytes.NewReader(img),
		Size:        int64(len(img)),
	})
	if err != nil {
		return err
	}

	fmt.Println(res.URL)
	return nil
}
