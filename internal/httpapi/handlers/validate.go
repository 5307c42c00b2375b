package handlers

import (
	"fmt"
	"net/url"
	"strings"

	"pagesnap/internal/jobs"
)

const (
	minViewport = 100
	maxViewport = 4000
)

type viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type captureOptions struct {
	Quality   int    `json:"quality"`
	WaitUntil string `json:"wait_until"`
	// Timeout is in milliseconds.
	Timeout int `json:"timeout"`
}

// ScreenshotRequest is the POST /v1/screenshot body.
type ScreenshotRequest struct {
	URL      string              `json:"url"`
	Viewport *viewport           `json:"viewport,omitempty"`
	Format   string              `json:"format,omitempty"`
	Options  *captureOptions     `json:"options,omitempty"`
	Storage  *jobs.StorageTarget `json:"storage"`
	Metadata map[string]any      `json:"metadata,omitempty"`
}

// Validate returns every problem with the request; an empty slice means it
// can be submitted.
func (req ScreenshotRequest) Validate(allowedDomains []string) []string {
	var errs []string

	if req.URL == "" {
		errs = append(errs, "url is required")
	} else if u, err := url.Parse(req.URL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, "url must be a valid http or https URL")
	} else if !domainAllowed(u.Hostname(), allowedDomains) {
		errs = append(errs, fmt.Sprintf("domain %s is not in allowed domains list", u.Hostname()))
	}

	if req.Storage == nil {
		errs = append(errs, "storage is required")
	} else {
		if req.Storage.Bucket == "" {
			errs = append(errs, "storage.bucket is required")
		}
		if req.Storage.Region == "" {
			errs = append(errs, "storage.region is required")
		}
		if req.Storage.Key == "" {
			errs = append(errs, "storage.key is required")
		} else if strings.Contains(req.Storage.Key, "..") {
			errs = append(errs, `storage.key cannot contain ".."`)
		}
	}

	if req.Viewport != nil {
		if w := req.Viewport.Width; w != 0 && (w < minViewport || w > maxViewport) {
			errs = append(errs, fmt.Sprintf("viewport.width must be between %d and %d", minViewport, maxViewport))
		}
		if h := req.Viewport.Height; h != 0 && (h < minViewport || h > maxViewport) {
			errs = append(errs, fmt.Sprintf("viewport.height must be between %d and %d", minViewport, maxViewport))
		}
	}

	switch req.Format {
	case "", "png", "jpeg", "webp":
	default:
		errs = append(errs, "format must be png, jpeg, or webp")
	}

	if o := req.Options; o != nil {
		if o.Quality < 0 || o.Quality > 100 {
			errs = append(errs, "options.quality must be between 1 and 100")
		}
		switch o.WaitUntil {
		case "", "load", "domcontentloaded", "networkidle0", "networkidle2":
		default:
			errs = append(errs, "options.wait_until must be load, domcontentloaded, networkidle0, or networkidle2")
		}
		if o.Timeout < 0 {
			errs = append(errs, "options.timeout must not be negative")
		}
	}

	return errs
}

// domainAllowed matches the host or any subdomain of an allowed domain.
// An empty list allows every host.
func domainAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, d := range allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
