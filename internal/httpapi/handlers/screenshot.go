package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pagesnap/internal/capture"
	"pagesnap/internal/httpkit"
	"pagesnap/internal/jobs"
	"pagesnap/internal/pkg/errors"
	"pagesnap/internal/pkg/middleware"
	"pagesnap/internal/ports"
)

// PostScreenshot validates the request and queues a capture job.
func (h *Handler) PostScreenshot(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	log := h.log.FromContext(ctx)
	apiKey := middleware.MaskAPIKey(middleware.APIKeyFromContext(ctx))

	var req ScreenshotRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return errors.Validation("invalid json body").WithField("errors", []string{err.Error()})
	}

	if problems := req.Validate(h.allowedDomains); len(problems) > 0 {
		log.Warn("validation_failed", "errors", problems, "api_key", apiKey)
		return errors.Validation("validation failed").WithField("errors", problems)
	}

	receipt, err := h.jobs.Submit(ctx, req.toJobRequest())
	if err != nil {
		return err
	}

	log.Info("screenshot_requested", "job_id", receipt.JobID, "url", req.URL, "api_key", apiKey)
	httpkit.WriteJSON(w, http.StatusAccepted, receipt)
	return nil
}

// GetStatus returns the job record.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) error {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, job)
	return nil
}

func (req ScreenshotRequest) toJobRequest() jobs.Request {
	opts := capture.Options{Format: ports.ImageFormat(req.Format)}
	if req.Viewport != nil {
		opts.Width = req.Viewport.Width
		opts.Height = req.Viewport.Height
	}
	if o := req.Options; o != nil {
		opts.Quality = o.Quality
		opts.WaitUntil = ports.WaitUntil(o.WaitUntil)
		opts.Timeout = time.Duration(o.Timeout) * time.Millisecond
	}
	return jobs.Request{
		URL:      req.URL,
		Capture:  opts,
		Storage:  *req.Storage,
		Metadata: req.Metadata,
	}
}
