package handlers

import (
	"context"
	"time"

	"pagesnap/internal/jobs"
	"pagesnap/internal/pagepool"
	"pagesnap/internal/pkg/logger"
)

// Version is reported by the root and health endpoints.
const Version = "1.0.0"

// JobService is the scheduler as the handlers see it.
type JobService interface {
	Submit(ctx context.Context, req jobs.Request) (jobs.Receipt, error)
	Get(ctx context.Context, id string) (jobs.Job, error)
	Stats(ctx context.Context) (jobs.Stats, error)
}

// BrowserPool is the page pool as the health endpoint sees it.
type BrowserPool interface {
	Stats() pagepool.Stats
	IsHealthy(ctx context.Context) bool
}

// Checker probes one backing service for ?deep=true health checks.
type Checker func(ctx context.Context) error

type Deps struct {
	Jobs           JobService
	Pool           BrowserPool
	AllowedDomains []string
	Checks         map[string]Checker
	Log            *logger.Logger
	Started        time.Time
}

type Handler struct {
	jobs           JobService
	pool           BrowserPool
	allowedDomains []string
	checks         map[string]Checker
	log            *logger.Logger
	started        time.Time
	now            func() time.Time
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDiscard()
	}
	started := d.Started
	if started.IsZero() {
		started = time.Now()
	}
	return &Handler{
		jobs:           d.Jobs,
		pool:           d.Pool,
		allowedDomains: d.AllowedDomains,
		checks:         d.Checks,
		log:            log.WithComponent("httpapi"),
		started:        started,
		now:            time.Now,
	}
}
