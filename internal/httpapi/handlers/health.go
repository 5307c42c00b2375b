package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"pagesnap/internal/httpkit"
	"pagesnap/internal/jobs"
)

type memoryStats struct {
	HeapUsedMB  uint64 `json:"heap_used_mb"`
	HeapTotalMB uint64 `json:"heap_total_mb"`
	SysMB       uint64 `json:"sys_mb"`
}

type browserHealth struct {
	Healthy       bool `json:"healthy"`
	Initialized   bool `json:"initialized"`
	ActivePages   int  `json:"active_pages"`
	MaxConcurrent int  `json:"max_concurrent"`
}

type healthResponse struct {
	Status        string                    `json:"status"`
	Version       string                    `json:"version"`
	Timestamp     time.Time                 `json:"timestamp"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Memory        memoryStats               `json:"memory"`
	Browser       browserHealth             `json:"browser"`
	Queue         jobs.Stats                `json:"queue"`
	Checks        map[string]map[string]any `json:"checks,omitempty"`
}

// Health reports process, browser and queue state. With ?deep=true it also
// probes every registered backing service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	queue, err := h.jobs.Stats(ctx)
	if err != nil {
		log.WithError(err).Error("health_check_failed")
		httpkit.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"status":  "error",
			"message": "failed to read queue stats",
		})
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	pool := h.pool.Stats()
	health := healthResponse{
		Status:        "ok",
		Version:       Version,
		Timestamp:     h.now().UTC(),
		UptimeSeconds: int64(h.now().Sub(h.started).Round(time.Second).Seconds()),
		Memory: memoryStats{
			HeapUsedMB:  mem.HeapAlloc >> 20,
			HeapTotalMB: mem.HeapSys >> 20,
			SysMB:       mem.Sys >> 20,
		},
		Browser: browserHealth{
			Healthy:       h.pool.IsHealthy(ctx),
			Initialized:   pool.Initialized,
			ActivePages:   pool.ActivePages,
			MaxConcurrent: pool.MaxConcurrent,
		},
		Queue: queue,
	}

	if r.URL.Query().Get("deep") == "true" && len(h.checks) > 0 {
		health.Checks = h.deepHealthCheck(ctx)
		for _, check := range health.Checks {
			if check["status"] != "ok" {
				health.Status = "degraded"
				log.Warn("health check degraded", "checks", health.Checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	checks := make(map[string]map[string]any, len(h.checks))
	for name, check := range h.checks {
		start := time.Now()
		result := map[string]any{"status": "ok"}

		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := check(checkCtx); err != nil {
			result["status"] = "error"
			result["error"] = err.Error()
		}
		cancel()

		result["latency_ms"] = time.Since(start).Milliseconds()
		checks[name] = result
	}
	return checks
}
