package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pagesnap/internal/httpapi/handlers"
	"pagesnap/internal/httpkit"
	"pagesnap/internal/jobs"
	"pagesnap/internal/pagepool"
	"pagesnap/internal/pkg/errors"
	"pagesnap/internal/ratelimit"
)

type fakeJobs struct {
	mu        sync.Mutex
	submitted []jobs.Request
	submitErr error
	jobs      map[string]jobs.Job
	statsErr  error
}

func (f *fakeJobs) Submit(_ context.Context, req jobs.Request) (jobs.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	id := fmt.Sprintf("job-%d", len(f.submitted))
	if f.submitErr != nil {
		return jobs.Receipt{JobID: id, Status: jobs.StatusFailed}, f.submitErr
	}
	return jobs.Receipt{JobID: id, Status: jobs.StatusQueued, StatusURL: jobs.StatusPath + id}, nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return jobs.Job{}, errors.NotFound("job", id)
	}
	return j, nil
}

func (f *fakeJobs) Stats(context.Context) (jobs.Stats, error) {
	return jobs.Stats{QueueDepth: 2, Pending: 1, TotalJobs: 7}, f.statsErr
}

type fakePool struct{ healthy bool }

func (p fakePool) Stats() pagepool.Stats {
	return pagepool.Stats{Initialized: true, ActivePages: 1, MaxConcurrent: 3}
}
func (p fakePool) IsHealthy(context.Context) bool { return p.healthy }

type testServer struct {
	handler http.Handler
	jobs    *fakeJobs
}

func newTestServer(t *testing.T, maxRequests int) *testServer {
	t.Helper()
	fj := &fakeJobs{jobs: map[string]jobs.Job{
		"job-42": {ID: "job-42", Status: jobs.StatusCompleted, URL: "https://example.com", CreatedAt: time.Unix(0, 0).UTC()},
	}}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{MaxRequests: maxRequests, Window: time.Minute}, nil)

	h := NewRouter(Deps{
		Jobs:           fj,
		Pool:           fakePool{healthy: true},
		Limiter:        limiter,
		APIKeys:        []string{"test-key"},
		AllowedDomains: []string{"example.com"},
		Checks: map[string]handlers.Checker{
			"redis": func(context.Context) error { return fmt.Errorf("connection refused") },
		},
	})
	return &testServer{handler: h, jobs: fj}
}

func (s *testServer) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:40000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer test-key")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) httpkit.ErrorEnvelope {
	t.Helper()
	var env httpkit.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body=%s)", err, rec.Body.String())
	}
	return env
}

const validBody = `{
	"url": "https://www.example.com/",
	"viewport": {"width": 1280, "height": 720},
	"format": "jpeg",
	"options": {"quality": 80, "timeout": 20000},
	"storage": {"bucket": "shots", "key": "home.jpg", "region": "eu-west-2"},
	"metadata": {"source": "test"}
}`

func TestRoot(t *testing.T) {
	s := newTestServer(t, 10)
	rec := s.do("GET", "/", "", false)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "POST /v1/screenshot") {
		t.Errorf("unexpected root response %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 10)
	rec := s.do("GET", "/v1/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Status  string     `json:"status"`
		Queue   jobs.Stats `json:"queue"`
		Browser struct {
			Healthy       bool `json:"healthy"`
			ActivePages   int  `json:"active_pages"`
			MaxConcurrent int  `json:"max_concurrent"`
		} `json:"browser"`
		Memory map[string]any `json:"memory"`
		Checks map[string]any `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || !body.Browser.Healthy || body.Browser.MaxConcurrent != 3 {
		t.Errorf("unexpected health body %s", rec.Body.String())
	}
	if body.Queue.TotalJobs != 7 || body.Queue.QueueDepth != 2 {
		t.Errorf("unexpected queue stats %+v", body.Queue)
	}
	if _, ok := body.Memory["heap_used_mb"]; !ok {
		t.Error("expected memory stats")
	}
	if body.Checks != nil {
		t.Error("expected no deep checks without ?deep=true")
	}
}

func TestHealthDeepDegraded(t *testing.T) {
	s := newTestServer(t, 10)
	rec := s.do("GET", "/v1/health?deep=true", "", false)
	if !strings.Contains(rec.Body.String(), `"status":"degraded"`) || !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("expected degraded status, got %s", rec.Body.String())
	}
}

func TestHealthError(t *testing.T) {
	s := newTestServer(t, 10)
	s.jobs.statsErr = fmt.Errorf("db down")
	rec := s.do("GET", "/v1/health", "", false)
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), `"status":"error"`) {
		t.Errorf("expected 500 error body, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestScreenshotRequiresAuth(t *testing.T) {
	s := newTestServer(t, 10)
	rec := s.do("POST", "/v1/screenshot", validBody, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(s.jobs.submitted) != 0 {
		t.Error("expected nothing submitted")
	}
}

func TestScreenshotAccepted(t *testing.T) {
	s := newTestServer(t, 10)
	rec := s.do("POST", "/v1/screenshot", validBody, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var receipt jobs.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.JobID != "job-1" || receipt.Status != jobs.StatusQueued || receipt.StatusURL != "/v1/status/job-1" {
		t.Errorf("unexpected receipt %+v", receipt)
	}

	req := s.jobs.submitted[0]
	if req.URL != "https://www.example.com/" || req.Storage.Key != "home.jpg" {
		t.Errorf("unexpected submitted request %+v", req)
	}
	if req.Capture.Width != 1280 || req.Capture.Quality != 80 || req.Capture.Timeout != 20*time.Second {
		t.Errorf("unexpected capture options %+v", req.Capture)
	}
}

func TestScreenshotValidation(t *testing.T) {
	s := newTestServer(t, 10)
	rec := s.do("POST", "/v1/screenshot", `{"url":"https://evil.com","format":"gif"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	env := decodeEnvelope(t, rec)
	if env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", env.Error.Code)
	}
	problems, _ := env.Error.Details["errors"].([]any)
	if len(problems) != 3 {
		t.Errorf("expected 3 problems, got %v", env.Error.Details["errors"])
	}
}

func TestScreenshotInvalidJSON(t *testing.T) {
	s := newTestServer(t, 10)
	rec := s.do("POST", "/v1/screenshot", `{"url":`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestScreenshotQueueFull(t *testing.T) {
	s := newTestServer(t, 10)
	s.jobs.submitErr = errors.New(errors.CodeResourceExhaust, "queue full").WithField("job_id", "job-1")

	rec := s.do("POST", "/v1/screenshot", validBody, true)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error.Code != "RESOURCE_EXHAUSTED" || env.Error.Details["job_id"] != "job-1" {
		t.Errorf("unexpected envelope %+v", env.Error)
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, 10)

	rec := s.do("GET", "/v1/status/job-42", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var job jobs.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.ID != "job-42" || job.Status != jobs.StatusCompleted {
		t.Errorf("unexpected job %+v", job)
	}

	rec = s.do("GET", "/v1/status/missing", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRateLimitOnAuthenticatedRoutes(t *testing.T) {
	s := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		if rec := s.do("GET", "/v1/status/job-42", "", true); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := s.do("GET", "/v1/status/job-42", "", true)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Health is not rate limited.
	if rec := s.do("GET", "/v1/health", "", false); rec.Code != http.StatusOK {
		t.Errorf("expected health to stay available, got %d", rec.Code)
	}
}

func TestRealIPFeedsRateLimitIdentity(t *testing.T) {
	s := newTestServer(t, 1)

	send := func(ip string) int {
		req := httptest.NewRequest("GET", "/v1/status/job-42", nil)
		req.Header.Set("Authorization", "Bearer test-key")
		req.Header.Set("X-Real-IP", ip)
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if send("198.51.100.1") != http.StatusOK || send("198.51.100.2") != http.StatusOK {
		t.Fatal("expected separate windows per client address")
	}
	if send("198.51.100.1") != http.StatusTooManyRequests {
		t.Error("expected the first address to be limited")
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, 10)
	rec := s.do("GET", "/v2/nothing", "", false)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, 10)
	s.do("GET", "/v1/health", "", false)

	rec := s.do("GET", "/metrics", "", false)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pagesnap_http_requests_total") {
		t.Errorf("expected prometheus exposition, got %d", rec.Code)
	}
}
