package jobs

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pagesnap/internal/capture"
	"pagesnap/internal/metrics"
	"pagesnap/internal/pkg/errors"
	"pagesnap/internal/pkg/logger"
	"pagesnap/internal/ports"
)

const tracerName = "pagesnap/internal/jobs"

// maxErrorLen bounds the failure message stored on a job.
const maxErrorLen = 2000

// StatusPath prefixes the status URL handed back on submission.
const StatusPath = "/v1/status/"

// Capturer renders a URL to image bytes.
type Capturer interface {
	Capture(ctx context.Context, url string, opts capture.Options) ([]byte, error)
}

// Config controls the scheduler.
type Config struct {
	// Concurrency is the number of workers.
	Concurrency int
	// MaxQueued bounds jobs waiting for a worker; 0 means unbounded.
	MaxQueued     int
	Retention     time.Duration
	SweepInterval time.Duration
	// DrainTimeout bounds how long Stop waits for running jobs before it
	// cancels them; 0 leaves the bound to the caller's ctx.
	DrainTimeout time.Duration
}

// cancelGrace is how long Stop waits for canceled jobs to record their
// failure.
const cancelGrace = time.Second

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:   3,
		Retention:     time.Hour,
		SweepInterval: 15 * time.Minute,
	}
}

type queuedJob struct {
	id  string
	req Request
}

// Scheduler admits jobs in FIFO order to a fixed set of workers. Each job
// is written only by the worker running it.
type Scheduler struct {
	store    Store
	capturer Capturer
	storage  ports.StorageProvider
	cfg      Config
	log      *logger.Logger
	tracer   trace.Tracer
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []queuedJob
	inFlight int
	stopped  bool
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler and starts its workers. Call Stop to shut them
// down.
func New(store Store, capturer Capturer, storage ports.StorageProvider, cfg Config, log *logger.Logger, opts ...Option) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Minute
	}
	if log == nil {
		log = logger.NewDiscard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:    store,
		capturer: capturer,
		storage:  storage,
		cfg:      cfg,
		log:      log.WithComponent("jobs"),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}

	for i := 0; i < cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit records a queued job and hands it to the workers without waiting
// for it. When the queue is full or the scheduler has stopped, the job is
// recorded as failed and RESOURCE_EXHAUSTED is returned with its receipt.
func (s *Scheduler) Submit(ctx context.Context, req Request) (Receipt, error) {
	job := Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		CreatedAt: s.now().UTC(),
		URL:       req.URL,
		Metadata:  req.Metadata,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return Receipt{}, errors.Wrap(err, "jobs.submit", "failed to record job")
	}

	receipt := Receipt{JobID: job.ID, Status: StatusQueued, StatusURL: StatusPath + job.ID}
	log := s.log.FromContext(ctx).WithJobID(job.ID)

	s.mu.Lock()
	var reason string
	switch {
	case s.stopped:
		reason = "scheduler stopped"
	case s.cfg.MaxQueued > 0 && len(s.queue) >= s.cfg.MaxQueued:
		reason = "queue full"
	default:
		s.queue = append(s.queue, queuedJob{id: job.ID, req: req})
		metrics.JobQueueDepth.Set(float64(len(s.queue)))
		s.cond.Signal()
	}
	s.mu.Unlock()

	if reason != "" {
		metrics.JobsSubmittedTotal.WithLabelValues("rejected").Inc()
		s.finish(ctx, job.ID, nil, errors.New(errors.CodeResourceExhaust, reason))
		log.Warn("job_rejected", "reason", reason)
		receipt.Status = StatusFailed
		return receipt, errors.New(errors.CodeResourceExhaust, reason).WithField("job_id", job.ID)
	}

	metrics.JobsSubmittedTotal.WithLabelValues("queued").Inc()
	log.Info("job_queued", "url", req.URL)
	return receipt, nil
}

// Get returns a copy of the job or NOT_FOUND.
func (s *Scheduler) Get(ctx context.Context, id string) (Job, error) {
	return s.store.Get(ctx, id)
}

// Stats returns queue depth, running jobs and the number of tracked jobs.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	st := Stats{QueueDepth: len(s.queue), Pending: s.inFlight}
	s.mu.Unlock()

	total, err := s.store.Count(ctx)
	if err != nil {
		return st, err
	}
	st.TotalJobs = total
	return st, nil
}

// Sweep deletes terminal jobs created before now minus the retention.
// Queued and processing jobs are never deleted.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := s.store.DeleteTerminalBefore(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		return 0, errors.Wrap(err, "jobs.sweep", "failed to delete expired jobs")
	}
	if n > 0 {
		metrics.JobsSweptTotal.Add(float64(n))
		s.log.Info("jobs_cleaned_up", "count", n)
	}
	return n, nil
}

// Run sweeps every SweepInterval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.now()); err != nil {
				s.log.WithError(err).Error("jobs_sweep_failed")
			}
		}
	}
}

// Stop refuses new jobs, fails the ones still waiting and waits for running
// jobs to finish. When DrainTimeout or ctx ends first, running jobs are
// canceled, given a short grace to record their failure, and the drain
// error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	waiting := s.queue
	s.queue = nil
	metrics.JobQueueDepth.Set(0)
	s.cond.Broadcast()
	running := s.inFlight
	s.mu.Unlock()

	for _, q := range waiting {
		s.finish(ctx, q.id, nil, errors.New(errors.CodeUnavailable, "scheduler stopped"))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	drainCtx := ctx
	if s.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, s.cfg.DrainTimeout)
		defer cancel()
	}

	select {
	case <-done:
		s.cancel()
		s.log.Info("scheduler_stopped", "abandoned", len(waiting))
		return nil
	case <-drainCtx.Done():
	}

	s.cancel()
	s.log.Warn("scheduler_drain_timeout", "running", running, "abandoned", len(waiting))

	grace := time.NewTimer(cancelGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
	case <-ctx.Done():
	}
	return errors.WrapWithCode(drainCtx.Err(), errors.CodeUnavailable, "jobs.stop", "running jobs canceled at shutdown")
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		q, ok := s.next()
		if !ok {
			return
		}
		s.process(q)
	}
}

// next blocks until a job is available or the scheduler stops.
func (s *Scheduler) next() (queuedJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return queuedJob{}, false
	}
	q := s.queue[0]
	s.queue[0] = queuedJob{}
	s.queue = s.queue[1:]
	s.inFlight++
	metrics.JobQueueDepth.Set(float64(len(s.queue)))
	metrics.JobsInFlight.Set(float64(s.inFlight))
	return q, true
}

func (s *Scheduler) process(q queuedJob) {
	defer func() {
		s.mu.Lock()
		s.inFlight--
		metrics.JobsInFlight.Set(float64(s.inFlight))
		s.mu.Unlock()
	}()

	ctx := logger.ContextWithJobID(s.ctx, q.id)
	log := s.log.FromContext(ctx)

	ctx, span := s.tracer.Start(ctx, "jobs.process",
		trace.WithAttributes(
			attribute.String("job.id", q.id),
			attribute.String("job.url", q.req.URL),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error("job_panicked", "panic", r, "stack", string(debug.Stack()))
			err := errors.Newf(errors.CodeInternal, "internal error: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.finish(ctx, q.id, nil, err)
		}
	}()

	if _, err := s.store.Update(ctx, q.id, func(j *Job) error {
		return j.transition(StatusProcessing, s.now().UTC())
	}); err != nil {
		log.WithError(err).Error("job_start_failed")
		return
	}
	log.Info("job_processing", "url", q.req.URL)

	result, err := s.execute(ctx, q.req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.finish(ctx, q.id, result, err)
}

// execute captures the page and uploads it.
func (s *Scheduler) execute(ctx context.Context, req Request) (*ports.PutObjectOutput, error) {
	img, err := s.capturer.Capture(ctx, req.URL, req.Capture)
	if err != nil {
		return nil, err
	}

	out, err := s.storage.PutObject(ctx, ports.PutObjectInput{
		Bucket:      req.Storage.Bucket,
		Region:      req.Storage.Region,
		ObjectKey:   req.Storage.Key,
		ContentType: ports.ContentTypeForKey(req.Storage.Key),
		Reader:      bytes.NewReader(img),
		Size:        int64(len(img)),
	})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeStorageFailed, "jobs.upload", "failed to upload screenshot")
	}
	return &out, nil
}

// finish moves the job to completed or failed. A job that is already
// terminal is left untouched.
func (s *Scheduler) finish(ctx context.Context, id string, result *ports.PutObjectOutput, cause error) {
	log := s.log.FromContext(ctx).WithJobID(id)
	ctx = context.WithoutCancel(ctx)

	next := StatusCompleted
	if cause != nil {
		next = StatusFailed
	}

	_, err := s.store.Update(ctx, id, func(j *Job) error {
		if err := j.transition(next, s.now().UTC()); err != nil {
			return err
		}
		if cause != nil {
			j.Error = failureMessage(cause)
		} else {
			j.Result = result
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("job_finish_failed", "status", string(next))
		return
	}

	metrics.JobsFinishedTotal.WithLabelValues(string(next)).Inc()
	if cause != nil {
		s.log.LogError(logger.ContextWithJobID(ctx, id), "job_failed", cause, "status", string(next))
		return
	}
	log.Info("job_completed", "url", result.URL, "size", result.Size)
}

// failureMessage is the text stored on a failed job: the coded error's own
// message and cause, without the operation and code prefix.
func failureMessage(err error) string {
	msg := err.Error()
	var e *errors.Error
	if errors.As(err, &e) {
		msg = e.Message
		if e.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		}
	}
	return truncate(msg, maxErrorLen)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
