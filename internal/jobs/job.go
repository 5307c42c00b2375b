// Package jobs tracks screenshot jobs from submission to a terminal status
// and runs them on a fixed number of workers.
package jobs

import (
	"time"

	"pagesnap/internal/capture"
	"pagesnap/internal/pkg/errors"
	"pagesnap/internal/ports"
)

// Status is a job's lifecycle position.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s may move to next. The accepted chains are
// queued->processing->completed, queued->processing->failed and
// queued->failed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// StorageTarget is where the screenshot is uploaded.
type StorageTarget struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Region string `json:"region,omitempty"`
}

// Request is one submission.
type Request struct {
	URL      string
	Capture  capture.Options
	Storage  StorageTarget
	Metadata map[string]any
}

// Job is the lifecycle record. URL and Metadata never change after
// creation; each timestamp is set once.
type Job struct {
	ID          string                 `json:"job_id"`
	Status      Status                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	URL         string                 `json:"url"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	Result      *ports.PutObjectOutput `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Receipt is returned by Submit.
type Receipt struct {
	JobID     string `json:"job_id"`
	Status    Status `json:"status"`
	StatusURL string `json:"status_url"`
}

// Stats is the scheduler snapshot reported on the health endpoint.
type Stats struct {
	QueueDepth int `json:"queue_depth"`
	Pending    int `json:"pending"`
	TotalJobs  int `json:"total_jobs"`
}

// transition moves j to next and stamps the matching timestamp.
func (j *Job) transition(next Status, now time.Time) error {
	if !j.Status.CanTransition(next) {
		return errors.Newf(errors.CodeInternal, "invalid job transition %s -> %s", j.Status, next).
			WithField("job_id", j.ID)
	}
	j.Status = next
	t := now
	switch next {
	case StatusProcessing:
		j.StartedAt = &t
	case StatusCompleted, StatusFailed:
		j.CompletedAt = &t
	}
	return nil
}

func (j Job) clone() Job {
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		j.Result = &r
	}
	return j
}
