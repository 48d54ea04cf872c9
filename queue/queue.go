package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownKind = errors.New("no handler registered for job kind")
	ErrEmptyJobID  = errors.New("job id is required")

	// ErrPermanent marks a handler error that repeating the job cannot fix
	ErrPermanent = errors.New("permanent failure")
)

// Permanent wraps err so the queue fails the job without using its remaining attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Job is a unit of delayed work as seen by a handler
type Job struct {
	ID          string
	Kind        string
	Payload     json.RawMessage
	Attempt     int // 1-based attempt being executed
	MaxAttempts int
	EnqueuedAt  time.Time
}

// IsFinalAttempt reports whether a failure of this attempt is terminal
func (j *Job) IsFinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Decode unmarshals the payload into v
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// HandlerFunc processes a job. A returned error schedules a retry until the
// attempt bound is reached, unless it wraps ErrPermanent.
type HandlerFunc func(ctx context.Context, job *Job) error

// Stats is a point-in-time view of the queue
type Stats struct {
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Failed  int64 `json:"failed"`
}

// Options configures a queue
type Options struct {
	Prefix       string
	Concurrency  int
	MaxAttempts  int
	Backoff      time.Duration // first retry delay, doubled on each further attempt
	PollInterval time.Duration
	JobTimeout   time.Duration
	FailedTTL    time.Duration

	// Lease is how long a claimed job may stay with a worker before it is handed out
	// again. It is kept above JobTimeout so a live handler is never raced.
	Lease time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "dripflow:jobs"
	}
	if o.Concurrency < 1 {
		o.Concurrency = 3
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
	if o.FailedTTL <= 0 {
		o.FailedTTL = 7 * 24 * time.Hour
	}
	if o.Lease <= o.JobTimeout {
		o.Lease = o.JobTimeout + 30*time.Second
	}
	return o
}

// BackoffFor returns the retry delay after the given failed attempt
func (o Options) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return o.Backoff * time.Duration(1<<uint(attempt-1))
}
