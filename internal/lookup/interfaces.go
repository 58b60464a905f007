package lookup

import (
	"context"
	"io"
	"time"
)

// JobStore is the authoritative registry of jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	// UpdateJob applies fn to the stored job under the store lock and returns the updated copy.
	UpdateJob(ctx context.Context, jobID string, fn func(*Job) error) (Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	// ListJobs returns a principal's jobs, most recent first, capped at limit.
	ListJobs(ctx context.Context, principalID string, limit int) ([]Job, error)
	// FindCached returns a done job for the company created on the same calendar day as day.
	FindCached(ctx context.Context, principalID, companyID string, day time.Time) (Job, bool, error)
}

// BlobStore writes and reads raw artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ArtifactWriter commits document bytes and returns their content hash.
type ArtifactWriter interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// Queue provides FIFO semantics over job ids.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Dequeue(ctx context.Context) (string, error)
	// Claim pops the head like Dequeue, running fn before the id leaves the queue.
	Claim(ctx context.Context, fn func(jobID string)) (string, error)
	// Position returns the 1-based index of jobID, or 0 when absent.
	Position(jobID string) int
	Len() int
}

// Sink receives progress and protocol updates while a strategy runs.
type Sink interface {
	Progress(pct int)
	Log(severity Severity, msg string)
}

// Strategy produces a result for one job.
type Strategy interface {
	Mode() ExecutionMode
	Execute(ctx context.Context, task Task, sink Sink) (Result, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archive records terminal jobs for later auditing. It is write-only.
type Archive interface {
	StoreJob(ctx context.Context, job Job) error
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
