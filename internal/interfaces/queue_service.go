package interfaces

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/cerebrum/internal/models"
)

// ProgressReporter is handed to each handler invocation so it can
// report granular progress and observe cancellation cooperatively.
type ProgressReporter interface {
	// ReportProgress emits a job-progress event. Emission is coalesced
	// to at most ten per second per job; current values must be
	// non-decreasing.
	ReportProgress(current, total int, message, operation string)

	// IsCancelled reports whether CancelJob was called for this job.
	// Handlers check at chunk boundaries and return a cancelled error.
	IsCancelled() bool

	// Log appends a persisted log line for this job.
	Log(level, message string)
}

// JobHandler processes jobs of one type. Data is validated against
// Schema before enqueue.
type JobHandler struct {
	// Schema is the JSON Schema for the job's input data; nil skips
	// validation.
	Schema map[string]interface{}
	// Process runs the job. Returning a kernelerr Cancelled error maps
	// to status cancelled; any other error retries per MaxAttempts.
	Process func(ctx context.Context, data json.RawMessage, jobID string, reporter ProgressReporter) (interface{}, error)
}

// JobQueue is the durable, prioritized, retried background executor.
type JobQueue interface {
	RegisterHandler(jobType string, handler JobHandler) error

	// Enqueue validates data against the handler schema, persists the
	// job, and returns its ID. Options supply priority, retry budget,
	// metadata, and root-job inheritance via ParentJob.
	Enqueue(ctx context.Context, jobType string, data interface{}, opts *models.EnqueueOptions) (string, error)

	// EnqueueBatch persists a batch whose members share a batch ID;
	// batch-progress events fire as members reach terminal states and a
	// completion event fires exactly once.
	EnqueueBatch(ctx context.Context, jobs []BatchJobSpec) (string, error)

	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListActiveJobs(ctx context.Context, filter *models.JobFilter) ([]*models.Job, error)

	// CancelJob cancels a pending job immediately; running jobs observe
	// the flag through their reporter and must cooperate.
	CancelJob(ctx context.Context, jobID string) error

	Stats(ctx context.Context) (*models.QueueStats, error)

	Start() error
	Stop() error
}

// BatchJobSpec describes one member of an enqueued batch.
type BatchJobSpec struct {
	Type string
	Data interface{}
	Opts *models.EnqueueOptions
}
