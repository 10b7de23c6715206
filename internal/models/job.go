package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoJob is returned when the queue has no ready job.
var ErrNoJob = errors.New("no jobs ready")

// JobStatus represents the lifecycle state of a job. Transitions are
// strictly pending -> running -> {succeeded|failed|cancelled}.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Built-in job types registered by the kernel itself.
const (
	JobTypeEmbedEntity       = "embed-entity"
	JobTypeEmbedEntityBatch  = "embed-entity-batch"
	JobTypeConversationTopic = "conversation-topic"
)

// JobMetadata carries routing and attribution for a job. RootJobID
// flattens arbitrarily deep job chains: every descendant points at the
// root its interface created, so ownership lookup is O(1).
type JobMetadata struct {
	InterfaceID     string `json:"interface_id,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	ChannelID       string `json:"channel_id,omitempty"`
	RoomID          string `json:"room_id,omitempty"`
	ProgressToken   string `json:"progress_token,omitempty"`
	PluginID        string `json:"plugin_id,omitempty"`
	OperationType   string `json:"operation_type,omitempty"`
	OperationTarget string `json:"operation_target,omitempty"`
	RootJobID       string `json:"root_job_id,omitempty"`
}

// Job is a unit of durable async work with retries and progress.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"` // handler key
	Data        json.RawMessage `json:"data"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"` // higher wins; FIFO tiebreak
	// RootJobID points to the top of the chain this job belongs to.
	// Roots reference themselves.
	RootJobID   string          `json:"root_job_id"`
	BatchID     string          `json:"batch_id,omitempty"`
	Metadata    JobMetadata     `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	// NotBefore delays re-delivery after a failed attempt (backoff).
	NotBefore time.Time `json:"not_before,omitempty"`
	// Heartbeat is advanced by progress reports; the stale-job sweep
	// fails running jobs whose heartbeat has gone quiet.
	Heartbeat *time.Time      `json:"heartbeat,omitempty"`
	Error     *JobError       `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// JobError records a failure with its structured context.
type JobError struct {
	Message string                 `json:"message"`
	Kind    string                 `json:"kind,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Validate checks the invariants the queue relies on.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.Type == "" {
		return fmt.Errorf("job type is required")
	}
	if j.RootJobID == "" {
		return fmt.Errorf("root job ID is required")
	}
	if j.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if j.Attempts > j.MaxAttempts {
		return fmt.Errorf("attempts %d exceeds max attempts %d", j.Attempts, j.MaxAttempts)
	}
	return nil
}

// IsRoot reports whether this job is the top of its chain.
func (j *Job) IsRoot() bool {
	return j.RootJobID == j.ID
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusSucceeded ||
		j.Status == JobStatusFailed ||
		j.Status == JobStatusCancelled
}

// MarkRunning transitions pending -> running. The transition is
// persisted before the handler runs so crash recovery sees it.
func (j *Job) MarkRunning(now time.Time) {
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.Heartbeat = &now
	j.Attempts++
}

// MarkSucceeded transitions running -> succeeded with the handler's
// result.
func (j *Job) MarkSucceeded(now time.Time, result json.RawMessage) {
	j.Status = JobStatusSucceeded
	j.CompletedAt = &now
	j.Result = result
}

// MarkFailed transitions running -> failed with the final error.
func (j *Job) MarkFailed(now time.Time, jobErr *JobError) {
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.Error = jobErr
}

// MarkCancelled transitions to cancelled.
func (j *Job) MarkCancelled(now time.Time) {
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
}

// RequeueForRetry resets a failed attempt back to pending with a
// backoff delay.
func (j *Job) RequeueForRetry(notBefore time.Time) {
	j.Status = JobStatusPending
	j.StartedAt = nil
	j.NotBefore = notBefore
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	Metadata    JobMetadata
	BatchID     string
	// ParentJob supplies RootJobID inheritance: the child inherits the
	// parent's root.
	ParentJob *Job
}

// JobFilter narrows ListActiveJobs.
type JobFilter struct {
	Type      string
	Status    JobStatus
	BatchID   string
	RootJobID string
	Limit     int
}

// QueueStats summarizes queue state for monitoring.
type QueueStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// JobLogEntry is one persisted log line for a job.
type JobLogEntry struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}
