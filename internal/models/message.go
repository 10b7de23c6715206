package models

import (
	"time"
)

// Stable bus topic names. These are part of the kernel's outward
// contract; interfaces and plugins subscribe by these strings.
const (
	TopicEntityCreated  = "entity:created"
	TopicEntityUpdated  = "entity:updated"
	TopicEntityDeleted  = "entity:deleted"
	TopicJobProgress    = "job-progress"
	TopicBatchProgress  = "batch-progress"
	TopicDaemonDegraded = "daemon:degraded"
	TopicConversationStart      = "conversation:start"
	TopicConversationAddMessage = "conversation:addMessage"
)

// Message is an in-process bus message. Messages never cross hosts.
type Message struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Timestamp     time.Time   `json:"timestamp"`
	Source        string      `json:"source,omitempty"`
	Target        string      `json:"target,omitempty"`
	Broadcast     bool        `json:"broadcast"`
	Payload       interface{} `json:"payload"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// Response is one handler's answer to a send. Aggregated responses keep
// subscription order.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	// Noop marks a broadcast handler that declined to participate.
	Noop bool `json:"noop,omitempty"`
}

// SendResult aggregates handler responses for one send.
type SendResult struct {
	Success   bool       `json:"success"`
	Responses []Response `json:"responses,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// JobProgressEvent is the payload for job-progress topics. Events are
// targeted at the owning interface of the job's root.
type JobProgressEvent struct {
	JobID     string    `json:"job_id"`
	RootJobID string    `json:"root_job_id"`
	JobType   string    `json:"job_type"`
	Status    JobStatus `json:"status"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Message   string    `json:"message,omitempty"`
	Operation string    `json:"operation,omitempty"`
	// Percentage derives from Current/Total at emit time; zero when the
	// total is unknown.
	Percentage float64 `json:"percentage,omitempty"`
	// Rate is a smoothed items-per-second estimate; ETASeconds derives
	// from it. Both are zero until enough samples exist.
	Rate       float64 `json:"rate,omitempty"`
	ETASeconds float64 `json:"eta_seconds,omitempty"`
	// Metadata is the job's routing and attribution block, so
	// subscribers can resolve ownership without a storage read.
	Metadata JobMetadata `json:"metadata"`
}

// EntityEvent is the payload for entity:* topics.
type EntityEvent struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// DaemonEvent is the payload for daemon:degraded.
type DaemonEvent struct {
	DaemonID string `json:"daemon_id"`
	Reason   string `json:"reason"`
}
