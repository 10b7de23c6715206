package models

import (
	"time"
)

// Batch groups jobs completed as a unit for aggregate progress. Batch
// status is derived from its members; the completion event fires once,
// when every member is terminal.
type Batch struct {
	ID        string    `json:"id"`
	JobIDs    []string  `json:"job_ids"`
	CreatedAt time.Time `json:"created_at"`
	// CompletionEmitted guards the exactly-once completion event across
	// restarts.
	CompletionEmitted bool `json:"completion_emitted"`
}

// BatchProgress is the aggregate view emitted on batch-progress events.
type BatchProgress struct {
	BatchID   string `json:"batch_id"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	Total     int    `json:"total"`
}

// Terminal reports whether every member has finished.
func (p BatchProgress) Terminal() bool {
	return p.Completed+p.Failed+p.Cancelled >= p.Total
}
