package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Entity is a schema-validated, content-addressed record persisted as
// Markdown. One row exists per (EntityType, ID).
type Entity struct {
	ID         string                 `json:"id"`
	EntityType string                 `json:"entity_type"`
	Content    string                 `json:"content"` // canonical Markdown body
	Metadata   map[string]interface{} `json:"metadata"`
	Created    time.Time              `json:"created"`
	Updated    time.Time              `json:"updated"`
	// ContentHash is derived from Content and used for change detection:
	// upserts with an unchanged hash skip the write and the embedding job.
	ContentHash string    `json:"content_hash"`
	Embedding   []float32 `json:"embedding,omitempty"`
}

// Key returns the composite storage key for this entity.
func (e *Entity) Key() string {
	return EntityKey(e.EntityType, e.ID)
}

// EntityKey builds the composite storage key for (entityType, id).
func EntityKey(entityType, id string) string {
	return entityType + "/" + id
}

// Validate checks the structural invariants the store relies on.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entity ID is required")
	}
	if e.EntityType == "" {
		return fmt.Errorf("entity type is required")
	}
	return nil
}

// HashContent computes the stable content hash used for change
// detection.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy (metadata map copied, embedding shared is
// fine since embeddings are replaced wholesale).
func (e *Entity) Clone() *Entity {
	metadata := make(map[string]interface{}, len(e.Metadata))
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	clone := *e
	clone.Metadata = metadata
	return &clone
}

// WriteOptions tune a single entity write.
type WriteOptions struct {
	// Force writes even when the content hash is unchanged.
	Force bool
	// SkipEmbeddings suppresses the embed-entity job entirely.
	SkipEmbeddings bool
	// DeferEmbeddings collects embedding work into one batch job instead
	// of one job per entity (batch operations only).
	DeferEmbeddings bool
}

// BatchFailure describes one failed input of a partial-success batch.
type BatchFailure struct {
	Input *Entity `json:"input"`
	Index int     `json:"index"`
	Error string  `json:"error"`
}

// BatchResult is the partial-success result of a batch entity
// operation.
type BatchResult struct {
	Succeeded    []*Entity      `json:"succeeded"`
	Failed       []BatchFailure `json:"failed"`
	Total        int            `json:"total"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	// JobID is set when embeddings were deferred into a single batch job.
	JobID string `json:"job_id,omitempty"`
}

// ListOptions narrow a ListEntities call.
type ListOptions struct {
	Filter map[string]interface{}
	Sort   string // field name, "-" prefix for descending
	Limit  int
	Offset int
}

// SearchOptions narrow a Search call.
type SearchOptions struct {
	EntityType string
	Query      string
	Limit      int
	Sort       string
}
