package entities

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

var embedEntitySchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"entity_type", "entity_id"},
	"properties": map[string]interface{}{
		"entity_type": map[string]interface{}{"type": "string"},
		"entity_id":   map[string]interface{}{"type": "string"},
	},
}

var embedEntityBatchSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"entity_type", "entity_ids"},
	"properties": map[string]interface{}{
		"entity_type": map[string]interface{}{"type": "string"},
		"entity_ids": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
	},
}

type embedEntityData struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

type embedEntityBatchData struct {
	EntityType string   `json:"entity_type"`
	EntityIDs  []string `json:"entity_ids"`
}

// Embedder owns the built-in embedding job handlers. Entity writes
// enqueue these jobs; the handlers read current content, call the
// gateway, and persist the vector.
type Embedder struct {
	storage interfaces.EntityStorage
	gateway interfaces.AIGateway
	logger  arbor.ILogger
}

// NewEmbedder creates the embedding job handlers
func NewEmbedder(storage interfaces.EntityStorage, gateway interfaces.AIGateway, logger arbor.ILogger) *Embedder {
	return &Embedder{storage: storage, gateway: gateway, logger: logger}
}

// Register registers the embed-entity and embed-entity-batch handlers
// on the queue.
func (e *Embedder) Register(queue interfaces.JobQueue) error {
	if err := queue.RegisterHandler(models.JobTypeEmbedEntity, interfaces.JobHandler{
		Schema:  embedEntitySchema,
		Process: e.processOne,
	}); err != nil {
		return err
	}
	return queue.RegisterHandler(models.JobTypeEmbedEntityBatch, interfaces.JobHandler{
		Schema:  embedEntityBatchSchema,
		Process: e.processBatch,
	})
}

func (e *Embedder) processOne(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
	var payload embedEntityData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, kernelerr.Validation("embed-entity data is malformed", err)
	}

	embedded, err := e.embed(ctx, payload.EntityType, payload.EntityID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"embedded": embedded}, nil
}

// processBatch embeds every listed entity, reporting per-entity
// progress and honoring cancellation between entities.
func (e *Embedder) processBatch(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
	var payload embedEntityBatchData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, kernelerr.Validation("embed-entity-batch data is malformed", err)
	}

	total := len(payload.EntityIDs)
	embedded := 0
	var failures []string
	for i, id := range payload.EntityIDs {
		if reporter.IsCancelled() {
			return nil, kernelerr.Cancelled(
				fmt.Sprintf("embedding cancelled after %d of %d entities", i, total))
		}

		ok, err := e.embed(ctx, payload.EntityType, id)
		if err != nil {
			failures = append(failures, id)
			reporter.Log("warn", fmt.Sprintf("embedding failed for %s/%s: %v", payload.EntityType, id, err))
		} else if ok {
			embedded++
		}
		reporter.ReportProgress(i+1, total, fmt.Sprintf("embedded %d of %d", i+1, total), "embed")
	}

	if len(failures) == total && total > 0 {
		return nil, kernelerr.Gateway(
			fmt.Sprintf("embedding failed for all %d entities", total), nil)
	}
	return map[string]interface{}{
		"embedded": embedded,
		"failed":   len(failures),
	}, nil
}

// embed fetches current content and persists its vector. Entities
// deleted between enqueue and execution are skipped, not failed.
func (e *Embedder) embed(ctx context.Context, entityType, id string) (bool, error) {
	entity, err := e.storage.GetEntity(ctx, entityType, id)
	if kernelerr.IsKind(err, kernelerr.KindNotFound) {
		e.logger.Debug().
			Str("entity_type", entityType).
			Str("entity_id", id).
			Msg("Entity gone before embedding, skipping")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entity.Content == "" {
		return false, nil
	}

	vector, err := e.gateway.GenerateEmbedding(ctx, entity.Content)
	if err != nil {
		return false, err
	}
	if err := e.storage.SetEmbedding(ctx, entityType, id, vector); err != nil {
		return false, err
	}
	return true, nil
}
