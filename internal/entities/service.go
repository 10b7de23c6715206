// Package entities implements the schema-validated, content-addressed
// entity store. Writes go through the registered adapter for the
// entity's type, publish change events, and enqueue async embedding
// work.
package entities

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
	"github.com/ternarybob/cerebrum/internal/schema"
)

// batchChunkSize bounds how many entities one batch chunk writes before
// yielding.
const batchChunkSize = 100

const eventSource = "entities"

// Service implements the EntityService interface on top of the entity
// registry, badger storage, the job queue, and the bus.
type Service struct {
	registry interfaces.EntityRegistry
	storage  interfaces.EntityStorage
	queue    interfaces.JobQueue
	bus      interfaces.MessageBus
	logger   arbor.ILogger
	ident    common.Identifier
}

// NewService creates the entity service
func NewService(
	registry interfaces.EntityRegistry,
	storage interfaces.EntityStorage,
	queue interfaces.JobQueue,
	busService interfaces.MessageBus,
	logger arbor.ILogger,
) *Service {
	return &Service{
		registry: registry,
		storage:  storage,
		queue:    queue,
		bus:      busService,
		logger:   logger,
		ident:    common.NewIdentifier(),
	}
}

// CreateEntity stores a new entity. Fails with a conflict when the
// (type, id) pair already exists.
func (s *Service) CreateEntity(ctx context.Context, entity *models.Entity, opts *models.WriteOptions) (*models.Entity, error) {
	registered, err := s.prepare(entity)
	if err != nil {
		return nil, err
	}

	if _, err := s.storage.GetEntity(ctx, entity.EntityType, entity.ID); err == nil {
		return nil, kernelerr.Conflict(
			fmt.Sprintf("entity %s already exists", entity.Key()), nil)
	} else if !kernelerr.IsKind(err, kernelerr.KindNotFound) {
		return nil, err
	}

	now := time.Now()
	stored := entity.Clone()
	stored.Created = now
	stored.Updated = now
	stored.ContentHash = models.HashContent(stored.Content)
	mergeExtractedMetadata(stored, registered)

	if err := s.storage.SaveEntity(ctx, stored); err != nil {
		return nil, err
	}

	s.afterWrite(ctx, stored, models.TopicEntityCreated, opts)
	return stored, nil
}

// UpdateEntity replaces an existing entity. When the content hash is
// unchanged and Force is not set, the write and the embedding job are
// both skipped.
func (s *Service) UpdateEntity(ctx context.Context, entity *models.Entity, opts *models.WriteOptions) (*models.Entity, error) {
	registered, err := s.prepare(entity)
	if err != nil {
		return nil, err
	}

	existing, err := s.storage.GetEntity(ctx, entity.EntityType, entity.ID)
	if err != nil {
		return nil, err
	}

	hash := models.HashContent(entity.Content)
	if hash == existing.ContentHash && !force(opts) {
		s.logger.Debug().
			Str("entity", entity.Key()).
			Msg("Content unchanged, skipping write")
		return existing, nil
	}

	stored := entity.Clone()
	stored.Created = existing.Created
	stored.Updated = time.Now()
	stored.ContentHash = hash
	mergeExtractedMetadata(stored, registered)
	preserveLastValid(stored, existing)

	if err := s.storage.SaveEntity(ctx, stored); err != nil {
		return nil, err
	}

	s.afterWrite(ctx, stored, models.TopicEntityUpdated, opts)
	return stored, nil
}

// UpsertEntity creates or updates depending on whether the entity
// exists.
func (s *Service) UpsertEntity(ctx context.Context, entity *models.Entity, opts *models.WriteOptions) (*models.Entity, error) {
	if entity == nil {
		return nil, kernelerr.Validation("entity is required", nil)
	}
	if entity.ID == "" {
		return s.CreateEntity(ctx, entity, opts)
	}
	_, err := s.storage.GetEntity(ctx, entity.EntityType, entity.ID)
	if kernelerr.IsKind(err, kernelerr.KindNotFound) {
		return s.CreateEntity(ctx, entity, opts)
	}
	if err != nil {
		return nil, err
	}
	return s.UpdateEntity(ctx, entity, opts)
}

// DeleteEntity removes an entity and publishes entity:deleted.
func (s *Service) DeleteEntity(ctx context.Context, entityType, id string) error {
	if _, err := s.storage.GetEntity(ctx, entityType, id); err != nil {
		return err
	}
	if err := s.storage.DeleteEntity(ctx, entityType, id); err != nil {
		return err
	}
	s.bus.Publish(models.TopicEntityDeleted, &models.EntityEvent{
		EntityType: entityType,
		EntityID:   id,
	}, eventSource)
	return nil
}

// CreateEntities writes a batch with partial success.
func (s *Service) CreateEntities(ctx context.Context, entityType string, entities []*models.Entity, opts *models.WriteOptions) (*models.BatchResult, error) {
	return s.writeBatch(ctx, entityType, entities, opts, s.CreateEntity)
}

// UpdateEntities updates a batch with partial success.
func (s *Service) UpdateEntities(ctx context.Context, entityType string, entities []*models.Entity, opts *models.WriteOptions) (*models.BatchResult, error) {
	return s.writeBatch(ctx, entityType, entities, opts, s.UpdateEntity)
}

// UpsertEntities upserts a batch with partial success.
func (s *Service) UpsertEntities(ctx context.Context, entityType string, entities []*models.Entity, opts *models.WriteOptions) (*models.BatchResult, error) {
	return s.writeBatch(ctx, entityType, entities, opts, s.UpsertEntity)
}

// DeleteEntities deletes a batch of IDs with partial success.
func (s *Service) DeleteEntities(ctx context.Context, entityType string, ids []string) (*models.BatchResult, error) {
	result := &models.BatchResult{Total: len(ids)}
	for i, id := range ids {
		if err := s.DeleteEntity(ctx, entityType, id); err != nil {
			result.Failed = append(result.Failed, models.BatchFailure{
				Input: &models.Entity{EntityType: entityType, ID: id},
				Index: i,
				Error: err.Error(),
			})
			continue
		}
		result.Succeeded = append(result.Succeeded, &models.Entity{EntityType: entityType, ID: id})
	}
	result.SuccessCount = len(result.Succeeded)
	result.FailureCount = len(result.Failed)
	return result, nil
}

func (s *Service) GetEntity(ctx context.Context, entityType, id string) (*models.Entity, error) {
	return s.storage.GetEntity(ctx, entityType, id)
}

func (s *Service) ListEntities(ctx context.Context, entityType string, opts *models.ListOptions) ([]*models.Entity, error) {
	return s.storage.ListEntities(ctx, entityType, opts)
}

func (s *Service) Search(ctx context.Context, opts *models.SearchOptions) ([]*models.Entity, error) {
	return s.storage.SearchEntities(ctx, opts)
}

// prepare checks the entity against its registered type: the content
// must survive an adapter roundtrip and the metadata must validate
// against the type schema. Missing IDs are assigned here.
func (s *Service) prepare(entity *models.Entity) (*interfaces.RegisteredEntityType, error) {
	if entity == nil {
		return nil, kernelerr.Validation("entity is required", nil)
	}
	if entity.EntityType == "" {
		return nil, kernelerr.Validation("entity type is required", nil)
	}

	registered, err := s.registry.Get(entity.EntityType)
	if err != nil {
		return nil, err
	}

	if entity.ID == "" {
		entity.ID = common.NewEntityID(s.ident)
	}
	if err := entity.Validate(); err != nil {
		return nil, kernelerr.Validation(err.Error(), nil)
	}

	if len(registered.Schema) > 0 {
		doc := make(map[string]interface{}, len(entity.Metadata))
		for k, v := range entity.Metadata {
			doc[k] = v
		}
		if err := schema.Validate(registered.Schema, doc); err != nil {
			return nil, err
		}
	}

	serialized, err := registered.Adapter.ToMarkdown(entity)
	if err != nil {
		return nil, kernelerr.Validation(
			fmt.Sprintf("entity %s does not serialize under type %q", entity.Key(), entity.EntityType), err)
	}
	if _, err := registered.Adapter.FromMarkdown(serialized); err != nil {
		return nil, kernelerr.Validation(
			fmt.Sprintf("entity %s content does not parse under type %q", entity.Key(), entity.EntityType), err)
	}

	return registered, nil
}

// afterWrite publishes the change event and schedules embedding work.
func (s *Service) afterWrite(ctx context.Context, entity *models.Entity, topic string, opts *models.WriteOptions) {
	s.bus.Publish(topic, &models.EntityEvent{
		EntityType: entity.EntityType,
		EntityID:   entity.ID,
	}, eventSource)

	if opts != nil && (opts.SkipEmbeddings || opts.DeferEmbeddings) {
		return
	}
	if entity.Content == "" {
		return
	}
	s.enqueueEmbed(ctx, entity.EntityType, []string{entity.ID})
}

func (s *Service) enqueueEmbed(ctx context.Context, entityType string, ids []string) string {
	var jobID string
	var err error
	if len(ids) == 1 {
		jobID, err = s.queue.Enqueue(ctx, models.JobTypeEmbedEntity, map[string]interface{}{
			"entity_type": entityType,
			"entity_id":   ids[0],
		}, nil)
	} else {
		jobID, err = s.queue.Enqueue(ctx, models.JobTypeEmbedEntityBatch, map[string]interface{}{
			"entity_type": entityType,
			"entity_ids":  ids,
		}, nil)
	}
	if err != nil {
		// The write already committed; embeddings stay stale until the
		// next successful write.
		s.logger.Warn().Err(err).
			Str("entity_type", entityType).
			Int("entities", len(ids)).
			Msg("Failed to enqueue embedding job")
		return ""
	}
	return jobID
}

type writeFunc func(ctx context.Context, entity *models.Entity, opts *models.WriteOptions) (*models.Entity, error)

// writeBatch runs one write per entity in chunks, collecting partial
// success. With DeferEmbeddings the per-entity jobs are replaced by one
// batch embedding job covering everything that was written.
func (s *Service) writeBatch(ctx context.Context, entityType string, entities []*models.Entity, opts *models.WriteOptions, write writeFunc) (*models.BatchResult, error) {
	result := &models.BatchResult{Total: len(entities)}

	effective := models.WriteOptions{}
	if opts != nil {
		effective = *opts
	}
	deferred := effective.DeferEmbeddings && !effective.SkipEmbeddings
	batchStart := time.Now()

	for start := 0; start < len(entities); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(entities) {
			end = len(entities)
		}
		for i, entity := range entities[start:end] {
			index := start + i
			if entity != nil && entity.EntityType == "" {
				entity.EntityType = entityType
			}
			written, err := write(ctx, entity, &effective)
			if err != nil {
				result.Failed = append(result.Failed, models.BatchFailure{
					Input: entity,
					Index: index,
					Error: err.Error(),
				})
				continue
			}
			result.Succeeded = append(result.Succeeded, written)
		}
	}

	result.SuccessCount = len(result.Succeeded)
	result.FailureCount = len(result.Failed)

	if deferred && result.SuccessCount > 0 {
		ids := make([]string, 0, result.SuccessCount)
		for _, entity := range result.Succeeded {
			// Hash-unchanged skips keep their old Updated stamp and need
			// no re-embedding.
			if entity.Content != "" && !entity.Updated.Before(batchStart) {
				ids = append(ids, entity.ID)
			}
		}
		if len(ids) > 0 {
			result.JobID = s.enqueueEmbed(ctx, entityType, ids)
		}
	}

	s.logger.Debug().
		Str("entity_type", entityType).
		Int("total", result.Total).
		Int("succeeded", result.SuccessCount).
		Int("failed", result.FailureCount).
		Msg("Batch write finished")
	return result, nil
}

func force(opts *models.WriteOptions) bool {
	return opts != nil && opts.Force
}

// mergeExtractedMetadata folds adapter-derived metadata into the
// entity. Derived keys are adapter-owned and overwrite stale caller
// values; everything else the caller provided stays.
func mergeExtractedMetadata(entity *models.Entity, registered *interfaces.RegisteredEntityType) {
	derived := registered.Adapter.ExtractMetadata(entity)
	if len(derived) == 0 {
		return
	}
	if entity.Metadata == nil {
		entity.Metadata = make(map[string]interface{}, len(derived))
	}
	for k, v := range derived {
		entity.Metadata[k] = v
	}
}

// preserveLastValid carries the previous valid structured data forward
// when the new content fails to parse, so readers keep a usable object
// while the document is being repaired.
func preserveLastValid(stored, existing *models.Entity) {
	if stored.Metadata == nil || existing == nil || existing.Metadata == nil {
		return
	}
	if stored.Metadata[models.MetadataKeyValidationStatus] != models.ValidationInvalid {
		return
	}
	if _, ok := stored.Metadata[models.MetadataKeyData]; ok {
		return
	}
	if data, ok := existing.Metadata[models.MetadataKeyData]; ok {
		stored.Metadata[models.MetadataKeyData] = data
	}
}
