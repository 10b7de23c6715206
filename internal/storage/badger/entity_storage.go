package badger

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

// EntityStorage implements the EntityStorage interface for Badger
type EntityStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewEntityStorage creates a new EntityStorage instance
func NewEntityStorage(db *BadgerDB, logger arbor.ILogger) interfaces.EntityStorage {
	return &EntityStorage{
		db:     db,
		logger: logger,
	}
}

func (s *EntityStorage) SaveEntity(ctx context.Context, entity *models.Entity) error {
	if err := entity.Validate(); err != nil {
		return kernelerr.Validation("invalid entity", err)
	}

	now := time.Now()
	if entity.Created.IsZero() {
		entity.Created = now
	}
	entity.Updated = now

	if err := s.db.Store().Upsert(entity.Key(), entity); err != nil {
		return fmt.Errorf("failed to save entity %s: %w", entity.Key(), err)
	}
	return nil
}

func (s *EntityStorage) GetEntity(ctx context.Context, entityType, id string) (*models.Entity, error) {
	var entity models.Entity
	if err := s.db.Store().Get(models.EntityKey(entityType, id), &entity); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, kernelerr.NotFound(fmt.Sprintf("entity not found: %s/%s", entityType, id), nil)
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return &entity, nil
}

func (s *EntityStorage) DeleteEntity(ctx context.Context, entityType, id string) error {
	if err := s.db.Store().Delete(models.EntityKey(entityType, id), &models.Entity{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return kernelerr.NotFound(fmt.Sprintf("entity not found: %s/%s", entityType, id), nil)
		}
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	return nil
}

func (s *EntityStorage) ListEntities(ctx context.Context, entityType string, opts *models.ListOptions) ([]*models.Entity, error) {
	query := badgerhold.Where("EntityType").Eq(entityType)

	if opts != nil {
		if opts.Sort != "" {
			field := opts.Sort
			reverse := strings.HasPrefix(field, "-")
			field = strings.TrimPrefix(field, "-")
			query = query.SortBy(field)
			if reverse {
				query = query.Reverse()
			}
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}

	var entities []models.Entity
	if err := s.db.Store().Find(&entities, query); err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	result := filterByMetadata(entities, opts)
	return result, nil
}

// filterByMetadata applies the metadata equality filter in memory.
// Badgerhold cannot index into map fields.
func filterByMetadata(entities []models.Entity, opts *models.ListOptions) []*models.Entity {
	result := make([]*models.Entity, 0, len(entities))
	for i := range entities {
		if opts != nil && len(opts.Filter) > 0 {
			match := true
			for k, want := range opts.Filter {
				got, ok := entities[i].Metadata[k]
				if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
					match = false
					break
				}
			}
			if !match {
				continue
			}
		}
		result = append(result, &entities[i])
	}
	return result
}

func (s *EntityStorage) SearchEntities(ctx context.Context, opts *models.SearchOptions) ([]*models.Entity, error) {
	if opts == nil || opts.Query == "" {
		return nil, kernelerr.Validation("search query is required", nil)
	}

	// Literal substring match on the markdown body, case insensitive.
	escaped := regexp.QuoteMeta(opts.Query)
	regex, err := regexp.Compile("(?i)" + escaped)
	if err != nil {
		return nil, kernelerr.Validation("invalid search query", err)
	}

	query := badgerhold.Where("Content").RegExp(regex)
	if opts.EntityType != "" {
		query = query.And("EntityType").Eq(opts.EntityType)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	var entities []models.Entity
	if err := s.db.Store().Find(&entities, query); err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	result := make([]*models.Entity, len(entities))
	for i := range entities {
		result[i] = &entities[i]
	}
	return result, nil
}

func (s *EntityStorage) SetEmbedding(ctx context.Context, entityType, id string, embedding []float32) error {
	entity, err := s.GetEntity(ctx, entityType, id)
	if err != nil {
		return err
	}
	entity.Embedding = embedding
	if err := s.db.Store().Upsert(entity.Key(), entity); err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

func (s *EntityStorage) CountEntities(ctx context.Context, entityType string) (int, error) {
	count, err := s.db.Store().Count(&models.Entity{}, badgerhold.Where("EntityType").Eq(entityType))
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return int(count), nil
}
