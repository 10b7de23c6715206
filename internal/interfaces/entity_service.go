package interfaces

import (
	"context"

	"github.com/ternarybob/cerebrum/internal/models"
)

// EntityAdapter converts between a typed entity and its canonical
// Markdown+frontmatter form. For any valid entity e,
// FromMarkdown(ToMarkdown(e)) equals e up to map key ordering.
type EntityAdapter interface {
	ToMarkdown(entity *models.Entity) (string, error)
	FromMarkdown(serialized string) (*models.Entity, error)
	// ExtractMetadata derives indexable metadata from the entity;
	// optional, may return nil.
	ExtractMetadata(entity *models.Entity) map[string]interface{}
}

// RegisteredEntityType pairs a type name with its schema and adapter.
// Registration happens during plugin initialization and cannot be
// repeated with a different schema.
type RegisteredEntityType struct {
	Name    string
	Schema  map[string]interface{} // JSON Schema applied to content at write
	Adapter EntityAdapter
}

// EntityRegistry maps entity-type names to their schema and adapter.
// The registry is sealed after the plugin register phase; reads after
// sealing are lock-free.
type EntityRegistry interface {
	Register(pluginID string, entityType RegisteredEntityType) error
	Get(name string) (*RegisteredEntityType, error)
	List() []string
	// ReleasePlugin removes every type the plugin registered (rollback
	// and shutdown paths).
	ReleasePlugin(pluginID string)
	// Seal freezes the registry; further Register calls fail.
	Seal()
}

// EntityService is the schema-validated, content-addressed entity
// store.
type EntityService interface {
	CreateEntity(ctx context.Context, entity *models.Entity, opts *models.WriteOptions) (*models.Entity, error)
	UpdateEntity(ctx context.Context, entity *models.Entity, opts *models.WriteOptions) (*models.Entity, error)
	UpsertEntity(ctx context.Context, entity *models.Entity, opts *models.WriteOptions) (*models.Entity, error)
	DeleteEntity(ctx context.Context, entityType, id string) error

	CreateEntities(ctx context.Context, entityType string, entities []*models.Entity, opts *models.WriteOptions) (*models.BatchResult, error)
	UpdateEntities(ctx context.Context, entityType string, entities []*models.Entity, opts *models.WriteOptions) (*models.BatchResult, error)
	UpsertEntities(ctx context.Context, entityType string, entities []*models.Entity, opts *models.WriteOptions) (*models.BatchResult, error)
	DeleteEntities(ctx context.Context, entityType string, ids []string) (*models.BatchResult, error)

	GetEntity(ctx context.Context, entityType, id string) (*models.Entity, error)
	ListEntities(ctx context.Context, entityType string, opts *models.ListOptions) ([]*models.Entity, error)
	Search(ctx context.Context, opts *models.SearchOptions) ([]*models.Entity, error)
}
