package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
)

type entityEntry struct {
	registered interfaces.RegisteredEntityType
	pluginID   string
}

// EntityTypeRegistry implements the EntityRegistry interface. Types are
// registered during the plugin register phase; Seal freezes the set so
// reads during steady state take only a read lock.
type EntityTypeRegistry struct {
	mu      sync.RWMutex
	entries map[string]*entityEntry
	sealed  bool
	logger  arbor.ILogger
}

// NewEntityTypeRegistry creates a new entity type registry
func NewEntityTypeRegistry(logger arbor.ILogger) *EntityTypeRegistry {
	return &EntityTypeRegistry{
		entries: make(map[string]*entityEntry),
		logger:  logger,
	}
}

// Register adds an entity type. Re-registering an existing type with an
// identical schema is a no-op; a different schema is rejected so stored
// entities never drift from their validation contract.
func (r *EntityTypeRegistry) Register(pluginID string, entityType interfaces.RegisteredEntityType) error {
	if entityType.Name == "" {
		return kernelerr.Validation("entity type name is required", nil)
	}
	if entityType.Adapter == nil {
		return kernelerr.Validation(fmt.Sprintf("entity type %q requires an adapter", entityType.Name), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return kernelerr.Conflict("entity registry is sealed", nil)
	}

	if existing, ok := r.entries[entityType.Name]; ok {
		if !reflect.DeepEqual(existing.registered.Schema, entityType.Schema) {
			return kernelerr.Conflict(
				fmt.Sprintf("entity type %q already registered with a different schema by plugin %q",
					entityType.Name, existing.pluginID), nil)
		}
		return nil
	}

	r.entries[entityType.Name] = &entityEntry{registered: entityType, pluginID: pluginID}

	r.logger.Debug().
		Str("entity_type", entityType.Name).
		Str("plugin", pluginID).
		Msg("Entity type registered")

	return nil
}

func (r *EntityTypeRegistry) Get(name string) (*interfaces.RegisteredEntityType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, kernelerr.NotFound(fmt.Sprintf("entity type not registered: %s", name), nil)
	}
	registered := entry.registered
	return &registered, nil
}

func (r *EntityTypeRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReleasePlugin removes every type the plugin registered. Used on
// register rollback and plugin shutdown.
func (r *EntityTypeRegistry) ReleasePlugin(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, entry := range r.entries {
		if entry.pluginID == pluginID {
			delete(r.entries, name)
			r.logger.Debug().
				Str("entity_type", name).
				Str("plugin", pluginID).
				Msg("Entity type released")
		}
	}
}

// Seal freezes the registry after the plugin register phase.
func (r *EntityTypeRegistry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	r.logger.Info().Int("entity_types", len(r.entries)).Msg("Entity registry sealed")
}
