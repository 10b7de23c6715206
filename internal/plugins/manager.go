// Package plugins loads plugins in dependency order, hands each one a
// context typed to its category, and rolls back partial registrations.
package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
)

// Manager implements the PluginManager interface.
type Manager struct {
	services *Services
	logger   arbor.ILogger

	mu         sync.Mutex
	loaded     []interfaces.Plugin
	byID       map[string]interfaces.Plugin
	registered []string
}

// NewManager creates the plugin manager
func NewManager(services *Services, logger arbor.ILogger) *Manager {
	return &Manager{
		services: services,
		logger:   logger,
		byID:     make(map[string]interfaces.Plugin),
	}
}

// Load adds plugins to the pending set. Duplicate IDs are rejected.
func (m *Manager) Load(plugins ...interfaces.Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, plugin := range plugins {
		if plugin.ID() == "" {
			return kernelerr.Validation("plugin ID is required", nil)
		}
		if _, exists := m.byID[plugin.ID()]; exists {
			return kernelerr.Conflict(fmt.Sprintf("plugin %q already loaded", plugin.ID()), nil)
		}
		m.byID[plugin.ID()] = plugin
		m.loaded = append(m.loaded, plugin)

		m.logger.Debug().
			Str("plugin", plugin.ID()).
			Str("version", plugin.Version()).
			Str("type", string(plugin.Type())).
			Msg("Plugin loaded")
	}
	return nil
}

// RegisterAll registers every loaded plugin in dependency order. A
// missing dependency or cycle fails the whole load before anything
// registers. A plugin whose OnRegister fails has its partial
// registrations rolled back and aborts the remaining plugins.
func (m *Manager) RegisterAll(ctx context.Context) error {
	m.mu.Lock()
	order, err := m.resolveOrder()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, plugin := range order {
		pctx := contextFor(plugin, m.services)
		if err := m.registerOne(ctx, plugin, pctx); err != nil {
			m.rollback(ctx, plugin)
			return kernelerr.Dependency(
				fmt.Sprintf("plugin %q failed to register", plugin.ID()), err)
		}

		m.mu.Lock()
		m.registered = append(m.registered, plugin.ID())
		m.mu.Unlock()

		m.logger.Info().
			Str("plugin", plugin.ID()).
			Str("version", plugin.Version()).
			Msg("Plugin registered")
	}
	return nil
}

// registerOne invokes OnRegister with panic recovery so a broken plugin
// cannot take the kernel down.
func (m *Manager) registerOne(ctx context.Context, plugin interfaces.Plugin, pctx interfaces.PluginContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = kernelerr.Handler(fmt.Sprintf("plugin %q panicked during registration: %v", plugin.ID(), r), nil)
		}
	}()
	return plugin.OnRegister(ctx, pctx)
}

// rollback releases everything a failed plugin managed to register.
func (m *Manager) rollback(ctx context.Context, plugin interfaces.Plugin) {
	id := plugin.ID()
	m.logger.Warn().Str("plugin", id).Msg("Rolling back failed plugin registration")

	m.services.EntityTypes.ReleasePlugin(id)
	if err := m.services.Templates.ReleasePlugin(id); err != nil {
		m.logger.Warn().Err(err).Str("plugin", id).Msg("Template rollback failed")
	}
	if err := m.services.Daemons.ReleasePlugin(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str("plugin", id).Msg("Daemon rollback failed")
	}
}

// ShutdownAll shuts registered plugins down in reverse registration
// order and releases their registrations. Errors are logged, not
// propagated; every plugin gets its shutdown call.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, len(m.registered))
	copy(ids, m.registered)
	m.mu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		m.mu.Lock()
		plugin := m.byID[id]
		m.mu.Unlock()

		if err := m.shutdownOne(ctx, plugin); err != nil {
			m.logger.Error().Err(err).Str("plugin", id).Msg("Plugin shutdown failed")
		}
		m.rollback(ctx, plugin)

		m.logger.Info().Str("plugin", id).Msg("Plugin shut down")
	}

	m.mu.Lock()
	m.registered = nil
	m.mu.Unlock()
	return nil
}

func (m *Manager) shutdownOne(ctx context.Context, plugin interfaces.Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = kernelerr.Handler(fmt.Sprintf("plugin %q panicked during shutdown: %v", plugin.ID(), r), nil)
		}
	}()
	return plugin.OnShutdown(ctx)
}

// Registered returns registered plugin IDs in registration order.
func (m *Manager) Registered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.registered))
	copy(out, m.registered)
	return out
}

// resolveOrder topologically sorts loaded plugins by their declared
// dependencies. Callers hold m.mu.
func (m *Manager) resolveOrder() ([]interfaces.Plugin, error) {
	indegree := make(map[string]int, len(m.loaded))
	dependents := make(map[string][]string)

	for _, plugin := range m.loaded {
		id := plugin.ID()
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range plugin.Dependencies() {
			if _, ok := m.byID[dep]; !ok {
				return nil, kernelerr.Dependency(
					fmt.Sprintf("plugin %q depends on unloaded plugin %q", id, dep), nil)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, degree := range indegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []interfaces.Plugin
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, m.byID[id])

		var unlocked []string
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}

	if len(order) != len(m.loaded) {
		return nil, kernelerr.Dependency("plugin dependency cycle detected", nil)
	}
	return order, nil
}
