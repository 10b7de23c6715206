package plugins

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
)

// Services bundles the kernel surfaces plugin contexts are built from.
type Services struct {
	Logger        arbor.ILogger
	Clock         common.Clock
	Bus           interfaces.MessageBus
	Entities      interfaces.EntityService
	EntityTypes   interfaces.EntityRegistry
	Templates     interfaces.TemplateRegistry
	Queue         interfaces.JobQueue
	Daemons       interfaces.DaemonRegistry
	Conversations interfaces.ConversationService
	Generator     interfaces.ContentGenerator
	// Query is the kernel's query entry point; only interface contexts
	// expose it.
	Query interfaces.QueryFunc
	// PluginConfig holds per-plugin configuration blocks keyed by plugin
	// ID.
	PluginConfig map[string]map[string]interface{}
}

// coreContext implements the base PluginContext surface handed to core
// plugins.
type coreContext struct {
	pluginID string
	services *Services
}

func (c *coreContext) PluginID() string { return c.pluginID }

func (c *coreContext) Logger() arbor.ILogger {
	return common.NamedLogger(c.services.Logger, "plugin:"+c.pluginID)
}

func (c *coreContext) Clock() common.Clock {
	if c.services.Clock == nil {
		return common.SystemClock{}
	}
	return c.services.Clock
}

func (c *coreContext) Config() map[string]interface{} {
	if c.services.PluginConfig == nil {
		return nil
	}
	return c.services.PluginConfig[c.pluginID]
}

// serviceContext extends the core surface for service plugins.
type serviceContext struct {
	coreContext
}

func (c *serviceContext) Bus() interfaces.MessageBus { return c.services.Bus }
func (c *serviceContext) Entities() interfaces.EntityService { return c.services.Entities }
func (c *serviceContext) EntityTypes() interfaces.EntityRegistry { return c.services.EntityTypes }
func (c *serviceContext) Templates() interfaces.TemplateRegistry { return c.services.Templates }
func (c *serviceContext) Queue() interfaces.JobQueue { return c.services.Queue }
func (c *serviceContext) Daemons() interfaces.DaemonRegistry { return c.services.Daemons }

// interfaceContext extends the service surface for interface plugins.
type interfaceContext struct {
	serviceContext
}

func (c *interfaceContext) Conversations() interfaces.ConversationService {
	return c.services.Conversations
}

func (c *interfaceContext) Generator() interfaces.ContentGenerator { return c.services.Generator }

func (c *interfaceContext) Query(ctx context.Context, prompt string, opts *interfaces.QueryOptions) (*interfaces.QueryResult, error) {
	if c.services.Query == nil {
		return nil, kernelerr.Handler("query is not wired for this kernel", nil)
	}
	return c.services.Query(ctx, prompt, opts)
}

// contextFor builds the context matching a plugin's declared type.
func contextFor(plugin interfaces.Plugin, services *Services) interfaces.PluginContext {
	base := coreContext{pluginID: plugin.ID(), services: services}
	switch plugin.Type() {
	case interfaces.PluginCore:
		return &base
	case interfaces.PluginService:
		return &serviceContext{base}
	default:
		return &interfaceContext{serviceContext{base}}
	}
}
