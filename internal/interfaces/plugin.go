package interfaces

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
)

// PluginType partitions plugins by how much kernel surface they see.
type PluginType string

const (
	// PluginCore extends the kernel in-process and gets only the ambient
	// surface: logger, clock, and its own config block.
	PluginCore PluginType = "core"
	// PluginService contributes entity types, templates, handlers, and
	// daemons.
	PluginService PluginType = "service"
	// PluginInterface bridges an external surface (CLI, chat, HTTP) to
	// the kernel: everything a service plugin gets, plus conversations,
	// generation, and query.
	PluginInterface PluginType = "interface"
)

// Plugin is a unit of registration. OnRegister receives a context typed
// to the plugin's declared category; a failed registration rolls back
// everything the plugin registered before the failure.
type Plugin interface {
	ID() string
	Version() string
	Type() PluginType
	// Dependencies are plugin IDs that must register first.
	Dependencies() []string
	OnRegister(ctx context.Context, pctx PluginContext) error
	OnShutdown(ctx context.Context) error
}

// PluginContext is the capability surface handed to a plugin at
// registration. Capabilities are cumulative: service contexts extend
// this one, interface contexts extend service contexts. The concrete
// value implements the interface matching the plugin's type.
type PluginContext interface {
	PluginID() string
	Logger() arbor.ILogger
	Clock() common.Clock
	Config() map[string]interface{}
}

// CorePluginContext is given to core plugins. Core plugins run inside
// the kernel and carry no registration surface of their own.
type CorePluginContext = PluginContext

// ServicePluginContext extends the core surface with the registration
// and messaging capabilities service plugins need.
type ServicePluginContext interface {
	PluginContext
	Bus() MessageBus
	Entities() EntityService
	EntityTypes() EntityRegistry
	Templates() TemplateRegistry
	Queue() JobQueue
	Daemons() DaemonRegistry
}

// InterfacePluginContext extends the service surface with conversation
// storage, content generation, and kernel queries.
type InterfacePluginContext interface {
	ServicePluginContext
	Conversations() ConversationService
	Generator() ContentGenerator
	Query(ctx context.Context, prompt string, opts *QueryOptions) (*QueryResult, error)
}

// QueryOptions tune a kernel query.
type QueryOptions struct {
	// ConversationID pulls recent conversation history into the prompt.
	ConversationID string
	// EntityTypes limits context retrieval; empty searches every
	// registered type.
	EntityTypes []string
	// ContextLimit caps the number of entities used as context.
	ContextLimit int
}

// QuerySource identifies one entity that informed an answer.
type QuerySource struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// QueryResult is the answer plus its provenance.
type QueryResult struct {
	Answer  string        `json:"answer"`
	Sources []QuerySource `json:"sources"`
	Usage   Usage         `json:"usage"`
}

// QueryFunc answers a natural-language prompt grounded on stored
// entities. The kernel provides the implementation.
type QueryFunc func(ctx context.Context, prompt string, opts *QueryOptions) (*QueryResult, error)

// PluginManager registers plugins in dependency order and shuts them
// down in reverse. Cycles and missing dependencies fail the whole load.
type PluginManager interface {
	Load(plugins ...Plugin) error
	RegisterAll(ctx context.Context) error
	ShutdownAll(ctx context.Context) error
	// Registered returns the IDs of successfully registered plugins in
	// registration order.
	Registered() []string
}
