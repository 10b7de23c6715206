package kernel

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/adapters"
	"github.com/ternarybob/cerebrum/internal/ai"
	"github.com/ternarybob/cerebrum/internal/bus"
	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/conversations"
	"github.com/ternarybob/cerebrum/internal/daemons"
	"github.com/ternarybob/cerebrum/internal/entities"
	"github.com/ternarybob/cerebrum/internal/generation"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
	"github.com/ternarybob/cerebrum/internal/plugins"
	"github.com/ternarybob/cerebrum/internal/queue"
	"github.com/ternarybob/cerebrum/internal/registry"
	badgerstore "github.com/ternarybob/cerebrum/internal/storage/badger"
)

// kernelPluginID owns the built-in entity types and daemons.
const kernelPluginID = "kernel"

const defaultQueryContextLimit = 5

// Kernel owns every subsystem and sequences their lifecycle. Construct
// with New, feed plugins with Load, then Start; Stop unwinds in reverse.
type Kernel struct {
	config *common.Config
	logger arbor.ILogger

	storage       interfaces.StorageManager
	bus           *bus.Bus
	gateway       interfaces.AIGateway
	entityTypes   *registry.EntityTypeRegistry
	templates     *registry.TemplateRegistry
	queue         *queue.Service
	entities      *entities.Service
	generator     *generation.Generator
	conversations *conversations.Service
	daemons       *daemons.Registry
	plugins       *plugins.Manager

	started bool
	stopped bool
}

// New wires the kernel bottom-up: storage, bus, gateway, registries,
// queue, then the services layered on top. Nothing runs until Start.
func New(config *common.Config, logger arbor.ILogger) (*Kernel, error) {
	if config == nil {
		return nil, kernelerr.Validation("config is required", nil)
	}
	if logger == nil {
		logger = common.GetLogger()
	}

	storage, err := badgerstore.NewManager(logger, &config.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	gateway, err := ai.NewGateway(&config.AI, storage.KeyValueStorage(), logger)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to build AI gateway: %w", err)
	}

	messageBus := bus.NewBus(logger)
	entityTypes := registry.NewEntityTypeRegistry(logger)
	templates := registry.NewTemplateRegistry(logger)

	queueService := queue.NewService(
		&config.Queue,
		storage.JobStorage(),
		storage.BatchStorage(),
		storage.JobLogStorage(),
		messageBus,
		logger,
	)

	entityService := entities.NewService(entityTypes, storage.EntityStorage(), queueService, messageBus, logger)
	generator := generation.NewGenerator(templates, gateway, logger)
	conversationService := conversations.NewService(&config.Conversations, storage.ConversationStorage(), queueService, common.SystemClock{}, logger)
	daemonRegistry := daemons.NewRegistry(&config.Daemons, messageBus, logger)

	k := &Kernel{
		config:        config,
		logger:        logger,
		storage:       storage,
		bus:           messageBus,
		gateway:       gateway,
		entityTypes:   entityTypes,
		templates:     templates,
		queue:         queueService,
		entities:      entityService,
		generator:     generator,
		conversations: conversationService,
		daemons:       daemonRegistry,
	}

	k.plugins = plugins.NewManager(&plugins.Services{
		Logger:        logger,
		Clock:         common.SystemClock{},
		Bus:           messageBus,
		Entities:      entityService,
		EntityTypes:   entityTypes,
		Templates:     templates,
		Queue:         queueService,
		Daemons:       daemonRegistry,
		Conversations: conversationService,
		Generator:     generator,
		Query:         k.Query,
		PluginConfig:  config.Plugins,
	}, logger)

	if err := k.registerBuiltins(); err != nil {
		gateway.Close()
		messageBus.Close()
		storage.Close()
		return nil, err
	}
	return k, nil
}

// registerBuiltins wires the kernel's own capabilities: the topic
// entity type, the embedding and topic job handlers, the conversation
// bus handlers, and the maintenance daemon.
func (k *Kernel) registerBuiltins() error {
	err := k.entityTypes.Register(kernelPluginID, interfaces.RegisteredEntityType{
		Name:    conversations.TopicEntityType,
		Adapter: adapters.NewFrontmatterAdapter(),
	})
	if err != nil {
		return err
	}

	embedder := entities.NewEmbedder(k.storage.EntityStorage(), k.gateway, k.logger)
	if err := embedder.Register(k.queue); err != nil {
		return err
	}

	topicWorker := conversations.NewTopicWorker(
		&k.config.Conversations,
		k.storage.ConversationStorage(),
		k.entities,
		k.storage.EntityStorage(),
		k.gateway,
		common.SystemClock{},
		k.logger,
	)
	if err := topicWorker.Register(k.queue); err != nil {
		return err
	}

	k.conversations.RegisterBusHandlers(k.bus)

	return k.daemons.Register(kernelPluginID, interfaces.DaemonSpec{
		ID:     MaintenanceDaemonID,
		Daemon: newMaintenanceDaemon(&k.config.Queue.Retention, k.storage.JobStorage(), k.logger),
		Policy: interfaces.RestartWithBackoff,
	})
}

// Load hands plugins to the plugin manager. Call before Start.
func (k *Kernel) Load(pluginList ...interfaces.Plugin) error {
	return k.plugins.Load(pluginList...)
}

// Start brings the kernel up: plugins register their capabilities, the
// registries seal, then the queue workers and daemons start.
func (k *Kernel) Start(ctx context.Context) error {
	if k.started {
		return kernelerr.Conflict("kernel already started", nil)
	}
	if k.stopped {
		return kernelerr.Conflict("kernel already stopped", nil)
	}

	if err := k.plugins.RegisterAll(ctx); err != nil {
		return fmt.Errorf("plugin registration failed: %w", err)
	}
	k.entityTypes.Seal()
	k.templates.Seal()

	if err := k.queue.Start(); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	if err := k.daemons.StartAll(ctx); err != nil {
		k.queue.Stop()
		return fmt.Errorf("failed to start daemons: %w", err)
	}

	k.started = true
	k.logger.Info().
		Int("plugins", len(k.plugins.Registered())).
		Int("entity_types", len(k.entityTypes.List())).
		Msg("Kernel started")
	return nil
}

// Stop unwinds startup in reverse: daemons, queue, plugins, then the
// bus, gateway, and databases. Every step runs even when earlier ones
// fail; the first error is returned. Stop is idempotent.
func (k *Kernel) Stop(ctx context.Context) error {
	if k.stopped {
		return nil
	}
	k.stopped = true

	var firstErr error
	record := func(stage string, err error) {
		if err == nil {
			return
		}
		k.logger.Error().Err(err).Str("stage", stage).Msg("Shutdown stage failed")
		if firstErr == nil {
			firstErr = err
		}
	}

	if k.started {
		record("daemons", k.daemons.StopAll(ctx))
		record("queue", k.queue.Stop())
		record("plugins", k.plugins.ShutdownAll(ctx))
	}
	record("bus", k.bus.Close())
	record("gateway", k.gateway.Close())
	record("storage", k.storage.Close())

	k.started = false
	k.logger.Info().Msg("Kernel stopped")
	return firstErr
}

// Query types live in interfaces so plugin contexts can expose the
// same entry point embedding hosts use.
type (
	QueryOptions = interfaces.QueryOptions
	QuerySource  = interfaces.QuerySource
	QueryResult  = interfaces.QueryResult
)

var answerSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"answer": map[string]interface{}{"type": "string"},
	},
	"required": []interface{}{"answer"},
}

// Query answers a natural-language prompt grounded on stored entities
// and, when a conversation is given, recent chat history.
func (k *Kernel) Query(ctx context.Context, prompt string, opts *QueryOptions) (*QueryResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, kernelerr.Validation("prompt is required", nil)
	}
	if opts == nil {
		opts = &QueryOptions{}
	}
	limit := opts.ContextLimit
	if limit <= 0 {
		limit = defaultQueryContextLimit
	}

	sources, systemPrompt, err := k.gatherContext(ctx, prompt, opts.EntityTypes, limit)
	if err != nil {
		return nil, err
	}

	userPrompt := prompt
	if opts.ConversationID != "" {
		history, err := k.conversations.GetMessages(ctx, opts.ConversationID, 10)
		if err != nil {
			return nil, err
		}
		if len(history) > 0 {
			var b strings.Builder
			b.WriteString("Conversation so far:\n")
			for _, message := range history {
				fmt.Fprintf(&b, "%s: %s\n", message.Role, message.Content)
			}
			b.WriteString("\n")
			b.WriteString(prompt)
			userPrompt = b.String()
		}
	}

	response, err := k.gateway.GenerateObject(ctx, &interfaces.ObjectRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Schema:       answerSchema,
	})
	if err != nil {
		return nil, err
	}

	answer, _ := response.Object["answer"].(string)
	return &QueryResult{
		Answer:  answer,
		Sources: sources,
		Usage:   response.Usage,
	}, nil
}

// gatherContext retrieves entities matching the prompt and folds their
// content into a system prompt.
func (k *Kernel) gatherContext(ctx context.Context, prompt string, entityTypes []string, limit int) ([]QuerySource, string, error) {
	if len(entityTypes) == 0 {
		entityTypes = k.entityTypes.List()
	}

	var sources []QuerySource
	var b strings.Builder
	b.WriteString("Answer using the notes below when they are relevant.\n")

	for _, entityType := range entityTypes {
		if len(sources) >= limit {
			break
		}
		matches, err := k.entities.Search(ctx, &models.SearchOptions{
			EntityType: entityType,
			Query:      prompt,
			Limit:      limit - len(sources),
		})
		if err != nil {
			return nil, "", err
		}
		for _, entity := range matches {
			sources = append(sources, QuerySource{EntityType: entity.EntityType, EntityID: entity.ID})
			fmt.Fprintf(&b, "\n--- %s/%s ---\n%s\n", entity.EntityType, entity.ID, entity.Content)
		}
	}
	return sources, b.String(), nil
}

// Bus exposes the message bus for embedding hosts.
func (k *Kernel) Bus() interfaces.MessageBus { return k.bus }

// Entities exposes the entity service.
func (k *Kernel) Entities() interfaces.EntityService { return k.entities }

// Conversations exposes the conversation service.
func (k *Kernel) Conversations() interfaces.ConversationService { return k.conversations }

// Queue exposes the job queue.
func (k *Kernel) Queue() interfaces.JobQueue { return k.queue }

// Generator exposes the template-driven content generator.
func (k *Kernel) Generator() interfaces.ContentGenerator { return k.generator }

// Daemons exposes the daemon registry.
func (k *Kernel) Daemons() interfaces.DaemonRegistry { return k.daemons }
