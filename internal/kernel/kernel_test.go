package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/adapters"
	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/conversations"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
	badgerstore "github.com/ternarybob/cerebrum/internal/storage/badger"
)

func testConfig(t *testing.T) *common.Config {
	t.Helper()
	config := common.DefaultConfig()
	config.Storage.EntityPath = t.TempDir()
	config.Storage.QueuePath = t.TempDir()
	config.Storage.ConversationPath = t.TempDir()
	config.Queue.Concurrency = 2
	config.Queue.PollInterval = "20ms"
	config.Queue.MaxAttempts = 2
	config.Daemons.HealthInterval = "50ms"
	config.Daemons.StopTimeout = "1s"
	config.AI.DefaultProvider = "offline"
	config.Conversations.SummaryEveryMessages = 100
	config.Conversations.SummaryEvery = "24h"
	return config
}

// notesPlugin registers a "note" entity type.
type notesPlugin struct {
	shutdowns int
}

func (p *notesPlugin) ID() string { return "notes" }
func (p *notesPlugin) Version() string { return "1.0.0" }
func (p *notesPlugin) Type() interfaces.PluginType { return interfaces.PluginService }
func (p *notesPlugin) Dependencies() []string { return nil }

func (p *notesPlugin) OnRegister(ctx context.Context, pctx interfaces.PluginContext) error {
	sctx := pctx.(interfaces.ServicePluginContext)
	return sctx.EntityTypes().Register(pctx.PluginID(), interfaces.RegisteredEntityType{
		Name:    "note",
		Adapter: adapters.NewFrontmatterAdapter(),
	})
}

func (p *notesPlugin) OnShutdown(ctx context.Context) error {
	p.shutdowns++
	return nil
}

// cliPlugin exercises the interface surface during registration: the
// inherited service capabilities plus query.
type cliPlugin struct {
	answer string
}

func (p *cliPlugin) ID() string { return "cli" }
func (p *cliPlugin) Version() string { return "1.0.0" }
func (p *cliPlugin) Type() interfaces.PluginType { return interfaces.PluginInterface }
func (p *cliPlugin) Dependencies() []string { return nil }

func (p *cliPlugin) OnRegister(ctx context.Context, pctx interfaces.PluginContext) error {
	ictx := pctx.(interfaces.InterfacePluginContext)
	if _, err := ictx.Queue().Enqueue(ctx, models.JobTypeEmbedEntity, map[string]interface{}{
		"entity_type": conversations.TopicEntityType,
		"entity_id":   "warmup",
	}, nil); err != nil {
		return err
	}
	result, err := ictx.Query(ctx, "anything on file?", nil)
	if err != nil {
		return err
	}
	p.answer = result.Answer
	return nil
}

func (p *cliPlugin) OnShutdown(ctx context.Context) error { return nil }

func newTestKernel(t *testing.T, pluginList ...interfaces.Plugin) *Kernel {
	t.Helper()
	k, err := New(testConfig(t), arbor.NewLogger())
	require.NoError(t, err)
	require.NoError(t, k.Load(pluginList...))
	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(func() { k.Stop(context.Background()) })
	return k
}

func TestKernelStartStop(t *testing.T) {
	plugin := &notesPlugin{}
	k := newTestKernel(t, plugin)

	// Built-in topic type is registered alongside the plugin's
	assert.Contains(t, k.entityTypes.List(), conversations.TopicEntityType)
	assert.Contains(t, k.entityTypes.List(), "note")

	health, err := k.Daemons().GetHealth(MaintenanceDaemonID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.HealthHealthy, health.Status)

	err = k.Start(context.Background())
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindConflict))

	require.NoError(t, k.Stop(context.Background()))
	assert.Equal(t, 1, plugin.shutdowns)
}

func TestInterfacePluginSurface(t *testing.T) {
	plugin := &cliPlugin{}
	newTestKernel(t, plugin)

	assert.NotEmpty(t, plugin.answer)
}

func TestKernelEntityLifecycle(t *testing.T) {
	k := newTestKernel(t, &notesPlugin{})
	ctx := context.Background()

	created, err := k.Entities().CreateEntity(ctx, &models.Entity{
		EntityType: "note",
		Content:    "# Compost\n\nTurn the pile weekly.",
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := k.Entities().GetEntity(ctx, "note", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ContentHash, got.ContentHash)

	// The embed job runs asynchronously against the offline provider
	require.Eventually(t, func() bool {
		entity, err := k.Entities().GetEntity(ctx, "note", created.ID)
		return err == nil && len(entity.Embedding) > 0
	}, 10*time.Second, 20*time.Millisecond)
}

func TestKernelQueryFindsSources(t *testing.T) {
	k := newTestKernel(t, &notesPlugin{})
	ctx := context.Background()

	_, err := k.Entities().CreateEntity(ctx, &models.Entity{
		ID:         "gardening",
		EntityType: "note",
		Content:    "# Gardening\n\nTomatoes want full sun and deep watering.",
	}, &models.WriteOptions{SkipEmbeddings: true})
	require.NoError(t, err)
	_, err = k.Entities().CreateEntity(ctx, &models.Entity{
		ID:         "taxes",
		EntityType: "note",
		Content:    "# Taxes\n\nQuarterly filings are due in April.",
	}, &models.WriteOptions{SkipEmbeddings: true})
	require.NoError(t, err)

	result, err := k.Query(ctx, "gardening", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Answer)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "note", result.Sources[0].EntityType)
	assert.Equal(t, "gardening", result.Sources[0].EntityID)
}

func TestKernelQueryRequiresPrompt(t *testing.T) {
	k := newTestKernel(t)

	_, err := k.Query(context.Background(), "  ", nil)
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindValidation))
}

func TestKernelQueryWithConversationHistory(t *testing.T) {
	k := newTestKernel(t, &notesPlugin{})
	ctx := context.Background()

	conversation, err := k.Conversations().StartConversation(ctx, "s1", "cli")
	require.NoError(t, err)
	require.NoError(t, k.Conversations().AddMessage(ctx, conversation.ID, models.RoleUser, "tell me about gardening", nil))

	result, err := k.Query(ctx, "gardening", &QueryOptions{ConversationID: conversation.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Answer)
}

func TestMaintenanceSweep(t *testing.T) {
	logger := arbor.NewLogger()
	manager, err := badgerstore.NewManager(logger, &common.StorageConfig{
		EntityPath:       t.TempDir(),
		QueuePath:        t.TempDir(),
		ConversationPath: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	ctx := context.Background()
	jobs := manager.JobStorage()
	now := time.Now()

	oldDone := now.Add(-48 * time.Hour)
	expired := &models.Job{
		ID: "expired", Type: "noop", RootJobID: "expired",
		Status: models.JobStatusSucceeded, MaxAttempts: 1, Attempts: 1,
		CreatedAt: oldDone, CompletedAt: &oldDone,
	}
	require.NoError(t, jobs.SaveJob(ctx, expired))

	recentDone := now.Add(-time.Hour)
	kept := &models.Job{
		ID: "kept", Type: "noop", RootJobID: "kept",
		Status: models.JobStatusSucceeded, MaxAttempts: 1, Attempts: 1,
		CreatedAt: recentDone, CompletedAt: &recentDone,
	}
	require.NoError(t, jobs.SaveJob(ctx, kept))

	quiet := now.Add(-30 * time.Minute)
	stale := &models.Job{
		ID: "stale", Type: "noop", RootJobID: "stale",
		Status: models.JobStatusRunning, MaxAttempts: 1, Attempts: 1,
		CreatedAt: quiet, StartedAt: &quiet, Heartbeat: &quiet,
	}
	require.NoError(t, jobs.SaveJob(ctx, stale))

	daemon := newMaintenanceDaemon(&common.RetentionConfig{
		KeepFor:  "24h",
		MaxKept:  100,
		StaleFor: "15m",
	}, jobs, logger)
	daemon.sweep()

	_, err = jobs.GetJob(ctx, "expired")
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindNotFound))

	got, err := jobs.GetJob(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)

	got, err = jobs.GetJob(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, got.Error.Message, "no heartbeat")

	health := daemon.HealthCheck(ctx)
	assert.Equal(t, interfaces.HealthHealthy, health.Status)
	assert.Contains(t, health.Message, "last sweep")
}

func TestMaintenanceDaemonLifecycle(t *testing.T) {
	logger := arbor.NewLogger()
	manager, err := badgerstore.NewManager(logger, &common.StorageConfig{
		EntityPath:       t.TempDir(),
		QueuePath:        t.TempDir(),
		ConversationPath: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	daemon := newMaintenanceDaemon(&common.RetentionConfig{}, manager.JobStorage(), logger)
	require.NoError(t, daemon.Start(context.Background()))
	require.NoError(t, daemon.Stop(context.Background()))

	bad := newMaintenanceDaemon(&common.RetentionConfig{Schedule: "not a cron"}, manager.JobStorage(), logger)
	assert.Error(t, bad.Start(context.Background()))
}
