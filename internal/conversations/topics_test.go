package conversations

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/adapters"
	"github.com/ternarybob/cerebrum/internal/ai"
	"github.com/ternarybob/cerebrum/internal/bus"
	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/entities"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
	"github.com/ternarybob/cerebrum/internal/registry"
	badgerstore "github.com/ternarybob/cerebrum/internal/storage/badger"
)

type progressRecorder struct {
	cancelled bool
	calls     int
}

func (r *progressRecorder) ReportProgress(current, total int, message, operation string) { r.calls++ }
func (r *progressRecorder) IsCancelled() bool { return r.cancelled }
func (r *progressRecorder) Log(level, message string) {}

type topicHarness struct {
	worker   *TopicWorker
	service  *Service
	entities interfaces.EntityService
	storage  interfaces.StorageManager
}

func newTopicHarness(t *testing.T, config *common.ConversationConfig) *topicHarness {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badgerstore.NewManager(logger, &common.StorageConfig{
		EntityPath:       t.TempDir(),
		QueuePath:        t.TempDir(),
		ConversationPath: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	gateway, err := ai.NewGateway(&common.AIConfig{DefaultProvider: "offline"}, manager.KeyValueStorage(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { gateway.Close() })

	entityTypes := registry.NewEntityTypeRegistry(logger)
	require.NoError(t, entityTypes.Register("kernel", interfaces.RegisteredEntityType{
		Name:    TopicEntityType,
		Adapter: adapters.NewFrontmatterAdapter(),
	}))

	messageBus := bus.NewBus(logger)
	t.Cleanup(func() { messageBus.Close() })

	queue := &stubQueue{}
	entityService := entities.NewService(entityTypes, manager.EntityStorage(), queue, messageBus, logger)
	service := NewService(config, manager.ConversationStorage(), queue, nil, logger)
	worker := NewTopicWorker(config, manager.ConversationStorage(), entityService, manager.EntityStorage(), gateway, nil, logger)

	return &topicHarness{
		worker:   worker,
		service:  service,
		entities: entityService,
		storage:  manager,
	}
}

func seedConversation(t *testing.T, h *topicHarness, sessionID string, contents []string) string {
	t.Helper()
	ctx := context.Background()
	conversation, err := h.service.StartConversation(ctx, sessionID, "cli")
	require.NoError(t, err)
	for _, content := range contents {
		require.NoError(t, h.service.AddMessage(ctx, conversation.ID, models.RoleUser, content, nil))
	}
	return conversation.ID
}

func runTopicJob(t *testing.T, h *topicHarness, conversationID string, reporter interfaces.ProgressReporter) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(map[string]string{"conversation_id": conversationID})
	require.NoError(t, err)
	if reporter == nil {
		reporter = &progressRecorder{}
	}
	result, err := h.worker.process(context.Background(), data, "job1", reporter)
	require.NoError(t, err)
	return result.(map[string]interface{})
}

func TestTopicWorkerCreatesTopicEntity(t *testing.T) {
	config := &common.ConversationConfig{
		SummaryEveryMessages: 100,
		SummaryEvery:         "24h",
		TopicWindow:          2,
		TopicOverlap:         0.5,
		MergeSimilarity:      0.99,
	}
	h := newTopicHarness(t, config)

	conversationID := seedConversation(t, h, "s1", []string{"planning the garden", "ordering seeds"})
	summary := runTopicJob(t, h, conversationID, nil)
	assert.Equal(t, 1, summary["topics"])

	topics, err := h.entities.ListEntities(context.Background(), TopicEntityType, nil)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.NotEmpty(t, topics[0].Embedding)
	assert.Contains(t, topics[0].Content, conversationID)
	assert.Equal(t, conversationID, topics[0].Metadata["conversation_id"])
}

func TestTopicWorkerMergesSimilarWindows(t *testing.T) {
	config := &common.ConversationConfig{
		SummaryEveryMessages: 100,
		SummaryEvery:         "24h",
		TopicWindow:          2,
		TopicOverlap:         0.5, // stride 1
		MergeSimilarity:      0.99,
	}
	h := newTopicHarness(t, config)

	// Three identical messages make two identical windows; the offline
	// gateway is deterministic, so the second window's embedding matches
	// the first topic exactly and merges.
	conversationID := seedConversation(t, h, "s1", []string{"same thing", "same thing", "same thing"})
	summary := runTopicJob(t, h, conversationID, nil)
	assert.Equal(t, 1, summary["topics"])
	assert.Equal(t, 1, summary["merged"])

	topics, err := h.entities.ListEntities(context.Background(), TopicEntityType, nil)
	require.NoError(t, err)
	assert.Len(t, topics, 1)
}

func TestTopicWorkerAdvancesWindowStart(t *testing.T) {
	config := &common.ConversationConfig{
		SummaryEveryMessages: 100,
		SummaryEvery:         "24h",
		TopicWindow:          2,
		TopicOverlap:         0.5,
		MergeSimilarity:      0.99,
	}
	h := newTopicHarness(t, config)
	ctx := context.Background()

	conversationID := seedConversation(t, h, "s1", []string{"alpha topic", "beta topic"})
	runTopicJob(t, h, conversationID, nil)

	// No new complete window yet: nothing to do
	summary := runTopicJob(t, h, conversationID, nil)
	assert.Equal(t, 0, summary["topics"])

	tracking, err := h.storage.ConversationStorage().GetSummaryTracking(ctx, conversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, tracking.NextWindowStart)
}

func TestTopicWorkerTooFewMessages(t *testing.T) {
	config := &common.ConversationConfig{
		SummaryEveryMessages: 100,
		SummaryEvery:         "24h",
		TopicWindow:          20,
		TopicOverlap:         0.25,
		MergeSimilarity:      0.7,
	}
	h := newTopicHarness(t, config)

	conversationID := seedConversation(t, h, "s1", []string{"just one message"})
	summary := runTopicJob(t, h, conversationID, nil)
	assert.Equal(t, 0, summary["topics"])
}

func TestTopicWorkerObservesCancellation(t *testing.T) {
	config := &common.ConversationConfig{
		SummaryEveryMessages: 100,
		SummaryEvery:         "24h",
		TopicWindow:          2,
		TopicOverlap:         0.5,
		MergeSimilarity:      0.99,
	}
	h := newTopicHarness(t, config)

	conversationID := seedConversation(t, h, "s1", []string{"one", "two", "three"})
	data, err := json.Marshal(map[string]string{"conversation_id": conversationID})
	require.NoError(t, err)

	_, err = h.worker.process(context.Background(), data, "job1", &progressRecorder{cancelled: true})
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindCancelled))
}

func TestTopicWorkerMissingConversation(t *testing.T) {
	h := newTopicHarness(t, &common.ConversationConfig{TopicWindow: 2, TopicOverlap: 0.5})

	data, err := json.Marshal(map[string]string{"conversation_id": "cli-ghost"})
	require.NoError(t, err)
	_, err = h.worker.process(context.Background(), data, "job1", &progressRecorder{})
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindNotFound))
}
