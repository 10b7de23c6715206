package conversations

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

const (
	// TopicEntityType is the entity type topic summaries are stored
	// under. The kernel registers it at startup.
	TopicEntityType = "topic"

	defaultTopicWindow     = 20
	defaultTopicOverlap    = 0.25
	defaultMergeSimilarity = 0.7
)

var topicJobSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"conversation_id"},
	"properties": map[string]interface{}{
		"conversation_id": map[string]interface{}{"type": "string"},
	},
}

// topicSchema constrains the gateway output for one summarized window.
var topicSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"title", "summary"},
	"properties": map[string]interface{}{
		"title":   map[string]interface{}{"type": "string"},
		"summary": map[string]interface{}{"type": "string"},
	},
}

type topicJobData struct {
	ConversationID string `json:"conversation_id"`
}

// TopicWorker summarizes conversation windows into topic entities.
// Windows slide with overlap; a window whose embedding is close enough
// to an existing topic merges into it instead of creating a new one.
type TopicWorker struct {
	conversations interfaces.ConversationStorage
	entities      interfaces.EntityService
	entityStore   interfaces.EntityStorage
	gateway       interfaces.AIGateway
	clock         common.Clock
	logger        arbor.ILogger

	window          int
	stride          int
	mergeSimilarity float64
}

// NewTopicWorker creates the conversation-topic job worker
func NewTopicWorker(
	config *common.ConversationConfig,
	conversations interfaces.ConversationStorage,
	entities interfaces.EntityService,
	entityStore interfaces.EntityStorage,
	gateway interfaces.AIGateway,
	clock common.Clock,
	logger arbor.ILogger,
) *TopicWorker {
	if clock == nil {
		clock = common.SystemClock{}
	}
	window := config.TopicWindow
	if window <= 0 {
		window = defaultTopicWindow
	}
	overlap := config.TopicOverlap
	if overlap <= 0 || overlap >= 1 {
		overlap = defaultTopicOverlap
	}
	stride := int(float64(window) * (1 - overlap))
	if stride < 1 {
		stride = 1
	}
	similarity := config.MergeSimilarity
	if similarity <= 0 || similarity > 1 {
		similarity = defaultMergeSimilarity
	}

	return &TopicWorker{
		conversations:   conversations,
		entities:        entities,
		entityStore:     entityStore,
		gateway:         gateway,
		clock:           clock,
		logger:          logger,
		window:          window,
		stride:          stride,
		mergeSimilarity: similarity,
	}
}

// Register registers the conversation-topic handler on the queue.
func (w *TopicWorker) Register(queue interfaces.JobQueue) error {
	return queue.RegisterHandler(models.JobTypeConversationTopic, interfaces.JobHandler{
		Schema:  topicJobSchema,
		Process: w.process,
	})
}

// process summarizes every complete unprocessed window of the
// conversation.
func (w *TopicWorker) process(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
	var payload topicJobData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, kernelerr.Validation("conversation-topic data is malformed", err)
	}

	conversation, err := w.conversations.GetConversation(ctx, payload.ConversationID)
	if err != nil {
		return nil, err
	}
	messages, err := w.conversations.GetMessages(ctx, payload.ConversationID, 0)
	if err != nil {
		return nil, err
	}
	tracking, err := w.conversations.GetSummaryTracking(ctx, payload.ConversationID)
	if err != nil {
		return nil, err
	}
	tracking.ConversationID = payload.ConversationID

	start := tracking.NextWindowStart
	var windows [][]*models.ChatMessage
	for start+w.window <= len(messages) {
		windows = append(windows, messages[start:start+w.window])
		start += w.stride
	}
	if len(windows) == 0 {
		return map[string]interface{}{"topics": 0}, nil
	}

	created := 0
	merged := 0
	for i, window := range windows {
		if reporter.IsCancelled() {
			return nil, kernelerr.Cancelled(
				fmt.Sprintf("topic summarization cancelled after %d of %d windows", i, len(windows)))
		}

		wasMerged, err := w.summarizeWindow(ctx, conversation, window)
		if err != nil {
			return nil, err
		}
		if wasMerged {
			merged++
		} else {
			created++
		}
		reporter.ReportProgress(i+1, len(windows), fmt.Sprintf("summarized window %d of %d", i+1, len(windows)), "summarize")
	}

	tracking.NextWindowStart = start
	tracking.LastSummarizedAt = w.clock.Now()
	if err := w.conversations.SaveSummaryTracking(ctx, tracking); err != nil {
		return nil, err
	}

	w.logger.Info().
		Str("conversation", payload.ConversationID).
		Int("created", created).
		Int("merged", merged).
		Msg("Conversation windows summarized")
	return map[string]interface{}{"topics": created, "merged": merged}, nil
}

// summarizeWindow generates a topic for one window and either merges it
// into the nearest existing topic or stores a new topic entity.
func (w *TopicWorker) summarizeWindow(ctx context.Context, conversation *models.Conversation, window []*models.ChatMessage) (bool, error) {
	transcript := renderTranscript(window)

	response, err := w.gateway.GenerateObject(ctx, &interfaces.ObjectRequest{
		SystemPrompt: "You summarize conversation excerpts into short reusable topics.",
		UserPrompt:   "Summarize the main topic of this conversation excerpt:\n\n" + transcript,
		Schema:       topicSchema,
	})
	if err != nil {
		return false, err
	}
	title, _ := response.Object["title"].(string)
	summary, _ := response.Object["summary"].(string)

	embedding, err := w.gateway.GenerateEmbedding(ctx, summary)
	if err != nil {
		return false, err
	}

	nearest, similarity, err := w.nearestTopic(ctx, embedding)
	if err != nil {
		return false, err
	}

	if nearest != nil && similarity >= w.mergeSimilarity {
		return true, w.mergeTopic(ctx, nearest, conversation, summary, embedding)
	}
	return false, w.createTopic(ctx, conversation, title, summary, embedding)
}

// nearestTopic scans stored topics for the highest cosine similarity.
func (w *TopicWorker) nearestTopic(ctx context.Context, embedding []float32) (*models.Entity, float64, error) {
	topics, err := w.entities.ListEntities(ctx, TopicEntityType, nil)
	if kernelerr.IsKind(err, kernelerr.KindNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	var best *models.Entity
	bestScore := -1.0
	for _, topic := range topics {
		if len(topic.Embedding) == 0 {
			continue
		}
		score := cosineSimilarity(embedding, topic.Embedding)
		if score > bestScore {
			best = topic
			bestScore = score
		}
	}
	return best, bestScore, nil
}

// mergeTopic appends the new summary to an existing topic, preserving
// the conversation context in the body.
func (w *TopicWorker) mergeTopic(ctx context.Context, topic *models.Entity, conversation *models.Conversation, summary string, embedding []float32) error {
	updated := topic.Clone()
	updated.Content = topic.Content + fmt.Sprintf("\n\n- %s (from %s via %s)",
		summary, conversation.ID, conversation.InterfaceType)

	if _, err := w.entities.UpdateEntity(ctx, updated, &models.WriteOptions{SkipEmbeddings: true}); err != nil {
		return err
	}
	// Re-embed the merged body so the next merge compares against what
	// is actually stored.
	mergedEmbedding, err := w.gateway.GenerateEmbedding(ctx, updated.Content)
	if err != nil {
		mergedEmbedding = embedding
	}
	return w.entityStore.SetEmbedding(ctx, TopicEntityType, topic.ID, mergedEmbedding)
}

func (w *TopicWorker) createTopic(ctx context.Context, conversation *models.Conversation, title, summary string, embedding []float32) error {
	entity := &models.Entity{
		EntityType: TopicEntityType,
		Content: fmt.Sprintf("# %s\n\n- %s (from %s via %s)",
			title, summary, conversation.ID, conversation.InterfaceType),
		Metadata: map[string]interface{}{
			"conversation_id": conversation.ID,
			"interface_type":  conversation.InterfaceType,
		},
	}
	created, err := w.entities.CreateEntity(ctx, entity, &models.WriteOptions{SkipEmbeddings: true})
	if err != nil {
		return err
	}
	return w.entityStore.SetEmbedding(ctx, TopicEntityType, created.ID, embedding)
}

func renderTranscript(window []*models.ChatMessage) string {
	var sb strings.Builder
	for _, msg := range window {
		sb.WriteString(string(msg.Role))
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// cosineSimilarity of two vectors; mismatched lengths score zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
