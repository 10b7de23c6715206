package entities

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/ai"
	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
	badgerstore "github.com/ternarybob/cerebrum/internal/storage/badger"
)

type nopReporter struct {
	cancelled bool
	progress  int
}

func (r *nopReporter) ReportProgress(current, total int, message, operation string) {
	r.progress = current
}
func (r *nopReporter) IsCancelled() bool { return r.cancelled }
func (r *nopReporter) Log(level, message string) {}

func newEmbedderHarness(t *testing.T) (*Embedder, interfaces.EntityStorage) {
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

	return NewEmbedder(manager.EntityStorage(), gateway, logger), manager.EntityStorage()
}

func storedNote(t *testing.T, storage interfaces.EntityStorage, id, content string) {
	t.Helper()
	require.NoError(t, storage.SaveEntity(context.Background(), &models.Entity{
		ID:         id,
		EntityType: "note",
		Content:    content,
	}))
}

func TestEmbedEntityStoresVector(t *testing.T) {
	embedder, storage := newEmbedderHarness(t)
	storedNote(t, storage, "n1", "some content worth embedding")

	data, _ := json.Marshal(map[string]string{"entity_type": "note", "entity_id": "n1"})
	result, err := embedder.processOne(context.Background(), data, "job1", &nopReporter{})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"embedded": true}, result)

	entity, err := storage.GetEntity(context.Background(), "note", "n1")
	require.NoError(t, err)
	assert.NotEmpty(t, entity.Embedding)
}

func TestEmbedEntitySkipsMissingEntity(t *testing.T) {
	embedder, _ := newEmbedderHarness(t)

	data, _ := json.Marshal(map[string]string{"entity_type": "note", "entity_id": "ghost"})
	result, err := embedder.processOne(context.Background(), data, "job1", &nopReporter{})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"embedded": false}, result)
}

func TestEmbedBatchReportsProgress(t *testing.T) {
	embedder, storage := newEmbedderHarness(t)
	storedNote(t, storage, "a", "first")
	storedNote(t, storage, "b", "second")

	reporter := &nopReporter{}
	data, _ := json.Marshal(map[string]interface{}{
		"entity_type": "note",
		"entity_ids":  []string{"a", "gone", "b"},
	})
	result, err := embedder.processBatch(context.Background(), data, "job1", reporter)
	require.NoError(t, err)
	assert.Equal(t, 3, reporter.progress)

	summary := result.(map[string]interface{})
	assert.Equal(t, 2, summary["embedded"])
	assert.Equal(t, 0, summary["failed"])
}

func TestEmbedBatchObservesCancellation(t *testing.T) {
	embedder, storage := newEmbedderHarness(t)
	storedNote(t, storage, "a", "first")

	data, _ := json.Marshal(map[string]interface{}{
		"entity_type": "note",
		"entity_ids":  []string{"a"},
	})
	_, err := embedder.processBatch(context.Background(), data, "job1", &nopReporter{cancelled: true})
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindCancelled))
}
