package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/schema"
)

func offlineGateway(t *testing.T) interfaces.AIGateway {
	t.Helper()
	gateway, err := NewGateway(&common.AIConfig{DefaultProvider: "offline"}, nil, arbor.NewLogger())
	require.NoError(t, err)
	return gateway
}

func TestOfflineGenerateObjectConformsToSchema(t *testing.T) {
	gateway := offlineGateway(t)
	ctx := context.Background()

	objectSchema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"name", "servings", "steps"},
		"properties": map[string]interface{}{
			"name":     map[string]interface{}{"type": "string"},
			"servings": map[string]interface{}{"type": "number", "minimum": float64(2)},
			"steps": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
	}

	resp, err := gateway.GenerateObject(ctx, &interfaces.ObjectRequest{
		UserPrompt: "make a recipe",
		Schema:     objectSchema,
	})
	require.NoError(t, err)
	require.NoError(t, schema.Validate(objectSchema, resp.Object))
	assert.Equal(t, float64(2), resp.Object["servings"])
}

func TestOfflineGenerateObjectIsDeterministic(t *testing.T) {
	gateway := offlineGateway(t)
	ctx := context.Background()

	req := &interfaces.ObjectRequest{
		UserPrompt: "same prompt",
		Schema: map[string]interface{}{
			"type":       "object",
			"required":   []interface{}{"title"},
			"properties": map[string]interface{}{"title": map[string]interface{}{"type": "string"}},
		},
	}

	first, err := gateway.GenerateObject(ctx, req)
	require.NoError(t, err)
	second, err := gateway.GenerateObject(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Object, second.Object)
}

func TestOfflineEmbeddings(t *testing.T) {
	gateway := offlineGateway(t)
	ctx := context.Background()

	a, err := gateway.GenerateEmbedding(ctx, "hello world")
	require.NoError(t, err)
	b, err := gateway.GenerateEmbedding(ctx, "hello world")
	require.NoError(t, err)
	c, err := gateway.GenerateEmbedding(ctx, "something else entirely")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, offlineEmbeddingDimension)

	batch, err := gateway.GenerateEmbeddings(ctx, []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.NotEqual(t, batch[0], batch[1])
}

func TestEmptyEmbeddingTextRejected(t *testing.T) {
	gateway := offlineGateway(t)

	_, err := gateway.GenerateEmbedding(context.Background(), "")
	assert.Error(t, err)
}

func TestUnknownProviderRejected(t *testing.T) {
	_, err := NewGateway(&common.AIConfig{DefaultProvider: "oracle"}, nil, arbor.NewLogger())
	assert.Error(t, err)
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences(`{"a":1}`))
}

func TestCalculateBackoffCaps(t *testing.T) {
	retry := NewDefaultRetryConfig()

	first := retry.CalculateBackoff(0, 0)
	second := retry.CalculateBackoff(1, 0)
	assert.Greater(t, second, first)

	huge := retry.CalculateBackoff(20, 0)
	assert.Equal(t, retry.MaxBackoff, huge)
}
