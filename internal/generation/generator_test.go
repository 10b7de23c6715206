package generation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/ai"
	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
	"github.com/ternarybob/cerebrum/internal/registry"
)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	logger := arbor.NewLogger()

	gateway, err := ai.NewGateway(&common.AIConfig{DefaultProvider: "offline"}, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { gateway.Close() })

	templates := registry.NewTemplateRegistry(logger)
	require.NoError(t, templates.Register("recipes", &models.Template{
		Name: "recipes:summary",
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"title", "servings"},
			"properties": map[string]interface{}{
				"title":    map[string]interface{}{"type": "string"},
				"servings": map[string]interface{}{"type": "number", "minimum": 2},
			},
		},
		BasePrompt: "Summarize the recipe named {name}.",
		Formatter: &models.StructuredFormat{
			Title: "title",
			Mappings: []models.FieldMapping{
				{Key: "servings", Label: "Servings", Type: models.FieldNumber},
			},
		},
		Capabilities: models.TemplateCapabilities{CanGenerate: true, CanRender: true},
	}))
	require.NoError(t, templates.Register("recipes", &models.Template{
		Name:         "recipes:render-only",
		Schema:       map[string]interface{}{"type": "object"},
		Capabilities: models.TemplateCapabilities{CanRender: true},
	}))

	return NewGenerator(templates, gateway, logger)
}

func TestGenerateProducesSchemaConformingObject(t *testing.T) {
	g := newTestGenerator(t)

	result, err := g.Generate(context.Background(), "recipes:summary", &models.GenerationContext{
		Variables: map[string]string{"name": "stew"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ValidationValid, result.ValidationStatus)
	assert.Contains(t, result.Data, "title")
	assert.Contains(t, result.Data, "servings")
}

func TestGenerateUnknownTemplate(t *testing.T) {
	g := newTestGenerator(t)

	_, err := g.Generate(context.Background(), "recipes:missing", nil)
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindNotFound))
}

func TestGenerateRejectsNonGeneratingTemplate(t *testing.T) {
	g := newTestGenerator(t)

	_, err := g.Generate(context.Background(), "recipes:render-only", nil)
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindValidation))
}

func TestRenderUsesFormatter(t *testing.T) {
	g := newTestGenerator(t)

	markdown, err := g.Render("recipes:summary", map[string]interface{}{
		"title":    "Stew",
		"servings": 4,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(markdown, "# Stew"))
	assert.Contains(t, markdown, "## Servings")
	assert.Contains(t, markdown, "4")
}

func TestRenderWithoutFormatterFails(t *testing.T) {
	g := newTestGenerator(t)

	_, err := g.Render("recipes:render-only", map[string]interface{}{})
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindValidation))
}

func TestPromptBuilding(t *testing.T) {
	template := &models.Template{BasePrompt: "Describe {animal} in {length} words."}
	genCtx := &models.GenerationContext{
		Variables: map[string]string{"animal": "heron", "length": "ten"},
		History: []models.ChatMessage{
			{Role: models.RoleUser, Content: "hello"},
			{Role: models.RoleAssistant, Content: "hi there"},
		},
	}

	prompt := buildUserPrompt(template, genCtx)
	assert.Contains(t, prompt, "Describe heron in ten words.")
	assert.Contains(t, prompt, "user: hello")
	assert.Contains(t, prompt, "assistant: hi there")

	system := buildSystemPrompt(&models.GenerationContext{
		Style:    "terse",
		Examples: []string{"# Example"},
	})
	assert.Contains(t, system, "terse")
	assert.Contains(t, system, "# Example")
}
