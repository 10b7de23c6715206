// Package generation turns registered templates into validated
// structured output via the AI gateway, and renders results back to
// markdown through the template's formatter.
package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/adapters"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

// Generator implements the ContentGenerator interface. Retrying on
// schema-invalid model output happens inside the gateway; by the time
// an object comes back here it already validates.
type Generator struct {
	templates interfaces.TemplateRegistry
	gateway   interfaces.AIGateway
	logger    arbor.ILogger
}

// NewGenerator creates the content generator
func NewGenerator(templates interfaces.TemplateRegistry, gateway interfaces.AIGateway, logger arbor.ILogger) *Generator {
	return &Generator{
		templates: templates,
		gateway:   gateway,
		logger:    logger,
	}
}

// Generate runs one template against the gateway. Conversation history
// is used only when the caller passes it explicitly.
func (g *Generator) Generate(ctx context.Context, templateName string, genCtx *models.GenerationContext) (*models.StructuredResult, error) {
	template, err := g.templates.Get(templateName)
	if err != nil {
		return nil, err
	}
	if !template.Capabilities.CanGenerate {
		return nil, kernelerr.Validation(
			fmt.Sprintf("template %q does not support generation", templateName), nil)
	}

	if genCtx == nil {
		genCtx = &models.GenerationContext{}
	}

	response, err := g.gateway.GenerateObject(ctx, &interfaces.ObjectRequest{
		SystemPrompt: buildSystemPrompt(genCtx),
		UserPrompt:   buildUserPrompt(template, genCtx),
		Schema:       template.Schema,
	})
	if err != nil {
		return nil, err
	}

	g.logger.Debug().
		Str("template", templateName).
		Int("input_tokens", response.Usage.InputTokens).
		Int("output_tokens", response.Usage.OutputTokens).
		Msg("Content generated")

	return &models.StructuredResult{
		Data:             response.Object,
		ValidationStatus: models.ValidationValid,
	}, nil
}

// Render formats a generated object to markdown via the template's
// structured formatter.
func (g *Generator) Render(templateName string, object map[string]interface{}) (string, error) {
	template, err := g.templates.Get(templateName)
	if err != nil {
		return "", err
	}
	if !template.Capabilities.CanRender || template.Formatter == nil {
		return "", kernelerr.Validation(
			fmt.Sprintf("template %q does not support rendering", templateName), nil)
	}

	codec, err := adapters.NewStructuredCodec(template.Formatter)
	if err != nil {
		return "", err
	}
	return codec.Render(object)
}

// buildUserPrompt interpolates {variable} placeholders into the base
// prompt and appends any caller-supplied history.
func buildUserPrompt(template *models.Template, genCtx *models.GenerationContext) string {
	prompt := template.BasePrompt
	for name, value := range genCtx.Variables {
		prompt = strings.ReplaceAll(prompt, "{"+name+"}", value)
	}

	if len(genCtx.History) == 0 {
		return prompt
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\nConversation so far:\n")
	for _, msg := range genCtx.History {
		sb.WriteString(string(msg.Role))
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func buildSystemPrompt(genCtx *models.GenerationContext) string {
	var parts []string
	if genCtx.Style != "" {
		parts = append(parts, "Write in the following style: "+genCtx.Style)
	}
	for _, example := range genCtx.Examples {
		parts = append(parts, "Example output:\n"+example)
	}
	return strings.Join(parts, "\n\n")
}
