package interfaces

import (
	"context"

	"github.com/ternarybob/cerebrum/internal/models"
)

// TemplateRegistry holds named generation templates. Registration is
// per plugin under the "plugin:name" namespace; the registry seals
// after startup and re-registration with a changed schema is rejected.
type TemplateRegistry interface {
	Register(pluginID string, template *models.Template) error
	Get(name string) (*models.Template, error)
	List() []*models.Template
	ReleasePlugin(pluginID string) error
	Seal()
}

// ContentGenerator turns a template plus context into validated
// structured output, optionally rendered to markdown by the template's
// formatter.
type ContentGenerator interface {
	// Generate runs the template prompt through the gateway, validates
	// the object against the template schema, and retries a bounded
	// number of times on invalid output.
	Generate(ctx context.Context, templateName string, genCtx *models.GenerationContext) (*models.StructuredResult, error)

	// Render formats a generated object to markdown using the
	// template's structured formatter. Templates without a formatter
	// return a validation error.
	Render(templateName string, object map[string]interface{}) (string, error)
}
