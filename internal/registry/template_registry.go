package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

// TemplateRegistry implements the TemplateRegistry interface. Templates
// live under the registering plugin's namespace ("plugin:name") so two
// plugins never collide.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]*models.Template
	sealed    bool
	logger    arbor.ILogger
}

// NewTemplateRegistry creates a new template registry
func NewTemplateRegistry(logger arbor.ILogger) *TemplateRegistry {
	return &TemplateRegistry{
		templates: make(map[string]*models.Template),
		logger:    logger,
	}
}

// Register adds a template under the plugin's namespace. Bare names are
// namespaced automatically; a name carrying another plugin's namespace
// is rejected.
func (r *TemplateRegistry) Register(pluginID string, template *models.Template) error {
	if template == nil || template.Name == "" {
		return kernelerr.Validation("template name is required", nil)
	}
	if len(template.Schema) == 0 {
		return kernelerr.Validation(fmt.Sprintf("template %q requires a schema", template.Name), nil)
	}

	owner, local := models.SplitTemplateName(template.Name)
	if owner == "" {
		owner = pluginID
	} else if owner != pluginID {
		return kernelerr.Validation(
			fmt.Sprintf("template %q claims namespace %q but is registered by plugin %q",
				template.Name, owner, pluginID), nil)
	}
	name := models.TemplateName(owner, local)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return kernelerr.Conflict("template registry is sealed", nil)
	}

	if existing, ok := r.templates[name]; ok {
		if !reflect.DeepEqual(existing.Schema, template.Schema) {
			return kernelerr.Conflict(
				fmt.Sprintf("template %q already registered with a different schema", name), nil)
		}
		return nil
	}

	stored := *template
	stored.Name = name
	stored.PluginID = pluginID
	r.templates[name] = &stored

	r.logger.Debug().
		Str("template", name).
		Str("plugin", pluginID).
		Msg("Template registered")

	return nil
}

func (r *TemplateRegistry) Get(name string) (*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	template, ok := r.templates[name]
	if !ok {
		return nil, kernelerr.NotFound(fmt.Sprintf("template not registered: %s", name), nil)
	}
	return template, nil
}

func (r *TemplateRegistry) List() []*models.Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)

	templates := make([]*models.Template, 0, len(names))
	for _, name := range names {
		templates = append(templates, r.templates[name])
	}
	return templates
}

// ReleasePlugin removes every template the plugin registered.
func (r *TemplateRegistry) ReleasePlugin(pluginID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, template := range r.templates {
		if template.PluginID == pluginID {
			delete(r.templates, name)
			r.logger.Debug().
				Str("template", name).
				Str("plugin", pluginID).
				Msg("Template released")
		}
	}
	return nil
}

// Seal freezes the registry after the plugin register phase.
func (r *TemplateRegistry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	r.logger.Info().Int("templates", len(r.templates)).Msg("Template registry sealed")
}
