package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

type nopAdapter struct{}

func (nopAdapter) ToMarkdown(entity *models.Entity) (string, error) { return entity.Content, nil }
func (nopAdapter) FromMarkdown(serialized string) (*models.Entity, error) {
	return &models.Entity{Content: serialized}, nil
}
func (nopAdapter) ExtractMetadata(entity *models.Entity) map[string]interface{} { return nil }

func noteType(schema map[string]interface{}) interfaces.RegisteredEntityType {
	return interfaces.RegisteredEntityType{Name: "note", Schema: schema, Adapter: nopAdapter{}}
}

func TestEntityTypeRegistration(t *testing.T) {
	r := NewEntityTypeRegistry(arbor.NewLogger())

	schema := map[string]interface{}{"type": "object"}
	require.NoError(t, r.Register("notes-plugin", noteType(schema)))

	got, err := r.Get("note")
	require.NoError(t, err)
	assert.Equal(t, "note", got.Name)

	assert.Equal(t, []string{"note"}, r.List())

	_, err = r.Get("missing")
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindNotFound))
}

func TestEntityTypeSchemaChangeRejected(t *testing.T) {
	r := NewEntityTypeRegistry(arbor.NewLogger())

	schema := map[string]interface{}{"type": "object"}
	require.NoError(t, r.Register("notes-plugin", noteType(schema)))

	// Identical schema is a no-op
	require.NoError(t, r.Register("notes-plugin", noteType(map[string]interface{}{"type": "object"})))

	// Different schema is a conflict
	changed := map[string]interface{}{"type": "object", "required": []interface{}{"title"}}
	err := r.Register("other-plugin", noteType(changed))
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindConflict))
}

func TestEntityRegistrySealAndRelease(t *testing.T) {
	r := NewEntityTypeRegistry(arbor.NewLogger())

	require.NoError(t, r.Register("p1", noteType(nil)))
	require.NoError(t, r.Register("p2", interfaces.RegisteredEntityType{Name: "task", Adapter: nopAdapter{}}))

	r.ReleasePlugin("p1")
	assert.Equal(t, []string{"task"}, r.List())

	r.Seal()
	err := r.Register("p3", noteType(nil))
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindConflict))
}

func TestTemplateNamespacing(t *testing.T) {
	r := NewTemplateRegistry(arbor.NewLogger())

	schema := map[string]interface{}{"type": "object"}
	require.NoError(t, r.Register("recipes", &models.Template{Name: "card", Schema: schema}))

	// Stored under the plugin namespace
	got, err := r.Get("recipes:card")
	require.NoError(t, err)
	assert.Equal(t, "recipes:card", got.Name)
	assert.Equal(t, "recipes", got.PluginID)

	// A foreign namespace is rejected
	err = r.Register("intruder", &models.Template{Name: "recipes:card", Schema: schema})
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindValidation))
}

func TestTemplateSchemaChangeRejected(t *testing.T) {
	r := NewTemplateRegistry(arbor.NewLogger())

	schema := map[string]interface{}{"type": "object"}
	require.NoError(t, r.Register("p", &models.Template{Name: "t", Schema: schema}))
	require.NoError(t, r.Register("p", &models.Template{Name: "t", Schema: map[string]interface{}{"type": "object"}}))

	err := r.Register("p", &models.Template{Name: "t", Schema: map[string]interface{}{"type": "string"}})
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindConflict))
}

func TestTemplateReleasePlugin(t *testing.T) {
	r := NewTemplateRegistry(arbor.NewLogger())

	schema := map[string]interface{}{"type": "object"}
	require.NoError(t, r.Register("p1", &models.Template{Name: "a", Schema: schema}))
	require.NoError(t, r.Register("p2", &models.Template{Name: "b", Schema: schema}))

	require.NoError(t, r.ReleasePlugin("p1"))

	templates := r.List()
	require.Len(t, templates, 1)
	assert.Equal(t, "p2:b", templates[0].Name)
}
