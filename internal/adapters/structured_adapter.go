package adapters

import (
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

// StructuredAdapter is an EntityAdapter over a StructuredCodec: the
// Markdown document is the canonical form and the parse outcome lands
// in entity metadata. A document that fails to parse is still stored;
// its metadata flips to invalid and the entity service carries the
// previous valid data forward.
type StructuredAdapter struct {
	codec *StructuredCodec
}

// NewStructuredAdapter builds the adapter for one structured format
func NewStructuredAdapter(format *models.StructuredFormat) (interfaces.EntityAdapter, error) {
	codec, err := NewStructuredCodec(format)
	if err != nil {
		return nil, err
	}
	return &StructuredAdapter{codec: codec}, nil
}

// ToMarkdown returns the content unchanged; the document carries no
// frontmatter identity of its own.
func (a *StructuredAdapter) ToMarkdown(entity *models.Entity) (string, error) {
	if entity == nil {
		return "", kernelerr.Validation("entity is required", nil)
	}
	return entity.Content, nil
}

// FromMarkdown never rejects a document. The parse outcome is recorded
// in the returned entity's metadata instead.
func (a *StructuredAdapter) FromMarkdown(serialized string) (*models.Entity, error) {
	entity := &models.Entity{Content: serialized}
	entity.Metadata = a.ExtractMetadata(entity)
	entity.ContentHash = models.HashContent(serialized)
	return entity, nil
}

// ExtractMetadata parses the content: valid documents yield their data
// object, invalid ones the per-field errors.
func (a *StructuredAdapter) ExtractMetadata(entity *models.Entity) map[string]interface{} {
	result := a.codec.Parse(entity.Content)
	if result.ValidationStatus == models.ValidationInvalid {
		return map[string]interface{}{
			models.MetadataKeyValidationStatus: models.ValidationInvalid,
			models.MetadataKeyValidationErrors: result.ValidationErrors,
		}
	}
	return map[string]interface{}{
		models.MetadataKeyData:             result.Data,
		models.MetadataKeyValidationStatus: models.ValidationValid,
	}
}
