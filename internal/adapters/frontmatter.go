package adapters

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

const frontmatterDelimiter = "---"

// Reserved frontmatter keys managed by the kernel. User metadata under
// these names would be shadowed, so writes reject them upstream.
const (
	fmKeyID      = "id"
	fmKeyType    = "type"
	fmKeyCreated = "created"
	fmKeyUpdated = "updated"
)

// FrontmatterAdapter is the default EntityAdapter: YAML frontmatter for
// identity and metadata, Markdown body as the content. Any entity type
// without its own adapter uses this one.
type FrontmatterAdapter struct{}

// NewFrontmatterAdapter creates the default frontmatter adapter
func NewFrontmatterAdapter() interfaces.EntityAdapter {
	return &FrontmatterAdapter{}
}

// ToMarkdown serializes an entity to its canonical frontmatter form.
func (a *FrontmatterAdapter) ToMarkdown(entity *models.Entity) (string, error) {
	if entity == nil {
		return "", kernelerr.Validation("entity is required", nil)
	}

	fields := map[string]interface{}{
		fmKeyID:   entity.ID,
		fmKeyType: entity.EntityType,
	}
	if !entity.Created.IsZero() {
		fields[fmKeyCreated] = entity.Created.UTC().Format(time.RFC3339)
	}
	if !entity.Updated.IsZero() {
		fields[fmKeyUpdated] = entity.Updated.UTC().Format(time.RFC3339)
	}
	for k, v := range entity.Metadata {
		switch k {
		case fmKeyID, fmKeyType, fmKeyCreated, fmKeyUpdated:
			return "", kernelerr.Validation(fmt.Sprintf("metadata key %q is reserved", k), nil)
		}
		fields[k] = v
	}

	encoded, err := yaml.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode frontmatter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(frontmatterDelimiter)
	sb.WriteString("\n")
	sb.Write(encoded)
	sb.WriteString(frontmatterDelimiter)
	sb.WriteString("\n\n")
	sb.WriteString(entity.Content)
	return sb.String(), nil
}

// FromMarkdown parses the canonical frontmatter form back into an
// entity.
func (a *FrontmatterAdapter) FromMarkdown(serialized string) (*models.Entity, error) {
	front, body, err := splitFrontmatter(serialized)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if err := yaml.Unmarshal([]byte(front), &fields); err != nil {
		return nil, kernelerr.Validation("invalid frontmatter YAML", err)
	}

	entity := &models.Entity{
		Content:  body,
		Metadata: map[string]interface{}{},
	}

	for k, v := range fields {
		switch k {
		case fmKeyID:
			entity.ID, _ = v.(string)
		case fmKeyType:
			entity.EntityType, _ = v.(string)
		case fmKeyCreated:
			if s, ok := v.(string); ok {
				if ts, err := time.Parse(time.RFC3339, s); err == nil {
					entity.Created = ts
				}
			}
		case fmKeyUpdated:
			if s, ok := v.(string); ok {
				if ts, err := time.Parse(time.RFC3339, s); err == nil {
					entity.Updated = ts
				}
			}
		default:
			entity.Metadata[k] = v
		}
	}

	if err := entity.Validate(); err != nil {
		return nil, kernelerr.Validation("frontmatter missing identity fields", err)
	}
	entity.ContentHash = models.HashContent(entity.Content)
	return entity, nil
}

// ExtractMetadata returns nil; frontmatter metadata is already the
// entity's metadata.
func (a *FrontmatterAdapter) ExtractMetadata(entity *models.Entity) map[string]interface{} {
	return nil
}

// splitFrontmatter separates the YAML block from the Markdown body.
func splitFrontmatter(serialized string) (front, body string, err error) {
	trimmed := strings.TrimPrefix(serialized, "\uFEFF")
	if !strings.HasPrefix(trimmed, frontmatterDelimiter+"\n") {
		return "", "", kernelerr.Validation("document has no frontmatter block", nil)
	}
	rest := trimmed[len(frontmatterDelimiter)+1:]

	end := strings.Index(rest, "\n"+frontmatterDelimiter)
	if end < 0 {
		return "", "", kernelerr.Validation("unterminated frontmatter block", nil)
	}
	front = rest[:end+1]
	body = rest[end+1+len(frontmatterDelimiter):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")
	return front, body, nil
}
