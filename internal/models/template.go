package models

import (
	"fmt"
	"strings"
)

// FieldType classifies a structured-content field mapping.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// FieldMapping is one entry of an ordered structured-content layout.
// Object fields nest via Children; array fields format items with
// ItemFormat.
type FieldMapping struct {
	Key        string         `json:"key"`
	Label      string         `json:"label"`
	Type       FieldType      `json:"type"`
	Children   []FieldMapping `json:"children,omitempty"`
	ItemFormat string         `json:"item_format,omitempty"`
}

// TemplateCapabilities declare what a template can do.
type TemplateCapabilities struct {
	CanGenerate bool `json:"can_generate"`
	CanRender   bool `json:"can_render"`
}

// Template pairs a schema with a prompt for structured AI generation.
// Templates are namespaced by registering plugin: "pluginID:localName".
type Template struct {
	Name       string                 `json:"name"`
	Schema     map[string]interface{} `json:"schema"` // JSON Schema
	BasePrompt string                 `json:"base_prompt"`
	// Formatter maps generated objects to/from Markdown; optional.
	Formatter *StructuredFormat `json:"formatter,omitempty"`
	// Renderer is an opaque view handle owned by the registering plugin.
	Renderer     interface{}          `json:"-"`
	Capabilities TemplateCapabilities `json:"capabilities"`
	PluginID     string               `json:"plugin_id"`
}

// StructuredFormat describes a deterministic Markdown layout for a
// template's output: an H1 title followed by mapped sections.
type StructuredFormat struct {
	Title    string         `json:"title"`
	Mappings []FieldMapping `json:"mappings"`
}

// TemplateName builds the namespaced template name.
func TemplateName(pluginID, localName string) string {
	return fmt.Sprintf("%s:%s", pluginID, localName)
}

// SplitTemplateName splits a namespaced name into plugin and local
// parts. Names without a namespace return an empty plugin ID.
func SplitTemplateName(name string) (pluginID, localName string) {
	if i := strings.Index(name, ":"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// GenerationContext is the caller-supplied context for one generation.
// Conversation history is never read implicitly; callers pass it here.
type GenerationContext struct {
	Style    string        `json:"style,omitempty"`
	Examples []string      `json:"examples,omitempty"`
	History  []ChatMessage `json:"history,omitempty"`
	// Variables are interpolated into the base prompt as {name}.
	Variables map[string]string `json:"variables,omitempty"`
}

// ValidationStatus of a structured parse.
const (
	ValidationValid   = "valid"
	ValidationInvalid = "invalid"
)

// Entity metadata keys maintained by the structured adapter. Data holds
// the last-valid parsed object; status and errors describe the current
// content.
const (
	MetadataKeyData             = "data"
	MetadataKeyValidationStatus = "validation_status"
	MetadataKeyValidationErrors = "validation_errors"
)

// StructuredResult is the outcome of parsing structured Markdown. On an
// invalid parse Data is empty and the previous last-valid data is
// preserved by the caller in entity metadata.
type StructuredResult struct {
	Data             map[string]interface{} `json:"data"`
	ValidationStatus string                 `json:"validation_status"`
	ValidationErrors []string               `json:"validation_errors,omitempty"`
}
