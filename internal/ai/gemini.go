package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
)

const defaultEmbeddingDimension = 768

// geminiClient wraps the genai SDK. Gemini enforces structured output
// natively via a response schema, and also serves the embedding model.
type geminiClient struct {
	config *common.AIConfig
	kv     interfaces.KeyValueStorage
	logger arbor.ILogger

	mu     sync.Mutex
	client *genai.Client
}

func newGeminiClient(config *common.AIConfig, kv interfaces.KeyValueStorage, logger arbor.ILogger) *geminiClient {
	return &geminiClient{config: config, kv: kv, logger: logger}
}

func (c *geminiClient) apiKey(ctx context.Context) (string, error) {
	return resolveAPIKey(ctx, c.kv, "gemini_api_key", c.config.GeminiAPIKey)
}

func (c *geminiClient) get(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	apiKey, err := c.apiKey(ctx)
	if err != nil {
		return nil, err
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	c.client = client
	return client, nil
}

func (c *geminiClient) generateObject(ctx context.Context, req *interfaces.ObjectRequest) (*interfaces.ObjectResponse, error) {
	client, err := c.get(ctx)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = c.config.GeminiModel
	}

	temp := req.Temperature
	if temp <= 0 {
		temp = c.config.Temperature
	}
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temp),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	} else if c.config.MaxTokens > 0 {
		config.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	if len(req.Schema) > 0 {
		genaiSchema, err := convertToGenaiSchema(req.Schema)
		if err != nil {
			return nil, err
		}
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = genaiSchema
	}

	contents := []*genai.Content{genai.NewContentFromText(req.UserPrompt, genai.RoleUser)}
	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("Gemini API call failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini API")
	}
	responseText := resp.Text()
	if responseText == "" {
		return nil, fmt.Errorf("empty text in Gemini response")
	}

	object, err := parseObjectText(responseText)
	if err != nil {
		return nil, err
	}

	usage := interfaces.Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return &interfaces.ObjectResponse{Object: object, Usage: usage}, nil
}

func (c *geminiClient) embed(ctx context.Context, text string) ([]float32, error) {
	client, err := c.get(ctx)
	if err != nil {
		return nil, err
	}

	model := c.config.EmbeddingModel
	if model == "" {
		model = "gemini-embedding-001"
	}
	outputDim := int32(defaultEmbeddingDimension)
	embeddingConfig := &genai.EmbedContentConfig{
		OutputDimensionality: &outputDim,
	}

	result, err := client.Models.EmbedContent(ctx, model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, embeddingConfig)
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	if result == nil || len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return result.Embeddings[0].Values, nil
}

func (c *geminiClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = nil
}

// convertToGenaiSchema converts a decoded JSON Schema document into the
// genai schema structure used for enforced structured output.
func convertToGenaiSchema(schemaMap map[string]interface{}) (*genai.Schema, error) {
	if len(schemaMap) == 0 {
		return nil, nil
	}

	converted := &genai.Schema{}

	if typeStr, ok := schemaMap["type"].(string); ok {
		switch strings.ToLower(typeStr) {
		case "object":
			converted.Type = genai.TypeObject
		case "array":
			converted.Type = genai.TypeArray
		case "string":
			converted.Type = genai.TypeString
		case "number":
			converted.Type = genai.TypeNumber
		case "integer":
			converted.Type = genai.TypeInteger
		case "boolean":
			converted.Type = genai.TypeBoolean
		}
	}

	if desc, ok := schemaMap["description"].(string); ok {
		converted.Description = desc
	}

	if enumVals, ok := schemaMap["enum"].([]interface{}); ok {
		for _, v := range enumVals {
			if s, ok := v.(string); ok {
				converted.Enum = append(converted.Enum, s)
			}
		}
	} else if enumVals, ok := schemaMap["enum"].([]string); ok {
		converted.Enum = enumVals
	}

	if reqVals, ok := schemaMap["required"].([]interface{}); ok {
		for _, v := range reqVals {
			if s, ok := v.(string); ok {
				converted.Required = append(converted.Required, s)
			}
		}
	} else if reqVals, ok := schemaMap["required"].([]string); ok {
		converted.Required = reqVals
	}

	if itemsMap, ok := schemaMap["items"].(map[string]interface{}); ok {
		itemSchema, err := convertToGenaiSchema(itemsMap)
		if err != nil {
			return nil, fmt.Errorf("failed to convert items schema: %w", err)
		}
		converted.Items = itemSchema
	}

	if propsMap, ok := schemaMap["properties"].(map[string]interface{}); ok {
		converted.Properties = make(map[string]*genai.Schema)
		for propName, propVal := range propsMap {
			if propMap, ok := propVal.(map[string]interface{}); ok {
				propSchema, err := convertToGenaiSchema(propMap)
				if err != nil {
					return nil, fmt.Errorf("failed to convert property %q: %w", propName, err)
				}
				converted.Properties[propName] = propSchema
			}
		}
	}

	return converted, nil
}
