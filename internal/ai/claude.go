package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
)

const defaultClaudeMaxTokens = 4096

// claudeClient wraps the Anthropic SDK. Claude has no native structured
// output mode, so the schema rides in the system prompt and the JSON
// answer is parsed and validated by the gateway.
type claudeClient struct {
	config *common.AIConfig
	kv     interfaces.KeyValueStorage
	logger arbor.ILogger

	mu     sync.Mutex
	client anthropic.Client
	key    string
}

func newClaudeClient(config *common.AIConfig, kv interfaces.KeyValueStorage, logger arbor.ILogger) *claudeClient {
	return &claudeClient{config: config, kv: kv, logger: logger}
}

func (c *claudeClient) apiKey(ctx context.Context) (string, error) {
	return resolveAPIKey(ctx, c.kv, "anthropic_api_key", c.config.ClaudeAPIKey)
}

func (c *claudeClient) get(ctx context.Context) (anthropic.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != "" {
		return c.client, nil
	}
	apiKey, err := c.apiKey(ctx)
	if err != nil {
		return anthropic.Client{}, err
	}
	c.client = anthropic.NewClient(option.WithAPIKey(apiKey))
	c.key = apiKey
	return c.client, nil
}

func (c *claudeClient) generateObject(ctx context.Context, req *interfaces.ObjectRequest) (*interfaces.ObjectResponse, error) {
	client, err := c.get(ctx)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = c.config.ClaudeModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultClaudeMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	}

	temp := req.Temperature
	if temp <= 0 {
		temp = c.config.Temperature
	}
	if temp > 0 {
		params.Temperature = anthropic.Float(float64(temp))
	}

	system := buildJSONSystemPrompt(req.SystemPrompt, req.Schema)
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("Claude API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("empty response from Claude API")
	}

	object, err := parseObjectText(text.String())
	if err != nil {
		return nil, err
	}

	return &interfaces.ObjectResponse{
		Object: object,
		Usage: interfaces.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

func (c *claudeClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = anthropic.Client{}
	c.key = ""
}

// buildJSONSystemPrompt appends the JSON-only contract and the schema
// to the caller's system prompt.
func buildJSONSystemPrompt(systemPrompt string, schemaDoc map[string]interface{}) string {
	var sb strings.Builder
	if systemPrompt != "" {
		sb.WriteString(systemPrompt)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Respond with a single JSON object and nothing else. No prose, no code fences.")
	if len(schemaDoc) > 0 {
		if encoded, err := json.Marshal(schemaDoc); err == nil {
			sb.WriteString("\nThe object must conform to this JSON Schema:\n")
			sb.Write(encoded)
		}
	}
	return sb.String()
}
