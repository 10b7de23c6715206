package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/schema"
)

// Provider identifies a completion backend.
type Provider string

const (
	ProviderClaude  Provider = "claude"
	ProviderGemini  Provider = "gemini"
	ProviderOffline Provider = "offline"
)

// Gateway implements the AIGateway interface. Completions route to the
// configured provider; embeddings always go through the Gemini
// embedding model, except in offline mode where both are deterministic.
// Provider failures and non-validating output are retried a bounded
// number of times.
type Gateway struct {
	provider Provider
	config   *common.AIConfig
	kv       interfaces.KeyValueStorage
	retry    *RetryConfig
	logger   arbor.ILogger

	claude  *claudeClient
	gemini  *geminiClient
	offline *offlineProvider
}

// NewGateway creates the gateway for the configured default provider
func NewGateway(config *common.AIConfig, kv interfaces.KeyValueStorage, logger arbor.ILogger) (interfaces.AIGateway, error) {
	provider := Provider(config.DefaultProvider)
	switch provider {
	case ProviderClaude, ProviderGemini, ProviderOffline:
	case "":
		provider = ProviderOffline
	default:
		return nil, kernelerr.Validation(fmt.Sprintf("unknown AI provider %q", config.DefaultProvider), nil)
	}

	gateway := &Gateway{
		provider: provider,
		config:   config,
		kv:       kv,
		retry:    NewDefaultRetryConfig(),
		logger:   logger,
	}
	if config.MaxRetries > 0 {
		gateway.retry.MaxRetries = config.MaxRetries
	}
	gateway.claude = newClaudeClient(config, kv, logger)
	gateway.gemini = newGeminiClient(config, kv, logger)
	gateway.offline = newOfflineProvider()

	logger.Info().Str("provider", string(provider)).Msg("AI gateway initialized")
	return gateway, nil
}

// GenerateObject produces a schema-validated object. Output that fails
// validation counts as a failed attempt and is retried with backoff.
func (g *Gateway) GenerateObject(ctx context.Context, req *interfaces.ObjectRequest) (*interfaces.ObjectResponse, error) {
	if req == nil || req.UserPrompt == "" {
		return nil, kernelerr.Validation("object request requires a user prompt", nil)
	}

	if g.provider == ProviderOffline {
		return g.offline.generateObject(req)
	}

	var lastErr error
	for attempt := 0; attempt <= g.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.retry.CalculateBackoff(attempt-1, ExtractRetryDelay(lastErr))
			g.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("Retrying object generation")
			select {
			case <-ctx.Done():
				return nil, kernelerr.Timeout("object generation aborted", ctx.Err())
			case <-time.After(backoff):
			}
		}

		var response *interfaces.ObjectResponse
		var err error
		switch g.provider {
		case ProviderClaude:
			response, err = g.claude.generateObject(ctx, req)
		case ProviderGemini:
			response, err = g.gemini.generateObject(ctx, req)
		}
		if err != nil {
			lastErr = err
			continue
		}

		if err := schema.Validate(req.Schema, response.Object); err != nil {
			lastErr = err
			continue
		}
		return response, nil
	}

	return nil, kernelerr.Gateway(
		fmt.Sprintf("object generation failed after %d attempts", g.retry.MaxRetries+1), lastErr)
}

// GenerateEmbedding produces one embedding vector.
func (g *Gateway) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, kernelerr.Validation("embedding text cannot be empty", nil)
	}
	if g.provider == ProviderOffline {
		return g.offline.embed(text), nil
	}

	var lastErr error
	for attempt := 0; attempt <= g.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.retry.CalculateBackoff(attempt-1, ExtractRetryDelay(lastErr))
			select {
			case <-ctx.Done():
				return nil, kernelerr.Timeout("embedding aborted", ctx.Err())
			case <-time.After(backoff):
			}
		}
		embedding, err := g.gemini.embed(ctx, text)
		if err != nil {
			lastErr = err
			continue
		}
		return embedding, nil
	}
	return nil, kernelerr.Gateway(
		fmt.Sprintf("embedding failed after %d attempts", g.retry.MaxRetries+1), lastErr)
}

// GenerateEmbeddings embeds a slice of texts, preserving order.
func (g *Gateway) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := g.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding %d of %d failed: %w", i+1, len(texts), err)
		}
		embeddings[i] = embedding
	}
	return embeddings, nil
}

// HealthCheck verifies the provider is usable without spending tokens.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	switch g.provider {
	case ProviderOffline:
		return nil
	case ProviderClaude:
		_, err := g.claude.apiKey(ctx)
		return err
	case ProviderGemini:
		_, err := g.gemini.apiKey(ctx)
		return err
	}
	return nil
}

// Close releases provider clients
func (g *Gateway) Close() error {
	g.claude.close()
	g.gemini.close()
	return nil
}

// resolveAPIKey prefers the KV store over the config file so keys can
// rotate without a restart.
func resolveAPIKey(ctx context.Context, kv interfaces.KeyValueStorage, kvKey, configValue string) (string, error) {
	if kv != nil {
		if value, err := kv.Get(ctx, kvKey); err == nil && value != "" {
			return value, nil
		}
	}
	if configValue != "" {
		return configValue, nil
	}
	return "", kernelerr.Gateway(fmt.Sprintf("no API key configured under %q", kvKey), nil)
}

// parseObjectText decodes a provider's JSON response, tolerating the
// code fences models wrap their output in.
func parseObjectText(text string) (map[string]interface{}, error) {
	cleaned := stripCodeFences(text)
	var object map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &object); err != nil {
		return nil, kernelerr.Gateway("provider returned non-JSON output", err)
	}
	return object, nil
}

// stripCodeFences removes an outer ```json ... ``` wrapper.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
