package interfaces

import (
	"context"
)

// ObjectRequest asks the gateway for schema-constrained structured
// output.
type ObjectRequest struct {
	SystemPrompt string
	UserPrompt   string
	Schema       map[string]interface{} // JSON Schema for the object
	Model        string                 // empty uses the provider default
	Temperature  float32
	MaxTokens    int
}

// ObjectResponse carries the parsed object and usage accounting.
type ObjectResponse struct {
	Object map[string]interface{}
	Usage  Usage
}

// Usage is token accounting for one gateway call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// AIGateway abstracts the completion and embedding models. Failures
// (rate limit, network, non-validating output) are retried a small
// bounded number of times before surfacing as gateway errors.
type AIGateway interface {
	GenerateObject(ctx context.Context, req *ObjectRequest) (*ObjectResponse, error)
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
