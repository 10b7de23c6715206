package ai

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ternarybob/cerebrum/internal/interfaces"
)

const offlineEmbeddingDimension = 16

// offlineProvider serves deterministic responses with no network. It
// backs tests and air-gapped development: objects are synthesized from
// the request schema and embeddings are a pure function of the text, so
// identical inputs always produce identical outputs.
type offlineProvider struct{}

func newOfflineProvider() *offlineProvider {
	return &offlineProvider{}
}

func (p *offlineProvider) generateObject(req *interfaces.ObjectRequest) (*interfaces.ObjectResponse, error) {
	seed := fmt.Sprintf("%x", sha256.Sum256([]byte(req.SystemPrompt+"\n"+req.UserPrompt)))[:8]

	object, ok := p.synthesize(req.Schema, seed).(map[string]interface{})
	if !ok {
		object = map[string]interface{}{"text": "offline-" + seed}
	}
	return &interfaces.ObjectResponse{Object: object}, nil
}

// synthesize builds a minimal schema-conforming value.
func (p *offlineProvider) synthesize(schemaDoc map[string]interface{}, seed string) interface{} {
	typeStr, _ := schemaDoc["type"].(string)

	switch typeStr {
	case "object", "":
		result := map[string]interface{}{}
		properties, _ := schemaDoc["properties"].(map[string]interface{})
		for _, name := range requiredFields(schemaDoc) {
			propSchema, _ := properties[name].(map[string]interface{})
			if propSchema == nil {
				propSchema = map[string]interface{}{"type": "string"}
			}
			result[name] = p.synthesize(propSchema, seed)
		}
		return result
	case "array":
		items, _ := schemaDoc["items"].(map[string]interface{})
		if items == nil {
			items = map[string]interface{}{"type": "string"}
		}
		return []interface{}{p.synthesize(items, seed)}
	case "string":
		if enum, ok := schemaDoc["enum"].([]interface{}); ok && len(enum) > 0 {
			if s, ok := enum[0].(string); ok {
				return s
			}
		}
		return "offline-" + seed
	case "number", "integer":
		if min, ok := schemaDoc["minimum"].(float64); ok {
			return min
		}
		return float64(1)
	case "boolean":
		return true
	}
	return "offline-" + seed
}

func requiredFields(schemaDoc map[string]interface{}) []string {
	var fields []string
	if required, ok := schemaDoc["required"].([]interface{}); ok {
		for _, f := range required {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
	} else if required, ok := schemaDoc["required"].([]string); ok {
		fields = required
	}
	return fields
}

// embed maps text to a unit vector derived from its hash. Equal texts
// embed identically; distinct texts are effectively orthogonal.
func (p *offlineProvider) embed(text string) []float32 {
	sum := sha256.Sum256([]byte(text))

	vector := make([]float32, offlineEmbeddingDimension)
	var norm float64
	for i := 0; i < offlineEmbeddingDimension; i++ {
		bits := binary.BigEndian.Uint16(sum[i*2 : i*2+2])
		v := float64(bits)/math.MaxUint16 - 0.5
		vector[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vector {
			vector[i] = float32(float64(vector[i]) / norm)
		}
	}
	return vector
}
