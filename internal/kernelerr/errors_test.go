package kernelerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatchingThroughWrapping(t *testing.T) {
	cause := errors.New("row missing")
	err := NotFound("entity note/abc not found", cause)

	wrapped := fmt.Errorf("lookup failed: %w", err)

	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.False(t, IsKind(wrapped, KindConflict))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, err))
	assert.ErrorIs(t, wrapped, cause)
}

func TestFromExtractsKernelError(t *testing.T) {
	err := Validation("bad payload", nil).With("field", "title")
	wrapped := fmt.Errorf("enqueue: %w", err)

	ke := From(wrapped)
	assert.NotNil(t, ke)
	assert.Equal(t, "title", ke.Context["field"])

	assert.Nil(t, From(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorStringIncludesKindContextCause(t *testing.T) {
	err := Conflict("entity already exists", errors.New("dup key")).
		With("entity_type", "note")

	s := err.Error()
	assert.Contains(t, s, "conflict: entity already exists")
	assert.Contains(t, s, "entity_type=note")
	assert.Contains(t, s, "dup key")
}

func TestIsMatchesByKind(t *testing.T) {
	assert.True(t, errors.Is(Timeout("daemon stop", nil), Timeout("", nil)))
	assert.False(t, errors.Is(Timeout("daemon stop", nil), Cancelled("")))
}
