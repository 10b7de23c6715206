package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/models"
)

func newTestBus() *Bus {
	return NewBus(arbor.NewLogger())
}

func TestSendDeliversInSubscriptionOrder(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.Subscribe("greet", func(ctx context.Context, msg *models.Message) (models.Response, error) {
			order = append(order, name)
			return models.Response{Success: true, Data: name}, nil
		}, nil)
	}

	result := b.Send(context.Background(), &models.Message{Type: "greet"})

	require.True(t, result.Success)
	require.Len(t, result.Responses, 3)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, "first", result.Responses[0].Data)
	assert.Equal(t, "third", result.Responses[2].Data)
}

func TestSendNoHandlerFails(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	result := b.Send(context.Background(), &models.Message{Type: "nobody-home", Target: "cli:1"})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no handler")
}

func TestBroadcastWithNoSubscribersSucceeds(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	result := b.Send(context.Background(), &models.Message{Type: "announce", Broadcast: true})

	assert.True(t, result.Success)
	assert.Empty(t, result.Responses)
}

func TestTargetFilterWildcard(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var delivered []string
	subscribe := func(name, filter string) {
		b.Subscribe("route", func(ctx context.Context, msg *models.Message) (models.Response, error) {
			delivered = append(delivered, name)
			return models.Response{Success: true}, nil
		}, &interfaces.SubscribeOptions{TargetFilter: filter})
	}
	subscribe("cli-any", "cli:*")
	subscribe("cli-7", "cli:7")
	subscribe("matrix", "matrix:*")

	result := b.Send(context.Background(), &models.Message{Type: "route", Target: "cli:7"})

	require.True(t, result.Success)
	assert.Equal(t, []string{"cli-any", "cli-7"}, delivered)
}

func TestHandlerErrorDoesNotStopOthers(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	b.Subscribe("work", func(ctx context.Context, msg *models.Message) (models.Response, error) {
		return models.Response{}, errors.New("first handler broke")
	}, nil)

	secondRan := false
	b.Subscribe("work", func(ctx context.Context, msg *models.Message) (models.Response, error) {
		secondRan = true
		return models.Response{Success: true}, nil
	}, nil)

	result := b.Send(context.Background(), &models.Message{Type: "work"})

	assert.False(t, result.Success)
	assert.True(t, secondRan)
	require.Len(t, result.Responses, 2)
	assert.Contains(t, result.Responses[0].Error, "first handler broke")
	assert.True(t, result.Responses[1].Success)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	b.Subscribe("work", func(ctx context.Context, msg *models.Message) (models.Response, error) {
		panic("handler exploded")
	}, nil)
	b.Subscribe("work", func(ctx context.Context, msg *models.Message) (models.Response, error) {
		return models.Response{Success: true}, nil
	}, nil)

	result := b.Send(context.Background(), &models.Message{Type: "work"})

	assert.False(t, result.Success)
	require.Len(t, result.Responses, 2)
	assert.Contains(t, result.Responses[0].Error, "panicked")
	assert.True(t, result.Responses[1].Success)
}

func TestNoopResponsesExcluded(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	b.Subscribe("poll", func(ctx context.Context, msg *models.Message) (models.Response, error) {
		return models.Response{Noop: true}, nil
	}, nil)
	b.Subscribe("poll", func(ctx context.Context, msg *models.Message) (models.Response, error) {
		return models.Response{Success: true, Data: "me"}, nil
	}, nil)

	result := b.Send(context.Background(), &models.Message{Type: "poll", Broadcast: true})

	require.True(t, result.Success)
	require.Len(t, result.Responses, 1)
	assert.Equal(t, "me", result.Responses[0].Data)
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	calls := 0
	unsubscribe := b.Subscribe("tick", func(ctx context.Context, msg *models.Message) (models.Response, error) {
		calls++
		return models.Response{Success: true}, nil
	}, nil)

	b.Send(context.Background(), &models.Message{Type: "tick", Broadcast: true})
	unsubscribe()
	unsubscribe() // idempotent
	b.Send(context.Background(), &models.Message{Type: "tick", Broadcast: true})

	assert.Equal(t, 1, calls)
}

func TestSendAssignsMessageIdentity(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var seen *models.Message
	b.Subscribe("identify", func(ctx context.Context, msg *models.Message) (models.Response, error) {
		seen = msg
		return models.Response{Success: true}, nil
	}, nil)

	b.Send(context.Background(), &models.Message{Type: "identify"})

	require.NotNil(t, seen)
	assert.NotEmpty(t, seen.ID)
	assert.False(t, seen.Timestamp.IsZero())
}
