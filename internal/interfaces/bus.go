package interfaces

import (
	"context"

	"github.com/ternarybob/cerebrum/internal/models"
)

// BusHandler handles one delivered message and returns its response.
// Handlers for the same message run sequentially in subscription order.
type BusHandler func(ctx context.Context, msg *models.Message) (models.Response, error)

// SubscribeOptions narrow which messages a subscription receives.
type SubscribeOptions struct {
	// TargetFilter matches against the message Target. A trailing "*"
	// is a prefix wildcard, e.g. "cli:*". Empty matches everything.
	TargetFilter string
}

// MessageBus is the in-process pub/sub bus with targeted routing and a
// request/response pattern. Delivery is best-effort and in-memory; the
// job queue is for durable work.
type MessageBus interface {
	// Subscribe registers a handler for a message type and returns its
	// unsubscribe function.
	Subscribe(msgType string, handler BusHandler, opts *SubscribeOptions) func()

	// Send delivers a message and aggregates handler responses in
	// subscription order. A targeted send with no matching subscriber
	// fails with "no handler". Handler errors are caught and reported;
	// remaining handlers still run.
	Send(ctx context.Context, msg *models.Message) models.SendResult

	// Publish is fire-and-forget broadcast; no responses collected.
	Publish(msgType string, payload interface{}, source string)

	// Close drops all subscriptions.
	Close() error
}
