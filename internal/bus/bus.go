package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/models"
)

// defaultSendTimeout bounds a Send whose caller context carries no
// deadline.
const defaultSendTimeout = 30 * time.Second

type subscription struct {
	id      uint64
	handler interfaces.BusHandler
	filter  string
}

// Bus implements the MessageBus interface: in-memory pub/sub with
// targeted routing. Handlers for one send run sequentially in
// subscription order; a panicking handler is caught and reported as a
// failed response without stopping the rest.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*subscription
	nextID        uint64
	closed        bool
	ident         common.Identifier
	logger        arbor.ILogger
}

// NewBus creates a new message bus
func NewBus(logger arbor.ILogger) *Bus {
	return &Bus{
		subscriptions: make(map[string][]*subscription),
		ident:         common.NewIdentifier(),
		logger:        logger,
	}
}

// Subscribe registers a handler and returns its unsubscribe function.
// Unsubscribe is idempotent.
func (b *Bus) Subscribe(msgType string, handler interfaces.BusHandler, opts *interfaces.SubscribeOptions) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler}
	if opts != nil {
		sub.filter = opts.TargetFilter
	}
	b.subscriptions[msgType] = append(b.subscriptions[msgType], sub)

	b.logger.Debug().
		Str("message_type", msgType).
		Int("subscriber_count", len(b.subscriptions[msgType])).
		Msg("Bus handler subscribed")

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscriptions[msgType]
		for i, s := range subs {
			if s.id == id {
				b.subscriptions[msgType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// matchesTarget applies the subscription's target filter. A trailing
// "*" is a prefix wildcard.
func matchesTarget(filter, target string) bool {
	if filter == "" {
		return true
	}
	if strings.HasSuffix(filter, "*") {
		return strings.HasPrefix(target, strings.TrimSuffix(filter, "*"))
	}
	return filter == target
}

// Send delivers a message and aggregates responses in subscription
// order.
func (b *Bus) Send(ctx context.Context, msg *models.Message) models.SendResult {
	if msg.ID == "" {
		msg.ID = common.NewMessageID(b.ident)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultSendTimeout)
		defer cancel()
	}

	subs := b.matchingSubscriptions(msg)
	if len(subs) == 0 {
		if msg.Broadcast {
			// Broadcasts with no audience succeed vacuously
			return models.SendResult{Success: true}
		}
		return models.SendResult{
			Success: false,
			Error:   fmt.Sprintf("no handler for message type %q target %q", msg.Type, msg.Target),
		}
	}

	result := models.SendResult{Success: true}
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			result.Success = false
			result.Error = fmt.Sprintf("send aborted: %v", err)
			break
		}

		response := b.invoke(ctx, sub, msg)
		if response.Noop {
			continue
		}
		result.Responses = append(result.Responses, response)
		if !response.Success {
			result.Success = false
		}
	}
	return result
}

// Publish is fire-and-forget broadcast
func (b *Bus) Publish(msgType string, payload interface{}, source string) {
	msg := &models.Message{
		ID:        common.NewMessageID(b.ident),
		Type:      msgType,
		Timestamp: time.Now(),
		Source:    source,
		Broadcast: true,
		Payload:   payload,
	}

	subs := b.matchingSubscriptions(msg)
	if len(subs) == 0 {
		b.logger.Trace().Str("message_type", msgType).Msg("No subscribers for broadcast")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
		defer cancel()
		for _, sub := range subs {
			b.invoke(ctx, sub, msg)
		}
	}()
}

// invoke runs one handler with panic recovery.
func (b *Bus) invoke(ctx context.Context, sub *subscription, msg *models.Message) (response models.Response) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("message_type", msg.Type).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Bus handler panicked")
			response = models.Response{Success: false, Error: fmt.Sprintf("handler panicked: %v", r)}
		}
	}()

	resp, err := sub.handler(ctx, msg)
	if err != nil {
		b.logger.Warn().
			Err(err).
			Str("message_type", msg.Type).
			Msg("Bus handler failed")
		return models.Response{Success: false, Error: err.Error()}
	}
	return resp
}

func (b *Bus) matchingSubscriptions(msg *models.Message) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	all := b.subscriptions[msg.Type]
	matched := make([]*subscription, 0, len(all))
	for _, sub := range all {
		if matchesTarget(sub.filter, msg.Target) {
			matched = append(matched, sub)
		}
	}
	return matched
}

// Close drops all subscriptions
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subscriptions = make(map[string][]*subscription)
	b.logger.Info().Msg("Message bus closed")
	return nil
}
