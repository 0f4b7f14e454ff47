package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// PubSubClient is the minimal Redis Pub/Sub surface the bus needs. Separate
// from the key-value interfaces because pub/sub has a different usage pattern.
type PubSubClient interface {
	// Publish sends a message to a channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a callback for messages on a channel.
	// Returns an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus distributes invalidation events across edge nodes using Redis
// Pub/Sub. Locally published events also fan out in-process so co-located
// subscribers see them without a network round-trip.
type RedisBus struct {
	mu         sync.RWMutex
	pubsub     PubSubClient
	prefix     string // channel prefix, e.g. "cloak:events:"
	nextID     int
	localSubs  map[Type][]subscriberEntry
	unsubFuncs []func()
	closed     bool
	logger     zerolog.Logger
}

// NewRedisBus creates a Redis-backed invalidation bus.
func NewRedisBus(client PubSubClient, channelPrefix string, logger zerolog.Logger) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "cloak:events:"
	}
	return &RedisBus{
		pubsub:    client,
		prefix:    channelPrefix,
		localSubs: make(map[Type][]subscriberEntry),
		logger:    logger,
	}
}

// Publish sends an event to Redis Pub/Sub so every node receives it. A
// publish failure degrades to local-only delivery rather than dropping the
// invalidation on this node too.
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	b.mu.RUnlock()

	stamp(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	channel := b.prefix + string(event.Type)
	if err := b.pubsub.Publish(ctx, channel, data); err != nil {
		b.logger.Warn().Err(err).Str("type", string(event.Type)).
			Msg("publish failed, delivering locally only")
		b.deliverLocal(ctx, event)
		return nil
	}

	// Remote subscribers (including this node's own Redis subscription)
	// receive it via the channel; nothing more to do here.
	return nil
}

// Subscribe registers a handler for a specific event type. The handler
// receives events from every node, this one included.
func (b *RedisBus) Subscribe(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.localSubs[eventType] = append(b.localSubs[eventType], subscriberEntry{id: id, handler: handler})

	channel := b.prefix + string(eventType)
	unsub, err := b.pubsub.Subscribe(context.Background(), channel, func(data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			b.logger.Warn().Err(err).Str("channel", channel).Msg("bad event payload")
			return
		}
		b.deliverLocal(context.Background(), &event)
	})
	if err != nil {
		b.logger.Warn().Err(err).Str("type", string(eventType)).
			Msg("redis subscribe failed, local-only mode")
	} else {
		b.unsubFuncs = append(b.unsubFuncs, unsub)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.localSubs[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.localSubs[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts down the bus and all Redis subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true

	for _, unsub := range b.unsubFuncs {
		unsub()
	}
	b.unsubFuncs = nil
	b.localSubs = nil
	return nil
}

// deliverLocal fans an event out to in-process subscribers.
func (b *RedisBus) deliverLocal(ctx context.Context, event *Event) {
	b.mu.RLock()
	handlers := b.localSubs[event.Type]
	b.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.handler
		go h(ctx, event)
	}
}
