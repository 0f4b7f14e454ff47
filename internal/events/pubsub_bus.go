package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// PubSubBus distributes invalidation events over Google Cloud Pub/Sub. Meant
// for fleets whose nodes do not share a Redis deployment (multi-region edges):
// every node publishes to one topic and drains its own subscription.
//
// Edge nodes usually run outside GCP, so credentials come from a key file
// rather than ambient ADC.
type PubSubBus struct {
	mu        sync.RWMutex
	nextID    int
	localSubs map[Type][]subscriberEntry
	closed    bool

	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	logger zerolog.Logger
}

// NewPubSubBus connects to the topic, creating it and this node's
// subscription when absent. Each node gets its own subscription so every node
// sees every event (fan-out, not work-sharing).
func NewPubSubBus(projectID, topicID, credentialsFile string, logger zerolog.Logger) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		logger.Info().Str("topic", topicID).Msg("created Pub/Sub topic")
	}

	subID := fmt.Sprintf("%s-node-%s", topicID, uuid.New().String()[:8])
	sub, err := client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
		Topic:            topic,
		AckDeadline:      10 * time.Second,
		ExpirationPolicy: 24 * time.Hour, // orphaned node subscriptions clean themselves up
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("CreateSubscription: %w", err)
	}

	recvCtx, recvCancel := context.WithCancel(context.Background())
	b := &PubSubBus{
		localSubs: make(map[Type][]subscriberEntry),
		client:    client,
		topic:     topic,
		sub:       sub,
		cancel:    recvCancel,
		logger:    logger,
	}

	go b.receive(recvCtx)

	logger.Info().
		Str("topic", topic.String()).
		Str("subscription", subID).
		Msg("Pub/Sub bus connected")
	return b, nil
}

// Publish sends an event to the topic. Delivery to every node (this one
// included) happens through the subscription drain.
func (b *PubSubBus) Publish(ctx context.Context, event *Event) error {
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

	result := b.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"type": string(event.Type),
			"id":   event.ID,
		},
	})

	// Check the result off the hot path; invalidation is best-effort.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			b.logger.Warn().Err(err).Str("event", event.ID).Msg("Pub/Sub publish failed")
		}
	}()

	return nil
}

// Subscribe registers a handler for a specific event type.
func (b *PubSubBus) Subscribe(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.localSubs[eventType] = append(b.localSubs[eventType], subscriberEntry{id: id, handler: handler})

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

// Close stops the receive loop, deletes this node's subscription, and closes
// the client.
func (b *PubSubBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.topic.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.sub.Delete(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("delete node subscription failed")
	}

	if err := b.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// receive drains this node's subscription and fans messages out locally.
func (b *PubSubBus) receive(ctx context.Context) {
	err := b.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		msg.Ack()

		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn().Err(err).Msg("bad Pub/Sub event payload")
			return
		}

		b.mu.RLock()
		handlers := b.localSubs[event.Type]
		b.mu.RUnlock()

		for _, entry := range handlers {
			h := entry.handler
			go h(ctx, &event)
		}
	})
	if err != nil && ctx.Err() == nil {
		b.logger.Error().Err(err).Msg("Pub/Sub receive loop terminated")
	}
}
