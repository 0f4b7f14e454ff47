// Package events provides the invalidation bus that keeps per-process caches
// coherent across edge nodes. Blacklist writes and campaign edits publish an
// event; every node drops the matching local cache line on receipt.
//
// Three backends share one interface: LocalBus for single-node deployments
// and tests, RedisBus on Redis Pub/Sub (the default alongside the shared
// cache store), and PubSubBus on Google Cloud Pub/Sub for fleets that span
// Redis boundaries.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies invalidation events.
type Type string

const (
	TypeBlacklistInvalidate Type = "blacklist.invalidate"
	TypeCampaignInvalidate  Type = "campaign.invalidate"
)

// Event is a cache-invalidation notice. Payload carries the identifying
// fields: "ip" for blacklist lines, "slug" and "campaign_id" for campaigns.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Payload   map[string]string `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler processes events of a subscribed type. Handlers run on their own
// goroutine and must tolerate duplicate delivery.
type Handler func(ctx context.Context, event *Event)

// Bus publishes and subscribes invalidation events.
type Bus interface {
	// Publish sends an event to all subscribers of its type, on this node
	// and (for networked backends) on every peer.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType Type, handler Handler) (unsubscribe func())

	// Close shuts down the bus.
	Close() error
}

// ============================================================================
// LOCAL BUS (in-process, single-node deployments and tests)
// ============================================================================

// LocalBus is an in-memory implementation. Peers never hear its events, so it
// is only correct when one process owns all caches.
type LocalBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Type][]subscriberEntry
	closed bool
}

type subscriberEntry struct {
	id      int
	handler Handler
}

// NewLocalBus creates an in-memory bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs: make(map[Type][]subscriberEntry),
	}
}

// Publish fans the event out to matching subscribers asynchronously.
func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	stamp(event)
	for _, entry := range b.subs[event.Type] {
		h := entry.handler
		go h(ctx, event)
	}
	return nil
}

// Subscribe registers a handler for a specific event type.
func (b *LocalBus) Subscribe(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscriberEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts down the bus.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}

// stamp assigns an ID and timestamp when the publisher left them empty.
func stamp(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
}
