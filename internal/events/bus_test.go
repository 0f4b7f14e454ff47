package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestLocalBusDeliversToSubscribers(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []*Event
	bus.Subscribe(TypeBlacklistInvalidate, func(_ context.Context, e *Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	err := bus.Publish(context.Background(), &Event{
		Type:    TypeBlacklistInvalidate,
		Payload: map[string]string{"ip": "203.0.113.9"},
	})
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "203.0.113.9", got[0].Payload["ip"])
	assert.NotEmpty(t, got[0].ID, "publish should stamp an event id")
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestLocalBusIgnoresOtherTypes(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	var count int32
	var mu sync.Mutex
	bus.Subscribe(TypeCampaignInvalidate, func(_ context.Context, _ *Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(context.Background(), &Event{Type: TypeBlacklistInvalidate})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestLocalBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	var mu sync.Mutex
	var count int
	unsub := bus.Subscribe(TypeBlacklistInvalidate, func(_ context.Context, _ *Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(context.Background(), &Event{Type: TypeBlacklistInvalidate})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	unsub()
	bus.Publish(context.Background(), &Event{Type: TypeBlacklistInvalidate})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

// fakePubSub loops published messages straight back to subscribers, standing
// in for a Redis server.
type fakePubSub struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
	failPub  bool
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: make(map[string][]func([]byte))}
}

func (f *fakePubSub) Publish(_ context.Context, channel string, message []byte) error {
	if f.failPub {
		return assert.AnError
	}
	f.mu.Lock()
	hs := append([]func([]byte){}, f.handlers[channel]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(message)
	}
	return nil
}

func (f *fakePubSub) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	f.handlers[channel] = append(f.handlers[channel], handler)
	f.mu.Unlock()
	return func() {}, nil
}

func TestRedisBusRoundTrip(t *testing.T) {
	fake := newFakePubSub()
	bus := NewRedisBus(fake, "", zerolog.Nop())
	defer bus.Close()

	var mu sync.Mutex
	var got *Event
	bus.Subscribe(TypeCampaignInvalidate, func(_ context.Context, e *Event) {
		mu.Lock()
		got = e
		mu.Unlock()
	})

	err := bus.Publish(context.Background(), &Event{
		Type:    TypeCampaignInvalidate,
		Payload: map[string]string{"slug": "promo-1"},
	})
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "promo-1", got.Payload["slug"])
}

func TestRedisBusFallsBackToLocalOnPublishError(t *testing.T) {
	fake := newFakePubSub()
	fake.failPub = true
	bus := NewRedisBus(fake, "", zerolog.Nop())
	defer bus.Close()

	var mu sync.Mutex
	var delivered bool
	bus.Subscribe(TypeBlacklistInvalidate, func(_ context.Context, _ *Event) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	})

	err := bus.Publish(context.Background(), &Event{Type: TypeBlacklistInvalidate})
	require.NoError(t, err, "publish errors degrade to local delivery, not failures")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered
	})
}
