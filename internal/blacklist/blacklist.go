// Package blacklist answers "is this IP currently forbidden". It keeps a
// two-tier index: a local hot set refreshed on a schedule from the store,
// and a shared lookaside cache for misses. Writes fan out an invalidation
// event so peer nodes drop their line within one round-trip.
package blacklist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloakroute/edge/internal/circuitbreaker"
	"github.com/cloakroute/edge/internal/events"
	"github.com/cloakroute/edge/internal/metrics"
)

const cacheKeyPrefix = "bl:ip:"

// Entry is one blacklisted address. ExpiresAt nil means permanent.
type Entry struct {
	ID              int64      `json:"id"`
	IP              string     `json:"ip"`
	Reason          string     `json:"reason"`
	DetectionKind   string     `json:"detectionKind"` // bot, suspicious or manual
	Confidence      float64    `json:"confidence"`
	FirstDetectedAt time.Time  `json:"firstDetectedAt"`
	LastDetectedAt  time.Time  `json:"lastDetectedAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

// Effective reports whether the entry is in force at now. Expiry is
// evaluated at read time; expired entries are invisible.
func (e *Entry) Effective(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// Store is the persistent source of truth.
type Store interface {
	// LoadActive returns every entry still in force.
	LoadActive(ctx context.Context) ([]Entry, error)

	// Lookup returns the entry for ip, or nil when absent.
	Lookup(ctx context.Context, ip string) (*Entry, error)

	// Upsert inserts or refreshes the entry for entry.IP.
	Upsert(ctx context.Context, entry *Entry) error

	// Remove deletes the entry for ip.
	Remove(ctx context.Context, ip string) error
}

// Cache is the shared lookaside backend for store misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// lookasideEntry caches a store lookup, found or not, so misses do not hit
// the store on every request.
type lookasideEntry struct {
	Found bool   `json:"found"`
	Entry *Entry `json:"entry,omitempty"`
}

// Checker is the request-path blacklist index.
type Checker struct {
	store        Store
	cache        Cache
	bus          events.Bus
	breaker      *circuitbreaker.CircuitBreaker
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	refreshEvery time.Duration
	lookasideTTL time.Duration

	// nodeID filters out this node's own invalidation events; the local
	// line was already updated in place by Add or Remove.
	nodeID string

	mu    sync.RWMutex
	local map[string]Entry

	unsubscribe func()
}

// NewChecker wires the checker and subscribes to invalidation events.
// Call Run to start the refresh loop and Close on shutdown.
func NewChecker(
	store Store,
	cache Cache,
	bus events.Bus,
	breaker *circuitbreaker.CircuitBreaker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	refreshEvery, lookasideTTL time.Duration,
) *Checker {
	c := &Checker{
		store:        store,
		cache:        cache,
		bus:          bus,
		breaker:      breaker,
		metrics:      m,
		logger:       logger,
		refreshEvery: refreshEvery,
		lookasideTTL: lookasideTTL,
		nodeID:       uuid.New().String()[:8],
		local:        make(map[string]Entry),
	}
	c.unsubscribe = bus.Subscribe(events.TypeBlacklistInvalidate, c.onInvalidate)
	return c
}

// IsBlocked reports whether ip is currently forbidden, with the reason.
// Known-bad addresses stay blocked even when the store is unreachable;
// unknown addresses fail open.
func (c *Checker) IsBlocked(ctx context.Context, ip string) (bool, string) {
	now := time.Now()

	c.mu.RLock()
	entry, inLocal := c.local[ip]
	c.mu.RUnlock()
	if inLocal && entry.Effective(now) {
		c.metrics.BlacklistHits.Inc()
		return true, entry.Reason
	}

	if raw, err := c.cache.Get(ctx, cacheKeyPrefix+ip); err == nil {
		var line lookasideEntry
		if jsonErr := json.Unmarshal(raw, &line); jsonErr == nil {
			c.metrics.RecordCache("blacklist", true)
			if line.Found && line.Entry != nil && line.Entry.Effective(now) {
				c.metrics.BlacklistHits.Inc()
				return true, line.Entry.Reason
			}
			return false, ""
		}
	}
	c.metrics.RecordCache("blacklist", false)

	found, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return c.store.Lookup(ctx, ip)
	})
	if err != nil {
		// Fail open for unknown addresses: the local deny set already
		// answered for known-bad ones.
		c.logger.Warn().Err(err).Str("ip", ip).Msg("blacklist store lookup failed")
		return false, ""
	}

	stored, _ := found.(*Entry)
	c.cacheLookaside(ctx, ip, stored)
	if stored != nil && stored.Effective(now) {
		c.metrics.BlacklistHits.Inc()
		return true, stored.Reason
	}
	return false, ""
}

func (c *Checker) cacheLookaside(ctx context.Context, ip string, entry *Entry) {
	line := lookasideEntry{Found: entry != nil, Entry: entry}
	raw, err := json.Marshal(line)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cacheKeyPrefix+ip, raw, c.lookasideTTL); err != nil {
		c.logger.Debug().Err(err).Str("ip", ip).Msg("blacklist lookaside write failed")
	}
}

// Add upserts an entry, applies it locally right away and broadcasts the
// invalidation.
func (c *Checker) Add(ctx context.Context, entry *Entry) error {
	now := time.Now()
	if entry.FirstDetectedAt.IsZero() {
		entry.FirstDetectedAt = now
	}
	entry.LastDetectedAt = now

	if err := c.store.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("blacklist add %s: %w", entry.IP, err)
	}

	c.mu.Lock()
	c.local[entry.IP] = *entry
	c.mu.Unlock()

	c.invalidate(ctx, entry.IP)
	return nil
}

// Remove deletes the entry for ip everywhere.
func (c *Checker) Remove(ctx context.Context, ip string) error {
	if err := c.store.Remove(ctx, ip); err != nil {
		return fmt.Errorf("blacklist remove %s: %w", ip, err)
	}

	c.mu.Lock()
	delete(c.local, ip)
	c.mu.Unlock()

	c.invalidate(ctx, ip)
	return nil
}

// invalidate drops the shared lookaside line and tells peers to drop theirs.
func (c *Checker) invalidate(ctx context.Context, ip string) {
	if err := c.cache.Del(ctx, cacheKeyPrefix+ip); err != nil {
		c.logger.Debug().Err(err).Str("ip", ip).Msg("blacklist lookaside delete failed")
	}
	err := c.bus.Publish(ctx, &events.Event{
		Type:    events.TypeBlacklistInvalidate,
		Payload: map[string]string{"ip": ip, "origin": c.nodeID},
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("ip", ip).Msg("blacklist invalidation publish failed")
	}
}

func (c *Checker) onInvalidate(_ context.Context, event *events.Event) {
	if event.Payload["origin"] == c.nodeID {
		return
	}
	ip := event.Payload["ip"]
	if ip == "" {
		return
	}
	c.mu.Lock()
	delete(c.local, ip)
	c.mu.Unlock()
}

// Refresh reloads the local hot set from the store. The map is rebuilt
// aside and swapped in one step so readers never see a partial set.
func (c *Checker) Refresh(ctx context.Context) error {
	loaded, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return c.store.LoadActive(ctx)
	})
	if err != nil {
		return fmt.Errorf("blacklist refresh: %w", err)
	}

	entries := loaded.([]Entry)
	fresh := make(map[string]Entry, len(entries))
	for _, e := range entries {
		fresh[e.IP] = e
	}

	c.mu.Lock()
	c.local = fresh
	c.mu.Unlock()

	c.logger.Debug().Int("entries", len(fresh)).Msg("blacklist hot set refreshed")
	return nil
}

// Run refreshes the hot set until ctx is done. The store being down is not
// fatal; the previous set stays in force.
func (c *Checker) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("initial blacklist refresh failed")
	}

	ticker := time.NewTicker(c.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("blacklist refresh failed")
			}
		}
	}
}

// LocalSize reports the current hot-set size.
func (c *Checker) LocalSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.local)
}

// Close detaches from the event bus.
func (c *Checker) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}
