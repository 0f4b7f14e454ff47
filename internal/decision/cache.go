package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloakroute/edge/internal/metrics"
)

// KV is the shared key-value backend the cache writes through.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cache is the shared decision cache. A store failure is a miss, never an
// error the request path sees.
type Cache struct {
	kv      KV
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewCache wraps the key-value backend with the configured TTL.
func NewCache(kv KV, ttl time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Cache {
	return &Cache{kv: kv, ttl: ttl, metrics: m, logger: logger}
}

// Key builds the cache key. The campaign version is part of the key, so any
// campaign edit strands the entries for the previous configuration and they
// age out on TTL.
func Key(campaignID, version int64, fingerprintHash string) string {
	return fmt.Sprintf("decision:%d:%d:%s", campaignID, version, fingerprintHash)
}

// Get returns the cached decision for key, or nil on a miss.
func (c *Cache) Get(ctx context.Context, key string) *Decision {
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		c.metrics.RecordCache("decision", false)
		return nil
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("decision cache entry unreadable")
		c.metrics.RecordCache("decision", false)
		return nil
	}
	c.metrics.RecordCache("decision", true)
	return &d
}

// Put stores the decision. Write failures are logged and swallowed.
func (c *Cache) Put(ctx context.Context, key string, d *Decision) {
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	// The write lands at the tail of the request budget, which is usually
	// nearly spent. Give it a short deadline of its own.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.kv.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("decision cache write failed")
	}
}
