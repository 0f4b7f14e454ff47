package campaign

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/cloakroute/edge/internal/events"
	"github.com/cloakroute/edge/internal/metrics"
)

// Getter is the store slice the resolver needs.
type Getter interface {
	GetBySlug(ctx context.Context, slug string) (*Campaign, error)
}

// Resolver maps slugs to campaigns through a short read-through cache.
// Campaign edits are announced on the events bus and drop the cache line
// before the TTL runs out.
type Resolver struct {
	store   Getter
	cache   *gocache.Cache
	metrics *metrics.Metrics
	logger  zerolog.Logger

	unsubscribe func()
}

func NewResolver(store Getter, bus events.Bus, m *metrics.Metrics, logger zerolog.Logger, ttl time.Duration) *Resolver {
	r := &Resolver{
		store:   store,
		cache:   gocache.New(ttl, 2*ttl),
		metrics: m,
		logger:  logger.With().Str("component", "campaign_resolver").Logger(),
	}
	if bus != nil {
		r.unsubscribe = bus.Subscribe(events.TypeCampaignInvalidate, r.onInvalidate)
	}
	return r
}

// Resolve returns the campaign for slug or ErrNotFound. Store errors are
// retried once; a second failure resolves to ErrNotFound so the caller
// falls back to the safe page rather than erroring the visitor.
func (r *Resolver) Resolve(ctx context.Context, slug string) (*Campaign, error) {
	if cached, ok := r.cache.Get(slug); ok {
		r.metrics.RecordCache("campaign", true)
		if c, _ := cached.(*Campaign); c != nil {
			return c, nil
		}
		return nil, ErrNotFound
	}
	r.metrics.RecordCache("campaign", false)

	c, err := r.store.GetBySlug(ctx, slug)
	if err != nil {
		r.logger.Warn().Err(err).Str("slug", slug).Msg("campaign lookup failed, retrying")
		c, err = r.store.GetBySlug(ctx, slug)
	}
	if err != nil {
		r.logger.Error().Err(err).Str("slug", slug).Msg("campaign lookup failed twice")
		return nil, ErrNotFound
	}

	// Negative lines are cached too so unknown slugs cannot hammer the
	// store.
	r.cache.Set(slug, c, gocache.DefaultExpiration)
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

func (r *Resolver) onInvalidate(_ context.Context, event *events.Event) {
	slug := event.Payload["slug"]
	if slug == "" {
		r.cache.Flush()
		return
	}
	r.cache.Delete(slug)
	r.logger.Debug().Str("slug", slug).Msg("campaign cache line invalidated")
}

// Close detaches the bus subscription.
func (r *Resolver) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}
