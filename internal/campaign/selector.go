package campaign

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/cloakroute/edge/internal/events"
	"github.com/cloakroute/edge/internal/visitor"
)

// StreamLoader is the store slice the selector needs.
type StreamLoader interface {
	StreamsForCampaign(ctx context.Context, campaignID int64) ([]Stream, error)
}

// Selector picks the stream a visitor lands in: targeting rules first,
// then a weighted draw over what remains. The draw is seeded from the
// campaign, the visitor fingerprint, and the current minute, so a visitor
// re-rolling within a minute keeps landing in the same stream.
type Selector struct {
	store  StreamLoader
	cache  *gocache.Cache
	rules  *ruleEvaluator
	logger zerolog.Logger
	now    func() time.Time

	unsubscribe func()
}

func NewSelector(store StreamLoader, bus events.Bus, logger zerolog.Logger, ttl time.Duration) *Selector {
	s := &Selector{
		store:  store,
		cache:  gocache.New(ttl, 2*ttl),
		rules:  newRuleEvaluator(logger),
		logger: logger.With().Str("component", "stream_selector").Logger(),
		now:    time.Now,
	}
	if bus != nil {
		s.unsubscribe = bus.Subscribe(events.TypeCampaignInvalidate, s.onInvalidate)
	}
	return s
}

// Select returns nil when no stream is eligible or every eligible stream
// has zero weight; the composer then uses the campaign's base URLs.
func (s *Selector) Select(ctx context.Context, c *Campaign, d *visitor.Descriptor) (*Stream, error) {
	streams, err := s.load(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	var eligible []*Stream
	total := 0
	for i := range streams {
		stream := &streams[i]
		if !stream.Active || stream.Weight <= 0 {
			continue
		}
		if !s.rules.eligible(stream, d) {
			continue
		}
		eligible = append(eligible, stream)
		total += stream.Weight
	}
	if total == 0 {
		return nil, nil
	}

	// Streams arrive ordered by id, so the cumulative scan is stable for
	// a given draw.
	r := s.draw(c.ID, d.FingerprintHash, total)
	acc := 0
	for _, stream := range eligible {
		acc += stream.Weight
		if r < acc {
			return stream, nil
		}
	}
	return eligible[len(eligible)-1], nil
}

// draw maps (campaign, visitor, minute) onto [0, total).
func (s *Selector) draw(campaignID int64, fph string, total int) int {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%d", campaignID, fph, s.now().Unix()/60)
	return int(h.Sum64() % uint64(total))
}

func (s *Selector) load(ctx context.Context, campaignID int64) ([]Stream, error) {
	key := fmt.Sprintf("streams:%d", campaignID)
	if cached, ok := s.cache.Get(key); ok {
		return cached.([]Stream), nil
	}
	streams, err := s.store.StreamsForCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, streams, gocache.DefaultExpiration)
	return streams, nil
}

func (s *Selector) onInvalidate(_ context.Context, event *events.Event) {
	if cid := event.Payload["campaign_id"]; cid != "" {
		s.cache.Delete("streams:" + cid)
		return
	}
	s.cache.Flush()
}

// Close detaches the bus subscription.
func (s *Selector) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}
