// Package threatintel aggregates remote IP reputation sources into a single
// score per address. Providers are consulted in parallel under per-provider
// budgets and circuit breakers; results are cached so a hot IP costs one
// upstream round-trip per hour.
package threatintel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cloakroute/edge/internal/circuitbreaker"
	"github.com/cloakroute/edge/internal/config"
	"github.com/cloakroute/edge/internal/metrics"
)

// ErrInvalidIP reports an address that cannot be parsed. The caller gets a
// zero result alongside it.
var ErrInvalidIP = errors.New("invalid ip address")

const (
	cacheKeyPrefix = "ti:ip:"

	// threatThreshold is the aggregate score at or above which an address
	// counts as a threat.
	threatThreshold = 70.0

	// fallbackBlockScore is the synthetic score used when no provider
	// answered and the fallback policy is "block": suspicious, not proven.
	fallbackBlockScore = 50.0
)

// Result is the aggregated reputation for one IP.
type Result struct {
	IP         string   `json:"ip"`
	Score      float64  `json:"score"`
	IsThreat   bool     `json:"isThreat"`
	Categories []string `json:"categories,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Providers  []string `json:"providers,omitempty"`
	Fallback   bool     `json:"fallback,omitempty"`
	FromCache  bool     `json:"-"`
}

// Cache is the shared result cache backend.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Service fans out to the configured providers and aggregates their
// verdicts.
type Service struct {
	cfg       config.ThreatIntelConfig
	providers []Provider
	budgets   map[string]*Budget
	cache     Cache
	breakers  *circuitbreaker.Manager
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	group     singleflight.Group
}

// ProvidersFromConfig builds the enabled provider set.
func ProvidersFromConfig(cfg config.ThreatIntelConfig) []Provider {
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	var providers []Provider
	if cfg.Providers.VirusTotal.Enabled {
		providers = append(providers, NewVirusTotal(cfg.Providers.VirusTotal, client))
	}
	if cfg.Providers.AbuseIPDB.Enabled {
		providers = append(providers, NewAbuseIPDB(cfg.Providers.AbuseIPDB, client))
	}
	return providers
}

// NewService wires the aggregation service. budgetStore may equal cache;
// both are usually the same shared store.
func NewService(
	cfg config.ThreatIntelConfig,
	providers []Provider,
	cache Cache,
	budgetStore BudgetStore,
	breakers *circuitbreaker.Manager,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Service {
	budgets := make(map[string]*Budget, len(providers))
	for _, p := range providers {
		var dailyLimit, perMinute int
		switch p.Name() {
		case "virustotal":
			dailyLimit = cfg.Providers.VirusTotal.DailyLimit
			perMinute = cfg.Providers.VirusTotal.PerMinute
		case "abuseipdb":
			dailyLimit = cfg.Providers.AbuseIPDB.DailyLimit
			perMinute = cfg.Providers.AbuseIPDB.PerMinute
		}
		budgets[p.Name()] = NewBudget(budgetStore, p.Name(), dailyLimit, perMinute)
	}

	return &Service{
		cfg:       cfg,
		providers: providers,
		budgets:   budgets,
		cache:     cache,
		breakers:  breakers,
		metrics:   m,
		logger:    logger,
	}
}

// Enabled reports whether any provider is configured.
func (s *Service) Enabled() bool {
	return len(s.providers) > 0
}

// Check returns the aggregated reputation for ip. Private and reserved
// addresses short-circuit to a clean result. Provider failures never fail
// the check; with no provider data the configured fallback policy applies.
func (s *Service) Check(ctx context.Context, ip string) (*Result, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return &Result{IP: ip}, ErrInvalidIP
	}
	if isNonRoutable(addr) {
		return &Result{IP: ip, Reason: "private or reserved address"}, nil
	}

	if raw, err := s.cache.Get(ctx, cacheKeyPrefix+ip); err == nil {
		var cached Result
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			cached.FromCache = true
			s.metrics.RecordCache("threat", true)
			return &cached, nil
		}
	}
	s.metrics.RecordCache("threat", false)

	v, _, _ := s.group.Do(ip, func() (interface{}, error) {
		return s.lookup(ctx, ip), nil
	})
	return v.(*Result), nil
}

// lookup consults every eligible provider, aggregates and caches.
func (s *Service) lookup(ctx context.Context, ip string) *Result {
	verdicts := s.consult(ctx, ip)
	if len(verdicts) == 0 {
		return s.fallbackResult(ip)
	}

	result := aggregate(ip, verdicts)
	if raw, err := json.Marshal(result); err == nil {
		ttl := time.Duration(s.cfg.CacheTTLMinutes) * time.Minute
		if err := s.cache.Set(ctx, cacheKeyPrefix+ip, raw, ttl); err != nil {
			s.logger.Debug().Err(err).Str("ip", ip).Msg("threat cache write failed")
		}
	}
	return result
}

func (s *Service) consult(ctx context.Context, ip string) []*Verdict {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	collected := make([]*Verdict, len(s.providers))

	for i, p := range s.providers {
		breaker := s.breakers.Get("provider:" + p.Name())
		if err := breaker.Allow(); err != nil {
			s.metrics.ProviderSkipped.WithLabelValues(p.Name(), "breaker_open").Inc()
			continue
		}
		if err := s.budgets[p.Name()].Allow(ctx); err != nil {
			reason := "budget_exhausted"
			if errors.Is(err, ErrRateLimited) {
				reason = "rate_limited"
			}
			s.metrics.ProviderSkipped.WithLabelValues(p.Name(), reason).Inc()
			continue
		}

		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			v, err := breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
				return p.Check(ctx, ip)
			})
			if err != nil {
				s.metrics.RecordProvider(p.Name(), "error")
				s.logger.Debug().Err(err).Str("provider", p.Name()).Str("ip", ip).Msg("provider check failed")
				return
			}
			s.metrics.RecordProvider(p.Name(), "ok")
			collected[i] = v.(*Verdict)
		}(i, p)
	}
	wg.Wait()

	verdicts := collected[:0:0]
	for _, v := range collected {
		if v != nil {
			verdicts = append(verdicts, v)
		}
	}
	return verdicts
}

func (s *Service) fallbackResult(ip string) *Result {
	result := &Result{IP: ip, Fallback: true}
	if s.cfg.Fallback == "block" {
		result.Score = fallbackBlockScore
		result.Categories = []string{"fallback_block"}
		result.Reason = "no provider data, fallback policy is block"
	} else {
		result.Reason = "no provider data"
	}
	return result
}

// aggregate folds provider verdicts into one result: a weighted mean where
// unreliable verdicts count at half weight, categories unioned, the reason
// taken from the strongest verdict.
func aggregate(ip string, verdicts []*Verdict) *Result {
	var num, den float64
	var top *Verdict
	seen := make(map[string]struct{})
	result := &Result{IP: ip}

	for _, v := range verdicts {
		weight := providerShare(v)
		num += v.Score * weight
		den += weight

		result.Providers = append(result.Providers, v.Provider)
		for _, c := range v.Categories {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			result.Categories = append(result.Categories, c)
		}
		if top == nil || v.Score > top.Score {
			top = v
		}
	}

	if den > 0 {
		result.Score = num / den
	}
	result.IsThreat = result.Score >= threatThreshold
	if top != nil {
		result.Reason = fmt.Sprintf("%s: %s", top.Provider, top.Summary)
	}
	return result
}

// providerShare is the verdict's effective weight: the provider's configured
// weight, halved when its own evidence failed the reliability predicate.
func providerShare(v *Verdict) float64 {
	w := v.Weight
	if w <= 0 {
		w = 1
	}
	if !v.Reliable {
		w *= 0.5
	}
	return w
}

// isNonRoutable reports addresses no reputation provider can say anything
// useful about.
func isNonRoutable(addr netip.Addr) bool {
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
}
