package threatintel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrBudgetExhausted reports that a provider's daily request allowance is
// spent. Advisory only: the provider is skipped, the lookup proceeds.
var ErrBudgetExhausted = errors.New("provider budget exhausted")

// ErrRateLimited reports that a provider's per-minute allowance is spent.
var ErrRateLimited = errors.New("provider rate limited")

// BudgetStore is the shared counter backend for daily budgets.
type BudgetStore interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Budget enforces a provider's request allowances: a per-minute local
// limiter and a daily counter shared across nodes through the store. The
// daily key embeds the UTC date, so concurrent resets are naturally
// idempotent; the TTL only garbage-collects spent days.
type Budget struct {
	store      BudgetStore
	provider   string
	dailyLimit int
	limiter    *rate.Limiter
}

// NewBudget builds a budget. perMinute and dailyLimit values below one
// disable the respective check.
func NewBudget(store BudgetStore, provider string, dailyLimit, perMinute int) *Budget {
	var limiter *rate.Limiter
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &Budget{
		store:      store,
		provider:   provider,
		dailyLimit: dailyLimit,
		limiter:    limiter,
	}
}

// Allow consumes one request slot. Returns ErrRateLimited or
// ErrBudgetExhausted when the respective allowance is spent. A store
// failure does not block the call; the daily budget is best effort.
func (b *Budget) Allow(ctx context.Context) error {
	if b.limiter != nil && !b.limiter.Allow() {
		return ErrRateLimited
	}
	if b.dailyLimit <= 0 || b.store == nil {
		return nil
	}

	key := fmt.Sprintf("ti:budget:%s:%s", b.provider, time.Now().UTC().Format("2006-01-02"))
	count, err := b.store.IncrWithTTL(ctx, key, 48*time.Hour)
	if err != nil {
		return nil
	}
	if count > int64(b.dailyLimit) {
		return ErrBudgetExhausted
	}
	return nil
}
