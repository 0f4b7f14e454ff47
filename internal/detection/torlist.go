package detection

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// TorList tracks the current Tor exit nodes from a published exit list.
// A nil *TorList is valid and reports no matches, so the analyzer does
// not care whether the feed is configured.
type TorList struct {
	url     string
	client  *http.Client
	refresh time.Duration
	logger  zerolog.Logger

	mu    sync.RWMutex
	exits map[netip.Addr]struct{}
}

// NewTorList returns nil when no feed URL is configured.
func NewTorList(url string, refresh time.Duration, logger zerolog.Logger) *TorList {
	if url == "" {
		return nil
	}
	return &TorList{
		url:     url,
		client:  &http.Client{Timeout: 15 * time.Second},
		refresh: refresh,
		logger:  logger.With().Str("component", "torlist").Logger(),
		exits:   make(map[netip.Addr]struct{}),
	}
}

// Contains reports whether addr is a known Tor exit.
func (t *TorList) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.exits[addr.Unmap()]
	return ok
}

// Size returns the number of known exits.
func (t *TorList) Size() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.exits)
}

// Run loads the list immediately and then refreshes it on the configured
// interval until ctx is cancelled. The previous snapshot stays in service
// whenever a refresh fails.
func (t *TorList) Run(ctx context.Context) {
	if t == nil {
		return
	}
	if err := t.Reload(ctx); err != nil {
		t.logger.Warn().Err(err).Msg("initial tor exit list load failed")
	}

	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Reload(ctx); err != nil {
				t.logger.Warn().Err(err).Msg("tor exit list refresh failed")
			}
		}
	}
}

// Reload fetches the exit list and swaps the snapshot. Transient fetch
// errors are retried a few times with exponential backoff.
func (t *TorList) Reload(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var exits map[netip.Addr]struct{}
	op := func() error {
		fetched, err := t.fetch(ctx)
		if err != nil {
			return err
		}
		exits = fetched
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return err
	}

	t.mu.Lock()
	t.exits = exits
	t.mu.Unlock()
	t.logger.Debug().Int("exits", len(exits)).Msg("tor exit list refreshed")
	return nil
}

func (t *TorList) fetch(ctx context.Context) (map[netip.Addr]struct{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tor exit list fetch: unexpected status %d", resp.StatusCode)
	}

	exits := make(map[netip.Addr]struct{})
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		addr, err := netip.ParseAddr(line)
		if err != nil {
			continue
		}
		exits[addr.Unmap()] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return exits, nil
}
