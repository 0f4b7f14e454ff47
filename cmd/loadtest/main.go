// Command loadtest drives sustained concurrent traffic at an edge node's
// public slug endpoint and reports latency percentiles. The decision
// pipeline promises classification within a few milliseconds; this binary
// is how that promise is checked on real hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks test metrics across workers.
type Stats struct {
	Total     atomic.Uint64
	Money     atomic.Uint64
	Safe      atomic.Uint64
	Errors    atomic.Uint64
	Non3xx    atomic.Uint64
	latencies []time.Duration
	mu        sync.Mutex
}

func (s *Stats) record(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

// A mix of plausible human browsers and obvious automation, so both
// branches of the pipeline get exercised.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36",
	"curl/8.4.0",
	"python-requests/2.31.0",
}

func main() {
	target := flag.String("target", "http://localhost:8080", "edge node base URL")
	slug := flag.String("slug", "promo-1", "campaign slug to request")
	requests := flag.Int("requests", 10000, "total requests to send")
	concurrency := flag.Int("concurrency", 100, "concurrent workers")
	duration := flag.Duration("duration", 0, "test duration (0 = run until requests complete)")
	flag.Parse()

	fmt.Printf("target=%s/%s requests=%d concurrency=%d\n", *target, *slug, *requests, *concurrency)

	stats := &Stats{latencies: make([]time.Duration, 0, *requests)}
	client := &http.Client{
		Timeout: 5 * time.Second,
		// The responder's redirect is the measurement, not the money page
		// behind it.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	jobs := make(chan int, *concurrency)
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(worker)))
			for range jobs {
				fire(ctx, client, *target, *slug, rng, stats)
			}
		}(i)
	}

feed:
	for i := 0; i < *requests; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	report(stats, time.Since(start))
}

func fire(ctx context.Context, client *http.Client, target, slug string, rng *rand.Rand, stats *Stats) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"/"+slug, nil)
	if err != nil {
		stats.Errors.Add(1)
		return
	}
	req.Header.Set("User-Agent", userAgents[rng.Intn(len(userAgents))])
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	// Spread the traffic across synthetic client addresses so fingerprint
	// caching does not collapse the run into one visitor.
	req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.%d.%d", rng.Intn(256), rng.Intn(256)))

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		stats.Errors.Add(1)
		return
	}
	resp.Body.Close()

	stats.Total.Add(1)
	stats.record(elapsed)

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		if loc := resp.Header.Get("Location"); loc == "/404" {
			stats.Safe.Add(1)
		} else {
			stats.Money.Add(1)
		}
	case resp.StatusCode == http.StatusOK:
		stats.Money.Add(1)
	default:
		stats.Non3xx.Add(1)
	}
}

func report(stats *Stats, total time.Duration) {
	stats.mu.Lock()
	latencies := stats.latencies
	stats.mu.Unlock()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	pct := func(p float64) time.Duration {
		if len(latencies) == 0 {
			return 0
		}
		idx := int(float64(len(latencies)) * p)
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	n := stats.Total.Load()
	fmt.Println("\n=== Results ===")
	fmt.Printf("requests:    %d (errors %d, unexpected status %d)\n", n, stats.Errors.Load(), stats.Non3xx.Load())
	fmt.Printf("money/safe:  %d / %d\n", stats.Money.Load(), stats.Safe.Load())
	fmt.Printf("duration:    %s (%.0f req/s)\n", total.Round(time.Millisecond), float64(n)/total.Seconds())
	if len(latencies) > 0 {
		fmt.Printf("latency p50: %s\n", pct(0.50))
		fmt.Printf("latency p95: %s\n", pct(0.95))
		fmt.Printf("latency p99: %s\n", pct(0.99))
		fmt.Printf("latency max: %s\n", latencies[len(latencies)-1])
	}
}
