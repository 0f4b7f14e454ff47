// Command cloakctl is the operator CLI: blacklist management, campaign
// cache invalidation, and node health checks. Writes go straight to the
// stores and publish the same invalidation events the edge nodes listen
// on, so a change is visible fleet-wide within one round-trip.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloakroute/edge/internal/blacklist"
	"github.com/cloakroute/edge/internal/events"
	"github.com/cloakroute/edge/internal/infra"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "blacklist":
		cmdBlacklist()
	case "campaign":
		cmdCampaign()
	case "health":
		cmdHealth()
	case "version":
		fmt.Printf("cloakctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`cloakctl v` + version + `

Usage: cloakctl <command> [flags]

Commands:
  blacklist add     Add or refresh a blacklist entry
  blacklist rm      Remove a blacklist entry
  blacklist check   Look an IP up in the store
  campaign flush    Invalidate cached campaigns on every node
  health            Probe an edge node's health and readiness
  version           Print version

Environment:
  DATABASE_URL      Primary store DSN
  REDIS_ADDR        Redis address (default: localhost:6379)
  REDIS_PASSWORD    Redis password
  EDGE_URL          Edge node base URL (default: http://localhost:8080)

Examples:
  cloakctl blacklist add --ip 198.51.100.7 --reason "manual review" --ttl 24h
  cloakctl blacklist rm --ip 198.51.100.7
  cloakctl campaign flush --slug promo-1
  cloakctl health`)
}

// ----------------------------------------------------------------
// blacklist commands
// ----------------------------------------------------------------

func cmdBlacklist() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Error: blacklist needs a subcommand (add, rm, check)")
		os.Exit(1)
	}

	var ip, reason, kind, ttl string
	confidence := 1.0

	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--ip":
			i++
			if i < len(args) {
				ip = args[i]
			}
		case "--reason":
			i++
			if i < len(args) {
				reason = args[i]
			}
		case "--kind":
			i++
			if i < len(args) {
				kind = args[i]
			}
		case "--ttl":
			i++
			if i < len(args) {
				ttl = args[i]
			}
		case "--confidence":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%f", &confidence)
			}
		}
	}

	if ip == "" {
		fmt.Fprintln(os.Stderr, "Error: --ip is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, bus, cleanup := connect()
	defer cleanup()

	switch os.Args[2] {
	case "add":
		if kind == "" {
			kind = "manual"
		}
		if reason == "" {
			reason = "added by cloakctl"
		}
		now := time.Now().UTC()
		entry := &blacklist.Entry{
			IP:              ip,
			Reason:          reason,
			DetectionKind:   kind,
			Confidence:      confidence,
			FirstDetectedAt: now,
			LastDetectedAt:  now,
		}
		if ttl != "" {
			d, err := time.ParseDuration(ttl)
			if err != nil {
				fatal("invalid --ttl %q: %v", ttl, err)
			}
			expires := now.Add(d)
			entry.ExpiresAt = &expires
		}
		if err := store.Upsert(ctx, entry); err != nil {
			fatal("upsert failed: %v", err)
		}
		publishInvalidation(ctx, bus, ip)
		fmt.Printf("blacklisted %s (id=%d", ip, entry.ID)
		if entry.ExpiresAt != nil {
			fmt.Printf(", expires %s", entry.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Println(")")

	case "rm":
		if err := store.Remove(ctx, ip); err != nil {
			fatal("remove failed: %v", err)
		}
		publishInvalidation(ctx, bus, ip)
		fmt.Printf("removed %s\n", ip)

	case "check":
		entry, err := store.Lookup(ctx, ip)
		if err != nil {
			fatal("lookup failed: %v", err)
		}
		if entry == nil {
			fmt.Printf("%s: not blacklisted\n", ip)
			return
		}
		blocked := entry.Effective(time.Now())
		out, _ := json.MarshalIndent(map[string]interface{}{
			"entry":   entry,
			"blocked": blocked,
		}, "", "  ")
		fmt.Println(string(out))

	default:
		fmt.Fprintf(os.Stderr, "Unknown blacklist subcommand: %s\n", os.Args[2])
		os.Exit(1)
	}
}

func publishInvalidation(ctx context.Context, bus events.Bus, ip string) {
	err := bus.Publish(ctx, &events.Event{
		Type:    events.TypeBlacklistInvalidate,
		Payload: map[string]string{"ip": ip, "origin": "cloakctl"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalidation publish failed: %v\n", err)
	}
}

// ----------------------------------------------------------------
// campaign command
// ----------------------------------------------------------------

func cmdCampaign() {
	if len(os.Args) < 3 || os.Args[2] != "flush" {
		fmt.Fprintln(os.Stderr, "Error: campaign needs the flush subcommand")
		os.Exit(1)
	}

	var slug string
	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--slug" {
			i++
			if i < len(args) {
				slug = args[i]
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, bus, cleanup := connect()
	defer cleanup()

	// An empty slug flushes every node's whole campaign cache.
	err := bus.Publish(ctx, &events.Event{
		Type:    events.TypeCampaignInvalidate,
		Payload: map[string]string{"slug": slug},
	})
	if err != nil {
		fatal("publish failed: %v", err)
	}
	if slug == "" {
		fmt.Println("flushed all campaign caches")
	} else {
		fmt.Printf("flushed campaign %s\n", slug)
	}
}

// ----------------------------------------------------------------
// health command
// ----------------------------------------------------------------

func cmdHealth() {
	base := os.Getenv("EDGE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := client.Get(base + path)
		if err != nil {
			fmt.Printf("%-9s unreachable: %v\n", path, err)
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		fmt.Printf("%-9s %d %s\n", path, resp.StatusCode, string(body))
	}
}

// ----------------------------------------------------------------
// wiring
// ----------------------------------------------------------------

func connect() (*blacklist.PostgresStore, events.Bus, func()) {
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fatal("DATABASE_URL is required")
	}
	db, err := infra.OpenPostgres(dsn, 2, 1, time.Minute, logger)
	if err != nil {
		fatal("postgres: %v", err)
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redis, err := infra.NewRedisAdapter(redisAddr, os.Getenv("REDIS_PASSWORD"), 0, logger)
	if err != nil {
		fatal("redis: %v", err)
	}

	bus := events.NewRedisBus(redis, "", logger)
	cleanup := func() {
		bus.Close()
		redis.Close()
		db.Close()
	}
	return blacklist.NewPostgresStore(db), bus, cleanup
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
