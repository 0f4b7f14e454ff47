// Command edge is the traffic-cloaking edge node. It classifies every
// request for a campaign slug as human or bot and routes it to the money
// or safe destination with the campaign's redirect technique.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloakroute/edge/internal/api"
	"github.com/cloakroute/edge/internal/blacklist"
	"github.com/cloakroute/edge/internal/campaign"
	"github.com/cloakroute/edge/internal/circuitbreaker"
	"github.com/cloakroute/edge/internal/config"
	"github.com/cloakroute/edge/internal/decision"
	"github.com/cloakroute/edge/internal/detection"
	"github.com/cloakroute/edge/internal/events"
	"github.com/cloakroute/edge/internal/infra"
	"github.com/cloakroute/edge/internal/logging"
	"github.com/cloakroute/edge/internal/metrics"
	"github.com/cloakroute/edge/internal/threatintel"
	"github.com/cloakroute/edge/internal/traffic"
	"github.com/cloakroute/edge/internal/visitor"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	flag.Parse()

	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Startup misconfiguration is the one fatal error class.
		bootLogger := logging.New("info", "console")
		bootLogger.Fatal().Err(err).Msg("configuration invalid")
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	logger.Info().Str("listen", cfg.Server.ListenAddr).Msg("edge starting")

	m := metrics.New(prometheus.DefaultRegisterer)
	breakers := circuitbreaker.NewManager(&circuitbreaker.Config{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			m.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn().Str("resource", name).Stringer("state", to).Msg("breaker state changed")
		},
	})

	// Stores. Unreachable backends here abort the process; the request
	// path never sees these errors once we are serving.
	redis, err := infra.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis bootstrap failed")
	}
	defer redis.Close()

	connLifetime := time.Duration(cfg.Database.ConnLifetimeMinutes) * time.Minute
	db, err := infra.OpenPostgres(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, connLifetime, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres bootstrap failed")
	}
	defer db.Close()

	tsdb := db
	if cfg.TimeseriesDSN() != cfg.Database.URL {
		tsdb, err = infra.OpenPostgres(cfg.TimeseriesDSN(), cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, connLifetime, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("timeseries bootstrap failed")
		}
		defer tsdb.Close()
	}

	// Invalidation bus. Pub/Sub when configured for multi-region fleets,
	// Redis otherwise.
	var bus events.Bus
	if cfg.PubSub.Enabled {
		bus, err = events.NewPubSubBus(cfg.PubSub.ProjectID, cfg.PubSub.Topic, cfg.PubSub.CredentialsFile, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("pubsub bus bootstrap failed")
		}
	} else {
		bus = events.NewRedisBus(redis, "", logger)
	}
	defer bus.Close()

	geo, err := visitor.NewGeoResolver(cfg.Geo.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("geoip bootstrap failed")
	}
	defer geo.Close()

	extractor, err := visitor.NewExtractor(visitor.NewUAParser(), geo, cfg.Server.TrustedProxies)
	if err != nil {
		logger.Fatal().Err(err).Msg("trusted proxy configuration invalid")
	}

	// Background loops stop together on shutdown.
	loops, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	checker := blacklist.NewChecker(
		blacklist.NewPostgresStore(db),
		redis,
		bus,
		breakers.Get("store:primary"),
		m,
		logger,
		time.Duration(cfg.Blacklist.RefreshSeconds)*time.Second,
		time.Duration(cfg.Blacklist.CacheTTLSeconds)*time.Second,
	)
	defer checker.Close()
	go checker.Run(loops)

	threats := threatintel.NewService(
		cfg.ThreatIntel,
		threatintel.ProvidersFromConfig(cfg.ThreatIntel),
		redis,
		redis,
		breakers,
		m,
		logger,
	)

	tor := detection.NewTorList(cfg.Detection.TorListURL, time.Duration(cfg.Detection.TorRefreshMinutes)*time.Minute, logger)
	go tor.Run(loops)

	bank := detection.Bank(cfg.Detection, cfg.ThreatIntel.Weight, threats, tor,
		detection.NewDatacenterIndex(cfg.Detection.DatacenterRanges, logger))
	engine := detection.NewEngine(cfg.Detection, bank, m, logger)

	campaignStore := campaign.NewPostgresStore(db)
	campaignTTL := time.Duration(cfg.Campaign.CacheTTLSeconds) * time.Second
	resolver := campaign.NewResolver(campaignStore, bus, m, logger, campaignTTL)
	defer resolver.Close()
	selector := campaign.NewSelector(campaignStore, bus, logger, campaignTTL)
	defer selector.Close()

	sink := traffic.NewSink(
		traffic.NewPostgresStore(db, tsdb),
		breakers.Get("store:timeseries"),
		cfg.Traffic,
		m,
		logger,
	)
	sink.Start()

	service := decision.NewService(decision.Params{
		Campaigns: resolver,
		Streams:   selector,
		Blacklist: checker,
		Engine:    engine,
		Cache:     decision.NewCache(redis, time.Duration(cfg.Decision.CacheTTLMinutes)*time.Minute, m, logger),
		Composer:  decision.NewComposer(cfg.Decision),
		Sink:      sink,
		Metrics:   m,
		Logger:    logger,

		Budget:           time.Duration(cfg.Detection.RequestBudgetMs) * time.Millisecond,
		BotThreshold:     cfg.Detection.BotThreshold,
		DetectionEnabled: cfg.Detection.Enabled,
	})

	server := api.NewServer(
		cfg.Server,
		service,
		extractor,
		pinger{db},
		redis,
		prometheus.DefaultGatherer,
		m,
		logger,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
		return
	}

	// Orderly drain: stop intake, stop the refresh loops, then give the
	// sink a bounded window to flush what is queued.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	stopLoops()
	sink.Drain(time.Duration(cfg.Traffic.DrainTimeoutSeconds) * time.Second)

	logger.Info().Msg("edge stopped")
}

// pinger adapts *sql.DB to the readiness probe.
type pinger struct{ db *sql.DB }

func (p pinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
