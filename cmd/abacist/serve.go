package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wikimedia/analytics-abacist/internal/api"
	"github.com/wikimedia/analytics-abacist/internal/circuitbreaker"
	"github.com/wikimedia/analytics-abacist/internal/config"
	"github.com/wikimedia/analytics-abacist/internal/domain"
	"github.com/wikimedia/analytics-abacist/internal/feed"
	"github.com/wikimedia/analytics-abacist/internal/interval"
	"github.com/wikimedia/analytics-abacist/internal/logging"
	"github.com/wikimedia/analytics-abacist/internal/metrics"
	redisstore "github.com/wikimedia/analytics-abacist/internal/store/redis"
	"github.com/wikimedia/analytics-abacist/internal/transport/channel"
	"github.com/wikimedia/analytics-abacist/internal/updater"
)

const (
	pingGrace         = 2 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func runServe(parent context.Context, cfg config.Config) int {
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "abacist"})
	logConfigWarnings(cfg)

	dial, err := feed.NewDialer(cfg.FeedEndpoint, feed.DialOptions{GroupID: cfg.FeedGroupID})
	if err != nil {
		log.Error().Err(err).Msg("invalid feed endpoint")
		return exitInvalidConfig
	}
	intervals := interval.Default()

	client := redisstore.Dial(redisstore.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := redisstore.New(client, cfg.StoreOpTimeout)

	pingCtx, pingCancel := context.WithTimeout(parent, cfg.StoreOpTimeout+pingGrace)
	err = store.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		log.Error().Err(err).Str("redis", cfg.RedisAddr).Msg("failed to connect to counter store")
		_ = store.Close()
		return exitRuntimeError
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
	}

	busOpts := []channel.Option{channel.WithMetrics(sink)}
	if cfg.EventBusEmitTimeout > 0 {
		busOpts = append(busOpts, channel.WithEmitTimeout(cfg.EventBusEmitTimeout))
	}
	bus := channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	upd := updater.New(store, intervals).
		WithMetrics(sink).
		WithBackoff(nil, cfg.StoreMaxAttempts).
		WithDrainTimeout(cfg.DrainTimeout).
		WithNamespace(cfg.KeyNamespace).
		WithLogger(logging.Component("updater").With().Str("redis", cfg.RedisAddr).Logger())

	health := api.NewHandler().WithHealthChecker("redis", store)
	if cfg.CircuitBreakerThreshold > 0 {
		cb := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		upd = upd.WithBreaker(cb, cfg.RedisAddr)
		health = health.WithCircuit("store_circuit", cb, cfg.RedisAddr)
	}

	fd := feed.New(dial, feed.Decoder{Schema: cfg.EventSchema, WebHost: cfg.WebHost}).WithMetrics(sink)

	var opsServer *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
		mux.Handle("/health", health)
		opsServer = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	sigCtx, stopSignals := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	// Separate contexts for feed and updater enable ordered shutdown.
	feedCtx, cancelFeed := context.WithCancel(context.Background())
	updaterCtx, cancelUpdater := context.WithCancel(context.Background())
	defer cancelFeed()
	defer cancelUpdater()

	g, gctx := errgroup.WithContext(context.Background())
	feedDone := make(chan struct{})
	updaterDone := make(chan struct{})

	g.Go(func() error {
		defer close(feedDone)
		if err := fd.Run(feedCtx, shedWhenFull(bus, sink)); err != nil {
			return fmt.Errorf("feed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer close(updaterDone)
		if err := upd.Run(updaterCtx, bus.Channel()); err != nil {
			return fmt.Errorf("updater: %w", err)
		}
		return nil
	})
	if opsServer != nil {
		g.Go(func() error {
			log.Info().Str("addr", opsServer.Addr).Str("path", cfg.MetricsPath).Msg("metrics server listening")
			if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	log.Info().
		Str("feed", cfg.FeedEndpoint).
		Str("redis", cfg.RedisAddr).
		Int("intervals", intervals.Len()).
		Msg("started")

	select {
	case <-sigCtx.Done():
		log.Info().Msg("received signal, shutting down")
	case <-gctx.Done():
		log.Error().Msg("component failed, shutting down")
	}

	// Phase 1: stop the feed (no new events emitted)
	log.Info().Msg("stopping feed...")
	cancelFeed()
	<-feedDone
	log.Info().Msg("feed stopped")

	// Phase 2: stop the updater (drains buffered events before returning)
	log.Info().Msg("stopping updater (draining events)...")
	bus.Close()
	cancelUpdater()
	<-updaterDone
	log.Info().Msg("updater stopped")

	// Phase 3: stop the metrics server
	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
		shutdownCancel()
	}

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	// Phase 4: release the store connection
	if err := store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close store: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		log.Error().Err(err).Msg("stopped with errors")
		return exitRuntimeError
	}
	log.Info().Msg("stopped")
	return exitSuccess
}

// shedWhenFull emits into bus and drops page views the bus had no room for
// within its emit timeout, so a slow store does not stop the feed.
func shedWhenFull(bus *channel.EventBus, sink metrics.Sink) feed.EmitFunc {
	return func(ctx context.Context, pv domain.PageView) error {
		err := bus.Emit(ctx, pv)
		if errors.Is(err, channel.ErrBufferFull) {
			sink.EventDropped(metrics.ReasonBufferFull)
			return nil
		}
		return err
	}
}
