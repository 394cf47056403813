package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kernelci/eventbus/broker"
	"github.com/kernelci/eventbus/config"
	"github.com/kernelci/eventbus/httpapi"
	"github.com/kernelci/eventbus/metrics"
	"github.com/kernelci/eventbus/pubsub"
	"github.com/kernelci/eventbus/sequence"
	"github.com/kernelci/eventbus/store"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the event bus service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// newRedisClient connects to the configured Redis database.
func newRedisClient(cfg *config.Settings) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL())
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// buildEngine assembles the broker, counters and stores selected by cfg.
// The returned event store also backs the /events endpoint.
func buildEngine(ctx context.Context, cfg *config.Settings, m *metrics.Metrics) (*pubsub.PubSub, httpapi.EventStore, func(context.Context), error) {
	var closers []func(context.Context)
	closeAll := func(cctx context.Context) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i](cctx)
		}
	}

	// Counters must be as durable as the event log: Redis-backed whenever
	// the log is persistent, in-memory otherwise.
	var subSeq, eventSeq sequence.Counter
	var rdb *redis.Client
	if cfg.Broker == "redis" || cfg.Store == "mongo" {
		var err error
		rdb, err = newRedisClient(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, func(context.Context) { _ = rdb.Close() })

		subCounter := sequence.NewRedisCounter(rdb, sequence.SubscriptionIDKey)
		eventCounter := sequence.NewRedisCounter(rdb, sequence.EventSeqKey)
		for _, c := range []*sequence.RedisCounter{subCounter, eventCounter} {
			if err := c.Init(ctx); err != nil {
				closeAll(ctx)
				return nil, nil, nil, err
			}
		}
		subSeq, eventSeq = subCounter, eventCounter
	} else {
		subSeq = sequence.NewMemoryCounter()
		eventSeq = sequence.NewMemoryCounter()
	}

	var b broker.Broker
	switch cfg.Broker {
	case "redis":
		b = broker.NewRedisBroker(rdb)
	case "nats":
		natsCfg := broker.DefaultNatsConfig()
		natsCfg.URL = cfg.NatsURL
		nb, err := broker.NewNatsBroker(natsCfg)
		if err != nil {
			closeAll(ctx)
			return nil, nil, nil, err
		}
		closers = append(closers, func(cctx context.Context) { _ = nb.Close(cctx) })
		b = nb
	case "memory":
		b = broker.NewMemoryBroker()
	}

	var log pubsub.EventLog
	var registry pubsub.SubscriberRegistry
	var events httpapi.EventStore
	switch cfg.Store {
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoService))
		if err != nil {
			closeAll(ctx)
			return nil, nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		closers = append(closers, func(cctx context.Context) { _ = client.Disconnect(cctx) })

		db := client.Database(cfg.MongoDBName)
		eventLog := store.NewMongoEventLog(db, eventSeq)
		if err := eventLog.Migrate(ctx); err != nil {
			closeAll(ctx)
			return nil, nil, nil, err
		}
		if err := eventLog.EnsureIndexes(ctx, cfg.EventRetention); err != nil {
			closeAll(ctx)
			return nil, nil, nil, err
		}
		mongoRegistry := store.NewMongoRegistry(db)
		if err := mongoRegistry.EnsureIndexes(ctx); err != nil {
			closeAll(ctx)
			return nil, nil, nil, err
		}
		log, registry, events = eventLog, mongoRegistry, eventLog
	case "memory":
		memLog := store.NewMemoryEventLog(eventSeq, cfg.EventRetention)
		log, registry, events = memLog, store.NewMemoryRegistry(), memLog
	}

	engine := pubsub.New(pubsub.Config{
		Broker:          b,
		Log:             log,
		Registry:        registry,
		SubscriptionSeq: subSeq,
		EventSeq:        eventSeq,
		Options: pubsub.Options{
			Source:           cfg.CloudEventsSource,
			EventType:        cfg.EventType,
			KeepAlivePeriod:  cfg.KeepAlivePeriod,
			MaxCatchupEvents: cfg.MaxCatchupEvents,
			PollTimeout:      cfg.PollTimeout,
		},
		Metrics: m,
	})
	return engine, events, closeAll, nil
}

// bearerAuth maps the bearer token onto the user identity. Token
// verification belongs to the external authentication service; this is the
// boundary it plugs into.
func bearerAuth() httpapi.Authenticator {
	return httpapi.AuthenticatorFunc(func(r *http.Request) (string, error) {
		token := httpapi.BearerToken(r)
		if token == "" {
			return "", httpapi.ErrUnauthenticated
		}
		return token, nil
	})
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	engine, events, closeAll, err := buildEngine(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		closeAll(cctx)
	}()

	engine.Start(ctx)
	defer engine.Stop(context.Background())

	go engine.RunReaper(ctx, pubsub.ReaperConfig{
		SubscriptionMaxAge: cfg.SubscriptionMaxAge,
		StateMaxAge:        cfg.SubscriberStateMaxAge,
	})

	api := httpapi.New(engine, events, bearerAuth())
	server := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.Router(registry),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Event bus listening", "addr", cfg.APIAddr,
			"broker", cfg.Broker, "store", cfg.Store)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
