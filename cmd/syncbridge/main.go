package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"syncbridge/internal/config"
	"syncbridge/internal/core/pubsub"
	pubsubmemory "syncbridge/internal/core/pubsub/memory"
	"syncbridge/internal/core/pubsub/nats"
	"syncbridge/internal/dedup"
	"syncbridge/internal/engine"
	"syncbridge/internal/logging"
	"syncbridge/internal/mapping"
	"syncbridge/internal/queue"
	"syncbridge/internal/remote"
	"syncbridge/internal/server"
	"syncbridge/internal/sync/types"
)

func main() {
	configDir := flag.String("config", "config", "configuration directory")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		slog.Error("failed to initialize logging", "error", err)
		os.Exit(1)
	}
	defer logging.Shutdown()

	if err := run(cfg); err != nil {
		slog.Error("service exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Durable stores for operations and dedup entries.
	opStore, dedupStore, closeStorage, err := buildStorage(initCtx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStorage()

	// Queue transport.
	provider, err := buildPubSub(initCtx, cfg.PubSub)
	if err != nil {
		return err
	}
	defer provider.Close()

	pub, err := provider.NewPublisher(pubsub.PublisherOptions{
		StreamName: cfg.PubSub.StreamName,
		Storage:    pubsub.FileStorage,
	})
	if err != nil {
		return err
	}
	sub, err := provider.NewConsumer(pubsub.ConsumerOptions{
		StreamName:     cfg.PubSub.StreamName,
		ConsumerName:   "syncbridge-workers",
		FilterSubject:  queue.WakeupSubject,
		ChannelBufSize: cfg.Queue.ChannelBufSize,
		Storage:        pubsub.FileStorage,
	})
	if err != nil {
		return err
	}

	// Remote record stores. The in-memory implementation stands in for
	// the two systems in local deployments; production wires HTTP-backed
	// implementations of remote.RecordStore here.
	docStore := remote.NewMemoryStore(types.SystemDoc, "employee_name")
	tableStore := remote.NewMemoryStore(types.SystemTable, "name")
	stores := remote.Stores{Doc: docStore, Table: tableStore}

	registry, err := mapping.NewRegistry(cfg.Mappings.File)
	if err != nil {
		return err
	}
	filter, err := mapping.NewFilterEvaluator()
	if err != nil {
		return err
	}

	dd := dedup.New(dedupStore, dedup.Options{
		SuppressionTTL:    time.Duration(cfg.Dedup.SuppressionTTL),
		DeliveryRetention: time.Duration(cfg.Dedup.DeliveryRetention),
		SweepInterval:     time.Duration(cfg.Dedup.SweepInterval),
		PayloadHash:       cfg.Dedup.FingerprintPayloadHash,
	}, slog.Default())
	go dd.Run(ctx)

	q := queue.New(opStore, pub, cfg.Queue, slog.Default())

	// Republish outstanding work before the consumer starts taking
	// traffic, so nothing enqueued before a crash is lost.
	if err := q.Recover(initCtx); err != nil {
		return err
	}
	go q.RunPurge(ctx, time.Hour)

	executor := queue.NewExecutor(stores, time.Duration(cfg.Queue.WriteTimeout))
	consumer := queue.NewConsumer(sub, opStore, executor, cfg.Queue, slog.Default())
	go consumer.Start(ctx)

	e := engine.New(registry, mapping.NewMapper(tableStore), filter, dd, q, stores,
		cfg.Engine, slog.Default())

	srv := server.New(e, cfg.Server, cfg.Mappings.File, slog.Default())
	return srv.Run(ctx)
}

func buildStorage(ctx context.Context, cfg config.StorageConfig) (queue.OperationStore, dedup.Store, func(), error) {
	switch cfg.Backend {
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, nil, nil, err
		}
		db := client.Database(cfg.Mongo.Database)

		opStore, err := queue.NewMongoStore(ctx, db)
		if err != nil {
			return nil, nil, nil, err
		}
		dedupStore, err := dedup.NewMongoStore(ctx, db)
		if err != nil {
			return nil, nil, nil, err
		}
		closer := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				slog.Warn("error disconnecting storage", "error", err)
			}
		}
		slog.Info("connected to MongoDB", "database", cfg.Mongo.Database)
		return opStore, dedupStore, closer, nil

	default:
		return queue.NewMemoryStore(), dedup.NewMemoryStore(), func() {}, nil
	}
}

func buildPubSub(ctx context.Context, cfg config.PubSubConfig) (pubsub.Provider, error) {
	switch cfg.Backend {
	case "nats":
		provider := nats.NewProvider(cfg.URL)
		if err := provider.Connect(ctx); err != nil {
			return nil, err
		}
		slog.Info("connected to NATS", "url", cfg.URL)
		return provider, nil

	default:
		return pubsubmemory.New(), nil
	}
}
