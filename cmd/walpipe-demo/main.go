package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"walpipe/examplesink/jetstream"
	"walpipe/examplesink/resumption"
	"walpipe/examplesink/stdout"
	"walpipe/internal/config"
	"walpipe/internal/health"
	"walpipe/internal/logging"
	"walpipe/internal/pipeline"
	"walpipe/pkg/walpipe"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	health.Start(ctx, cfg.HealthAddr, logger)
	logger.Info("prometheus metrics available", zap.String("endpoint", cfg.HealthAddr+"/metrics"))

	sink, closeSink, err := buildSink(cfg, logger)
	if err != nil {
		logger.Fatal("build sink", zap.Error(err))
	}
	defer closeSink()

	logger.Info("starting walpipe",
		zap.String("slot", cfg.SlotName),
		zap.Strings("publications", cfg.Publications),
		zap.String("action", cfg.Action.String()))

	p, err := walpipe.New(ctx, cfg, sink, logger)
	if err != nil {
		logger.Fatal("build pipeline", zap.Error(err))
	}
	health.SetStateProvider(func() health.State {
		s := p.State()
		return health.State{
			Phase:             s.Phase.String(),
			ApplyLSN:          s.ApplyLSN.String(),
			ConfirmedFlushLSN: s.ConfirmedFlushLSN.String(),
		}
	})

	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("pipeline stopped", zap.Error(err))
		os.Exit(1)
	}
}

// buildSink selects the sink implementation from the WALPIPE_SINK
// environment variable: "jetstream" publishes to NATS JetStream with Redis
// resumption state, anything else (including unset) writes JSON lines to
// stdout with in-memory resumption state, for local experimentation.
func buildSink(cfg config.Config, logger *zap.Logger) (walpipe.Sink, func(), error) {
	switch os.Getenv("WALPIPE_SINK") {
	case "jetstream":
		client := redis.NewClient(mustParseRedisURL(cfg.RedisURL))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis unavailable for resumption store: %w", err)
		}
		resumeStore := resumption.NewStore(client, cfg.CheckpointKey, cfg.CheckpointTTL)
		sink, err := jetstream.NewSink(jetstream.Options{
			URLs:           cfg.NATSURLs,
			Username:       cfg.NATSUsername,
			Password:       cfg.NATSPassword,
			ConnectTimeout: cfg.NATSTimeout,
			PublishTimeout: cfg.NATSTimeout,
		}, resumeStore, logger)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return sink, func() { _ = sink.Close(); _ = client.Close() }, nil

	default:
		sink := stdout.NewSink(os.Stdout, pipeline.ResumptionState{})
		return sink, func() {}, nil
	}
}

func mustParseRedisURL(url string) *redis.Options {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return &redis.Options{Addr: "localhost:6379"}
	}
	return opt
}
