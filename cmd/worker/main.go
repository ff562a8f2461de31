// Command worker runs the ingress router, the partition-routed consumer
// fleet and the background janitors.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fairyhunter13/trade-capture-engine/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/trade-capture-engine/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/trade-capture-engine/internal/app"
	"github.com/fairyhunter13/trade-capture-engine/internal/config"
	"github.com/fairyhunter13/trade-capture-engine/internal/observability"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/jobs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("engine build failed", slog.Any("error", err))
		os.Exit(1)
	}

	routerDLQ := redpanda.NewSink(eng.Producer, cfg.RouterDLQTopic)
	router, err := redpanda.NewRouter(redpanda.RouterConfig{
		Brokers:     cfg.KafkaBrokers,
		Group:       cfg.RouterGroup,
		InputTopic:  cfg.InputTopic,
		TopicPrefix: cfg.InputTopicPrefix,
	}, eng.Producer, routerDLQ)
	if err != nil {
		slog.Error("router build failed", slog.Any("error", err))
		os.Exit(1)
	}

	consumer, err := redpanda.NewConsumerMgr(redpanda.ConsumerConfig{
		Brokers:     cfg.KafkaBrokers,
		Group:       cfg.ConsumerGroup,
		TopicPrefix: cfg.InputTopicPrefix,
		MaxLag:      cfg.MaxLag,
		ResumeLag:   cfg.ResumeLag,
		MaxInflight: cfg.MaxInflight,
		LagInterval: cfg.LagInterval,
	}, eng.Capture.HandleRouted, eng.DLQ, eng.Groups)
	if err != nil {
		slog.Error("consumer build failed", slog.Any("error", err))
		os.Exit(1)
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			slog.Info("background loop finished", slog.String("loop", name))
		}()
	}

	run("ingress-router", router.Run)
	run("consumer-manager", consumer.Run)
	run("sequence-sweeper", eng.Gate.RunSweeper)
	run("job-janitor", jobs.NewJanitor(eng.Jobs, cfg.JobStuckAfter, cfg.JanitorInterval).Run)
	run("cleanup", func(ctx context.Context) {
		postgres.NewCleanupService(eng.Pool, cfg.DataRetentionDays).RunPeriodic(ctx, cfg.CleanupInterval)
	})

	slog.Info("worker started",
		slog.String("input_topic", cfg.InputTopic),
		slog.String("consumer_group", cfg.ConsumerGroup))

	<-ctx.Done()
	slog.Info("shutdown signal received")

	router.Close()
	consumer.Close()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	eng.Close(shutdownCtx)
}
