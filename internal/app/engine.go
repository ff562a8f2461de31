package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/trade-capture-engine/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/trade-capture-engine/internal/adapter/refdata"
	"github.com/fairyhunter13/trade-capture-engine/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/trade-capture-engine/internal/config"
	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/bulkhead"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/idempotency"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/jobs"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/partitionlock"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/publisher"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/ratelimiter"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/rules"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/sequencegate"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/statemachine"
	"github.com/fairyhunter13/trade-capture-engine/internal/usecase"
)

// Components is the wired engine shared by the server and the worker. Both
// processes run the full pipeline: the server for sync captures, the worker
// for routed bus traffic.
type Components struct {
	Cfg      config.Config
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Producer *redpanda.Producer
	DLQ      *redpanda.Sink

	Blotters  *postgres.BlotterRepo
	Jobs      *jobs.Service
	Rules     *rules.Engine
	Limiter   *ratelimiter.RedisLuaLimiter
	Gate      *sequencegate.Gate
	Enricher  *refdata.Client
	Groups    *bulkhead.Grouped
	External  *bulkhead.Pool
	Pipeline  *usecase.Pipeline
	Capture   *usecase.CaptureService
	Publisher *publisher.Publisher
}

// Build wires the engine from configuration. The caller owns shutdown via
// Close.
func Build(ctx context.Context, cfg config.Config) (*Components, error) {
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("op=app.build: db connect: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=app.build: %w", err)
	}
	producer.EnsureTopics(ctx, cfg.InputTopic, cfg.RouterDLQTopic, cfg.DLQTopic)
	dlq := redpanda.NewSink(producer, cfg.DLQTopic)

	seed, err := rules.LoadSeed(cfg.RulesSeedPath)
	if err != nil {
		slog.Error("rules seed load failed, continuing without seed",
			slog.String("path", cfg.RulesSeedPath), slog.Any("error", err))
	}
	ruleEngine := rules.New(postgres.NewRuleRepo(pool), rdb, seed)

	gate := sequencegate.New(sequencegate.Config{
		BufferWindow:  cfg.SequenceBufferWindow,
		Timeout:       cfg.SequenceBufferTimeout,
		TimeWindow:    cfg.SequenceTimeWindow,
		SweepInterval: cfg.SequenceSweepInterval,
	}, dlq)

	limiter := ratelimiter.New(rdb,
		ratelimiter.BucketConfig{Capacity: cfg.GlobalBurst, RefillRate: cfg.GlobalRatePerSec},
		ratelimiter.BucketConfig{Capacity: cfg.PartitionBurst, RefillRate: cfg.PartitionRatePerSec},
	)

	// External calls get their own pool so saturated reference services queue
	// here instead of on the partition-group workers.
	external := bulkhead.NewPool("external-calls", cfg.ExternalPoolWorkers, cfg.ExternalPoolQueue)
	enricher := refdata.New(cfg.SecurityServiceURL, cfg.AccountServiceURL,
		cfg.EnrichConnectTimeout, cfg.EnrichReadTimeout, rdb, cfg.EnrichCacheTTL, external)

	jobSvc := jobs.New(postgres.NewJobRepo(pool), cfg.WebhookTimeout)
	blotters := postgres.NewBlotterRepo(pool)

	pub := buildPublisher(cfg, producer, dlq)

	retry := postgres.NewRetrySupervisor(pool, postgres.RetryConfig{
		MaxAttempts:  cfg.DeadlockMaxAttempts,
		InitialDelay: cfg.DeadlockInitialDelay,
		MaxDelay:     cfg.DeadlockMaxDelay,
		Multiplier:   cfg.DeadlockMultiplier,
	})

	pipeline := &usecase.Pipeline{
		Limiter:     limiter,
		Locker:      partitionlock.New(rdb),
		Idem:        idempotency.New(rdb, postgres.NewIdempotencyRepo(pool), cfg.IdempotencyCacheTTL, cfg.IdempotencyWindow),
		Gate:        gate,
		Enricher:    enricher,
		Rules:       ruleEngine,
		States:      statemachine.New(postgres.NewPartitionStateRepo(pool), rdb, 10*time.Minute),
		Blotters:    blotters,
		Retry:       retry,
		Publisher:   pub,
		Approvals:   usecase.MetadataApprover{},
		Jobs:        jobSvc,
		LockWait:    cfg.LockWaitTimeout,
		LockHold:    cfg.LockHoldTTL,
		MaxConflict: cfg.DeadlockMaxAttempts,
	}

	groups := bulkhead.NewGrouped(cfg.BulkheadGroups, cfg.BulkheadWorkers, cfg.BulkheadQueue)
	capture := &usecase.CaptureService{
		Pipeline:    pipeline,
		Jobs:        jobSvc,
		Bus:         producer,
		TopicPrefix: cfg.InputTopicPrefix,
		Groups:      groups,
		SyncTimeout: cfg.HTTPWriteTimeout,
	}

	return &Components{
		Cfg:       cfg,
		Pool:      pool,
		Redis:     rdb,
		Producer:  producer,
		DLQ:       dlq,
		Blotters:  blotters,
		Jobs:      jobSvc,
		Rules:     ruleEngine,
		Limiter:   limiter,
		Gate:      gate,
		Enricher:  enricher,
		Groups:    groups,
		External:  external,
		Pipeline:  pipeline,
		Capture:   capture,
		Publisher: pub,
	}, nil
}

// buildPublisher wires the bus subscriber plus one webhook subscriber per
// configured endpoint. Entries may be "name=url" or a bare url. Exhausted
// deliveries land on the dead-letter sink.
func buildPublisher(cfg config.Config, producer *redpanda.Producer, dlq *redpanda.Sink) *publisher.Publisher {
	subs := []domain.Subscriber{publisher.NewBusSubscriber(producer, cfg.OutputTopicPrefix, cfg.PublishRetries)}
	for i, entry := range cfg.SubscriberWebhooks {
		name := fmt.Sprintf("webhook-%d", i)
		url := entry
		if eq := strings.IndexByte(entry, '='); eq > 0 {
			name, url = entry[:eq], entry[eq+1:]
		}
		if url == "" {
			continue
		}
		subs = append(subs, publisher.NewWebhookSubscriber(name, url, cfg.WebhookTimeout))
	}
	return publisher.New(cfg.WebhookTimeout, dlq, subs...)
}

// Close tears down the shared infrastructure.
func (c *Components) Close(ctx context.Context) {
	c.Groups.Shutdown(ctx)
	c.External.Shutdown(ctx)
	c.Producer.Close()
	if err := c.Redis.Close(); err != nil {
		slog.Warn("redis close failed", slog.Any("error", err))
	}
	c.Pool.Close()
}
