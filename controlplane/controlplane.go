package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"goa.design/clue/health"

	"github.com/skyhook-ai/skyhook/controlplane/store"
	storememory "github.com/skyhook-ai/skyhook/controlplane/store/memory"
	storemongo "github.com/skyhook-ai/skyhook/controlplane/store/mongo"
	"github.com/skyhook-ai/skyhook/events"
	"github.com/skyhook-ai/skyhook/lease/redisstore"
	"github.com/skyhook-ai/skyhook/streams"
	"github.com/skyhook-ai/skyhook/telemetry"
)

type (
	// ControlPlane bundles the service, the dispatch loop, and their
	// shared infrastructure. Create one per process with New, mount its
	// HTTP surface, and run its background loop with Run.
	ControlPlane struct {
		service    *Service
		dispatcher *Dispatcher
		streams    streams.Client
		publisher  events.Publisher
		mongo      *storemongo.Stores
		redis      *redis.Client
	}

	// Config configures a ControlPlane.
	Config struct {
		// Redis backs leases, locks, and streams. Required.
		Redis *redis.Client
		// Mongo enables durable run/node/agent stores. Nil selects the
		// in-memory stores (development and tests only).
		Mongo *mongodriver.Client
		// MongoDatabase is the database name when Mongo is set.
		MongoDatabase string
		// LeaseTTL is the lease duration granted on assignment.
		// Defaults to 5m.
		LeaseTTL time.Duration
		// HeartbeatTimeout bounds node silence. Defaults to 60s.
		HeartbeatTimeout time.Duration
		// MaxAttempts bounds retryable failure requeues. Defaults to 3.
		MaxAttempts int
		// PollInterval is the dispatch loop cadence. Defaults to 2s.
		PollInterval time.Duration
		// DispatchRate caps lease emissions per second. Zero means
		// unlimited.
		DispatchRate float64
		// EventStreamMaxLen caps the durable event stream length. Zero
		// uses Pulse defaults.
		EventStreamMaxLen int

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}
)

// New wires a ControlPlane: stores, lease registry, streams, event
// publisher, scheduler, service, and dispatcher. The caller owns the Redis
// and Mongo clients and closes them after Close.
func New(ctx context.Context, cfg Config) (*ControlPlane, error) {
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	var (
		runs       store.RunStore
		nodes      store.NodeStore
		agents     store.AgentStore
		mongoStore *storemongo.Stores
	)
	if cfg.Mongo != nil {
		ms, err := storemongo.New(ctx, storemongo.Options{
			Client:   cfg.Mongo,
			Database: cfg.MongoDatabase,
		})
		if err != nil {
			return nil, fmt.Errorf("create mongo stores: %w", err)
		}
		mongoStore = ms
		runs, nodes, agents = ms.Runs, ms.Nodes, ms.Agents
	} else {
		logger.Warn(ctx, "no mongo client configured, using in-memory stores")
		runs = storememory.NewRunStore()
		nodes = storememory.NewNodeStore()
		agents = storememory.NewAgentStore()
	}

	leaseRegistry, err := redisstore.NewRegistry(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("create lease registry: %w", err)
	}
	dispatchLock, err := redisstore.NewLock(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("create dispatch lock: %w", err)
	}

	streamsClient, err := streams.New(streams.Options{
		Redis:  cfg.Redis,
		MaxLen: cfg.EventStreamMaxLen,
	})
	if err != nil {
		return nil, fmt.Errorf("create streams client: %w", err)
	}

	publisher, err := events.NewStreamPublisher(events.PublisherOptions{
		Client:  streamsClient,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create event publisher: %w", err)
	}
	// Best-effort: a broken event bus never blocks startup.
	if err := publisher.Initialize(ctx); err != nil {
		logger.Error(ctx, "event stream initialization failed, events disabled until restart", "err", err)
		metrics.IncCounter(telemetry.MetricEventsPublishFailure, 1, "reason", "initialize")
	}

	scheduler := NewScheduler(SchedulerOptions{
		Runs:             runs,
		Nodes:            nodes,
		Leases:           leaseRegistry,
		LeaseTTL:         cfg.LeaseTTL,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           tracer,
	})
	service := NewService(ServiceOptions{
		Runs:             runs,
		Nodes:            nodes,
		Agents:           agents,
		Leases:           leaseRegistry,
		Publisher:        publisher,
		MaxAttempts:      cfg.MaxAttempts,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           tracer,
	})
	dispatcher := NewDispatcher(DispatcherOptions{
		Runs:             runs,
		Nodes:            nodes,
		Leases:           leaseRegistry,
		Scheduler:        scheduler,
		Lock:             dispatchLock,
		Streams:          streamsClient,
		Publisher:        publisher,
		PollInterval:     cfg.PollInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		DispatchRate:     cfg.DispatchRate,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           tracer,
	})

	return &ControlPlane{
		service:    service,
		dispatcher: dispatcher,
		streams:    streamsClient,
		publisher:  publisher,
		mongo:      mongoStore,
		redis:      cfg.Redis,
	}, nil
}

// Service returns the control plane service for HTTP mounting.
func (cp *ControlPlane) Service() *Service {
	return cp.service
}

// Run executes the dispatch loop until the context is cancelled.
func (cp *ControlPlane) Run(ctx context.Context) error {
	if cp.dispatcher == nil {
		<-ctx.Done()
		return nil
	}
	return cp.dispatcher.Run(ctx)
}

// Pingers returns the health check pingers for the wired backends.
func (cp *ControlPlane) Pingers() []health.Pinger {
	var pingers []health.Pinger
	if cp.redis != nil {
		pingers = append(pingers, redisPinger{client: cp.redis})
	}
	if cp.mongo != nil {
		pingers = append(pingers, cp.mongo)
	}
	return pingers
}

// Close releases control plane resources. The Redis and Mongo clients are
// owned by the caller and stay open.
func (cp *ControlPlane) Close(ctx context.Context) error {
	if cp.streams == nil {
		return nil
	}
	return cp.streams.Close(ctx)
}

// redisPinger adapts the Redis client to the health check interface.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
