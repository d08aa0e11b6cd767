package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/skyhook-ai/skyhook/run"
	"github.com/skyhook-ai/skyhook/streams"
	"github.com/skyhook-ai/skyhook/telemetry"
	"github.com/skyhook-ai/skyhook/worker"
)

func main() {
	var (
		configF = flag.String("config", os.Getenv("WORKER_CONFIG"), "Path to worker YAML config")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg := &worker.Config{}
	if *configF != "" {
		var err error
		cfg, err = worker.LoadConfig(*configF)
		if err != nil {
			log.Fatalf(ctx, err, "failed to load config")
		}
	}
	// Environment overrides the config file.
	if v := os.Getenv("WORKER_ID"); v != "" {
		cfg.ID = v
	}
	if v := os.Getenv("CONTROL_PLANE_URL"); v != "" {
		cfg.ControlPlaneURL = v
	}
	if v := os.Getenv("MAX_CONCURRENT_LEASES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf(ctx, err, "invalid MAX_CONCURRENT_LEASES %q", v)
		}
		cfg.MaxConcurrentLeases = n
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		cfg.HeartbeatInterval = v
	}
	if cfg.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatalf(ctx, err, "failed to determine worker ID")
		}
		cfg.ID = host
	}
	if cfg.ControlPlaneURL == "" {
		cfg.ControlPlaneURL = "http://localhost:8080"
	}
	interval, err := cfg.Interval()
	if err != nil {
		log.Fatalf(ctx, err, "invalid heartbeat interval")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     envOr("REDIS_URL", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer redisClient.Close()

	streamsClient, err := streams.New(streams.Options{Redis: redisClient})
	if err != nil {
		log.Fatalf(ctx, err, "failed to create streams client")
	}

	w, err := worker.New(worker.Options{
		ID:                  cfg.ID,
		ControlPlane:        worker.NewClient(cfg.ControlPlaneURL),
		Streams:             streamsClient,
		Executor:            echoExecutor{},
		Metadata:            cfg.Metadata,
		Capacity:            cfg.Capacity(),
		MaxConcurrentLeases: cfg.MaxConcurrentLeases,
		HeartbeatInterval:   interval,
		Logger:              telemetry.NewClueLogger(),
		Metrics:             telemetry.NewClueMetrics(),
		Tracer:              telemetry.NewClueTracer(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to create worker")
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		log.Printf(ctx, "exiting (%v)", <-c)
		cancel()
	}()

	log.Print(ctx, log.KV{K: "msg", V: "worker starting"}, log.KV{K: "node", V: cfg.ID}, log.KV{K: "control-plane", V: cfg.ControlPlaneURL})
	if err := w.Run(ctx); err != nil {
		log.Fatalf(ctx, err, "worker failed")
	}
	log.Printf(ctx, "exited")
}

// echoExecutor is the built-in smoke-test executor: it pretends to run the
// agent and returns the input as output. Real deployments plug their agent
// runtime in through worker.Options.Executor.
type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, spec run.Spec) (*worker.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	out := map[string]string{"agent": spec.AgentID, "version": spec.Version}
	for k, v := range spec.Input {
		out["input."+k] = v
	}
	return &worker.Result{Output: out}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
