package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/skyhook-ai/skyhook/controlplane"
	"github.com/skyhook-ai/skyhook/telemetry"
)

func main() {
	var (
		addrF = flag.String("addr", envOr("CONTROL_PLANE_ADDR", ":8080"), "HTTP listen address")
		dbgF  = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Format and debug settings flow through the context.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     envOr("REDIS_URL", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer redisClient.Close()

	var mongoClient *mongodriver.Client
	if uri := os.Getenv("MONGO_URL"); uri != "" {
		var err error
		mongoClient, err = mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(uri))
		if err != nil {
			log.Fatalf(ctx, err, "failed to connect to mongo")
		}
		defer func() {
			_ = mongoClient.Disconnect(context.Background())
		}()
	}

	cp, err := controlplane.New(ctx, controlplane.Config{
		Redis:             redisClient,
		Mongo:             mongoClient,
		MongoDatabase:     os.Getenv("MONGO_DB"),
		LeaseTTL:          envDurationOr(ctx, "LEASE_TTL", 0),
		HeartbeatTimeout:  envDurationOr(ctx, "HEARTBEAT_TIMEOUT", 0),
		MaxAttempts:       envIntOr(ctx, "MAX_ATTEMPTS", 0),
		PollInterval:      envDurationOr(ctx, "POLL_INTERVAL", 0),
		DispatchRate:      envFloatOr(ctx, "DISPATCH_RATE", 0),
		EventStreamMaxLen: envIntOr(ctx, "EVENT_STREAM_MAXLEN", 0),
		Logger:            telemetry.NewClueLogger(),
		Metrics:           telemetry.NewClueMetrics(),
		Tracer:            telemetry.NewClueTracer(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to create control plane")
	}

	// Build the HTTP request multiplexer and mount debug and profiler
	// endpoints in debug mode.
	mux := goahttp.NewMuxer()
	if *dbgF {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	controlplane.MountHTTP(mux, cp.Service())

	check := health.Handler(health.NewChecker(cp.Pingers()...))
	mux.Handle("GET", "/healthz", check)
	mux.Handle("GET", "/livez", check)

	var handler http.Handler = mux
	if *dbgF {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: *addrF, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	// Channel used by both the signal handler and server goroutines to
	// notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "dispatch loop started")
		if err := cp.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", *addrF)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", *addrF)

		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	if err := cp.Close(context.Background()); err != nil {
		log.Printf(ctx, "failed to close control plane: %v", err)
	}
	log.Printf(ctx, "exited")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(ctx context.Context, key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf(ctx, err, "invalid %s %q", key, v)
	}
	return n
}

func envFloatOr(ctx context.Context, key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf(ctx, err, "invalid %s %q", key, v)
	}
	return f
}

func envDurationOr(ctx context.Context, key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf(ctx, err, "invalid %s %q", key, v)
	}
	return d
}
