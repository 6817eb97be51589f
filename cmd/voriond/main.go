// Command voriond runs the Vorion governance core: the decision engine,
// policy registry, audit trail, and replay tooling wired together from
// deployment configuration.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vorion-labs/vorion/core/pkg/archive"
	"github.com/vorion-labs/vorion/core/pkg/audit"
	"github.com/vorion-labs/vorion/core/pkg/auth"
	"github.com/vorion-labs/vorion/core/pkg/cache"
	"github.com/vorion-labs/vorion/core/pkg/config"
	"github.com/vorion-labs/vorion/core/pkg/contracts"
	"github.com/vorion-labs/vorion/core/pkg/enforce"
	"github.com/vorion-labs/vorion/core/pkg/metrics"
	"github.com/vorion-labs/vorion/core/pkg/observability"
	"github.com/vorion-labs/vorion/core/pkg/ratelimit"
	"github.com/vorion-labs/vorion/core/pkg/registry"
	"github.com/vorion-labs/vorion/core/pkg/replay"
	"github.com/vorion-labs/vorion/core/pkg/rules"
	"github.com/vorion-labs/vorion/core/pkg/sandbox"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. With no arguments it runs the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServer(stderr)
	case "hash-key":
		return runHashKey(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "voriond %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "voriond: unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: voriond [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve       Run the governance core (default)")
	fmt.Fprintln(w, "  hash-key    Hash an API key for storage")
	fmt.Fprintln(w, "  version     Print the version")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration comes from VORION_CONFIG and VORION_* variables.")
}

// runHashKey reads a plaintext key argument and prints its argon2id hash.
func runHashKey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: voriond hash-key <key>")
		return 2
	}
	hash, err := auth.HashAPIKey(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "voriond: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, hash)
	return 0
}

func runServer(stderr io.Writer) int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "voriond: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "voriond: %v\n", err)
		return 1
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := serve(context.Background(), cfg, log); err != nil {
		log.Error("voriond exited", "error", err)
		return 1
	}
	return 0
}

// Services holds the wired governance core for the lifetime of the process.
type Services struct {
	Obs       *observability.Provider
	Metrics   *metrics.Metrics
	Cache     *cache.Cache
	Limiter   *ratelimit.Limiter
	Sink      *audit.Sink
	Runner    *sandbox.Runner
	Policies  *registry.Registry
	Engine    *enforce.Engine
	Escal     *enforce.Manager
	Snapshots *replay.Manager
	Replayer  *replay.Replayer
	Simulator *replay.Simulator
	Tokens    *auth.TokenManager
	Keys      *auth.MemoryKeySet
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("starting voriond", "version", version)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRate:     1.0,
		Insecure:       true,
	}, log)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	met := metrics.New(promReg)

	// Audit persistence: SQL when a driver is configured, memory otherwise.
	var auditStore audit.Store
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
		db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		sqlStore := audit.NewSQLStore(db)
		if err := sqlStore.Init(ctx); err != nil {
			return fmt.Errorf("init audit schema: %w", err)
		}
		auditStore = sqlStore
		log.Info("audit store ready", "driver", cfg.Database.Driver)
	default:
		auditStore = audit.NewMemoryStore()
		log.Warn("audit records are held in memory; configure a database for durability")
	}

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		log.Info("shared redis tier enabled", "addr", cfg.Redis.Addr)
	}

	var sharedCache cache.SharedStore
	var sharedLimits *ratelimit.RedisStore
	if redisClient != nil {
		sharedCache = cache.NewRedisStore(redisClient)
		sharedLimits = ratelimit.NewRedisStore(redisClient)
	}

	decisionCache := cache.New(cache.Options{
		TTL:           cfg.Cache.TTL,
		LocalCapacity: cfg.Cache.LocalCapacity,
		Shared:        sharedCache,
		Metrics:       met,
		Logger:        log,
	})

	limiter := ratelimit.New(ratelimit.Options{
		Shared:     sharedLimits,
		FailClosed: cfg.RateLimit.FailClosed,
		Metrics:    met,
		Logger:     log,
	})

	sink := audit.NewSink(auditStore, audit.Options{
		BufferCeiling:    cfg.Audit.BufferCeiling,
		FlushInterval:    cfg.Audit.FlushInterval,
		BatchSize:        cfg.Audit.BatchSize,
		ShutdownAttempts: cfg.Audit.DrainAttempts,
		Metrics:          met,
		Logger:           log,
	})

	runner, err := sandbox.NewRunner(ctx, sandbox.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init sandbox: %w", err)
	}

	evaluator, err := rules.NewCELEvaluator()
	if err != nil {
		return fmt.Errorf("init rule evaluator: %w", err)
	}

	policies, err := registry.New(registry.Options{
		Invalidator: decisionCache,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("init policy registry: %w", err)
	}

	escalations := enforce.NewManager(sink, met, log)

	engine, err := enforce.New(enforce.Options{
		Evaluator:      evaluator,
		Cache:          decisionCache,
		Auditor:        sink,
		Escalations:    escalations,
		Custom:         runner,
		FallbackAction: contracts.ControlAction(cfg.Enforce.FallbackAction),
		Observability:  obs,
		Metrics:        met,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("init decision engine: %w", err)
	}

	// Replays must re-evaluate, not re-serve: the replay engine carries no
	// cache and no auditor, so runs neither hit cached decisions nor write
	// duplicate records into the tenant chain.
	replayEngine, err := enforce.New(enforce.Options{
		Evaluator:      evaluator,
		Custom:         runner,
		FallbackAction: contracts.ControlAction(cfg.Enforce.FallbackAction),
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("init replay engine: %w", err)
	}

	var archiver replay.Archiver
	if cfg.Archive.Enabled {
		acfg := archive.Config{
			Backend: archive.Backend(cfg.Archive.Backend),
			Dir:     cfg.Archive.Dir,
			S3: archive.S3Config{
				Bucket:   cfg.Archive.S3.Bucket,
				Region:   cfg.Archive.S3.Region,
				Endpoint: cfg.Archive.S3.Endpoint,
				Prefix:   cfg.Archive.S3.Prefix,
			},
		}
		acfg.GCS.Bucket = cfg.Archive.GCS.Bucket
		acfg.GCS.Prefix = cfg.Archive.GCS.Prefix
		blobs, err := archive.NewBlobStore(ctx, acfg)
		if err != nil {
			return fmt.Errorf("init snapshot archive: %w", err)
		}
		archiver = archive.NewStore(blobs, log)
		log.Info("snapshot archive enabled", "backend", cfg.Archive.Backend)
	}

	snapshots := replay.NewManager(replay.NewMemorySnapshotStore(), archiver, log)

	keys, err := auth.NewMemoryKeySet()
	if err != nil {
		return fmt.Errorf("init signing keys: %w", err)
	}

	svc := &Services{
		Obs:       obs,
		Metrics:   met,
		Cache:     decisionCache,
		Limiter:   limiter,
		Sink:      sink,
		Runner:    runner,
		Policies:  policies,
		Engine:    engine,
		Escal:     escalations,
		Snapshots: snapshots,
		Replayer:  replay.NewReplayer(snapshots, replayEngine, evaluator, log),
		Simulator: replay.NewSimulator(evaluator),
		Tokens:    auth.NewTokenManager(keys),
		Keys:      keys,
	}

	// Operational surface: health and metrics only.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              ":9090",
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ops listener failed", "error", err)
		}
	}()

	log.Info("voriond ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := svc.Sink.Shutdown(shutdownCtx); err != nil {
		log.Error("audit drain incomplete", "error", err)
	}
	svc.Cache.Close()
	svc.Limiter.Close()
	svc.Escal.Close()
	if err := svc.Runner.Close(shutdownCtx); err != nil {
		log.Error("sandbox shutdown failed", "error", err)
	}
	if err := svc.Obs.Shutdown(shutdownCtx); err != nil {
		log.Error("telemetry shutdown failed", "error", err)
	}

	log.Info("voriond stopped")
	return nil
}
