package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/conatusassistant/conatus-scheduler/internal/api"
	"github.com/conatusassistant/conatus-scheduler/internal/circuitbreaker"
	"github.com/conatusassistant/conatus-scheduler/internal/config"
	"github.com/conatusassistant/conatus-scheduler/internal/dispatch"
	"github.com/conatusassistant/conatus-scheduler/internal/domain"
	"github.com/conatusassistant/conatus-scheduler/internal/index/memory"
	redisindex "github.com/conatusassistant/conatus-scheduler/internal/index/redis"
	"github.com/conatusassistant/conatus-scheduler/internal/leaderelection"
	"github.com/conatusassistant/conatus-scheduler/internal/metrics"
	"github.com/conatusassistant/conatus-scheduler/internal/reclaim"
	"github.com/conatusassistant/conatus-scheduler/internal/rederive"
	"github.com/conatusassistant/conatus-scheduler/internal/retry"
	"github.com/conatusassistant/conatus-scheduler/internal/scheduler"
	"github.com/conatusassistant/conatus-scheduler/internal/store/postgres"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// dueIndex is the union of everything a due-time index backend provides.
type dueIndex interface {
	scheduler.DueIndex
	Ping(ctx context.Context) error
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`conatusched - deferred and recurring task scheduler

Usage:
  conatusched <command>

Commands:
  serve      Start the scheduler, rederiver and HTTP API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  HTTP_ADDR                 HTTP server address (default: ":8080")

  INDEX_MODE                Due-time index backend: "memory" or "redis" (default: "memory")
  REDIS_ADDR                Redis address (required when INDEX_MODE=redis)
  DUE_INDEX_KEY             Redis sorted-set key (default: "conatus:due")

  TICK_INTERVAL             Due-task pass cadence (default: "5s")
  TICK_GRACE_TIMEOUT        In-flight dispatch grace on shutdown (default: "30s")
  BATCH_SIZE                Max due tasks per tick (default: "25")
  DISPATCH_CONCURRENCY      Parallel dispatches per tick, 0 = batch size (default: "0")

  MAX_RETRIES               Retry attempts per message (default: "3")
  RETRY_DELAY               Delay before each retry (default: "60s")

  REDERIVE_ENABLED          Enable the recurring-rule pass (default: "true")
  REDERIVE_INTERVAL         How often recurring rules are scanned (default: "1h")
  REDERIVE_BATCH_SIZE       Automations per scan page (default: "100")

  RECLAIM_INTERVAL          How often stranded in-flight tasks are swept (default: "1m")
  RECLAIM_THRESHOLD         Age before an in-flight task counts as stranded (default: "5m")

  CONNECTORS                Connector endpoints as service=url pairs, comma separated
  CONNECTOR_SECRET          HMAC secret for signing connector requests
  CONNECTOR_TIMEOUT         Per-call connector timeout (default: "30s")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before a service opens, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open-state cooldown before a probe (default: "2m")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  LEADER_ELECTION_ENABLED   Gate loops behind a Postgres advisory lock (default: "false")
  LEADER_LOCK_KEY           Advisory lock key shared by all replicas (default: "815031")
  LEADER_RETRY_INTERVAL     Follower lock retry cadence (default: "5s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	log.Printf("conatusched: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	// Due-time index backend
	var index dueIndex
	switch cfg.IndexMode {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		idx := redisindex.New(client, cfg.DueIndexKey)
		if err := idx.Ping(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to redis: %v\n", err)
			return exitRuntimeError
		}
		index = idx
		log.Printf("conatusched: redis due index (addr=%s, key=%s)", cfg.RedisAddr, cfg.DueIndexKey)
	default:
		index = memory.New()
		log.Println("conatusched: in-memory due index (single instance only)")
	}

	// The index is derived state: rebuild it from the durable store so
	// messages scheduled before a restart are not orphaned.
	if n, err := rebuildIndex(context.Background(), store, index); err != nil {
		fmt.Fprintf(os.Stderr, "failed to rebuild due index: %v\n", err)
		return exitRuntimeError
	} else if n > 0 {
		log.Printf("conatusched: due index rebuilt (%d pending messages)", n)
	}

	// Metrics sink (optional)
	var metricsSink metrics.Sink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("conatusched: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("conatusched: METRICS_ENABLED not set; metrics disabled")
	}

	// Connector registry
	registry := dispatch.NewRegistry()
	for service, url := range cfg.Connectors {
		registry.Register(service, dispatch.NewHTTPConnector(service, url, cfg.ConnectorSecret, cfg.ConnectorTimeout))
	}
	if len(cfg.Connectors) == 0 {
		log.Println("conatusched: CONNECTORS not set; all dispatches will fail as unknown service")
	} else {
		log.Printf("conatusched: connectors registered: %v", registry.Services())
	}
	if cfg.CircuitBreakerThreshold > 0 {
		registry.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		log.Printf("conatusched: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}
	if metricsSink != nil {
		registry.WithMetrics(metricsSink)
	}

	worker := scheduler.New(scheduler.Config{
		TickInterval: cfg.TickInterval,
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.DispatchConcurrency,
		GraceTimeout: cfg.TickGraceTimeout,
		RetryPolicy:  retry.Policy{MaxRetries: cfg.MaxRetries, Delay: cfg.RetryDelay},
	}, store, index, registry)
	if metricsSink != nil {
		worker = worker.WithMetrics(metricsSink)
	}

	var deriver *rederive.Deriver
	if cfg.RederiveEnabled {
		deriver = rederive.New(rederive.Config{
			Interval:  cfg.RederiveInterval,
			BatchSize: cfg.RederiveBatchSize,
		}, store)
		if metricsSink != nil {
			deriver = deriver.WithMetrics(metricsSink)
		}
	} else {
		log.Println("conatusched: REDERIVE_ENABLED=false; recurring rules will not derive entries")
	}

	sweeper := reclaim.New(reclaim.Config{
		Interval:  cfg.ReclaimInterval,
		Threshold: cfg.ReclaimThreshold,
	}, store, index)
	if metricsSink != nil {
		sweeper = sweeper.WithMetrics(metricsSink)
	}

	// HTTP API, with metrics on the same server when enabled
	apiHandler := api.NewHandler(store, index).
		WithHealthCheckers(db, api.PingerFunc(index.Ping))

	mux := http.NewServeMux()
	if cfg.MetricsEnabled {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("conatusched: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("conatusched: http server error: %v", err)
		}
	}()

	// startLoops runs the tick worker, the rederiver and the reclaim
	// sweeper until ctx is cancelled; stopLoops blocks until all have
	// returned.
	startLoops := func(ctx context.Context) func() {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
		if deriver != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				deriver.Run(ctx)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(ctx)
		}()
		return wg.Wait
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())

	var loopsWg sync.WaitGroup
	if cfg.LeaderElectionEnabled {
		var mu sync.Mutex
		var stopDuties func()

		elector := leaderelection.New(db, cfg.LeaderLockKey, cfg.LeaderRetryInterval,
			func(leaderCtx context.Context) {
				mu.Lock()
				stopDuties = startLoops(leaderCtx)
				mu.Unlock()
			},
			func() {
				mu.Lock()
				stop := stopDuties
				stopDuties = nil
				mu.Unlock()
				if stop != nil {
					stop()
				}
			},
		)

		loopsWg.Add(1)
		go func() {
			defer loopsWg.Done()
			elector.Run(rootCtx)
		}()
		log.Printf("conatusched: leader election enabled (lock_key=%d)", cfg.LeaderLockKey)
	} else {
		stop := startLoops(rootCtx)
		loopsWg.Add(1)
		go func() {
			defer loopsWg.Done()
			stop()
		}()
	}

	log.Printf("conatusched: started (tick=%s, rederive=%s, index=%s, http=%s)",
		cfg.TickInterval, cfg.RederiveIntervalStr, cfg.IndexMode, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("conatusched: received signal %v, shutting down", received)

	// Phase 1: stop the loops. The tick in flight finishes on its own
	// grace-bounded context, so in-flight dispatches are not cut off.
	log.Println("conatusched: stopping scheduler loops...")
	cancelRoot()
	loopsWg.Wait()
	log.Println("conatusched: scheduler loops stopped")

	// Phase 2: stop the HTTP server gracefully.
	log.Println("conatusched: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("conatusched: http server shutdown error: %v", err)
	}
	log.Println("conatusched: http server stopped")

	log.Println("conatusched: stopped")
	return exitSuccess
}

// rebuildIndex re-enqueues every pending message into the due-time index.
// Enqueue is idempotent (re-adding an id just resets its score), so running
// this against a populated redis index is safe.
func rebuildIndex(ctx context.Context, store *postgres.Store, index dueIndex) (int, error) {
	const pageSize = 500

	total := 0
	for _, status := range []domain.MessageStatus{domain.MessageStatusScheduled, domain.MessageStatusRetry} {
		for offset := 0; ; offset += pageSize {
			messages, err := store.ListMessages(ctx, string(status), pageSize, offset)
			if err != nil {
				return total, err
			}
			for _, msg := range messages {
				if err := index.Enqueue(ctx, msg.ID.String(), msg.DueAt); err != nil {
					return total, err
				}
				total++
			}
			if len(messages) < pageSize {
				break
			}
		}
	}
	return total, nil
}

// logConfigWarnings flags configurations that are valid but likely wrong in
// production.
func logConfigWarnings(cfg *config.Config) {
	if cfg.IndexMode == "memory" && cfg.LeaderElectionEnabled {
		log.Println("WARNING: INDEX_MODE=memory with LEADER_ELECTION_ENABLED=true: each replica keeps " +
			"a private index, so messages accepted by a follower's API are only dispatched if that " +
			"replica becomes leader. Use INDEX_MODE=redis when running more than one replica.")
	}

	if cfg.ConnectorSecret == "" && len(cfg.Connectors) > 0 {
		log.Println("WARNING: CONNECTOR_SECRET not set: connector requests will not be signed and " +
			"receivers cannot authenticate them.")
	}

	if !cfg.RederiveEnabled {
		log.Println("WARNING: REDERIVE_ENABLED=false: recurring automations will stop producing " +
			"entries once their current entries execute.")
	}

	if !cfg.MetricsEnabled {
		log.Println("INFO: METRICS_ENABLED not set: no visibility into tick latency or dispatch failures.")
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("conatusched version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
