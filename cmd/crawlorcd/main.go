// Command crawlorcd is the crawl orchestration core's process entrypoint:
// it wires the Fiber ingress app, the Temporal worker, and the background
// maintenance loops together from a single Config.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/robfig/cron/v3"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/caiatech/crawlorc/internal/agentpool"
	"github.com/caiatech/crawlorc/internal/bus"
	"github.com/caiatech/crawlorc/internal/config"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/fanout"
	"github.com/caiatech/crawlorc/internal/ingress"
	"github.com/caiatech/crawlorc/internal/lifecycle"
	"github.com/caiatech/crawlorc/internal/obslog"
	"github.com/caiatech/crawlorc/internal/outbox"
	"github.com/caiatech/crawlorc/internal/policy"
	"github.com/caiatech/crawlorc/internal/quota"
	"github.com/caiatech/crawlorc/internal/storage"
	"github.com/caiatech/crawlorc/internal/storage/cache"
	"github.com/caiatech/crawlorc/internal/storage/memstore"
	"github.com/caiatech/crawlorc/internal/storage/pg"
	"github.com/caiatech/crawlorc/internal/workerclient"
)

func main() {
	cfg := config.Default()

	if err := obslog.Setup(&obslog.Config{
		Level:   getEnv("CRAWLORC_LOG_LEVEL", "info"),
		Format:  getEnv("CRAWLORC_LOG_FORMAT", "json"),
		Console: true,
	}); err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	repos, closeStorage := openStorage(cfg)
	defer closeStorage()

	var quotaCache *cache.QuotaCache
	if qc, err := cache.Open(cfg.BadgerDir, cfg.QuotaCacheTTL); err != nil {
		obslog.For("main").Warn().Err(err).Msg("quota cache unavailable, falling back to durable store reads only")
	} else {
		quotaCache = qc
		defer quotaCache.Close()
	}

	// The external user service that backs quota.Ledger.SyncFromUpstream is
	// out of scope for this process; standalone deployments
	// provision QuotaSnapshot rows directly and run without it.
	ledger := quota.New(repos.Quota, quotaCache, nil)

	pool := agentpool.New(repos.Agents, repos.ScalingPolicy, repos.Outbox, repos.Tx, cfg.AgentTimeout)
	endpoints := workerclient.NewEndpointRegistry()
	eventBus := bus.New()
	workerHTTP := &http.Client{Timeout: cfg.WorkerSubmitTimeout}
	workerClient := workerclient.New(workerHTTP, endpoints, eventBus, cfg.WorkerRateLimitPerSec, cfg.WorkerRateLimitBurst)

	admitter := policy.New(repos.Jobs, repos.Participants, repos.Templates, repos.Outbox, repos.Tx, ledger, domainRules(), nil)

	outboxBridge := outbox.New(repos.Outbox, eventBus, cfg.OutboxBatchSize, cfg.OutboxMaxRetries, cfg.OutboxBackoffBase, cfg.OutboxBackoffCap)
	fanOut := fanout.New(eventBus, repos.Results, repos.Jobs, fanout.DefaultQueueDepth)

	activities := &lifecycle.Activities{
		Jobs:   repos.Jobs,
		Agents: pool,
		Worker: workerClient,
		Quota:  ledger,
		Outbox: repos.Outbox,
		Tx:     repos.Tx,
	}

	temporalClient, err := client.Dial(client.Options{HostPort: cfg.TemporalHostPort})
	if err != nil {
		log.Fatalf("failed to create temporal client: %v", err)
	}
	defer temporalClient.Close()

	w := worker.New(temporalClient, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     20,
		MaxConcurrentWorkflowTaskExecutionSize: 20,
	})
	w.RegisterWorkflow(lifecycle.CrawlJobWorkflow)
	w.RegisterActivity(activities)

	go func() {
		if err := w.Run(worker.InterruptCh()); err != nil {
			log.Fatalf("temporal worker stopped: %v", err)
		}
	}()

	dispatcher := lifecycle.NewDispatcher(temporalClient, repos.Jobs, cfg)
	lifecycle.NewSignalBridge(temporalClient, eventBus)
	healthLoop := lifecycle.NewHealthLoop(pool, policyKeysFrom(repos.Jobs), dispatcher.RepatriateAgent)

	c := cron.New()
	mustCronEvery(c, cfg.DispatcherTickInterval, func() {
		if _, err := dispatcher.Tick(context.Background(), 100); err != nil {
			obslog.For("main").Warn().Err(err).Msg("dispatcher tick failed")
		}
	})
	mustCronEvery(c, cfg.HealthCheckInterval, func() {
		if _, err := healthLoop.Tick(context.Background()); err != nil {
			obslog.For("main").Warn().Err(err).Msg("health loop tick failed")
		}
	})
	mustCronEvery(c, cfg.OutboxPollInterval, func() {
		if _, err := outboxBridge.PollOnce(context.Background()); err != nil {
			obslog.For("main").Warn().Err(err).Msg("outbox poll failed")
		}
	})
	mustCronEvery(c, cfg.SchedulerTickInterval, func() {
		if _, err := dispatcher.SweepTimedOut(context.Background(), 100); err != nil {
			obslog.For("main").Warn().Err(err).Msg("timed-out job sweep failed")
		}
	})
	c.Start()
	defer c.Stop()

	app := fiber.New(fiber.Config{
		AppName: "crawlorc",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		},
	})
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{AllowOrigins: getEnv("CRAWLORC_CORS_ORIGINS", "*")}))

	handlers := &ingress.Handlers{
		Admitter:     admitter,
		Dispatcher:   dispatcher,
		Jobs:         repos.Jobs,
		Results:      repos.Results,
		Participants: repos.Participants,
		Fanout:       fanOut,
	}
	handlers.Register(app)

	// The worker callback listener (progress/terminal push-backs and agent
	// register/heartbeat/deregister) and the websocket subscribe endpoint run
	// on a separate net/http server, keeping machine-facing surfaces off
	// the user-facing API router.
	callbackMux := http.NewServeMux()
	callbackServer := workerclient.NewCallbackServer(eventBus, pool, endpoints)
	callbackMux.Handle("/callback/", callbackServer)
	callbackMux.Handle("/agents/", callbackServer)
	callbackMux.HandleFunc("/subscribe", ingress.SubscribeHandler(fanOut, repos.Participants))

	callbackAddr := getEnv("CRAWLORC_CALLBACK_ADDR", ":8081")
	callbackHTTP := &http.Server{Addr: callbackAddr, Handler: callbackMux}
	go func() {
		if err := callbackHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("callback server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		obslog.For("main").Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = callbackHTTP.Shutdown(shutdownCtx)
		_ = app.Shutdown()
	}()

	obslog.For("main").Info().Str("addr", cfg.HTTPAddr).Msg("starting crawlorc ingress")
	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("ingress server stopped: %v", err)
	}
}

// openStorage picks pg or memstore based on CRAWLORC_STORAGE, defaulting to
// the in-memory backend so the core runs standalone without a database for
// local exploration; production deployments set CRAWLORC_STORAGE=postgres.
func openStorage(cfg *config.Config) (*storage.Repositories, func()) {
	if getEnv("CRAWLORC_STORAGE", "memory") == "postgres" {
		store, err := pg.Open(context.Background(), cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to open postgres storage: %v", err)
		}
		return store.Repositories(), store.Close
	}
	store := memstore.New()
	return store.Repositories(), func() {}
}

// domainRules is the default domain policy table. It is empty, so every
// domain is allowed; config.Config has no setting for domain rules.
func domainRules() []policy.DomainRule {
	return nil
}

// policyKeysFrom builds the HealthLoop's per-tick auto-scaling key set by
// scanning jobs still in flight and deduping (requester, kind) pairs, since
// ScalingPolicyRepository has no enumeration method of its own; auto-scale
// is evaluated per user/kind pair that currently has demand.
func policyKeysFrom(jobs storage.JobRepository) func() []agentpool.PolicyKey {
	statuses := []domain.JobStatus{domain.JobPending, domain.JobAssigned, domain.JobRunning}
	return func() []agentpool.PolicyKey {
		seen := make(map[agentpool.PolicyKey]struct{})
		var keys []agentpool.PolicyKey
		for _, status := range statuses {
			s := status
			rows, err := jobs.List(context.Background(), storage.JobFilter{Status: &s, Limit: 500})
			if err != nil {
				obslog.For("main").Warn().Err(err).Str("status", string(status)).Msg("failed to list jobs for autoscale keys")
				continue
			}
			for _, j := range rows {
				key := agentpool.PolicyKey{UserID: j.RequesterID, Kind: j.WorkerKind}
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
		return keys
	}
}

// mustCronEvery schedules fn on cron's native "@every" spec, the idiomatic
// way to run a fixed-interval tick without hand-converting a duration into a
// five-field cron expression.
func mustCronEvery(c *cron.Cron, d time.Duration, fn func()) {
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", d), fn); err != nil {
		log.Fatalf("failed to schedule cron tick: %v", err)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
