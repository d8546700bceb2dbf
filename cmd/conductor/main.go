// Conductor — orchestrates AI coding agents against GitHub-hosted repos.
//
// Runs as a standalone binary. Serves:
//   - The Operator Control Surface REST API
//   - The inbound GitHub webhook endpoint
//   - A Prometheus /metrics endpoint
//
// Drives, in the background:
//   - The Orchestrator Worker's drain loop (one poller per process)
//   - The Outbox Worker's send/recover loops
//   - The Janitor's reclaim/retention sweeps
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/conductor/api"
	"github.com/cswenor/conductor/internal/conductor/artifacts"
	"github.com/cswenor/conductor/internal/conductor/config"
	"github.com/cswenor/conductor/internal/conductor/credentials"
	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/gates"
	"github.com/cswenor/conductor/internal/conductor/githubclient"
	"github.com/cswenor/conductor/internal/conductor/janitor"
	"github.com/cswenor/conductor/internal/conductor/jobs"
	"github.com/cswenor/conductor/internal/conductor/migrations"
	"github.com/cswenor/conductor/internal/conductor/orchestrator"
	"github.com/cswenor/conductor/internal/conductor/outbox"
	"github.com/cswenor/conductor/internal/conductor/policyset"
	"github.com/cswenor/conductor/internal/conductor/runjobs"
	"github.com/cswenor/conductor/internal/conductor/runs"
	"github.com/cswenor/conductor/internal/conductor/webhook"
	"github.com/cswenor/conductor/internal/conductor/worktrees"
	"github.com/cswenor/conductor/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	logger := buildLogger()
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("failed to init trace provider", zap.Error(err))
	}
	defer shutdownTracing(context.Background()) //nolint:errcheck

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := migrations.NewRunner(logger, migrations.All()).Migrate(db); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	eventStore := events.NewStore(db)
	runStore := runs.NewStore(db, eventStore)
	jobStore := jobs.NewStore(db)
	outboxStore := outbox.NewStore(db)
	policyStore := policyset.NewStore(db)
	artifactStore := artifacts.NewStore(db, artifacts.NewOCIPublisher())
	gateStore := gates.NewStore(db)
	worktreeStore := worktrees.NewStore(db)

	installationLookup := credentials.NewDBInstallationLookup(db)
	var tokenProvider credentials.Provider
	if cfg.GitHubAppID != 0 && cfg.GitHubPrivateKey != "" {
		appProvider, err := credentials.NewAppProvider(cfg.GitHubAppID, []byte(cfg.GitHubPrivateKey), installationLookup)
		if err != nil {
			logger.Fatal("failed to build github app credential provider", zap.Error(err))
		}
		tokenProvider = appProvider
	} else {
		logger.Warn("no github app credentials configured; outbox writes will fail until CONDUCTOR_GITHUB_APP_ID/CONDUCTOR_GITHUB_PRIVATE_KEY are set")
	}

	orchestratorWorker := orchestrator.NewWorker(db, eventStore, runStore, jobStore, logger)
	orchestrator.RegisterDefaultHandlers(orchestratorWorker)
	poller := orchestrator.NewPoller(orchestratorWorker, logger)
	poller.Start(ctx, cfg.DrainPollInterval)
	defer poller.Stop()

	j := janitor.New(db, jobStore, janitor.DefaultSchedules(), cfg.Retention, logger)
	j.Start(ctx)
	defer j.Stop()

	if tokenProvider != nil {
		client := githubclient.New(tokenProvider, runStore)
		outboxWorker := outbox.NewWorker(outboxStore, runStore, client, logger)
		outboxWorker.CommentLimiter = outbox.NewCommentLimiter(cfg.CommentRateLimit)
		stopOutbox := runOutboxLoop(ctx, outboxWorker, cfg.OutboxPollInterval, logger)
		defer stopOutbox()

		provisioner := worktrees.NewGitProvisioner(cfg.WorktreeBaseDir, func(owner, name string) string {
			return fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
		})
		runJobWorker := runjobs.NewWorker(db, jobStore, runStore, worktreeStore, outboxStore,
			orchestratorWorker, provisioner, tokenProvider, "conductor-runjobs", logger)
		stopRunJobs := runRunJobsLoop(ctx, runJobWorker, cfg.RunJobPollInterval, logger)
		defer stopRunJobs()
	}

	apiHandler := api.NewHandler(runStore, policyStore, eventStore, logger).WithArtifacts(artifactStore, gateStore)
	webhookHandler := webhook.NewHandler(cfg.WebhookSecret, eventStore, webhook.NewDBRepoResolver(db), webhook.NewSnapshotStore(db), logger)

	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)
	mux.Handle("POST /webhooks/github", webhookHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"version":"%s","commit":"%s"}`+"\n", version, commit)
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting conductor",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func buildLogger() *zap.Logger {
	var logger *zap.Logger
	var err error
	if os.Getenv("CONDUCTOR_ENV") == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

// runOutboxLoop polls the outbox for queued writes and periodically sweeps
// ambiguous/crashed ones, the same ticker-driven background-loop shape the
// Janitor and the Orchestrator's Poller use.
func runOutboxLoop(ctx context.Context, w *outbox.Worker, interval time.Duration, log *zap.Logger) func() {
	sendTicker := time.NewTicker(interval)
	recoverTicker := time.NewTicker(interval * 10)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sendTicker.C:
				// ProcessOne returns nil both when it sent a write and when
				// the outbox was empty, so a tick drains at most this many
				// queued writes rather than spinning forever on an empty
				// queue.
				for i := 0; i < 50; i++ {
					if err := w.ProcessOne(ctx); err != nil {
						log.Warn("outbox send failed", zap.Error(err))
						break
					}
				}
			case <-recoverTicker.C:
				if err := w.RecoverAmbiguous(ctx); err != nil {
					log.Warn("outbox ambiguous recovery failed", zap.Error(err))
				}
				if err := w.ReconcileCrashedPRCreations(ctx); err != nil {
					log.Warn("outbox pr-bundle reconciliation failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		sendTicker.Stop()
		recoverTicker.Stop()
		<-done
	}
}

// runRunJobsLoop polls the run-job queue the same ticker-driven way
// runOutboxLoop drains the outbox.
func runRunJobsLoop(ctx context.Context, w *runjobs.Worker, interval time.Duration, log *zap.Logger) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i := 0; i < 50; i++ {
					if err := w.ProcessOne(ctx, 5*time.Minute); err != nil {
						log.Warn("run-job processing failed", zap.Error(err))
						break
					}
				}
			}
		}
	}()

	return func() {
		ticker.Stop()
		<-done
	}
}
