package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/splax/helios/internal/app/migrate"
	"github.com/splax/helios/internal/github"
	httpx "github.com/splax/helios/internal/http"
	"github.com/splax/helios/internal/metrics"
	"github.com/splax/helios/internal/repository/postgres"
	"github.com/splax/helios/internal/service/deploy"
	"github.com/splax/helios/internal/service/environment"
	"github.com/splax/helios/internal/service/lock"
	"github.com/splax/helios/internal/service/maintenance"
	"github.com/splax/helios/internal/service/notify"
	"github.com/splax/helios/internal/service/statuscheck"
	"github.com/splax/helios/internal/service/webhook"
	"github.com/splax/helios/internal/ws"
	"github.com/splax/helios/pkg/config"
	"github.com/splax/helios/pkg/logger"
)

func main() {
	if path := strings.TrimSpace(os.Getenv("HELIOS_CONFIG_FILE")); path != "" {
		if err := config.LoadFile(path); err != nil {
			slog.Error("failed to load config file", "path", path, "error", err)
			os.Exit(1)
		}
	}
	cfg := config.LoadAPIConfig()
	log := logger.New("helios", logger.ParseLevel(cfg.LogLevel))

	if err := run(cfg, log); err != nil {
		log.Error("helios exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.APIConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		return err
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		return err
	}
	if err := runner.Ensure(ctx); err != nil {
		return err
	}
	repo := postgres.New(pool)

	var rdb *redis.Client
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPass, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, falling back to in-process queues", "addr", addr, "error", err)
			rdb = nil
		}
	}

	gh, err := newGitHubClient(cfg)
	if err != nil {
		return err
	}
	vault := github.NewTokenVault(repo, cfg.TokenEncryptionKey)

	hub := ws.NewHub(log)
	gate := notify.New(repo, repo, notify.LogSender{Logger: log}, log, cfg)
	locks := lock.New(repo, github.PermissionResolver{Client: gh, Repos: repo, Users: repo}, log, cfg,
		lock.WithPublisher(hub),
		lock.WithNotifier(gate),
	)
	environments := environment.New(repo, locks, hub, log, cfg)
	deployments := deploy.New(deploy.Dependencies{
		Deployments:  repo,
		Environments: repo,
		Repositories: repo,
		Locks:        locks,
		Dispatcher:   gh,
		Approver:     gh,
		Tokens:       vault,
		Notifier:     gate,
		Publisher:    hub,
		Policy:       deploy.AlwaysApprove,
	}, log, cfg)

	var guard webhook.DeliveryGuard = webhook.StoreGuard{Deliveries: repo}
	if rdb != nil {
		guard = webhook.NewRedisGuard(rdb, cfg.WebhookDedupeTTL)
	}
	dispatcher := webhook.NewDispatcher(webhook.NewSynchronizer(repo, deployments, log), guard, log, cfg)

	var sink webhook.Sink = dispatcher
	var consumer *webhook.StreamConsumer
	if rdb != nil && cfg.WebhookStream != "" {
		sink = webhook.NewStreamProducer(rdb, cfg.WebhookStream)
		consumer = webhook.NewStreamConsumer(rdb, dispatcher, log, cfg)
	}

	opts := httpx.Options{RateLimit: cfg.RateLimitPerMin, DBHealth: pool.Ping}
	if rdb != nil {
		opts.Limiter = httpx.NewRedisRateLimiter(rdb, log)
	}
	router := httpx.NewRouter(log, httpx.Services{
		Locks:         locks,
		Environments:  environments,
		Deployments:   deployments,
		Notifications: gate,
		Tokens:        vault,
		Webhooks:      webhook.New(cfg.WebhookSecret, sink, log),
		Hub:           hub,
	}, opts)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	if scheduler := statuscheck.New(repo, hub, log, cfg); scheduler != nil {
		g.Go(func() error { scheduler.Run(gctx); return nil })
	}
	if controller := maintenance.New(locks, gate, repo, repo, log, cfg); controller != nil {
		g.Go(func() error { controller.Run(gctx); return nil })
	}
	g.Go(func() error {
		log.Info("helios server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("helios server stopped")
		return nil
	})

	// Events that happened before startup are replayed without notifications.
	gate.MarkReady(time.Now().UTC())

	return g.Wait()
}

// newGitHubClient builds the app-authenticated client. Without app credentials the client
// still serves user-token calls such as approvals.
func newGitHubClient(cfg config.APIConfig) (*github.Client, error) {
	exchange, err := github.New(cfg.GitHubAPIURL, github.WithTimeout(cfg.GitHubTimeout))
	if err != nil {
		return nil, err
	}
	pemKey := []byte(cfg.GitHubPrivateKey)
	if path := strings.TrimSpace(cfg.GitHubPrivateKeyPath); path != "" {
		pemKey, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}
	if len(pemKey) == 0 || cfg.GitHubAppID == "" {
		return exchange, nil
	}
	source, err := github.NewAppTokenSource(exchange, cfg.GitHubAppID, cfg.GitHubInstallationID, pemKey)
	if err != nil {
		return nil, err
	}
	return github.New(cfg.GitHubAPIURL, github.WithTimeout(cfg.GitHubTimeout), github.WithTokenSource(source))
}
