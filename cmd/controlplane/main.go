package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/fleetctl/agentplane/internal/app/migrate"
	"github.com/fleetctl/agentplane/internal/auth"
	"github.com/fleetctl/agentplane/internal/healthcheck"
	"github.com/fleetctl/agentplane/internal/httpapi"
	"github.com/fleetctl/agentplane/internal/mail"
	"github.com/fleetctl/agentplane/internal/materializer"
	"github.com/fleetctl/agentplane/internal/orchestrator"
	"github.com/fleetctl/agentplane/internal/portalloc"
	"github.com/fleetctl/agentplane/internal/proxy"
	"github.com/fleetctl/agentplane/internal/reaper"
	"github.com/fleetctl/agentplane/internal/repository"
	"github.com/fleetctl/agentplane/internal/repository/postgres"
	"github.com/fleetctl/agentplane/internal/runtime"
	"github.com/fleetctl/agentplane/internal/ws"
	"github.com/fleetctl/agentplane/pkg/config"
	"github.com/fleetctl/agentplane/pkg/crypto"
	"github.com/fleetctl/agentplane/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("controlplane", parseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	aead, err := newAEAD(cfg.EncryptionKeyHex)
	if err != nil {
		log.Error("failed to configure encryption key", "error", err)
		os.Exit(1)
	}
	repo := postgres.New(pool, aead)

	rt, err := runtime.NewDocker(cfg.DockerHost)
	if err != nil {
		log.Error("failed to connect to container runtime", "error", err)
		os.Exit(1)
	}

	ports := portalloc.New(cfg.MinAgentPort, cfg.MaxAgentPort, repo, rt, log)
	mat := materializer.New(cfg.DataPath, log)
	health := healthcheck.New(2*time.Second, cfg.HealthCheckInterval, cfg.HealthCheckTimeout, log)

	orchCfg := orchestrator.Config{
		MaxRunningAgents:  cfg.MaxRunningAgents,
		AgentInternalPort: cfg.AgentInternalPort,
		AgentMaxRestarts:  cfg.AgentMaxRestarts,
		ContainerPrefix:   cfg.ContainerPrefix,
		AgentImage:        cfg.AgentImage,
		DataPath:          cfg.DataPath,
	}
	orch := orchestrator.New(repo, repo, rt, ports, mat, health, orchCfg, log)

	mailer := mail.New(mail.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, log)

	reaperSvc := reaper.New(repo, repo, rt, mailer, reaper.Config{
		IdleTimeout:     cfg.IdleTimeout,
		ReminderWindow:  time.Duration(cfg.ReminderDays) * 24 * time.Hour,
		ContainerPrefix: cfg.ContainerPrefix,
	}, log)
	go reaperSvc.Run(ctx)

	authSvc := auth.New(repo, deviceCodeRepo(cfg, repo), log, auth.Config{
		JWTSecret:        cfg.JWTSecret,
		AccessTokenTTL:   cfg.JWTAccessTTL,
		RefreshTokenTTL:  cfg.JWTRefreshTTL,
		DefaultMaxAgents: cfg.DefaultMaxAgents,
	})

	hub := ws.NewHub()

	limiter := httpapi.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RedisURL); addr != "" {
		if redisLimiter, err := redisRateLimiterFromURL(addr, log); err != nil {
			log.Warn("redis rate limiter unavailable, falling back to in-memory", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpapi.New(log, authSvc, repo, repo, orch, rt, hub, limiter, httpapi.Config{
		MaxDeployments: cfg.MaxDeployments,
		WebhookSecret:  cfg.PaymentWebhookSecret,
		DefaultResourceLimits: orchestrator.ResourceLimits{
			CPUNanos:    cfg.AgentCPUNano,
			MemoryBytes: cfg.AgentMemoryLimit,
		},
	}, pool.Ping)
	defer router.Close()

	handler := proxy.New(repo, orch, router, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("control plane starting", "addr", cfg.HTTPAddr, "domain", cfg.Domain)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("control plane stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func newAEAD(keyHex string) (*crypto.AEAD, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return crypto.NewAEAD(key)
}

// deviceCodeRepo gates the CLI device-authorization flow behind its own
// config flag: when disabled, auth.Service receives a nil repository and
// rejects device-auth calls with ErrDeviceAuthDisabled.
func deviceCodeRepo(cfg config.Config, repo repository.DeviceCodeRepository) repository.DeviceCodeRepository {
	if !cfg.DeviceAuthEnabled {
		return nil
	}
	return repo
}

func redisRateLimiterFromURL(rawURL string, log *slog.Logger) (httpapi.RateLimiter, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return httpapi.NewRedisRateLimiter(opts.Addr, opts.Password, opts.DB, log)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
