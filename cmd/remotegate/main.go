// Command remotegate runs the chat command gateway: webhook intake,
// governance pipeline and the approval queue, backed by Postgres for
// identities and taxonomy, sqlite for approvals, and Redis (optional)
// for rate limiting.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/seobaike/remotegate/pkg/approval"
	"github.com/seobaike/remotegate/pkg/audit"
	"github.com/seobaike/remotegate/pkg/command"
	"github.com/seobaike/remotegate/pkg/config"
	"github.com/seobaike/remotegate/pkg/dispatch"
	"github.com/seobaike/remotegate/pkg/gateway"
	"github.com/seobaike/remotegate/pkg/governor"
	"github.com/seobaike/remotegate/pkg/identity"
	"github.com/seobaike/remotegate/pkg/observability"
	"github.com/seobaike/remotegate/pkg/platform"
	"github.com/seobaike/remotegate/pkg/ratelimit"
	"github.com/seobaike/remotegate/pkg/risk"
	"github.com/seobaike/remotegate/pkg/taxonomy"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	ctx := context.Background()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "remotegate",
		ServiceVersion: "1.0.0",
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	approvalStore, err := approval.OpenSQLiteStore(cfg.ApprovalDBPath)
	if err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}
	defer approvalStore.Close()

	surface := loadSurface(cfg.SurfacePath)

	var rateStore ratelimit.Store
	if cfg.RedisAddr != "" {
		rateStore = ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		slog.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	} else {
		rateStore = ratelimit.NewMemoryStore()
		slog.Info("rate limiting in memory, single instance only")
	}

	trail := audit.NewLog()
	gov, err := governor.New(taxonomy.NewPostgresStore(db), trail, nil)
	if err != nil {
		return fmt.Errorf("init governor: %w", err)
	}

	queue := approval.NewQueue(approvalStore, nil,
		approval.WithScorer(risk.NewThresholdScorer(), 0.8),
		approval.WithFloor(func(cmd string) identity.PermissionLevel { return surface.FloorFor(cmd) }),
		approval.WithPendingTTL(cfg.ApprovalTTL),
	)

	registry := platform.NewRegistry()
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		tg := platform.NewTelegram(token, "", nil)
		registry.RegisterNormalizer(tg)
		registry.RegisterReplier(tg)
	}
	if token := os.Getenv("LINE_CHANNEL_ACCESS_TOKEN"); token != "" {
		line := platform.NewLine(token, "", nil)
		registry.RegisterNormalizer(line)
		registry.RegisterReplier(line)
	}

	aliases := command.DefaultAliases()
	for alias, canonical := range surface.Aliases {
		aliases[alias] = canonical
	}

	dispatcher := dispatch.New(dispatch.Config{
		Resolver:        identity.NewResolver(identity.NewPostgresBindingStore(db), 3*time.Second, nil),
		Limiter:         ratelimit.NewLimiter(rateStore, nil),
		Parser:          command.NewParser(aliases),
		Surface:         surface,
		Governor:        gov,
		Queue:           queue,
		Trail:           trail,
		Registry:        registry,
		Executor:        dispatch.ExecutorFunc(acknowledgeExecution),
		DefaultCooldown: cfg.DefaultCooldown,
		Metrics:         obs,
	})

	archiver := newArchiver(ctx, cfg)

	server, err := gateway.NewServer(gateway.Config{
		Dispatcher: dispatcher,
		Registry:   registry,
		JWTSecret:  []byte(cfg.JWTSecret),
		RPS:        20,
		Burst:      40,
	})
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepLoop(sweepCtx, queue)
	go archiveLoop(sweepCtx, trail, archiver)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "port", cfg.Port, "platforms", registry.Platforms())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func envName() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}

func loadSurface(path string) *config.Surface {
	surface, err := config.LoadSurface(path)
	if err != nil {
		slog.Warn("command surface file unavailable, using built-in defaults",
			"path", path, "error", err)
		return config.DefaultSurface()
	}
	return surface
}

// acknowledgeExecution is the execution backend boundary. The gateway
// governs who may run what; the actual side effects belong to the
// downstream operations services.
func acknowledgeExecution(ctx context.Context, cmd command.Parsed, requester identity.Result) (string, error) {
	return fmt.Sprintf("Executed %s.", cmd.Command), nil
}

func newArchiver(ctx context.Context, cfg *config.Config) *audit.S3Archiver {
	if cfg.AuditBucket == "" {
		return nil
	}
	archiver, err := audit.NewS3Archiver(ctx, audit.S3ArchiverConfig{
		Bucket:   cfg.AuditBucket,
		Region:   cfg.AuditRegion,
		Endpoint: cfg.AuditEndpoint,
	})
	if err != nil {
		slog.Warn("audit archival disabled", "error", err)
		return nil
	}
	return archiver
}

// sweepLoop expires stale pending approvals once a minute.
func sweepLoop(ctx context.Context, queue *approval.Queue) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept, err := queue.SweepExpired(ctx); err != nil {
				slog.Warn("approval expiry sweep failed", "error", err)
			} else if swept > 0 {
				slog.Info("expired pending approvals", "count", swept)
			}
		}
	}
}

// archiveLoop exports the audit trail to S3 hourly.
func archiveLoop(ctx context.Context, trail *audit.Log, archiver *audit.S3Archiver) {
	if archiver == nil {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	var lastSize int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if trail.Size() == lastSize {
				continue
			}
			bundle, err := trail.ExportBundle(audit.Filter{})
			if err != nil {
				slog.Warn("audit bundle export failed", "error", err)
				continue
			}
			if _, err := archiver.Archive(ctx, bundle); err != nil {
				slog.Warn("audit bundle archive failed", "error", err)
				continue
			}
			lastSize = trail.Size()
		}
	}
}
