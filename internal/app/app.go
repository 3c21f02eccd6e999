package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/tujitume/internal/cache"
	"github.com/hitoshi/tujitume/internal/config"
	"github.com/hitoshi/tujitume/internal/database"
	"github.com/hitoshi/tujitume/internal/handler"
	"github.com/hitoshi/tujitume/internal/logger"
	"github.com/hitoshi/tujitume/internal/metrics"
	"github.com/hitoshi/tujitume/internal/middleware"
	"github.com/hitoshi/tujitume/internal/offline"
	"github.com/hitoshi/tujitume/internal/security"
	"github.com/hitoshi/tujitume/internal/worker/cleanup"
	"github.com/hitoshi/tujitume/internal/worker/install"
)

// Streams はクライアントコマンドの入出力先。
type Streams struct {
	In  io.Reader
	Out io.Writer
}

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, w, Streams{In: os.Stdin, Out: os.Stdout}, args)
}

func run(ctx context.Context, w io.Writer, streams Streams, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if cmd.isClient() {
		var rest []string
		if len(args) > 1 {
			rest = args[1:]
		}
		return runClient(ctx, cfg, cmd, rest, streams)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("origin", cfg.OriginURL),
		slog.String("cache_version", cfg.CacheVersion),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// gateway はserveモードで起動するコンポーネント一式。
type gateway struct {
	handler    http.Handler
	worker     *offline.Worker
	supervisor *install.Supervisor
	cleanup    *cleanup.CleanupJob
	limiter    *middleware.RateLimiter
}

// buildGateway はキャッシュストレージを受け取り、ワーカーとルーターを組み立てる。
// healthはnilでもよい（メモリバックエンド）。
func buildGateway(cfg *config.Config, store cache.Storage, health handler.HealthChecker, reg *prometheus.Registry, log *slog.Logger) (*gateway, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}

	collector := metrics.NewCollector(reg)

	// 同一オリジンのリクエストは上流へ転送する。上流は内部ネットワークにあるためSSRFガードは通さない
	network := offline.NewClientTransport(&http.Client{Timeout: cfg.FetchTimeout}, upstream)

	// クロスオリジンの中継は明示的に許可された場合のみ、SSRFガード付きクライアントで行う
	var passthrough http.RoundTripper
	if cfg.AllowCrossOriginPassthrough {
		guard := security.NewSSRFGuard()
		passthrough = &security.GuardedTransport{
			Guard: guard,
			Next:  offline.NewClientTransport(guard.NewSafeClient(cfg.FetchTimeout, 0), nil),
		}
	}

	worker, err := offline.NewWorker(offline.Config{
		AppName:             cfg.CacheAppName,
		Version:             cfg.CacheVersion,
		Origin:              cfg.OriginURL,
		ShellAssets:         cfg.ShellAssets,
		OfflinePage:         cfg.OfflinePage,
		APIPrefix:           cfg.APIPrefix,
		ListingPattern:      cfg.ListingPattern,
		DevToolingMarkers:   cfg.DevToolingMarkers,
		MaxBodySize:         cfg.FetchMaxSize,
		PrecacheConcurrency: cfg.PrecacheConcurrency,
		DiscoverShellAssets: cfg.DiscoverShellAssets,
	}, network, passthrough, store, collector, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create offline worker: %w", err)
	}

	cleanupJob := cleanup.NewCleanupJob(store, log)
	cleanupJob.MaxAge = cfg.CacheMaxAge

	limiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimitGeneral))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		Gateway:           worker,
		Status:            worker,
		HealthChecker:     health,
		Metrics:           metrics.Handler(reg),
	})

	return &gateway{
		handler:    router,
		worker:     worker,
		supervisor: install.NewSupervisor(worker, log, cfg.InstallRetryInterval),
		cleanup:    cleanupJob,
		limiter:    limiter,
	}, nil
}

// openCacheStorage はCACHE_BACKENDに応じたキャッシュストレージを開く。
// postgresの場合は*sql.DBも返す（ヘルスチェックとクローズに使用）。
func openCacheStorage(ctx context.Context, cfg *config.Config) (cache.Storage, *sql.DB, error) {
	if cfg.CacheBackend != config.CacheBackendPostgres {
		return cache.NewMemoryStorage(), nil, nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewPostgresStorage(db), db, nil
}

// runServe はゲートウェイサーバーモードで起動する。
// キャッシュストレージを開き、ワーカーのインストールとアクティベートをバックグラウンドで行い、
// HTTPサーバーを起動する。ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateGateway(); err != nil {
		return err
	}

	// 1. キャッシュストレージ
	store, db, err := openCacheStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache storage: %w", err)
	}
	var health handler.HealthChecker
	if db != nil {
		defer db.Close()
		health = db
		slog.Info("database connection established")
	}

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 3. ゲートウェイの組み立て
	gw, err := buildGateway(cfg, store, health, reg, slog.Default())
	if err != nil {
		return err
	}
	defer gw.limiter.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 4. インストールとアクティベート（上流に到達できるまでリトライ）
	go func() {
		if err := gw.supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("offline worker install aborted", slog.String("error", err.Error()))
		}
	}()

	// 5. 期限切れエントリのクリーンアップ
	go gw.cleanup.Start(ctx, cfg.CleanupInterval)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      gw.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.FetchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway server starting",
			slog.String("addr", server.Addr),
			slog.String("upstream", cfg.UpstreamURL),
			slog.String("cache_backend", cfg.CacheBackend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down gateway server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("gateway server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if err := cfg.ValidateDatabase(); err != nil {
		return err
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
