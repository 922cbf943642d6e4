package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hitoshi/warmsync/internal/config"
	"github.com/hitoshi/warmsync/internal/database"
	"github.com/hitoshi/warmsync/internal/handler"
	"github.com/hitoshi/warmsync/internal/logger"
	"github.com/hitoshi/warmsync/internal/middleware"
	"github.com/hitoshi/warmsync/internal/worker/cleanup"
	"github.com/hitoshi/warmsync/internal/worker/prefetch"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの制限時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 設定読み込みの失敗もJSONで出力できるよう、先に既定レベルで初期化する
	log := logger.SetupDefault(w, "info")

	cfg, err := config.Load()
	if err != nil {
		log.Error("設定の読み込みに失敗しました", slog.String("error", err.Error()))
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, logger.SetupDefault(w, cfg.LogLevel), nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMで停止する。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		addr := os.Getenv("SERVER_ADDR")
		if addr == "" {
			addr = "127.0.0.1:8080"
		}
		return runHealthcheck(addr)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cmd, cfg, log)
}

func run(ctx context.Context, cmd Command, cfg *config.Config, log *slog.Logger) error {
	log.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("api_base_url", cfg.APIBaseURL),
		slog.Bool("force_offline", cfg.ForceOffline),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, log)
	case CommandPrune:
		return withComponents(ctx, cfg, log, func(c *components) error {
			return runPrune(ctx, cfg, c)
		})
	case CommandSync:
		return withComponents(ctx, cfg, log, func(c *components) error {
			return runSync(ctx, cfg, c)
		})
	default:
		return withComponents(ctx, cfg, log, func(c *components) error {
			return runServe(ctx, cfg, c)
		})
	}
}

func withComponents(ctx context.Context, cfg *config.Config, log *slog.Logger, fn func(*components) error) error {
	c, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func newScheduler(cfg *config.Config, c *components) *prefetch.Scheduler {
	s := prefetch.NewScheduler(c.threadRepo, c.oracle, c.logger, prefetch.Options{
		Interval:       cfg.PrefetchInterval,
		MaxConcurrency: cfg.PrefetchMaxConcurrent,
		Validity:       cfg.CacheValidity,
		Metrics:        c.metrics,
	})
	c.onReconnect(s.Trigger)
	return s
}

// runServe はローカルAPIサーバーを起動する。
// 接続監視と事前取得スケジューラも同じプロセスで動かす。
// Pebbleストアは1プロセスからしか開けないため、syncコマンドとは併用しない。
func runServe(ctx context.Context, cfg *config.Config, c *components) error {
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), c.logger)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:      c.logger,
		Oracle:      c.oracle,
		RateLimiter: rateLimiter,
		Gatherer:    c.registry,
		Users:       c.userRepo,
		Threads:     c.threadRepo,
		Feedback:    c.feedbackRepo,
	})

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ServerAddr, err)
	}

	// リターン時にワーカーを止める。終了はc.Closeで待つ
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	c.startMonitor(workerCtx)
	c.goWorker(workerCtx, newScheduler(cfg, c).Start)

	serveErr := make(chan error, 1)
	go func() {
		c.logger.Info("APIサーバーを起動しました", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	c.logger.Info("APIサーバーを停止しています")
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	c.logger.Info("APIサーバーを停止しました")
	return nil
}

// runSync は事前取得スケジューラをメインgoroutineで実行する（ブロッキング）。
func runSync(ctx context.Context, cfg *config.Config, c *components) error {
	c.startMonitor(ctx)
	newScheduler(cfg, c).Start(ctx)

	c.logger.Info("事前取得ワーカーを停止しました")
	return nil
}

// runPrune はキャッシュのクリーンアップを1回実行する。
func runPrune(ctx context.Context, cfg *config.Config, c *components) error {
	job := cleanup.NewPruneJob(c.users, c.threads, c.feedback, c.logger, c.metrics)
	job.Retention = cfg.PruneRetention
	if _, err := job.Run(ctx); err != nil {
		return err
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate requires DATABASE_URL")
	}

	log.Info("データベースマイグレーションを実行します",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("データベースマイグレーションが完了しました", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(addr string) error {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/health", addr)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
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
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
