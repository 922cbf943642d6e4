package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/warmsync/internal/config"
	"github.com/hitoshi/warmsync/internal/connectivity"
	"github.com/hitoshi/warmsync/internal/database"
	"github.com/hitoshi/warmsync/internal/metrics"
	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/remote"
	"github.com/hitoshi/warmsync/internal/repository"
	"github.com/hitoshi/warmsync/internal/security"
	"github.com/hitoshi/warmsync/internal/store"
)

// dbPingTimeout はPostgreSQLバックエンド起動時の疎通確認の制限時間。
const dbPingTimeout = 5 * time.Second

// components はコマンド間で共有する依存関係。
type components struct {
	logger   *slog.Logger
	backend  store.Backend
	users    *store.Collection[model.User]
	threads  *store.Collection[model.MessageThread]
	feedback *store.Collection[model.UserFeedback]

	oracle  connectivity.Oracle
	monitor *connectivity.Monitor // FORCE_OFFLINEの場合はnil

	registry *prometheus.Registry
	metrics  *metrics.Collector

	userRepo     *repository.UserRepository
	threadRepo   *repository.MessageThreadRepository
	feedbackRepo *repository.FeedbackRepository

	// Closeはストアを閉じる前にバックグラウンド処理の終了を待つ
	workers sync.WaitGroup
}

// openBackend は設定に応じたストアバックエンドを開く。
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Info("インメモリストアを使用します")
		return store.NewMemoryBackend(), nil

	case config.BackendPostgres:
		db, err := database.Open(cfg.DatabaseURL, database.Options{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
		if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("データベースに接続しました",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		return store.NewPostgresBackend(db), nil

	default:
		b, err := store.OpenPebble(cfg.StorePath, nil)
		if err != nil {
			return nil, err
		}
		logger.Info("Pebbleストアを開きました", slog.String("path", cfg.StorePath))
		return b, nil
	}
}

// newHTTPClient はリモートAPI用のHTTPクライアントを返す。
// SafeTransportが有効な場合はプライベートアドレスへの接続を拒否する。
func newHTTPClient(cfg *config.Config) (*http.Client, error) {
	if !cfg.SafeTransport {
		return &http.Client{Timeout: cfg.APITimeout}, nil
	}
	if err := security.ValidateBaseURL(cfg.APIBaseURL); err != nil {
		return nil, fmt.Errorf("unsafe API_BASE_URL: %w", err)
	}
	return security.NewSafeClient(cfg.APITimeout), nil
}

// newOracle は接続状態のOracleを返す。FORCE_OFFLINEの場合は常にオフラインを返す。
func newOracle(cfg *config.Config, logger *slog.Logger) (connectivity.Oracle, *connectivity.Monitor) {
	if cfg.ForceOffline {
		logger.Warn("オフラインモードで起動します")
		return connectivity.NewStatic(false), nil
	}
	prober := connectivity.DialProber{
		Address: cfg.ConnectivityProbeAddr,
		Timeout: cfg.ConnectivityTimeout,
	}
	m := connectivity.NewMonitor(prober, cfg.ConnectivityInterval, cfg.ConnectivityTimeout, true, logger)
	return m, m
}

// wire はストア、リモートクライアント、リポジトリを構成する。
// 呼び出し側はClose()でストアとリポジトリを解放する。
func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	httpClient, err := newHTTPClient(cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}

	c := &components{
		logger:   logger,
		backend:  backend,
		users:    store.NewCollection[model.User](backend),
		threads:  store.NewCollection[model.MessageThread](backend),
		feedback: store.NewCollection[model.UserFeedback](backend),
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = metrics.NewCollector(c.registry)
	c.oracle, c.monitor = newOracle(cfg, logger)

	client := remote.NewClient(httpClient, logger, remote.Options{
		BaseURL:       cfg.APIBaseURL,
		UserAgent:     cfg.APIUserAgent,
		SessionCookie: cfg.APISessionCookie,
		RateLimit:     cfg.APIRateLimit,
		RateBurst:     cfg.APIRateBurst,
		Sanitizer:     security.NewSanitizer(),
		Observer:      c.metrics,
	})

	opts := repository.Options{
		Oracle:   c.oracle,
		Validity: cfg.CacheValidity,
		Logger:   logger,
		Metrics:  c.metrics,
	}
	c.userRepo = repository.NewUserRepository(client, c.users, opts)
	c.threadRepo = repository.NewMessageThreadRepository(client, c.threads, c.users, opts)
	c.feedbackRepo = repository.NewFeedbackRepository(client, c.feedback, c.users, opts)
	return c, nil
}

// goWorker はfnをバックグラウンドで実行する。fnはctxのキャンセルで戻らなければならない。
func (c *components) goWorker(ctx context.Context, fn func(context.Context)) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		fn(ctx)
	}()
}

// startMonitor は接続監視をバックグラウンドで開始する。オフライン固定の場合は何もしない。
func (c *components) startMonitor(ctx context.Context) {
	if c.monitor != nil {
		c.goWorker(ctx, c.monitor.Start)
	}
}

// onReconnect はオフラインからオンラインへの遷移時にfnを呼ぶ。
func (c *components) onReconnect(fn func()) {
	if c.monitor == nil {
		return
	}
	c.monitor.OnChange(func(online bool) {
		if online {
			fn()
		}
	})
}

// Close はバックグラウンド処理の終了を待ち、リポジトリを止めてからストアを閉じる。
// 呼び出し前にgoWorkerへ渡したctxをキャンセルしておくこと。
func (c *components) Close() {
	c.workers.Wait()
	c.threadRepo.Close()
	if err := c.backend.Close(); err != nil {
		c.logger.Error("ストアのクローズに失敗しました", slog.String("error", err.Error()))
	}
}
