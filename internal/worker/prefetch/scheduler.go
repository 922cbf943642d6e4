// Package prefetch はメッセージスレッドのバックグラウンド事前取得を提供する。
// スケジューラとバックオフ戦略を含む。
package prefetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/warmsync/internal/connectivity"
	"github.com/hitoshi/warmsync/internal/metrics"
	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/repository"
)

// ThreadSyncer はスレッド一覧の更新と個別取得のインターフェース。
type ThreadSyncer interface {
	// Refresh はスレッド一覧をリモートから取得し直し、キャッシュ済みの一覧を返す。
	Refresh(ctx context.Context) ([]model.MessageThread, error)
	// FindByID はスレッドを取得する。キャッシュが使えない場合はリモートから取得する。
	FindByID(ctx context.Context, id int64, refresh bool) (repository.Result[model.MessageThread], error)
}

// Options はSchedulerの設定。
type Options struct {
	Interval       time.Duration
	MaxConcurrency int
	Validity       time.Duration
	Now            func() time.Time
	Metrics        metrics.Recorder
}

// Scheduler は一覧の定期更新と、詳細が未取得または期限切れのスレッドの事前取得を行う。
// 一覧更新に失敗した場合は指数バックオフで次回実行を遅らせる。
type Scheduler struct {
	threads        ThreadSyncer
	oracle         connectivity.Oracle
	logger         *slog.Logger
	metrics        metrics.Recorder
	interval       time.Duration
	maxConcurrency int
	validity       time.Duration
	now            func() time.Time

	mu      sync.Mutex
	backoff backoffState
	trigger chan struct{}
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// MaxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(threads ThreadSyncer, oracle connectivity.Oracle, logger *slog.Logger, opts Options) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.Validity <= 0 {
		opts.Validity = repository.DefaultValidity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Scheduler{
		threads:        threads,
		oracle:         oracle,
		logger:         logger,
		metrics:        opts.Metrics,
		interval:       opts.Interval,
		maxConcurrency: opts.MaxConcurrency,
		validity:       opts.Validity,
		now:            opts.Now,
		trigger:        make(chan struct{}, 1),
	}
}

// Trigger はバックオフを解除し、次のティックを待たずに実行を要求する。
// 接続復帰の通知から呼ばれる。
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	s.backoff.reset()
	s.mu.Unlock()

	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start はティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("事前取得スケジューラを開始しました",
		slog.Duration("interval", s.interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("事前取得スケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.trigger:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は一覧を1回更新し、未取得または期限切れのスレッドを並列で取得する。
// オフライン中やバックオフ中は何もしない。
func (s *Scheduler) RunOnce(ctx context.Context) {
	if !s.oracle.IsOnline() {
		s.logger.Debug("オフラインのため事前取得をスキップしました")
		s.metrics.RecordPrefetch("skipped")
		return
	}

	s.mu.Lock()
	ready := s.backoff.ready(s.now())
	s.mu.Unlock()
	if !ready {
		s.logger.Debug("バックオフ中のため事前取得をスキップしました")
		s.metrics.RecordPrefetch("skipped")
		return
	}

	start := time.Now()
	threads, err := s.threads.Refresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		delay := s.backoff.applyFailure(s.now())
		errs := s.backoff.consecutiveErrors
		s.mu.Unlock()
		s.logger.Warn("スレッド一覧の更新に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("consecutive_errors", errs),
			slog.Duration("next_delay", delay),
		)
		s.metrics.RecordPrefetch("failed")
		return
	}
	s.mu.Lock()
	s.backoff.applySuccess()
	s.mu.Unlock()

	targets := s.targets(threads)
	if len(targets) == 0 {
		s.logger.Info("事前取得の対象スレッドはありません")
		s.metrics.RecordPrefetch("ok")
		return
	}

	s.logger.Info("事前取得を開始します",
		slog.Int("thread_count", len(targets)),
	)

	// 個別の失敗は他のスレッドの取得を止めない
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)
	for _, id := range targets {
		g.Go(func() error {
			if _, err := s.threads.FindByID(gctx, id, false); err != nil && gctx.Err() == nil {
				s.logger.Warn("スレッドの事前取得に失敗しました",
					slog.Int64("thread_id", id),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start)
	s.logger.Info("事前取得が完了しました",
		slog.Int("thread_count", len(targets)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	s.metrics.RecordPrefetch("ok")
}

// targets は詳細が未取得または有効期間切れのスレッドIDを返す。
func (s *Scheduler) targets(threads []model.MessageThread) []int64 {
	now := s.now()
	var ids []int64
	for _, t := range threads {
		if !t.IsFull() || !model.IsFresh(t.FetchedAt, now, s.validity) {
			ids = append(ids, t.ID)
		}
	}
	return ids
}
