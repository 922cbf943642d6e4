// Package cleanup はローカルキャッシュの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過したスレッドとフィードバック、
// どこからも参照されないお気に入り以外のユーザーを削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/warmsync/internal/metrics"
	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/store"
)

// DefaultRetention はデフォルトの保持期間（30日）。
const DefaultRetention = 30 * 24 * time.Hour

// Result はクリーンアップで削除した件数。
type Result struct {
	Users    int
	Threads  int
	Feedback int
}

// PruneJob はキャッシュの自動削除ジョブ。
// 何度実行しても同じ結果になり、削除対象がない場合もエラーにならない。
type PruneJob struct {
	users     *store.Collection[model.User]
	threads   *store.Collection[model.MessageThread]
	feedback  *store.Collection[model.UserFeedback]
	logger    *slog.Logger
	metrics   metrics.Recorder
	now       func() time.Time
	Retention time.Duration
}

// NewPruneJob は新しいPruneJobを生成する。recがnilの場合は何も記録しない。
func NewPruneJob(
	users *store.Collection[model.User],
	threads *store.Collection[model.MessageThread],
	feedback *store.Collection[model.UserFeedback],
	logger *slog.Logger,
	rec metrics.Recorder,
) *PruneJob {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &PruneJob{
		users:     users,
		threads:   threads,
		feedback:  feedback,
		logger:    logger,
		metrics:   rec,
		now:       time.Now,
		Retention: DefaultRetention,
	}
}

// Run はスレッド、フィードバック、ユーザーの順に削除する。
// スレッドはlast_updated_at（なければfetched_at、どちらもなければ対象外）、フィードバックはfetched_atが保持期間より古いものを削除する。
// ユーザーは残ったスレッドとフィードバックから参照されず、お気に入りでもなく、
// fetched_atが保持期間より古いものを削除する。Sparseなユーザーは取得時刻を持たないため常に対象になる。
func (j *PruneJob) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	cutoff := j.now().Add(-j.Retention)
	var res Result

	refs := make(map[int64]bool)

	threads, err := j.threads.FindAll(ctx)
	if err != nil {
		return res, j.fail("スレッドの読み込みに失敗", err)
	}
	for _, t := range threads {
		if updated := threadUpdatedAt(t); !updated.IsZero() && updated.Before(cutoff) {
			if err := j.threads.Remove(ctx, t.ID); err != nil {
				return res, j.fail("スレッドの削除に失敗", err)
			}
			res.Threads++
			continue
		}
		for _, p := range t.Participants {
			refs[p.ID] = true
		}
		for _, m := range t.Messages {
			refs[m.Author.ID] = true
		}
	}

	sets, err := j.feedback.FindAll(ctx)
	if err != nil {
		return res, j.fail("フィードバックの読み込みに失敗", err)
	}
	for _, f := range sets {
		if f.FetchedAt.Before(cutoff) {
			if err := j.feedback.Remove(ctx, f.ID); err != nil {
				return res, j.fail("フィードバックの削除に失敗", err)
			}
			res.Feedback++
			continue
		}
		// 受け取ったメンバー自身も参照として扱う
		refs[f.ID] = true
		for _, item := range f.Items {
			refs[item.Author.ID] = true
		}
	}

	users, err := j.users.FindAll(ctx)
	if err != nil {
		return res, j.fail("ユーザーの読み込みに失敗", err)
	}
	for _, u := range users {
		if u.Favorite || refs[u.ID] || !u.FetchedAt.Before(cutoff) {
			continue
		}
		if err := j.users.Remove(ctx, u.ID); err != nil {
			return res, j.fail("ユーザーの削除に失敗", err)
		}
		res.Users++
	}

	j.metrics.RecordPruned(string(model.KindThread), res.Threads)
	j.metrics.RecordPruned(string(model.KindFeedback), res.Feedback)
	j.metrics.RecordPruned(string(model.KindUser), res.Users)

	duration := time.Since(start)
	j.logger.Info("キャッシュクリーンアップジョブが完了しました",
		slog.Int("deleted_users", res.Users),
		slog.Int("deleted_threads", res.Threads),
		slog.Int("deleted_feedback", res.Feedback),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return res, nil
}

// threadUpdatedAt はスレッドの最終更新時刻を返す。ペイロードに含まれない場合は取得時刻で代用する。
func threadUpdatedAt(t model.MessageThread) time.Time {
	if !t.LastUpdatedAt.IsZero() {
		return t.LastUpdatedAt
	}
	return t.FetchedAt
}

func (j *PruneJob) fail(msg string, err error) error {
	j.logger.Error("キャッシュクリーンアップジョブの実行に失敗しました",
		slog.String("error", err.Error()),
		slog.Duration("retention", j.Retention),
	)
	return fmt.Errorf("%s: %w", msg, err)
}
