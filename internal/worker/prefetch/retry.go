package prefetch

import "time"

const (
	// initialBackoff は指数バックオフの初回遅延（1分）。
	initialBackoff = time.Minute
	// maxBackoff は指数バックオフの最大遅延（1時間）。
	maxBackoff = time.Hour
)

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回1分、2倍ずつ増加、最大1時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// backoffState は一覧更新の連続失敗とその結果として次に実行できる時刻を保持する。
type backoffState struct {
	consecutiveErrors int
	nextRunAt         time.Time
}

// ready はnowの時点で実行してよいかを返す。
func (b *backoffState) ready(now time.Time) bool {
	return !now.Before(b.nextRunAt)
}

// applyFailure は連続エラー回数をインクリメントし、次回実行時刻を遅らせる。
func (b *backoffState) applyFailure(now time.Time) time.Duration {
	b.consecutiveErrors++
	delay := CalculateBackoff(b.consecutiveErrors - 1)
	b.nextRunAt = now.Add(delay)
	return delay
}

// applySuccess は連続エラー回数をリセットする。
func (b *backoffState) applySuccess() {
	b.consecutiveErrors = 0
	b.nextRunAt = time.Time{}
}

// reset は接続復帰時などにバックオフを解除する。
func (b *backoffState) reset() {
	b.applySuccess()
}
