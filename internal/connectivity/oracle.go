// Package connectivity はリモートサービスへの到達可能性を提供する。
// IsOnlineは常にローカルの状態を読むだけで、ネットワーク往復は行わない。
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Oracle は現在オンラインかどうかを同期的に返す。
type Oracle interface {
	IsOnline() bool
}

// Static は明示的に設定された状態を返すOracle。テストや強制オフラインモードで使う。
type Static struct {
	online atomic.Bool
}

var _ Oracle = (*Static)(nil)

// NewStatic は初期状態onlineのStaticを生成する。
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// IsOnline はOracleインターフェースを実装する。
func (s *Static) IsOnline() bool { return s.online.Load() }

// Set は状態を変更する。
func (s *Static) Set(online bool) { s.online.Store(online) }

// Prober は到達可能性を1回確認する。
type Prober interface {
	Probe(ctx context.Context) error
}

// DialProber はTCP接続の確立で到達可能性を確認する。
type DialProber struct {
	Address string
	Timeout time.Duration
}

// Probe はProberインターフェースを実装する。
func (p DialProber) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", p.Address, err)
	}
	return conn.Close()
}

// Monitor はバックグラウンドで定期的にProbeを実行し、結果を保持するOracle。
// 起動前はinitialの状態を返す。
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	online atomic.Bool

	mu       sync.Mutex
	onChange []func(online bool)
}

var _ Oracle = (*Monitor)(nil)

// NewMonitor はMonitorを生成する。timeoutは1回のProbeに許す時間。
func NewMonitor(prober Prober, interval, timeout time.Duration, initial bool, logger *slog.Logger) *Monitor {
	m := &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
	m.online.Store(initial)
	return m
}

// IsOnline はOracleインターフェースを実装する。
func (m *Monitor) IsOnline() bool { return m.online.Load() }

// OnChange は状態遷移時に呼ばれるコールバックを登録する。
// コールバックはProbeを実行したgoroutineから同期的に呼ばれる。
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Start はctxがキャンセルされるまで定期的にProbeを実行する。起動直後に1回実行する。
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("接続監視を開始しました", slog.Duration("interval", m.interval))
	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("接続監視を停止しました")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check はProbeを1回実行して状態を更新し、更新後の状態を返す。
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	if ctx.Err() != nil {
		// 停止中の失敗は状態に反映しない
		return m.IsOnline()
	}
	online := err == nil
	prev := m.online.Swap(online)
	if prev == online {
		return online
	}

	if online {
		m.logger.Info("オンラインに復帰しました")
	} else {
		m.logger.Warn("オフラインになりました", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	callbacks := append([]func(bool){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(online)
	}
	return online
}
