package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は名前とラベルに一致するメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("%s%v metric not found", name, labels)
	return nil
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestCacheCounters_ByKind は種別ラベルごとにカウントされることを検証する。
func TestCacheCounters_ByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCacheHit("user")
	c.RecordCacheHit("user")
	c.RecordCacheHit("thread")
	c.RecordCacheMiss("user")
	c.RecordStaleFallback("feedback")
	c.RecordTombstone("thread")
	c.RecordPersistenceError("user")

	tests := []struct {
		name string
		kind string
		want float64
	}{
		{"warmsync_cache_hits_total", "user", 2},
		{"warmsync_cache_hits_total", "thread", 1},
		{"warmsync_cache_misses_total", "user", 1},
		{"warmsync_stale_fallbacks_total", "feedback", 1},
		{"warmsync_tombstones_total", "thread", 1},
		{"warmsync_persistence_errors_total", "user", 1},
	}
	for _, tt := range tests {
		m := findMetric(t, reg, tt.name, map[string]string{"kind": tt.kind})
		if got := m.GetCounter().GetValue(); got != tt.want {
			t.Errorf("%s{kind=%s} = %v, want %v", tt.name, tt.kind, got, tt.want)
		}
	}
}

// TestObserveRemote_RecordsCountAndLatency はリモート呼び出しの件数とレイテンシが記録されることを検証する。
func TestObserveRemote_RecordsCountAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveRemote("user", "ok", 120*time.Millisecond)
	c.ObserveRemote("user", "remote_unreachable", 3*time.Second)

	ok := findMetric(t, reg, "warmsync_remote_requests_total", map[string]string{"endpoint": "user", "result": "ok"})
	if ok.GetCounter().GetValue() != 1 {
		t.Errorf("remote_requests_total{ok} = %v, want 1", ok.GetCounter().GetValue())
	}

	latency := findMetric(t, reg, "warmsync_remote_latency_seconds", map[string]string{"endpoint": "user"})
	if latency.GetHistogram().GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", latency.GetHistogram().GetSampleCount())
	}
}

// TestRecordPruned_AddsCount はクリーンアップ件数が加算されることを検証する。
func TestRecordPruned_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPruned("user", 3)
	c.RecordPruned("user", 2)
	c.RecordPrefetch("ok")

	m := findMetric(t, reg, "warmsync_pruned_records_total", map[string]string{"kind": "user"})
	if m.GetCounter().GetValue() != 5 {
		t.Errorf("pruned_records_total = %v, want 5", m.GetCounter().GetValue())
	}
}

// TestHandler_ServesMetrics はハンドラーがテキスト形式でメトリクスを返すことを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordCacheHit("user")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "warmsync_cache_hits_total") {
		t.Error("response should contain warmsync_cache_hits_total metric")
	}
}

// TestNop_SatisfiesRecorder はNopが何もせずに呼び出せることを検証する。
func TestNop_SatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.RecordCacheHit("user")
	r.ObserveRemote("user", "ok", time.Second)
	r.RecordPruned("user", 1)
}
