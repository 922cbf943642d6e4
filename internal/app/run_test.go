package app

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/warmsync/internal/config"
)

// setTestEnv はネットワークに出ないインメモリ構成の環境変数を設定する。
func setTestEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("FORCE_OFFLINE", "true")
	t.Setenv("SERVER_ADDR", "127.0.0.1:0")
	t.Setenv("DATABASE_URL", "")
}

func loadTestConfig(t *testing.T) (*config.Config, *slog.Logger, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	return cfg, log, &buf
}

func TestRun_PruneCommand_WithMemoryStore(t *testing.T) {
	restoreDefaultLogger(t)
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"prune"}); err != nil {
		t.Fatalf("Run(prune) error = %v", err)
	}
	if !strings.Contains(buf.String(), "キャッシュクリーンアップジョブが完了しました") {
		t.Errorf("log = %s, want prune completion entry", buf.String())
	}
}

func TestRun_PruneCommand_WithPebbleStore(t *testing.T) {
	setTestEnv(t)
	t.Setenv("STORE_BACKEND", "pebble")
	t.Setenv("STORE_PATH", filepath.Join(t.TempDir(), "db"))
	cfg, log, buf := loadTestConfig(t)

	for i := 0; i < 2; i++ {
		if err := run(context.Background(), CommandPrune, cfg, log); err != nil {
			t.Fatalf("run(prune) #%d error = %v", i, err)
		}
	}
	if !strings.Contains(buf.String(), "Pebbleストアを開きました") {
		t.Errorf("log = %s, want pebble open entry", buf.String())
	}
}

func TestRun_MigrateCommand_RequiresDatabaseURL(t *testing.T) {
	restoreDefaultLogger(t)
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"migrate"})
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("Run(migrate) error = %v, want DATABASE_URL error", err)
	}
}

func TestRun_WithInvalidEnv_ReturnsError(t *testing.T) {
	restoreDefaultLogger(t)
	setTestEnv(t)
	t.Setenv("STORE_BACKEND", "sqlite")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run with invalid STORE_BACKEND should return error")
	}
}

func TestRun_SyncCommand_StopsOnCancel(t *testing.T) {
	setTestEnv(t)
	cfg, log, buf := loadTestConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := run(ctx, CommandSync, cfg, log); err != nil {
		t.Fatalf("run(sync) error = %v", err)
	}
	if !strings.Contains(buf.String(), "事前取得ワーカーを停止しました") {
		t.Errorf("log = %s, want worker stop entry", buf.String())
	}
}

func TestRun_ServeCommand_ShutsDownGracefully(t *testing.T) {
	setTestEnv(t)
	cfg, log, buf := loadTestConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := run(ctx, CommandServe, cfg, log); err != nil {
		t.Fatalf("run(serve) error = %v", err)
	}
	for _, want := range []string{"APIサーバーを起動しました", "APIサーバーを停止しました"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log missing %q: %s", want, buf.String())
		}
	}
}

func TestRun_ServeCommand_ListenError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("SERVER_ADDR", "256.0.0.1:99999")
	cfg, log, _ := loadTestConfig(t)

	if err := run(context.Background(), CommandServe, cfg, log); err == nil {
		t.Fatal("run(serve) with invalid address should return error")
	}
}

func TestRunHealthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"正常", http.StatusOK, false},
		{"異常", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("path = %q, want /health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			t.Setenv("SERVER_ADDR", strings.TrimPrefix(srv.URL, "http://"))
			err := Run(&bytes.Buffer{}, []string{"healthcheck"})
			if (err != nil) != tt.wantErr {
				t.Errorf("Run(healthcheck) error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
