package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアバックエンドの種別。
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Remote API
	APIBaseURL       string
	APITimeout       time.Duration
	APIRateLimit     float64
	APIRateBurst     int
	APISessionCookie string
	APIUserAgent     string
	SafeTransport    bool

	// Store
	StoreBackend string
	StorePath    string
	DatabaseURL  string

	// Cache
	CacheValidity time.Duration

	// Connectivity
	ConnectivityProbeAddr string
	ConnectivityInterval  time.Duration
	ConnectivityTimeout   time.Duration
	ForceOffline          bool

	// Prefetch
	PrefetchInterval      time.Duration
	PrefetchMaxConcurrent int

	// Prune
	PruneRetention time.Duration

	// Server
	ServerAddr string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む。既に設定済みの環境変数は上書きしない。
// 不正な値の組み合わせの場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	cfg.APIBaseURL = strings.TrimRight(getEnvString("API_BASE_URL", "https://www.warmshowers.org"), "/")
	cfg.APITimeout = getEnvDuration("API_TIMEOUT", 15*time.Second)
	cfg.APIRateLimit = getEnvFloat("API_RATE_LIMIT", 5)
	cfg.APIRateBurst = getEnvInt("API_RATE_BURST", 5)
	cfg.APISessionCookie = getEnvString("API_SESSION_COOKIE", "")
	cfg.APIUserAgent = getEnvString("API_USER_AGENT", "warmsync/1.0")
	cfg.SafeTransport = getEnvBool("SAFE_TRANSPORT", true)

	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", BackendPebble))
	cfg.StorePath = getEnvString("STORE_PATH", "./data/warmsync")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.CacheValidity = getEnvDuration("CACHE_VALIDITY", 15*time.Minute)

	cfg.ConnectivityInterval = getEnvDuration("CONNECTIVITY_INTERVAL", 30*time.Second)
	cfg.ConnectivityTimeout = getEnvDuration("CONNECTIVITY_TIMEOUT", 3*time.Second)
	cfg.ForceOffline = getEnvBool("FORCE_OFFLINE", false)

	cfg.PrefetchInterval = getEnvDuration("PREFETCH_INTERVAL", 10*time.Minute)
	cfg.PrefetchMaxConcurrent = getEnvInt("PREFETCH_MAX_CONCURRENT", 4)

	cfg.PruneRetention = getEnvDuration("PRUNE_RETENTION", 720*time.Hour)

	cfg.ServerAddr = getEnvString("SERVER_ADDR", "127.0.0.1:8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("API_BASE_URL is invalid: %q", cfg.APIBaseURL)
	}
	cfg.ConnectivityProbeAddr = getEnvString("CONNECTIVITY_PROBE_ADDR", defaultProbeAddr(u))

	switch cfg.StoreBackend {
	case BackendMemory, BackendPebble:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("required environment variables are not set: [DATABASE_URL]")
		}
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be one of memory, pebble, postgres: %q", cfg.StoreBackend)
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"API_TIMEOUT", cfg.APITimeout},
		{"CACHE_VALIDITY", cfg.CacheValidity},
		{"CONNECTIVITY_INTERVAL", cfg.ConnectivityInterval},
		{"CONNECTIVITY_TIMEOUT", cfg.ConnectivityTimeout},
		{"PREFETCH_INTERVAL", cfg.PrefetchInterval},
		{"PRUNE_RETENTION", cfg.PruneRetention},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return nil, fmt.Errorf("%s must be positive: %s", p.name, p.value)
		}
	}

	return cfg, nil
}

// defaultProbeAddr はAPIのホストとスキームからTCP疎通確認先を決める。
func defaultProbeAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
