package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/security"
)

const (
	// DefaultBaseURL はWarmshowersのベースURL。
	DefaultBaseURL = "https://www.warmshowers.org"
	// maxResponseSize はレスポンスボディの最大サイズ（8MB）。
	maxResponseSize = 8 << 20
	// defaultPreviewLength はスレッド一覧のプレビュー文字数。
	defaultPreviewLength = 140
)

// Observer はリモート呼び出しの結果を受け取る。メトリクス収集に使う。
type Observer interface {
	ObserveRemote(endpoint, result string, d time.Duration)
}

// Options はClientの設定。
type Options struct {
	BaseURL       string
	UserAgent     string
	SessionCookie string // "name=value" 形式。ログインフローはこのパッケージの範囲外
	RateLimit     float64
	RateBurst     int
	PreviewLength int
	Sanitizer     *security.Sanitizer
	Observer      Observer
}

// Client はWarmshowers REST APIのクライアント。
// UserSource, ThreadSource, FeedbackSourceを実装する。
type Client struct {
	httpClient    *http.Client
	logger        *slog.Logger
	baseURL       string
	userAgent     string
	sessionCookie string
	limiter       *rate.Limiter
	previewLength int
	sanitizer     *security.Sanitizer
	observer      Observer
}

var (
	_ UserSource     = (*Client)(nil)
	_ ThreadSource   = (*Client)(nil)
	_ FeedbackSource = (*Client)(nil)
)

// NewClient はClientの新しいインスタンスを生成する。
// RateLimitが0以下の場合はリクエスト間隔を制限しない。
func NewClient(httpClient *http.Client, logger *slog.Logger, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "warmsync/1.0"
	}
	if opts.PreviewLength <= 0 {
		opts.PreviewLength = defaultPreviewLength
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		httpClient:    httpClient,
		logger:        logger,
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		userAgent:     opts.UserAgent,
		sessionCookie: opts.SessionCookie,
		limiter:       rate.NewLimiter(limit, burst),
		previewLength: opts.PreviewLength,
		sanitizer:     opts.Sanitizer,
		observer:      opts.Observer,
	}
}

// request は1回のAPI呼び出しの内容。
type request struct {
	endpoint string // メトリクスとログ用の名前
	method   string
	path     string
	form     url.Values
	kind     model.Kind
	id       int64
}

// do はリクエストを送信し、成功時はJSONとしてパースしたレスポンスを返す。
// 呼び出し元のキャンセルはctx.Err()をそのまま返す。
func (c *Client) do(ctx context.Context, r request) (gjson.Result, error) {
	start := time.Now()
	result, err := c.send(ctx, r)

	outcome := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = "canceled"
	default:
		outcome = errorCode(err)
	}
	if c.observer != nil {
		c.observer.ObserveRemote(r.endpoint, outcome, time.Since(start))
	}

	if err != nil && ctx.Err() == nil {
		c.logger.Warn("リモートAPIの呼び出しに失敗しました",
			slog.String("endpoint", r.endpoint),
			slog.Int64("id", r.id),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}
	return result, err
}

func (c *Client) send(ctx context.Context, r request) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return gjson.Result{}, ctx.Err()
		}
		return gjson.Result{}, model.NewRemoteUnreachableError(err)
	}

	var body io.Reader
	if r.form != nil {
		body = strings.NewReader(r.form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	if r.form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.sessionCookie != "" {
		req.Header.Set("Cookie", c.sessionCookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gjson.Result{}, ctx.Err()
		}
		return gjson.Result{}, model.NewRemoteUnreachableError(err)
	}
	defer resp.Body.Close()

	if err := ClassifyStatus(resp.StatusCode, r.kind, r.id); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return gjson.Result{}, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if ctx.Err() != nil {
			return gjson.Result{}, ctx.Err()
		}
		return gjson.Result{}, model.NewRemoteUnreachableError(fmt.Errorf("failed to read response body: %w", err))
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, model.NewRemoteMalformedError(fmt.Errorf("invalid JSON from %s", r.endpoint))
	}
	return gjson.ParseBytes(data), nil
}

func errorCode(err error) string {
	var repoErr *model.RepositoryError
	if errors.As(err, &repoErr) {
		return strings.ToLower(repoErr.Code)
	}
	return "error"
}

func (c *Client) sanitize(s string) string {
	if c.sanitizer == nil {
		return s
	}
	return c.sanitizer.Sanitize(s)
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
