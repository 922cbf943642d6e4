package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/warmsync/internal/connectivity"
	"github.com/hitoshi/warmsync/internal/metrics"
	"github.com/hitoshi/warmsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	Oracle      connectivity.Oracle
	RateLimiter *middleware.RateLimiter
	// Gathererがnilの場合は/metricsを公開しない
	Gatherer prometheus.Gatherer

	Users    UserServiceInterface
	Threads  ThreadServiceInterface
	Feedback FeedbackServiceInterface
}

type healthResponse struct {
	Status string `json:"status"`
	Online bool   `json:"online"`
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders
//
// リモートへ副作用を持つ操作にはさらに書き込みレート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	userHandler := NewUserHandler(deps.Users)
	threadHandler := NewThreadHandler(deps.Threads)
	feedbackHandler := NewFeedbackHandler(deps.Feedback)

	write := func(next http.Handler) http.Handler { return next }
	if deps.RateLimiter != nil {
		write = deps.RateLimiter.WriteMiddleware()
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{Status: "ok", Online: deps.Oracle.IsOnline()})
	})
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		// メンバー
		r.Get("/favorites", userHandler.ListFavorites)
		r.Route("/users", func(r chi.Router) {
			r.Get("/", userHandler.Search)
			r.Get("/nearby", userHandler.Nearby)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", userHandler.GetUser)
				r.Put("/favorite", userHandler.SetFavorite)

				r.Get("/feedback", feedbackHandler.ListFeedback)
				r.With(write).Post("/feedback", feedbackHandler.CreateFeedback)
			})
		})

		// メッセージ
		r.Route("/threads", func(r chi.Router) {
			r.Get("/", threadHandler.ListThreads)
			r.With(write).Post("/", threadHandler.Send)
			r.Get("/unread", threadHandler.UnreadCount)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", threadHandler.GetThread)
				r.Put("/read", threadHandler.MarkRead)
				r.With(write).Post("/replies", threadHandler.Reply)
			})
		})
	})

	return r
}
