package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/warmsync/internal/middleware"
	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/repository"
)

// ThreadServiceInterface はスレッドハンドラーが必要とするリポジトリインターフェース。
type ThreadServiceInterface interface {
	FindAll(ctx context.Context) (repository.Result[[]model.MessageThread], error)
	FindByID(ctx context.Context, id int64, refresh bool) (repository.Result[model.MessageThread], error)
	UnreadCount(ctx context.Context) (repository.Result[int], error)
	MarkRead(ctx context.Context, id int64, unread bool) error
	Reply(ctx context.Context, id int64, body string) (repository.Result[model.MessageThread], error)
	Send(ctx context.Context, recipients []string, subject, body string) error
}

// ThreadHandler はメッセージスレッドのHTTPハンドラー。
type ThreadHandler struct {
	service ThreadServiceInterface
}

// NewThreadHandler はThreadHandlerを生成する。
func NewThreadHandler(service ThreadServiceInterface) *ThreadHandler {
	return &ThreadHandler{service: service}
}

type markReadRequest struct {
	Unread bool `json:"unread"`
}

type replyRequest struct {
	Body string `json:"body"`
}

type sendRequest struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
}

type unreadResponse struct {
	Count int `json:"count"`
}

// ListThreads はキャッシュ済みのスレッド一覧を返す。オンラインなら裏で一覧を更新する。
// GET /api/threads
func (h *ThreadHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.FindAll(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(res.Value), res.Stale)
}

// GetThread はメッセージを含むスレッドを返す。
// GET /api/threads/{id}?refresh=true
func (h *ThreadHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.service.FindByID(r.Context(), id, queryRefresh(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeData(w, http.StatusOK, res.Value, res.Stale)
}

// UnreadCount は未読スレッド数を返す。
// GET /api/threads/unread
func (h *ThreadHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.UnreadCount(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeData(w, http.StatusOK, unreadResponse{Count: res.Value}, res.Stale)
}

// MarkRead はスレッドの既読・未読を切り替える。
// PUT /api/threads/{id}/read
func (h *ThreadHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req markReadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.service.MarkRead(r.Context(), id, req.Unread); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reply はスレッドに返信し、取得し直したスレッドを返す。
// POST /api/threads/{id}/replies
func (h *ThreadHandler) Reply(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req replyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.service.Reply(r.Context(), id, req.Body)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeData(w, http.StatusCreated, res.Value, res.Stale)
}

// Send は新しいスレッドを開始する。一覧は裏で更新される。
// POST /api/threads
func (h *ThreadHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.service.Send(r.Context(), req.Recipients, req.Subject, req.Body); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
