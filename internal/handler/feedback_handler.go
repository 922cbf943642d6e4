package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/warmsync/internal/middleware"
	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/repository"
)

// FeedbackServiceInterface はフィードバックハンドラーが必要とするリポジトリインターフェース。
type FeedbackServiceInterface interface {
	FindForUser(ctx context.Context, userID int64, refresh bool) (repository.Result[model.UserFeedback], error)
	Create(ctx context.Context, f model.Feedback) (repository.Result[model.UserFeedback], error)
}

// FeedbackHandler はフィードバックのHTTPハンドラー。
type FeedbackHandler struct {
	service FeedbackServiceInterface
}

// NewFeedbackHandler はFeedbackHandlerを生成する。
func NewFeedbackHandler(service FeedbackServiceInterface) *FeedbackHandler {
	return &FeedbackHandler{service: service}
}

type createFeedbackRequest struct {
	Body   string `json:"body"`
	Rating string `json:"rating"`
	Type   string `json:"type"`
	Year   int    `json:"year"`
	Month  int    `json:"month"`
}

// ListFeedback はメンバーが受け取ったフィードバックを返す。
// GET /api/users/{id}/feedback?refresh=true
func (h *FeedbackHandler) ListFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.service.FindForUser(r.Context(), id, queryRefresh(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeData(w, http.StatusOK, res.Value, res.Stale)
}

// CreateFeedback はメンバーへのフィードバックを作成する。
// POST /api/users/{id}/feedback
func (h *FeedbackHandler) CreateFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req createFeedbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.service.Create(r.Context(), model.Feedback{
		SubjectID: id,
		Body:      req.Body,
		Rating:    req.Rating,
		Type:      req.Type,
		Year:      req.Year,
		Month:     req.Month,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeData(w, http.StatusCreated, res.Value, res.Stale)
}
