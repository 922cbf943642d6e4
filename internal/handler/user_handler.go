package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/hitoshi/warmsync/internal/middleware"
	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/remote"
	"github.com/hitoshi/warmsync/internal/repository"
)

// UserServiceInterface はユーザーハンドラーが必要とするリポジトリインターフェース。
type UserServiceInterface interface {
	FindByID(ctx context.Context, id int64, refresh bool) (repository.Result[model.User], error)
	SetFavorite(ctx context.Context, id int64, favorite bool) (model.User, error)
	Favorites(ctx context.Context) ([]model.User, error)
	Search(ctx context.Context, keyword string, limit, page int) (repository.Result[[]model.User], error)
	SearchByLocation(ctx context.Context, box remote.BoundingBox, limit int) ([]model.User, error)
}

// UserHandler はメンバー情報のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{service: service}
}

type favoriteRequest struct {
	Favorite *bool `json:"favorite"`
}

// GetUser はメンバーのプロフィールを返す。
// GET /api/users/{id}?refresh=true
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
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

// SetFavorite はお気に入りフラグを更新する。
// PUT /api/users/{id}/favorite
func (h *UserHandler) SetFavorite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req favoriteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Favorite == nil {
		writeInvalidRequest(w, "favoriteを指定してください。")
		return
	}
	u, err := h.service.SetFavorite(r.Context(), id, *req.Favorite)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeData(w, http.StatusOK, u, false)
}

// ListFavorites はお気に入りのメンバーを返す。
// GET /api/favorites
func (h *UserHandler) ListFavorites(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.Favorites(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(users), false)
}

// Search はキーワードでホストを検索する。
// GET /api/users?q=&limit=&page=
func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Search(r.Context(), r.URL.Query().Get("q"), queryInt(r, "limit", 0), queryInt(r, "page", 0))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(res.Value), res.Stale)
}

// Nearby は範囲内のホストを検索する。
// GET /api/users/nearby?min_lat=&max_lat=&min_lon=&max_lon=&limit=
func (h *UserHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var box remote.BoundingBox
	coords := []struct {
		key string
		dst *float64
	}{
		{"min_lat", &box.MinLat},
		{"max_lat", &box.MaxLat},
		{"min_lon", &box.MinLon},
		{"max_lon", &box.MaxLon},
	}
	for _, c := range coords {
		v, err := strconv.ParseFloat(q.Get(c.key), 64)
		if err != nil {
			writeInvalidRequest(w, c.key+"を数値で指定してください。")
			return
		}
		*c.dst = v
	}
	box.CenterLat = (box.MinLat + box.MaxLat) / 2
	box.CenterLon = (box.MinLon + box.MaxLon) / 2

	users, err := h.service.SearchByLocation(r.Context(), box, queryInt(r, "limit", 0))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(users), false)
}

// nonNil は空の結果をJSONのnullではなく[]として返すために使う。
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
