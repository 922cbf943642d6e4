package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/warmsync/internal/connectivity"
	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/remote"
	"github.com/hitoshi/warmsync/internal/repository"
)

// --- モック定義 ---

type mockUserService struct {
	findByIDFn         func(ctx context.Context, id int64, refresh bool) (repository.Result[model.User], error)
	setFavoriteFn      func(ctx context.Context, id int64, favorite bool) (model.User, error)
	favoritesFn        func(ctx context.Context) ([]model.User, error)
	searchFn           func(ctx context.Context, keyword string, limit, page int) (repository.Result[[]model.User], error)
	searchByLocationFn func(ctx context.Context, box remote.BoundingBox, limit int) ([]model.User, error)
}

func (m *mockUserService) FindByID(ctx context.Context, id int64, refresh bool) (repository.Result[model.User], error) {
	return m.findByIDFn(ctx, id, refresh)
}

func (m *mockUserService) SetFavorite(ctx context.Context, id int64, favorite bool) (model.User, error) {
	return m.setFavoriteFn(ctx, id, favorite)
}

func (m *mockUserService) Favorites(ctx context.Context) ([]model.User, error) {
	return m.favoritesFn(ctx)
}

func (m *mockUserService) Search(ctx context.Context, keyword string, limit, page int) (repository.Result[[]model.User], error) {
	return m.searchFn(ctx, keyword, limit, page)
}

func (m *mockUserService) SearchByLocation(ctx context.Context, box remote.BoundingBox, limit int) ([]model.User, error) {
	return m.searchByLocationFn(ctx, box, limit)
}

type mockThreadService struct {
	findAllFn     func(ctx context.Context) (repository.Result[[]model.MessageThread], error)
	findByIDFn    func(ctx context.Context, id int64, refresh bool) (repository.Result[model.MessageThread], error)
	unreadCountFn func(ctx context.Context) (repository.Result[int], error)
	markReadFn    func(ctx context.Context, id int64, unread bool) error
	replyFn       func(ctx context.Context, id int64, body string) (repository.Result[model.MessageThread], error)
	sendFn        func(ctx context.Context, recipients []string, subject, body string) error
}

func (m *mockThreadService) FindAll(ctx context.Context) (repository.Result[[]model.MessageThread], error) {
	return m.findAllFn(ctx)
}

func (m *mockThreadService) FindByID(ctx context.Context, id int64, refresh bool) (repository.Result[model.MessageThread], error) {
	return m.findByIDFn(ctx, id, refresh)
}

func (m *mockThreadService) UnreadCount(ctx context.Context) (repository.Result[int], error) {
	return m.unreadCountFn(ctx)
}

func (m *mockThreadService) MarkRead(ctx context.Context, id int64, unread bool) error {
	return m.markReadFn(ctx, id, unread)
}

func (m *mockThreadService) Reply(ctx context.Context, id int64, body string) (repository.Result[model.MessageThread], error) {
	return m.replyFn(ctx, id, body)
}

func (m *mockThreadService) Send(ctx context.Context, recipients []string, subject, body string) error {
	return m.sendFn(ctx, recipients, subject, body)
}

type mockFeedbackService struct {
	findForUserFn func(ctx context.Context, userID int64, refresh bool) (repository.Result[model.UserFeedback], error)
	createFn      func(ctx context.Context, f model.Feedback) (repository.Result[model.UserFeedback], error)
}

func (m *mockFeedbackService) FindForUser(ctx context.Context, userID int64, refresh bool) (repository.Result[model.UserFeedback], error) {
	return m.findForUserFn(ctx, userID, refresh)
}

func (m *mockFeedbackService) Create(ctx context.Context, f model.Feedback) (repository.Result[model.UserFeedback], error) {
	return m.createFn(ctx, f)
}

// --- テストヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func newTestRouter(users UserServiceInterface, threads ThreadServiceInterface, feedback FeedbackServiceInterface) http.Handler {
	var buf bytes.Buffer
	if users == nil {
		users = &mockUserService{}
	}
	if threads == nil {
		threads = &mockThreadService{}
	}
	if feedback == nil {
		feedback = &mockFeedbackService{}
	}
	return NewRouter(&RouterDeps{
		Logger:   newTestLogger(&buf),
		Oracle:   connectivity.NewStatic(true),
		Users:    users,
		Threads:  threads,
		Feedback: feedback,
	})
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// decodeData はdataResponseを読み込み、dataをvにデコードしてstaleを返す。
func decodeData(t *testing.T, w *httptest.ResponseRecorder, v any) bool {
	t.Helper()
	var resp struct {
		Data  json.RawMessage `json:"data"`
		Stale bool            `json:"stale"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v (%s)", err, w.Body.String())
	}
	if v != nil {
		if err := json.Unmarshal(resp.Data, v); err != nil {
			t.Fatalf("failed to decode data: %v (%s)", err, resp.Data)
		}
	}
	return resp.Stale
}

func parseErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error response: %v (%s)", err, w.Body.String())
	}
	return body["code"]
}
