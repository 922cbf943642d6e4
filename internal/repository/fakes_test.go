package repository

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/warmsync/internal/connectivity"
	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/remote"
	"github.com/hitoshi/warmsync/internal/store"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testClock は手動で進めるテスト用の時計。
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv はテストで共有するストアとOracle。
type testEnv struct {
	backend  *store.MemoryBackend
	users    *store.Collection[model.User]
	threads  *store.Collection[model.MessageThread]
	feedback *store.Collection[model.UserFeedback]
	oracle   *connectivity.Static
	clock    *testClock
	logs     *bytes.Buffer
}

func newTestEnv() *testEnv {
	b := store.NewMemoryBackend()
	return &testEnv{
		backend:  b,
		users:    store.NewCollection[model.User](b),
		threads:  store.NewCollection[model.MessageThread](b),
		feedback: store.NewCollection[model.UserFeedback](b),
		oracle:   connectivity.NewStatic(true),
		clock:    newTestClock(),
		logs:     &bytes.Buffer{},
	}
}

func (e *testEnv) options() Options {
	return Options{
		Oracle:   e.oracle,
		Validity: 15 * time.Minute,
		Now:      e.clock.Now,
		Logger:   newTestLogger(e.logs),
	}
}

func (e *testEnv) putUser(t *testing.T, u model.User) {
	t.Helper()
	if _, err := e.users.Upsert(context.Background(), u, nil); err != nil {
		t.Fatalf("putUser: %v", err)
	}
}

func (e *testEnv) getUser(t *testing.T, id int64) *model.User {
	t.Helper()
	u, err := e.users.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("getUser: %v", err)
	}
	return u
}

// fakeUserSource はテスト用のUserSource。
type fakeUserSource struct {
	fetchFn    func(ctx context.Context, id int64) (model.User, error)
	keywordFn  func(ctx context.Context, keyword string, limit, page int) ([]model.User, error)
	locationFn func(ctx context.Context, box remote.BoundingBox, limit int) ([]model.User, error)
	calls      atomic.Int32
}

func (f *fakeUserSource) FetchUser(ctx context.Context, id int64) (model.User, error) {
	f.calls.Add(1)
	return f.fetchFn(ctx, id)
}

func (f *fakeUserSource) SearchByKeyword(ctx context.Context, keyword string, limit, page int) ([]model.User, error) {
	f.calls.Add(1)
	return f.keywordFn(ctx, keyword, limit, page)
}

func (f *fakeUserSource) SearchByLocation(ctx context.Context, box remote.BoundingBox, limit int) ([]model.User, error) {
	f.calls.Add(1)
	return f.locationFn(ctx, box, limit)
}

// fakeThreadSource はテスト用のThreadSource。未設定の操作はpanicする。
type fakeThreadSource struct {
	fetchFn   func(ctx context.Context, id int64) (model.MessageThread, error)
	listFn    func(ctx context.Context) ([]model.MessageThread, error)
	unreadFn  func(ctx context.Context) (int, error)
	markFn    func(ctx context.Context, id int64, unread bool) error
	replyFn   func(ctx context.Context, id int64, body string) error
	sendFn    func(ctx context.Context, recipients []string, subject, body string) error
	calls     atomic.Int32
	listCalls atomic.Int32
}

func (f *fakeThreadSource) FetchThread(ctx context.Context, id int64) (model.MessageThread, error) {
	f.calls.Add(1)
	return f.fetchFn(ctx, id)
}

func (f *fakeThreadSource) FetchThreads(ctx context.Context) ([]model.MessageThread, error) {
	f.calls.Add(1)
	f.listCalls.Add(1)
	return f.listFn(ctx)
}

func (f *fakeThreadSource) UnreadCount(ctx context.Context) (int, error) {
	f.calls.Add(1)
	return f.unreadFn(ctx)
}

func (f *fakeThreadSource) MarkThreadRead(ctx context.Context, id int64, unread bool) error {
	f.calls.Add(1)
	return f.markFn(ctx, id, unread)
}

func (f *fakeThreadSource) Reply(ctx context.Context, id int64, body string) error {
	f.calls.Add(1)
	return f.replyFn(ctx, id, body)
}

func (f *fakeThreadSource) Send(ctx context.Context, recipients []string, subject, body string) error {
	f.calls.Add(1)
	return f.sendFn(ctx, recipients, subject, body)
}

// fakeFeedbackSource はテスト用のFeedbackSource。
type fakeFeedbackSource struct {
	fetchFn  func(ctx context.Context, userID int64) (model.UserFeedback, error)
	createFn func(ctx context.Context, subjectName string, f model.Feedback) error
	calls    atomic.Int32
}

func (f *fakeFeedbackSource) FetchFeedback(ctx context.Context, userID int64) (model.UserFeedback, error) {
	f.calls.Add(1)
	return f.fetchFn(ctx, userID)
}

func (f *fakeFeedbackSource) CreateFeedback(ctx context.Context, subjectName string, fb model.Feedback) error {
	f.calls.Add(1)
	return f.createFn(ctx, subjectName, fb)
}

// failingBackend はUpdateを常に失敗させるBackend。
type failingBackend struct {
	*store.MemoryBackend
	updateErr error
}

func (b *failingBackend) Update(ctx context.Context, kind model.Kind, id int64, fn store.UpdateFunc) error {
	if b.updateErr != nil {
		return b.updateErr
	}
	return b.MemoryBackend.Update(ctx, kind, id, fn)
}

func fullUser(id int64, name string) model.User {
	return model.User{
		ID:           id,
		Name:         name,
		Completeness: model.CompletenessFull,
		Fullname:     "Full " + name,
		City:         "Lyon",
		Country:      "fr",
		Latitude:     45.75,
		Longitude:    4.85,
		MaxCyclists:  2,
		Shower:       true,
	}
}

func sparseUser(id int64, name string) model.User {
	return model.User{ID: id, Name: name, Completeness: model.CompletenessSparse}
}
