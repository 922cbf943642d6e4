package repository

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/warmsync/internal/keylock"
	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/remote"
	"github.com/hitoshi/warmsync/internal/store"
)

// ErrRepositoryClosed はClose後に一覧の更新を要求した場合のエラー。
var ErrRepositoryClosed = errors.New("repository: closed")

// ListingEvent はスレッド一覧の更新結果。Errがnilでない場合、キャッシュは変更されていない。
type ListingEvent struct {
	Threads []model.MessageThread
	Err     error
}

// MessageThreadRepository はメッセージスレッドの取得、一覧、送受信を行う。
type MessageThreadRepository struct {
	remote   remote.ThreadSource
	threads  *store.Collection[model.MessageThread]
	hydrator *hydrator
	opts     Options
	locks    *keylock.Locker[int64]
	policy   *policy[model.MessageThread]

	flight singleflight.Group

	// ctx はバックグラウンド更新の寿命。Closeでキャンセルされる
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	listeners map[int]func(ListingEvent)
	nextID    int
}

// NewMessageThreadRepository はMessageThreadRepositoryを生成する。
// usersは参加者とメッセージ作成者を突き合わせるユーザーコレクション。
func NewMessageThreadRepository(
	src remote.ThreadSource,
	threads *store.Collection[model.MessageThread],
	users *store.Collection[model.User],
	opts Options,
) *MessageThreadRepository {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &MessageThreadRepository{
		remote:    src,
		threads:   threads,
		hydrator:  &hydrator{users: users},
		opts:      opts,
		locks:     &keylock.Locker[int64]{},
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func(ListingEvent)),
	}
	r.policy = &policy[model.MessageThread]{
		coll:  threads,
		locks: r.locks,
		opts:  opts,
		usable: func(t model.MessageThread, now time.Time) bool {
			return t.IsFull() && model.IsFresh(t.FetchedAt, now, opts.Validity)
		},
		fetch:   src.FetchThread,
		save:    r.save,
		resolve: r.resolve,
	}
	return r
}

// save は参加者とメッセージ作成者をユーザーコレクションにマージしてからスレッドを書き込む。
func (r *MessageThreadRepository) save(ctx context.Context, t model.MessageThread) (model.MessageThread, error) {
	if err := r.hydrator.merge(ctx, threadRefs(&t)); err != nil {
		return model.MessageThread{}, err
	}
	t.FetchedAt = r.opts.Now()
	return r.threads.Upsert(ctx, t, model.MergeThread)
}

func (r *MessageThreadRepository) resolve(ctx context.Context, t model.MessageThread) (model.MessageThread, error) {
	if err := r.hydrator.resolve(ctx, threadRefs(&t)); err != nil {
		return model.MessageThread{}, err
	}
	return t, nil
}

// FindByID はメッセージを含むスレッドを返す。
func (r *MessageThreadRepository) FindByID(ctx context.Context, id int64, refresh bool) (Result[model.MessageThread], error) {
	return r.policy.find(ctx, id, refresh)
}

// FindAll はキャッシュ済みのスレッド一覧を最終更新の新しい順で即座に返す。
// オンラインの場合はバックグラウンドで一覧を更新し、完了時にSubscribeしたリスナーへ通知する。
// オフラインの場合は更新が行われないため、一覧をStaleとして返す。
func (r *MessageThreadRepository) FindAll(ctx context.Context) (Result[[]model.MessageThread], error) {
	listing, err := r.cachedListing(ctx)
	if err != nil {
		return Result[[]model.MessageThread]{}, err
	}
	online := r.opts.Oracle.IsOnline()
	if online {
		r.refreshInBackground()
	}
	return Result[[]model.MessageThread]{Value: listing, Stale: !online, FromCache: true}, nil
}

// Refresh はリモートから一覧を取得してキャッシュを置き換え、更新後の一覧を返す。
// 同時に複数呼ばれた場合は1回の取得を共有する。
func (r *MessageThreadRepository) Refresh(ctx context.Context) ([]model.MessageThread, error) {
	if r.isClosed() {
		return nil, ErrRepositoryClosed
	}
	if err := requireOnline(r.opts.Oracle); err != nil {
		return nil, err
	}
	ch := r.flight.DoChan("listing", func() (any, error) {
		return r.refreshListing()
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]model.MessageThread), nil
	}
}

func (r *MessageThreadRepository) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *MessageThreadRepository) refreshInBackground() {
	if r.isClosed() {
		return
	}
	r.flight.DoChan("listing", func() (any, error) {
		return r.refreshListing()
	})
}

// refreshListing は一覧の更新本体。リポジトリの寿命のcontextで実行する。
func (r *MessageThreadRepository) refreshListing() ([]model.MessageThread, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRepositoryClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	ctx := r.ctx
	start := time.Now()
	listing, err := r.replaceListing(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.opts.Logger.Warn("スレッド一覧の更新に失敗しました", slog.String("error", err.Error()))
			r.notify(ListingEvent{Err: err})
		}
		return nil, err
	}

	r.opts.Logger.Info("スレッド一覧を更新しました",
		slog.Int("count", len(listing)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	r.notify(ListingEvent{Threads: listing})
	return listing, nil
}

// replaceListing はリモートの一覧をキャッシュにマージし、リモートにないスレッドを削除する。
func (r *MessageThreadRepository) replaceListing(ctx context.Context) ([]model.MessageThread, error) {
	summaries, err := r.remote.FetchThreads(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}

	wctx := context.WithoutCancel(ctx)
	keep := make(map[int64]struct{}, len(summaries))
	now := r.opts.Now()
	for _, s := range summaries {
		keep[s.ID] = struct{}{}
		if err := r.mergeSummary(wctx, s, now); err != nil {
			return nil, r.policy.persistenceFailed(err)
		}
	}

	cached, err := r.threads.FindAll(wctx)
	if err != nil {
		return nil, r.policy.persistenceFailed(err)
	}
	for _, t := range cached {
		if _, ok := keep[t.ID]; ok {
			continue
		}
		if err := r.removeThread(wctx, t.ID); err != nil {
			return nil, r.policy.persistenceFailed(err)
		}
	}

	return r.cachedListing(wctx)
}

// mergeSummary はサマリー1件をFindByIDと同じID単位のロックの下でマージする。
func (r *MessageThreadRepository) mergeSummary(ctx context.Context, s model.MessageThread, now time.Time) error {
	unlock, err := r.locks.Lock(ctx, s.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.hydrator.merge(ctx, threadRefs(&s)); err != nil {
		return err
	}
	s.FetchedAt = now
	_, err = r.threads.Upsert(ctx, s, model.MergeThread)
	return err
}

func (r *MessageThreadRepository) removeThread(ctx context.Context, id int64) error {
	unlock, err := r.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.threads.Remove(ctx, id); err != nil {
		return err
	}
	r.opts.Metrics.RecordTombstone(string(model.KindThread))
	r.opts.Logger.Info("リモートの一覧にないスレッドを削除しました", slog.Int64("id", id))
	return nil
}

// cachedListing はキャッシュ済みのスレッドを最終更新の新しい順で返す。
func (r *MessageThreadRepository) cachedListing(ctx context.Context) ([]model.MessageThread, error) {
	threads, err := r.threads.FindAll(ctx)
	if err != nil {
		return nil, r.policy.persistenceFailed(err)
	}

	var refs []*model.User
	for i := range threads {
		refs = append(refs, threadRefs(&threads[i])...)
	}
	if err := r.hydrator.resolve(ctx, refs); err != nil {
		return nil, r.policy.persistenceFailed(err)
	}

	slices.SortStableFunc(threads, func(a, b model.MessageThread) int {
		if c := b.LastUpdatedAt.Compare(a.LastUpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return threads, nil
}

// Subscribe は一覧の更新時に呼ばれるリスナーを登録し、登録解除の関数を返す。
// リスナーは更新を行ったgoroutineから呼ばれる。
func (r *MessageThreadRepository) Subscribe(fn func(ListingEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.listeners, id)
		})
	}
}

func (r *MessageThreadRepository) notify(ev ListingEvent) {
	r.mu.Lock()
	listeners := make([]func(ListingEvent), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		r.callListener(fn, ev)
	}
}

func (r *MessageThreadRepository) callListener(fn func(ListingEvent), ev ListingEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.opts.Logger.Error("一覧更新リスナーでpanicが発生しました", slog.Any("panic", rec))
		}
	}()
	fn(ev)
}

// UnreadCount は未読スレッド数を返す。
// オフラインまたはリモート失敗時はキャッシュ済みの未読スレッドを数えてStaleとして返す。
func (r *MessageThreadRepository) UnreadCount(ctx context.Context) (Result[int], error) {
	if r.opts.Oracle.IsOnline() {
		n, err := r.remote.UnreadCount(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result[int]{}, ctxErr
		}
		if err == nil {
			return Result[int]{Value: n}, nil
		}
		r.opts.Logger.Warn("未読数の取得に失敗したためキャッシュから集計します", slog.String("error", err.Error()))
	}

	threads, err := r.threads.FindAll(ctx)
	if err != nil {
		return Result[int]{}, r.policy.persistenceFailed(err)
	}
	n := 0
	for _, t := range threads {
		if t.IsNew {
			n++
		}
	}
	return Result[int]{Value: n, Stale: true, FromCache: true}, nil
}

// MarkRead はスレッドの既読状態を変更し、キャッシュにも反映する。
func (r *MessageThreadRepository) MarkRead(ctx context.Context, id int64, unread bool) error {
	if id <= 0 {
		return model.NewInvalidInputError("IDは正の整数で指定してください")
	}
	if err := requireOnline(r.opts.Oracle); err != nil {
		return err
	}
	if err := r.remote.MarkThreadRead(ctx, id, unread); err != nil {
		return r.policy.writeFailed(ctx, id, err)
	}

	wctx := context.WithoutCancel(ctx)
	unlock, err := r.locks.Lock(wctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := r.threads.FindByID(wctx, id)
	if err != nil || cur == nil {
		return r.policy.persistenceFailedOrNil(err)
	}
	_, err = r.threads.Upsert(wctx, *cur, func(existing *model.MessageThread, incoming model.MessageThread) model.MessageThread {
		t := incoming
		if existing != nil {
			t = *existing
		}
		t.IsNew = unread
		t.ReadAll = !unread
		return t
	})
	return r.policy.persistenceFailedOrNil(err)
}

// Reply はスレッドに返信し、返信を含むスレッドを取得し直して返す。
func (r *MessageThreadRepository) Reply(ctx context.Context, id int64, body string) (Result[model.MessageThread], error) {
	if id <= 0 {
		return Result[model.MessageThread]{}, model.NewInvalidInputError("IDは正の整数で指定してください")
	}
	if strings.TrimSpace(body) == "" {
		return Result[model.MessageThread]{}, model.NewInvalidInputError("本文を入力してください")
	}
	if err := requireOnline(r.opts.Oracle); err != nil {
		return Result[model.MessageThread]{}, err
	}
	if err := r.remote.Reply(ctx, id, body); err != nil {
		return Result[model.MessageThread]{}, r.policy.writeFailed(ctx, id, err)
	}
	return r.policy.find(ctx, id, true)
}

// Send は新しいスレッドを開始し、バックグラウンドで一覧を更新する。
func (r *MessageThreadRepository) Send(ctx context.Context, recipients []string, subject, body string) error {
	names := make([]string, 0, len(recipients))
	for _, name := range recipients {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	switch {
	case len(names) == 0:
		return model.NewInvalidInputError("宛先を指定してください")
	case strings.TrimSpace(subject) == "":
		return model.NewInvalidInputError("件名を入力してください")
	case strings.TrimSpace(body) == "":
		return model.NewInvalidInputError("本文を入力してください")
	}
	if err := requireOnline(r.opts.Oracle); err != nil {
		return err
	}
	if err := r.remote.Send(ctx, names, subject, body); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	r.refreshInBackground()
	return nil
}

// Close は実行中のバックグラウンド更新をキャンセルし、終了を待つ。
func (r *MessageThreadRepository) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
