package repository

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/hitoshi/warmsync/internal/keylock"
	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/remote"
	"github.com/hitoshi/warmsync/internal/store"
)

// UserRepository はユーザーの取得、検索、お気に入り管理を行う。
type UserRepository struct {
	remote remote.UserSource
	users  *store.Collection[model.User]
	opts   Options
	policy *policy[model.User]
}

// NewUserRepository はUserRepositoryを生成する。
func NewUserRepository(src remote.UserSource, users *store.Collection[model.User], opts Options) *UserRepository {
	opts = opts.withDefaults()
	r := &UserRepository{
		remote: src,
		users:  users,
		opts:   opts,
	}
	r.policy = &policy[model.User]{
		coll:  users,
		locks: &keylock.Locker[int64]{},
		opts:  opts,
		usable: func(u model.User, now time.Time) bool {
			return u.IsFull() && model.IsFresh(u.FetchedAt, now, opts.Validity)
		},
		fetch: src.FetchUser,
		save:  r.save,
	}
	return r
}

func (r *UserRepository) save(ctx context.Context, u model.User) (model.User, error) {
	u.FetchedAt = r.opts.Now()
	return r.users.Upsert(ctx, u, model.MergeUser)
}

// FindByID はユーザーを返す。refreshがtrueの場合はオンラインならリモートから再取得する。
func (r *UserRepository) FindByID(ctx context.Context, id int64, refresh bool) (Result[model.User], error) {
	return r.policy.find(ctx, id, refresh)
}

// SetFavorite はお気に入りフラグのみを更新する。ネットワークには接続しない。
// キャッシュにないユーザーはSparseなレコードとして登録する。
func (r *UserRepository) SetFavorite(ctx context.Context, id int64, favorite bool) (model.User, error) {
	if id <= 0 {
		return model.User{}, model.NewInvalidInputError("IDは正の整数で指定してください")
	}
	if err := ctx.Err(); err != nil {
		return model.User{}, err
	}
	stub := model.User{ID: id, Completeness: model.CompletenessSparse}
	u, err := r.users.Upsert(context.WithoutCancel(ctx), stub, model.WithFavorite(favorite))
	if err != nil {
		return model.User{}, r.policy.persistenceFailed(err)
	}
	r.opts.Logger.Info("お気に入りを更新しました",
		slog.Int64("id", id),
		slog.Bool("favorite", favorite),
	)
	return u, nil
}

// FindAll はキャッシュ済みの全ユーザーを返す。
func (r *UserRepository) FindAll(ctx context.Context) ([]model.User, error) {
	users, err := r.users.FindAll(ctx)
	if err != nil {
		return nil, r.policy.persistenceFailed(err)
	}
	return users, nil
}

// Favorites はお気に入りのユーザーを名前順で返す。
func (r *UserRepository) Favorites(ctx context.Context) ([]model.User, error) {
	users, err := r.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	favorites := slices.DeleteFunc(users, func(u model.User) bool { return !u.Favorite })
	slices.SortStableFunc(favorites, func(a, b model.User) int {
		return strings.Compare(strings.ToLower(displayName(a)), strings.ToLower(displayName(b)))
	})
	return favorites, nil
}

// Search はキーワードでホストを検索する。
// オンラインならリモートで検索して結果をキャッシュにマージし、
// オフラインまたはリモート失敗時はキャッシュを名前と都市で絞り込んでStaleとして返す。
func (r *UserRepository) Search(ctx context.Context, keyword string, limit, page int) (Result[[]model.User], error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return Result[[]model.User]{}, model.NewInvalidInputError("検索キーワードを指定してください")
	}
	if limit <= 0 {
		limit = 50
	}
	if page < 0 {
		page = 0
	}

	if r.opts.Oracle.IsOnline() {
		found, err := r.remote.SearchByKeyword(ctx, keyword, limit, page)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result[[]model.User]{}, ctxErr
		}
		if err == nil {
			merged, err := r.mergeAll(context.WithoutCancel(ctx), found)
			if err != nil {
				return Result[[]model.User]{}, err
			}
			return Result[[]model.User]{Value: merged}, nil
		}
		r.opts.Logger.Warn("リモート検索に失敗したためキャッシュから検索します",
			slog.String("keyword", keyword),
			slog.String("error", err.Error()),
		)
	}

	users, err := r.FindAll(ctx)
	if err != nil {
		return Result[[]model.User]{}, err
	}
	matched := filterUsers(users, keyword)
	start := min(page*limit, len(matched))
	end := min(start+limit, len(matched))
	return Result[[]model.User]{Value: matched[start:end], Stale: true, FromCache: true}, nil
}

// SearchByLocation は範囲内のホストを検索する。オンラインでのみ利用できる。
func (r *UserRepository) SearchByLocation(ctx context.Context, box remote.BoundingBox, limit int) ([]model.User, error) {
	if box.MinLat > box.MaxLat || box.MinLon > box.MaxLon {
		return nil, model.NewInvalidInputError("検索範囲が不正です")
	}
	if err := requireOnline(r.opts.Oracle); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	found, err := r.remote.SearchByLocation(ctx, box, limit)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	return r.mergeAll(context.WithoutCancel(ctx), found)
}

// mergeAll は検索結果をキャッシュにマージし、マージ後の値を返す。
func (r *UserRepository) mergeAll(ctx context.Context, found []model.User) ([]model.User, error) {
	now := r.opts.Now()
	merged := make([]model.User, 0, len(found))
	for _, u := range found {
		u.FetchedAt = now
		saved, err := r.users.Upsert(ctx, u, model.MergeUser)
		if err != nil {
			return nil, r.policy.persistenceFailed(err)
		}
		merged = append(merged, saved)
	}
	return merged, nil
}

func filterUsers(users []model.User, keyword string) []model.User {
	kw := strings.ToLower(keyword)
	matched := make([]model.User, 0)
	for _, u := range users {
		for _, field := range []string{u.Name, u.Fullname, u.City} {
			if field != "" && strings.Contains(strings.ToLower(field), kw) {
				matched = append(matched, u)
				break
			}
		}
	}
	return matched
}

func displayName(u model.User) string {
	if u.Fullname != "" {
		return u.Fullname
	}
	return u.Name
}
