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

// FeedbackRepository はメンバーが受け取ったフィードバックの取得と作成を行う。
type FeedbackRepository struct {
	remote   remote.FeedbackSource
	feedback *store.Collection[model.UserFeedback]
	users    *store.Collection[model.User]
	hydrator *hydrator
	opts     Options
	policy   *policy[model.UserFeedback]
}

// NewFeedbackRepository はFeedbackRepositoryを生成する。
func NewFeedbackRepository(
	src remote.FeedbackSource,
	feedback *store.Collection[model.UserFeedback],
	users *store.Collection[model.User],
	opts Options,
) *FeedbackRepository {
	opts = opts.withDefaults()
	r := &FeedbackRepository{
		remote:   src,
		feedback: feedback,
		users:    users,
		hydrator: &hydrator{users: users},
		opts:     opts,
	}
	r.policy = &policy[model.UserFeedback]{
		coll:  feedback,
		locks: &keylock.Locker[int64]{},
		opts:  opts,
		usable: func(f model.UserFeedback, now time.Time) bool {
			return model.IsFresh(f.FetchedAt, now, opts.Validity)
		},
		fetch:   src.FetchFeedback,
		save:    r.save,
		resolve: r.resolve,
	}
	return r
}

func (r *FeedbackRepository) save(ctx context.Context, f model.UserFeedback) (model.UserFeedback, error) {
	if err := r.hydrator.merge(ctx, feedbackRefs(&f)); err != nil {
		return model.UserFeedback{}, err
	}
	f.FetchedAt = r.opts.Now()
	return r.feedback.Upsert(ctx, f, model.MergeUserFeedback)
}

func (r *FeedbackRepository) resolve(ctx context.Context, f model.UserFeedback) (model.UserFeedback, error) {
	if err := r.hydrator.resolve(ctx, feedbackRefs(&f)); err != nil {
		return model.UserFeedback{}, err
	}
	return f, nil
}

// FindForUser はuserIDのメンバーが受け取ったフィードバックを返す。
func (r *FeedbackRepository) FindForUser(ctx context.Context, userID int64, refresh bool) (Result[model.UserFeedback], error) {
	return r.policy.find(ctx, userID, refresh)
}

// FindAll はキャッシュ済みの全フィードバックを返す。
func (r *FeedbackRepository) FindAll(ctx context.Context) ([]model.Feedback, error) {
	sets, err := r.feedback.FindAll(ctx)
	if err != nil {
		return nil, r.policy.persistenceFailed(err)
	}
	var items []model.Feedback
	for _, set := range sets {
		items = append(items, set.Items...)
	}
	return items, nil
}

// Create はフィードバックを作成し、対象メンバーのフィードバックを取得し直して返す。
// 対象メンバーのユーザー名はユーザーキャッシュから解決する。
func (r *FeedbackRepository) Create(ctx context.Context, f model.Feedback) (Result[model.UserFeedback], error) {
	var zero Result[model.UserFeedback]
	if err := validateFeedback(f); err != nil {
		return zero, err
	}
	if err := requireOnline(r.opts.Oracle); err != nil {
		return zero, err
	}

	subject, err := r.users.FindByID(ctx, f.SubjectID)
	if err != nil {
		return zero, r.policy.persistenceFailed(err)
	}
	if subject == nil || subject.Name == "" {
		return zero, model.NewInvalidInputError("対象メンバーのユーザー名が不明です。先にプロフィールを取得してください")
	}

	if err := r.remote.CreateFeedback(ctx, subject.Name, f); err != nil {
		// 対象メンバーが存在しない場合はそのフィードバックをtombstoneとして扱う
		return zero, r.policy.writeFailed(ctx, f.SubjectID, err)
	}
	r.opts.Logger.Info("フィードバックを作成しました",
		slog.Int64("subject_id", f.SubjectID),
		slog.String("rating", f.Rating),
	)
	return r.policy.find(ctx, f.SubjectID, true)
}

var (
	validRatings       = []string{model.RatingPositive, model.RatingNeutral, model.RatingNegative}
	validFeedbackTypes = []string{model.FeedbackTypeGuest, model.FeedbackTypeHost, model.FeedbackTypeOther}
)

func validateFeedback(f model.Feedback) error {
	switch {
	case f.SubjectID <= 0:
		return model.NewInvalidInputError("対象メンバーのIDを指定してください")
	case strings.TrimSpace(f.Body) == "":
		return model.NewInvalidInputError("本文を入力してください")
	case !slices.Contains(validRatings, f.Rating):
		return model.NewInvalidInputError("評価はPositive, Neutral, Negativeのいずれかで指定してください")
	case !slices.Contains(validFeedbackTypes, f.Type):
		return model.NewInvalidInputError("種別が不正です")
	case f.Year < 1970 || f.Month < 1 || f.Month > 12:
		return model.NewInvalidInputError("ホスティングの年月が不正です")
	}
	return nil
}
