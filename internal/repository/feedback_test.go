package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/warmsync/internal/model"
)

func feedbackFor(subjectID int64, authors ...model.User) model.UserFeedback {
	uf := model.UserFeedback{ID: subjectID}
	for i, a := range authors {
		uf.Items = append(uf.Items, model.Feedback{
			ID:        subjectID*10 + int64(i),
			Author:    a,
			SubjectID: subjectID,
			Body:      "great stay",
			Rating:    model.RatingPositive,
			Type:      model.FeedbackTypeGuest,
			Year:      2025,
			Month:     6,
		})
	}
	return uf
}

func TestFeedbackRepository_FindForUserHydratesAuthors(t *testing.T) {
	env := newTestEnv()
	env.putUser(t, fullUser(7, "author"))
	src := &fakeFeedbackSource{
		fetchFn: func(_ context.Context, userID int64) (model.UserFeedback, error) {
			return feedbackFor(userID, sparseUser(7, "author"), sparseUser(8, "other")), nil
		},
	}
	repo := NewFeedbackRepository(src, env.feedback, env.users, env.options())
	ctx := context.Background()

	res, err := repo.FindForUser(ctx, 42, false)
	if err != nil {
		t.Fatalf("FindForUser() error = %v", err)
	}
	if len(res.Value.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(res.Value.Items))
	}
	if a := res.Value.Items[0].Author; a.Completeness != model.CompletenessFull || a.City != "Lyon" {
		t.Errorf("author = %+v, want full cached author", a)
	}
	if u := env.getUser(t, 8); u == nil || u.Completeness != model.CompletenessSparse {
		t.Errorf("other = %+v, want sparse record", u)
	}

	// 有効期間内はキャッシュから返す
	res, err = repo.FindForUser(ctx, 42, false)
	if err != nil || !res.FromCache {
		t.Errorf("second FindForUser() = %+v, %v, want cached", res, err)
	}
	env.clock.Advance(20 * time.Minute)
	res, err = repo.FindForUser(ctx, 42, false)
	if err != nil || res.FromCache {
		t.Errorf("expired FindForUser() = %+v, %v, want refetched", res, err)
	}
	if src.calls.Load() != 2 {
		t.Errorf("remote calls = %d, want 2", src.calls.Load())
	}
}

func TestFeedbackRepository_NotFoundIsGone(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	if _, err := env.feedback.Upsert(ctx, feedbackFor(43), nil); err != nil {
		t.Fatal(err)
	}
	src := &fakeFeedbackSource{
		fetchFn: func(_ context.Context, userID int64) (model.UserFeedback, error) {
			return model.UserFeedback{}, model.NewRemoteNotFoundError(model.KindFeedback, userID)
		},
	}
	repo := NewFeedbackRepository(src, env.feedback, env.users, env.options())

	if _, err := repo.FindForUser(ctx, 43, true); !errors.Is(err, model.ErrEntityGone) {
		t.Errorf("err = %v, want ErrEntityGone", err)
	}
	if f, _ := env.feedback.FindByID(ctx, 43); f != nil {
		t.Errorf("feedback = %+v, want removed", f)
	}
}

func TestFeedbackRepository_FindAllFlattensItems(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	for _, uf := range []model.UserFeedback{
		feedbackFor(1, sparseUser(5, "a")),
		feedbackFor(2, sparseUser(5, "a"), sparseUser(6, "b")),
	} {
		if _, err := env.feedback.Upsert(ctx, uf, nil); err != nil {
			t.Fatal(err)
		}
	}
	repo := NewFeedbackRepository(&fakeFeedbackSource{}, env.feedback, env.users, env.options())

	items, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll() error = %v", err)
	}
	if len(items) != 3 {
		t.Errorf("items = %d, want 3", len(items))
	}
}

func TestFeedbackRepository_Create(t *testing.T) {
	env := newTestEnv()
	env.putUser(t, fullUser(42, "alice"))

	var created []string
	src := &fakeFeedbackSource{
		createFn: func(_ context.Context, subjectName string, f model.Feedback) error {
			created = append(created, subjectName)
			return nil
		},
		fetchFn: func(_ context.Context, userID int64) (model.UserFeedback, error) {
			return feedbackFor(userID, sparseUser(1, "me")), nil
		},
	}
	repo := NewFeedbackRepository(src, env.feedback, env.users, env.options())

	f := model.Feedback{
		SubjectID: 42,
		Body:      "Lovely host",
		Rating:    model.RatingPositive,
		Type:      model.FeedbackTypeGuest,
		Year:      2025,
		Month:     9,
	}
	res, err := repo.Create(context.Background(), f)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(created) != 1 || created[0] != "alice" {
		t.Errorf("created for = %v, want [alice]", created)
	}
	if res.FromCache || len(res.Value.Items) != 1 {
		t.Errorf("result = %+v, want refetched feedback", res)
	}
}

func TestFeedbackRepository_CreateValidation(t *testing.T) {
	env := newTestEnv()
	src := &fakeFeedbackSource{}
	repo := NewFeedbackRepository(src, env.feedback, env.users, env.options())
	valid := model.Feedback{
		SubjectID: 42, Body: "ok", Rating: model.RatingNeutral, Type: model.FeedbackTypeHost, Year: 2024, Month: 1,
	}

	tests := []struct {
		name   string
		modify func(*model.Feedback)
	}{
		{"対象なし", func(f *model.Feedback) { f.SubjectID = 0 }},
		{"本文なし", func(f *model.Feedback) { f.Body = " " }},
		{"不正な評価", func(f *model.Feedback) { f.Rating = "Great" }},
		{"不正な種別", func(f *model.Feedback) { f.Type = "Friend" }},
		{"不正な月", func(f *model.Feedback) { f.Month = 13 }},
		{"ユーザー名不明", func(f *model.Feedback) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid
			tt.modify(&f)
			if _, err := repo.Create(context.Background(), f); !errors.Is(err, model.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
	if src.calls.Load() != 0 {
		t.Errorf("remote calls = %d, want 0", src.calls.Load())
	}
}

func TestFeedbackRepository_CreateOffline(t *testing.T) {
	env := newTestEnv()
	env.putUser(t, fullUser(42, "alice"))
	env.oracle.Set(false)
	src := &fakeFeedbackSource{}
	repo := NewFeedbackRepository(src, env.feedback, env.users, env.options())

	_, err := repo.Create(context.Background(), model.Feedback{
		SubjectID: 42, Body: "ok", Rating: model.RatingNeutral, Type: model.FeedbackTypeHost, Year: 2024, Month: 1,
	})
	if !errors.Is(err, model.ErrRemoteUnreachable) {
		t.Errorf("err = %v, want ErrRemoteUnreachable", err)
	}
	if src.calls.Load() != 0 {
		t.Errorf("remote calls = %d, want 0", src.calls.Load())
	}
}

func TestFeedbackRepository_CreateNotFoundRemovesFeedback(t *testing.T) {
	env := newTestEnv()
	env.putUser(t, fullUser(42, "alice"))
	ctx := context.Background()
	if _, err := env.feedback.Upsert(ctx, feedbackFor(42, sparseUser(7, "author")), nil); err != nil {
		t.Fatal(err)
	}
	src := &fakeFeedbackSource{
		createFn: func(context.Context, string, model.Feedback) error {
			return model.NewRemoteNotFoundError(model.KindFeedback, 42)
		},
	}
	repo := NewFeedbackRepository(src, env.feedback, env.users, env.options())

	_, err := repo.Create(ctx, model.Feedback{
		SubjectID: 42, Body: "ok", Rating: model.RatingPositive, Type: model.FeedbackTypeGuest, Year: 2025, Month: 5,
	})
	if !errors.Is(err, model.ErrEntityGone) {
		t.Errorf("err = %v, want ErrEntityGone", err)
	}
	if f, _ := env.feedback.FindByID(ctx, 42); f != nil {
		t.Errorf("feedback = %+v, want removed", f)
	}
}
