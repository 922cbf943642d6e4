// Package remote はWarmshowers REST APIへのアクセスを提供する。
// キャッシュは一切持たず、失敗はすべてmodel.RepositoryErrorとして返す。
package remote

import (
	"context"

	"github.com/hitoshi/warmsync/internal/model"
)

// BoundingBox は位置検索の範囲を表す。
type BoundingBox struct {
	MinLat, MaxLat       float64
	MinLon, MaxLon       float64
	CenterLat, CenterLon float64
}

// UserSource はユーザーの取得と検索を行う。
type UserSource interface {
	FetchUser(ctx context.Context, id int64) (model.User, error)
	SearchByKeyword(ctx context.Context, keyword string, limit, page int) ([]model.User, error)
	SearchByLocation(ctx context.Context, box BoundingBox, limit int) ([]model.User, error)
}

// ThreadSource はメッセージスレッドの取得と操作を行う。
type ThreadSource interface {
	// FetchThread はメッセージと参加者を含むFullなスレッドを取得する。
	FetchThread(ctx context.Context, id int64) (model.MessageThread, error)
	// FetchThreads はSparseなスレッドサマリーの一覧を取得する。
	FetchThreads(ctx context.Context) ([]model.MessageThread, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkThreadRead(ctx context.Context, id int64, unread bool) error
	Reply(ctx context.Context, id int64, body string) error
	Send(ctx context.Context, recipients []string, subject, body string) error
}

// FeedbackSource はフィードバックの取得と作成を行う。
type FeedbackSource interface {
	// FetchFeedback はuserIDのメンバーが受け取ったフィードバックを取得する。
	FetchFeedback(ctx context.Context, userID int64) (model.UserFeedback, error)
	// CreateFeedback はsubjectNameのメンバーに対するフィードバックを作成する。
	CreateFeedback(ctx context.Context, subjectName string, f model.Feedback) error
}
