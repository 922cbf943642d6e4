// Package model はドメインモデルを定義する。
package model

import "time"

// Kind はエンティティの種別を表す。ストアのキー空間はKindごとに分かれる。
type Kind string

const (
	KindUser     Kind = "user"
	KindThread   Kind = "thread"
	KindFeedback Kind = "feedback"
)

// Completeness はエンティティのデータ完全度を表す。
// レコードが存在しない状態(Absent)はストア上の不在で表現する。
type Completeness int

const (
	// CompletenessSparse は親エンティティに埋め込まれたID+表示名のみの状態。
	CompletenessSparse Completeness = iota
	// CompletenessFull は直接取得で全フィールドが埋まった状態。
	CompletenessFull
)

// String は完全度の表示名を返す。
func (c Completeness) String() string {
	if c >= CompletenessFull {
		return "full"
	}
	return "sparse"
}

// Entity はストアに永続化できるエンティティの共通インターフェース。
// 同一性はIDのみで決まる。
type Entity interface {
	EntityKind() Kind
	EntityID() int64
}

// IsFresh はfetchedAtがvalidity内であればtrueを返す。
// ゼロ値のfetchedAtは常に期限切れとして扱う。
func IsFresh(fetchedAt, now time.Time, validity time.Duration) bool {
	if fetchedAt.IsZero() {
		return false
	}
	return now.Sub(fetchedAt) < validity
}
