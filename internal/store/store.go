// Package store はエンティティを永続化するローカルストアを提供する。
// 永続的な書き込みを行うのはこのパッケージのみで、書き込みはID単位でアトミックに行われる。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/warmsync/internal/model"
)

// ErrClosed はクローズ済みのバックエンドを操作した場合のエラー。
var ErrClosed = errors.New("store: backend is closed")

// UpdateFunc は現在の値を受け取り、書き込む値を返す。
// existsがfalseの場合、currentはnil。
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Backend はKind+IDをキーとするバイト列の永続化層。
// Updateは同一キーに対してアトミック（読み取りから書き込みまで排他）であり、
// 異なるキーのUpdateは独立して進行できる。
type Backend interface {
	Get(ctx context.Context, kind model.Kind, id int64) ([]byte, bool, error)
	// List はkindの全レコードを挿入順で返す。
	List(ctx context.Context, kind model.Kind) ([][]byte, error)
	// Update はfnの戻り値で書き込む。戻り値が現在値と同一なら書き込みを省略してよい。
	Update(ctx context.Context, kind model.Kind, id int64, fn UpdateFunc) error
	Delete(ctx context.Context, kind model.Kind, id int64) error
	Close() error
}

// MergeFunc は既存レコード（存在しない場合はnil）と新しいレコードから保存する値を決める。
type MergeFunc[T model.Entity] func(existing *T, incoming T) T

// Collection は1種類のエンティティに対する型付きのストアアクセスを提供する。
// バックエンドやデコードの失敗はすべてPersistenceErrorとして返す。
type Collection[T model.Entity] struct {
	backend Backend
	kind    model.Kind
}

// NewCollection はCollectionを生成する。KindはTのEntityKindから決まる。
func NewCollection[T model.Entity](backend Backend) *Collection[T] {
	var zero T
	return &Collection[T]{backend: backend, kind: zero.EntityKind()}
}

// Kind はこのCollectionが扱うエンティティ種別を返す。
func (c *Collection[T]) Kind() model.Kind {
	return c.kind
}

// FindByID はIDに一致するレコードを返す。存在しない場合はnil, nilを返す。
func (c *Collection[T]) FindByID(ctx context.Context, id int64) (*T, error) {
	data, ok, err := c.backend.Get(ctx, c.kind, id)
	if err != nil {
		return nil, model.NewPersistenceError("読み込み", c.kind, id, err)
	}
	if !ok {
		return nil, nil
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, model.NewPersistenceError("読み込み", c.kind, id, fmt.Errorf("failed to decode record: %w", err))
	}
	return &v, nil
}

// FindAll は全レコードを挿入順で返す。
func (c *Collection[T]) FindAll(ctx context.Context) ([]T, error) {
	raws, err := c.backend.List(ctx, c.kind)
	if err != nil {
		return nil, model.NewPersistenceError("一覧取得", c.kind, 0, err)
	}

	items := make([]T, 0, len(raws))
	for _, data := range raws {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, model.NewPersistenceError("一覧取得", c.kind, 0, fmt.Errorf("failed to decode record: %w", err))
		}
		items = append(items, v)
	}
	return items, nil
}

// Upsert はレコードが存在しなければ挿入し、存在すればmergeを適用した結果で更新する。
// mergeがnilの場合は上書きする。保存した値を返す。
func (c *Collection[T]) Upsert(ctx context.Context, entity T, merge MergeFunc[T]) (T, error) {
	id := entity.EntityID()
	var merged T

	err := c.backend.Update(ctx, c.kind, id, func(current []byte, exists bool) ([]byte, error) {
		var existing *T
		if exists {
			var old T
			if err := json.Unmarshal(current, &old); err != nil {
				return nil, fmt.Errorf("failed to decode record: %w", err)
			}
			existing = &old
		}

		if merge == nil {
			merged = entity
		} else {
			merged = merge(existing, entity)
		}

		data, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
		return data, nil
	})
	if err != nil {
		var zero T
		return zero, model.NewPersistenceError("書き込み", c.kind, id, err)
	}
	return merged, nil
}

// Remove はレコードを削除する。存在しない場合もエラーにしない。
func (c *Collection[T]) Remove(ctx context.Context, id int64) error {
	if err := c.backend.Delete(ctx, c.kind, id); err != nil {
		return model.NewPersistenceError("削除", c.kind, id, err)
	}
	return nil
}
