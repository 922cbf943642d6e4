// Package keylock はキー単位の排他ロックを提供する。
// 同一キーの処理は直列化され、異なるキーは並行に進む。
package keylock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locker はキーごとのロックを管理する。ゼロ値で使用できる。
// 待機者がいなくなったキーのエントリは解放される。
type Locker[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// Lock はkeyのロックを取得し、解放関数を返す。
// ctxがキャンセルされた場合はロックを取得せずにctx.Err()を返す。
func (l *Locker[K]) Lock(ctx context.Context, key K) (func(), error) {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[K]*entry)
	}
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.release(key, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.release(key, e)
		})
	}, nil
}

func (l *Locker[K]) release(key K, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len は現在保持しているキーの数を返す。
func (l *Locker[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
