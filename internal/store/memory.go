package store

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/hitoshi/warmsync/internal/keylock"
	"github.com/hitoshi/warmsync/internal/model"
)

type recordKey struct {
	kind model.Kind
	id   int64
}

type memRecord struct {
	data []byte
	seq  uint64
}

// MemoryBackend はプロセス内メモリに保持するBackend。テストと一時利用向け。
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[recordKey]memRecord
	seq     uint64
	closed  bool
	locks   keylock.Locker[recordKey]
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend は空のMemoryBackendを生成する。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[recordKey]memRecord)}
}

// Get はBackendインターフェースを実装する。
func (b *MemoryBackend) Get(_ context.Context, kind model.Kind, id int64) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false, ErrClosed
	}
	rec, ok := b.records[recordKey{kind, id}]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(rec.data), true, nil
}

// List はBackendインターフェースを実装する。
func (b *MemoryBackend) List(_ context.Context, kind model.Kind) ([][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	recs := make([]memRecord, 0)
	for k, rec := range b.records {
		if k.kind == kind {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([][]byte, len(recs))
	for i, rec := range recs {
		out[i] = bytes.Clone(rec.data)
	}
	return out, nil
}

// Update はBackendインターフェースを実装する。
func (b *MemoryBackend) Update(ctx context.Context, kind model.Kind, id int64, fn UpdateFunc) error {
	key := recordKey{kind, id}
	unlock, err := b.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	rec, exists := b.records[key]
	b.mu.RUnlock()

	var current []byte
	if exists {
		current = bytes.Clone(rec.data)
	}
	data, err := fn(current, exists)
	if err != nil {
		return err
	}
	if exists && bytes.Equal(data, rec.data) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if !exists {
		b.seq++
		rec.seq = b.seq
	}
	rec.data = bytes.Clone(data)
	b.records[key] = rec
	return nil
}

// Delete はBackendインターフェースを実装する。
func (b *MemoryBackend) Delete(ctx context.Context, kind model.Kind, id int64) error {
	key := recordKey{kind, id}
	unlock, err := b.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.records, key)
	return nil
}

// Close はBackendインターフェースを実装する。
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
