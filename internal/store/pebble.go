package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/hitoshi/warmsync/internal/keylock"
	"github.com/hitoshi/warmsync/internal/model"
)

// キーレイアウト:
//
//	r/<kind>/<id:20桁>   -> <seq:8byte BE><payload>
//	s/<kind>/<seq:20桁>  -> <id:8byte BE>
//	m/seq                -> <最後に払い出したseq:8byte BE>
var metaSeqKey = []byte("m/seq")

func recordKeyBytes(kind model.Kind, id int64) []byte {
	return []byte(fmt.Sprintf("r/%s/%020d", kind, id))
}

func seqPrefix(kind model.Kind) []byte {
	return []byte(fmt.Sprintf("s/%s/", kind))
}

func seqKeyBytes(kind model.Kind, seq uint64) []byte {
	return []byte(fmt.Sprintf("s/%s/%020d", kind, seq))
}

// prefixUpperBound はprefixで始まる全キーより大きい最小のキーを返す。
func prefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// PebbleBackend はPebble(LSM KVストア)に永続化するBackend。
type PebbleBackend struct {
	db    *pebble.DB
	locks keylock.Locker[recordKey]

	// 新規挿入時のseq払い出しとインデックス書き込みを直列化する
	insertMu sync.Mutex
	seq      uint64

	// 実行中の操作は読み取りロック、Closeは書き込みロックを取る
	closeMu sync.RWMutex
	closed  bool
}

var _ Backend = (*PebbleBackend)(nil)

// OpenPebble はpathにPebbleデータベースを開く。optsがnilの場合は既定値を使う。
func OpenPebble(path string, opts *pebble.Options) (*PebbleBackend, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}

	b := &PebbleBackend{db: db}
	v, closer, err := db.Get(metaSeqKey)
	switch {
	case err == nil:
		if len(v) == 8 {
			b.seq = binary.BigEndian.Uint64(v)
		}
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}
	return b, nil
}

// acquire はCloseと排他するために読み取りロックを取る。クローズ済みならErrClosedを返す。
func (b *PebbleBackend) acquire() (func(), error) {
	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return nil, ErrClosed
	}
	return b.closeMu.RUnlock, nil
}

// get はレコードのseqとpayloadを返す。
func (b *PebbleBackend) get(kind model.Kind, id int64) (uint64, []byte, bool, error) {
	v, closer, err := b.db.Get(recordKeyBytes(kind, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	defer closer.Close()

	if len(v) < 8 {
		return 0, nil, false, fmt.Errorf("corrupt record %s/%d", kind, id)
	}
	return binary.BigEndian.Uint64(v[:8]), bytes.Clone(v[8:]), true, nil
}

// Get はBackendインターフェースを実装する。
func (b *PebbleBackend) Get(_ context.Context, kind model.Kind, id int64) ([]byte, bool, error) {
	release, err := b.acquire()
	if err != nil {
		return nil, false, err
	}
	defer release()
	_, data, ok, err := b.get(kind, id)
	return data, ok, err
}

// List はBackendインターフェースを実装する。seqインデックスを走査して挿入順に返す。
func (b *PebbleBackend) List(ctx context.Context, kind model.Kind) ([][]byte, error) {
	release, err := b.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	prefix := seqPrefix(kind)
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var ids []int64
	for iter.First(); iter.Valid(); iter.Next() {
		v := iter.Value()
		if len(v) != 8 {
			continue
		}
		ids = append(ids, int64(binary.BigEndian.Uint64(v)))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", kind, err)
	}

	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, data, ok, err := b.get(kind, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, data)
		}
	}
	return out, nil
}

// Update はBackendインターフェースを実装する。
func (b *PebbleBackend) Update(ctx context.Context, kind model.Kind, id int64, fn UpdateFunc) error {
	unlock, err := b.locks.Lock(ctx, recordKey{kind, id})
	if err != nil {
		return err
	}
	defer unlock()

	release, err := b.acquire()
	if err != nil {
		return err
	}
	defer release()

	seq, current, exists, err := b.get(kind, id)
	if err != nil {
		return err
	}
	data, err := fn(current, exists)
	if err != nil {
		return err
	}
	if exists && bytes.Equal(data, current) {
		return nil
	}

	batch := b.db.NewBatch()
	defer batch.Close()

	if !exists {
		b.insertMu.Lock()
		defer b.insertMu.Unlock()
		b.seq++
		seq = b.seq

		var idBuf, seqBuf [8]byte
		binary.BigEndian.PutUint64(idBuf[:], uint64(id))
		binary.BigEndian.PutUint64(seqBuf[:], seq)
		if err := batch.Set(seqKeyBytes(kind, seq), idBuf[:], nil); err != nil {
			return err
		}
		if err := batch.Set(metaSeqKey, seqBuf[:], nil); err != nil {
			return err
		}
	}

	value := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(value[:8], seq)
	copy(value[8:], data)
	if err := batch.Set(recordKeyBytes(kind, id), value, nil); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit %s/%d: %w", kind, id, err)
	}
	return nil
}

// Delete はBackendインターフェースを実装する。
func (b *PebbleBackend) Delete(ctx context.Context, kind model.Kind, id int64) error {
	unlock, err := b.locks.Lock(ctx, recordKey{kind, id})
	if err != nil {
		return err
	}
	defer unlock()

	release, err := b.acquire()
	if err != nil {
		return err
	}
	defer release()

	seq, _, exists, err := b.get(kind, id)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(recordKeyBytes(kind, id), nil); err != nil {
		return err
	}
	if err := batch.Delete(seqKeyBytes(kind, seq), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit delete %s/%d: %w", kind, id, err)
	}
	return nil
}

// Close はBackendインターフェースを実装する。
// 実行中の操作の完了を待ってから閉じる。2回目以降は何もしない。
func (b *PebbleBackend) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
