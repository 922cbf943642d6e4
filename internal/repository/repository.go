// Package repository はエンティティ種別ごとにキャッシュとネットワークのどちらから応答するかを決め、
// 取得結果をマージしてローカルストアへ書き込む。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/warmsync/internal/connectivity"
	"github.com/hitoshi/warmsync/internal/keylock"
	"github.com/hitoshi/warmsync/internal/metrics"
	"github.com/hitoshi/warmsync/internal/model"
	"github.com/hitoshi/warmsync/internal/store"
)

// DefaultValidity はキャッシュの有効期間のデフォルト値。
const DefaultValidity = 15 * time.Minute

// errOffline はオフライン時にリモート呼び出しを行わなかったことを表す。
var errOffline = errors.New("offline")

// Options はリポジトリ共通の依存と設定。
type Options struct {
	Oracle   connectivity.Oracle
	Validity time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  metrics.Recorder
}

func (o Options) withDefaults() Options {
	if o.Oracle == nil {
		o.Oracle = connectivity.NewStatic(true)
	}
	if o.Validity <= 0 {
		o.Validity = DefaultValidity
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}
	return o
}

// Result はリポジトリの応答。
// FromCacheはローカルストアから応答したこと、Staleは鮮度が保証されないことを表す。
type Result[T any] struct {
	Value     T
	Stale     bool
	FromCache bool
}

// policy は1種類のエンティティに対するキャッシュ判定と取得・書き込みの流れを実装する。
type policy[T model.Entity] struct {
	coll  *store.Collection[T]
	locks *keylock.Locker[int64]
	opts  Options

	// usable はキャッシュをそのまま返してよいかを判定する。
	usable func(v T, now time.Time) bool
	// fetch はリモートから取得する。
	fetch func(ctx context.Context, id int64) (T, error)
	// save は取得結果をマージしてストアに書き込み、保存した値を返す。
	save func(ctx context.Context, v T) (T, error)
	// resolve はキャッシュから返す値の埋め込みユーザーを最新の状態にする。
	resolve func(ctx context.Context, v T) (T, error)
}

func (p *policy[T]) kind() string {
	return string(p.coll.Kind())
}

// find はキャッシュ判定を行い、必要ならリモートから取得する。
//  1. 強制更新でなく、キャッシュが利用可能（Fullかつ有効期間内）ならキャッシュを返す
//  2. オフラインならキャッシュをStaleとして返す。なければNoCachedData
//  3. オンラインならID単位のロックを取得して取得・マージ・書き込みを行う
func (p *policy[T]) find(ctx context.Context, id int64, refresh bool) (Result[T], error) {
	var zero Result[T]
	if id <= 0 {
		return zero, model.NewInvalidInputError("IDは正の整数で指定してください")
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	cur, err := p.coll.FindByID(ctx, id)
	if err != nil {
		return zero, p.persistenceFailed(err)
	}

	now := p.opts.Now()
	online := p.opts.Oracle.IsOnline()
	if cur != nil && !refresh && p.usable(*cur, now) {
		return p.fromCache(ctx, *cur, false)
	}
	if !online {
		if cur != nil {
			return p.fromCache(ctx, *cur, true)
		}
		return zero, model.NewNoCachedDataError(p.coll.Kind(), id, model.NewRemoteUnreachableError(errOffline))
	}

	unlock, err := p.locks.Lock(ctx, id)
	if err != nil {
		return zero, err
	}
	defer unlock()

	// ロック待ちの間に他の呼び出しが更新している場合がある
	cur, err = p.coll.FindByID(ctx, id)
	if err != nil {
		return zero, p.persistenceFailed(err)
	}
	if cur != nil && !refresh && p.usable(*cur, p.opts.Now()) {
		return p.fromCache(ctx, *cur, false)
	}

	p.opts.Metrics.RecordCacheMiss(p.kind())
	fetched, err := p.fetch(ctx, id)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	if err != nil {
		return p.fallback(ctx, id, cur, err)
	}

	// ここから先の書き込みは呼び出し元のキャンセルで中断しない
	saved, err := p.save(context.WithoutCancel(ctx), fetched)
	if err != nil {
		return zero, p.persistenceFailed(err)
	}
	return Result[T]{Value: saved}, nil
}

// fallback はリモート取得失敗時の応答を決める。
// NotFoundはtombstoneとして削除し、それ以外はキャッシュがあればStaleとして返す。
func (p *policy[T]) fallback(ctx context.Context, id int64, cur *T, fetchErr error) (Result[T], error) {
	var zero Result[T]
	kind := p.coll.Kind()

	if errors.Is(fetchErr, model.ErrRemoteNotFound) {
		return zero, p.removeGone(ctx, id)
	}

	if cur == nil {
		return zero, model.NewNoCachedDataError(kind, id, fetchErr)
	}

	p.opts.Metrics.RecordStaleFallback(string(kind))
	p.opts.Logger.Warn("リモート取得に失敗したためキャッシュを返します",
		slog.String("kind", string(kind)),
		slog.Int64("id", id),
		slog.String("error", fetchErr.Error()),
	)
	return p.fromCache(ctx, *cur, true)
}

// removeGone はリモートで削除済みのエンティティをキャッシュから削除し、EntityGoneを返す。
// 呼び出し側はidのロックを保持していること。
func (p *policy[T]) removeGone(ctx context.Context, id int64) error {
	kind := p.coll.Kind()
	if err := p.coll.Remove(context.WithoutCancel(ctx), id); err != nil {
		return p.persistenceFailed(err)
	}
	p.opts.Metrics.RecordTombstone(string(kind))
	p.opts.Logger.Info("リモートで削除済みのためキャッシュを削除しました",
		slog.String("kind", string(kind)),
		slog.Int64("id", id),
	)
	return model.NewEntityGoneError(kind, id)
}

// writeFailed はリモートへの書き込み操作の失敗を呼び出し元に返すエラーへ変換する。
// NotFoundの場合はidのロックを取得してtombstoneとして削除する。
func (p *policy[T]) writeFailed(ctx context.Context, id int64, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !errors.Is(err, model.ErrRemoteNotFound) {
		return err
	}
	wctx := context.WithoutCancel(ctx)
	unlock, lockErr := p.locks.Lock(wctx, id)
	if lockErr != nil {
		return lockErr
	}
	defer unlock()
	return p.removeGone(wctx, id)
}

func (p *policy[T]) fromCache(ctx context.Context, v T, stale bool) (Result[T], error) {
	if p.resolve != nil {
		resolved, err := p.resolve(ctx, v)
		if err != nil {
			if ctx.Err() != nil {
				return Result[T]{}, ctx.Err()
			}
			return Result[T]{}, p.persistenceFailed(err)
		}
		v = resolved
	}
	p.opts.Metrics.RecordCacheHit(p.kind())
	return Result[T]{Value: v, Stale: stale, FromCache: true}, nil
}

// persistenceFailed はストアの失敗を記録してそのまま返す。
func (p *policy[T]) persistenceFailed(err error) error {
	if errors.Is(err, model.ErrPersistence) {
		p.opts.Metrics.RecordPersistenceError(p.kind())
		p.opts.Logger.Error("ローカルストアの操作に失敗しました",
			slog.String("kind", p.kind()),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (p *policy[T]) persistenceFailedOrNil(err error) error {
	if err == nil {
		return nil
	}
	return p.persistenceFailed(err)
}

// requireOnline は書き込み系の操作の前にオンラインであることを確認する。
func requireOnline(o connectivity.Oracle) error {
	if !o.IsOnline() {
		return model.NewRemoteUnreachableError(errOffline)
	}
	return nil
}
