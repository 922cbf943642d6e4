package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/warmsync/internal/keylock"
	"github.com/hitoshi/warmsync/internal/model"
)

// PostgresBackend はPostgreSQLのentitiesテーブルに永続化するBackend。
// 同一プロセス内はキーロックで、複数プロセス間はadvisory lockで同一キーの更新を直列化する。
type PostgresBackend struct {
	db    *sql.DB
	locks keylock.Locker[recordKey]
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend はPostgresBackendを生成する。テーブルはマイグレーションで作成済みであること。
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// Get はBackendインターフェースを実装する。
func (b *PostgresBackend) Get(ctx context.Context, kind model.Kind, id int64) ([]byte, bool, error) {
	var payload []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT payload::text FROM entities WHERE kind = $1 AND id = $2`,
		string(kind), id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%d: %w", kind, id, err)
	}
	return payload, true, nil
}

// List はBackendインターフェースを実装する。
func (b *PostgresBackend) List(ctx context.Context, kind model.Kind) ([][]byte, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT payload::text FROM entities WHERE kind = $1 ORDER BY seq`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", kind, err)
	}
	return out, nil
}

// Update はBackendインターフェースを実装する。
// 内容が変わらない場合はupdated_atも更新しない。
func (b *PostgresBackend) Update(ctx context.Context, kind model.Kind, id int64, fn UpdateFunc) error {
	unlock, err := b.locks.Lock(ctx, recordKey{kind, id})
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text || ':' || $2::bigint::text, 0))`,
		string(kind), id,
	); err != nil {
		return fmt.Errorf("failed to lock %s/%d: %w", kind, id, err)
	}

	var current []byte
	exists := true
	err = tx.QueryRowContext(ctx,
		`SELECT payload::text FROM entities WHERE kind = $1 AND id = $2`,
		string(kind), id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("failed to read %s/%d: %w", kind, id, err)
	}

	data, err := fn(current, exists)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (kind, id, payload)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (kind, id) DO UPDATE
			SET payload = EXCLUDED.payload, updated_at = now()
			WHERE entities.payload IS DISTINCT FROM EXCLUDED.payload`,
		string(kind), id, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%d: %w", kind, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete はBackendインターフェースを実装する。
func (b *PostgresBackend) Delete(ctx context.Context, kind model.Kind, id int64) error {
	unlock, err := b.locks.Lock(ctx, recordKey{kind, id})
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM entities WHERE kind = $1 AND id = $2`,
		string(kind), id,
	); err != nil {
		return fmt.Errorf("failed to delete %s/%d: %w", kind, id, err)
	}
	return nil
}

// Close はBackendインターフェースを実装する。
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
