package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PostgresStorage はPostgreSQLにパーティションを永続化するStorage実装。
// ゲートウェイ再起動後もオフライン用のシェルとAPIレスポンスを保持できる。
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage はPostgresStorageを生成する。
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Open は名前付きパーティションを開く。存在しなければ作成する。
func (s *PostgresStorage) Open(ctx context.Context, name string) (Partition, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_partitions (name, created_at)
		 VALUES ($1, now())
		 ON CONFLICT (name) DO NOTHING`,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache partition %s: %w", name, err)
	}
	return &postgresPartition{db: s.db, name: name}, nil
}

// Names は作成順にパーティション名を返す。
func (s *PostgresStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM cache_partitions ORDER BY created_at, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan cache partition: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete はパーティションを削除する。エントリはCASCADE削除される。
func (s *PostgresStorage) Delete(ctx context.Context, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_partitions WHERE name = $1`,
		name,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache partition %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// Match は作成順に全パーティションを探索する。
func (s *PostgresStorage) Match(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT e.key, e.status, e.header, e.body, e.stored_at
		 FROM cache_entries e
		 JOIN cache_partitions p ON p.name = e.partition
		 WHERE e.key = $1
		 ORDER BY p.created_at, p.name
		 LIMIT 1`,
		key,
	)
	return scanEntry(row)
}

// Evict は古いエントリを削除する。
func (s *PostgresStorage) Evict(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE stored_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to evict cache entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

type postgresPartition struct {
	db   *sql.DB
	name string
}

func (p *postgresPartition) Name() string { return p.name }

// Put はエントリをUPSERTする。同一キーへの同時書き込みは後勝ちとなる。
func (p *postgresPartition) Put(ctx context.Context, entry *Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("failed to encode cache header: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO cache_entries (partition, key, status, header, body, stored_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (partition, key) DO UPDATE
		 SET status = EXCLUDED.status,
		     header = EXCLUDED.header,
		     body = EXCLUDED.body,
		     stored_at = EXCLUDED.stored_at`,
		p.name, entry.Key, entry.Status, header, entry.Body, entry.StoredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

func (p *postgresPartition) Match(ctx context.Context, key string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT key, status, header, body, stored_at
		 FROM cache_entries
		 WHERE partition = $1 AND key = $2`,
		p.name, key,
	)
	return scanEntry(row)
}

func (p *postgresPartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key FROM cache_entries WHERE partition = $1 ORDER BY key`,
		p.name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var (
		e      Entry
		header []byte
	)
	err := row.Scan(&e.Key, &e.Status, &header, &e.Body, &e.StoredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache entry: %w", err)
	}

	e.Header = make(http.Header)
	if len(header) > 0 {
		if err := json.Unmarshal(header, &e.Header); err != nil {
			return nil, fmt.Errorf("failed to decode cache header: %w", err)
		}
	}
	return &e, nil
}

// compile-time interface check
var _ Storage = (*PostgresStorage)(nil)
