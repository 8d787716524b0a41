package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"scribe/internal/models"
)

// CacheRepository はステージキャッシュのメタデータ（と小さなペイロード）のデータアクセス層
type CacheRepository struct {
	db *DB
}

// NewCacheRepository は新しいCacheRepositoryを作成
func NewCacheRepository(db *DB) *CacheRepository {
	return &CacheRepository{db: db}
}

const cacheColumns = `cache_key, stage, file_path, size_bytes, checksum, created_at, accessed_at, access_count, expires_at`

func scanCacheEntry(row rowScanner, withPayload bool) (*models.CacheEntry, error) {
	var (
		e                   models.CacheEntry
		filePath            sql.NullString
		createdAt, accessed int64
		expiresAt           sql.NullInt64
		payload             []byte
	)
	dest := []any{&e.Key, &e.Stage, &filePath, &e.SizeBytes, &e.Checksum, &createdAt, &accessed, &e.AccessCount, &expiresAt}
	if withPayload {
		dest = append(dest, &payload)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	e.FilePath = filePath.String
	e.CreatedAt = time.UnixMilli(createdAt)
	e.AccessedAt = time.UnixMilli(accessed)
	e.ExpiresAt = timePtr(expiresAt)
	e.Inline = payload
	return &e, nil
}

// Get はキーでエントリを取得（インラインペイロードを含む）
func (r *CacheRepository) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	e, err := scanCacheEntry(r.db.QueryRowContext(ctx,
		`SELECT `+cacheColumns+`, payload FROM cache_entries WHERE cache_key = ?`, key), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return e, nil
}

// Upsert はエントリを1トランザクションで作成または置換する
// 置換前のエントリがファイルを持っていた場合はその相対パスを返す
func (r *CacheRepository) Upsert(ctx context.Context, e *models.CacheEntry) (string, error) {
	var payload, filePath, expiresAt any
	if e.FilePath != "" {
		filePath = e.FilePath
	} else {
		payload = e.Inline
	}
	if e.ExpiresAt != nil {
		expiresAt = e.ExpiresAt.UnixMilli()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var previous sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT file_path FROM cache_entries WHERE cache_key = ?`, e.Key).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read cache entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, stage, payload, file_path, size_bytes, checksum,
		                           created_at, accessed_at, access_count, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
		    stage = excluded.stage,
		    payload = excluded.payload,
		    file_path = excluded.file_path,
		    size_bytes = excluded.size_bytes,
		    checksum = excluded.checksum,
		    created_at = excluded.created_at,
		    accessed_at = excluded.accessed_at,
		    access_count = 0,
		    expires_at = excluded.expires_at`,
		e.Key, string(e.Stage), payload, filePath, e.SizeBytes, e.Checksum,
		e.CreatedAt.UnixMilli(), e.AccessedAt.UnixMilli(), expiresAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return previous.String, nil
}

// Touch は最終アクセス時刻とアクセス回数を更新
func (r *CacheRepository) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE cache_entries SET accessed_at = ?, access_count = access_count + 1 WHERE cache_key = ?`,
		at.UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

// Delete はエントリを削除し、削除できたかを返す
func (r *CacheRepository) Delete(ctx context.Context, key string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteIf はエントリが checksum のまま残っている場合のみ削除する
// 読み取り後に別の書き込みで置き換わったエントリは消さない
func (r *CacheRepository) DeleteIf(ctx context.Context, key, checksum string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ? AND checksum = ?`, key, checksum)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListLRU は全エントリのメタデータを最終アクセスの古い順に返す（ペイロードなし）
func (r *CacheRepository) ListLRU(ctx context.Context) ([]models.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+cacheColumns+` FROM cache_entries ORDER BY accessed_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows, false)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Stats はステージごとの件数とサイズを返す
func (r *CacheRepository) Stats(ctx context.Context) ([]models.CacheStageStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT stage, COUNT(*), SUM(CASE WHEN file_path IS NULL THEN 1 ELSE 0 END), COALESCE(SUM(size_bytes), 0)
		FROM cache_entries
		GROUP BY stage
		ORDER BY stage`)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache stats: %w", err)
	}
	defer rows.Close()

	stats := []models.CacheStageStats{}
	for rows.Next() {
		var s models.CacheStageStats
		if err := rows.Scan(&s.Stage, &s.Entries, &s.Inline, &s.TotalBytes); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
