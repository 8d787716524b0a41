package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// DB はデータベース接続を保持する
type DB struct {
	*sql.DB
	path string
}

// SQLite設定
// busy_timeout と foreign_keys は接続ごとの設定なので DSN で全接続に適用する
var pragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
	"busy_timeout(5000)",
}

// Open はデータベースに接続し、スキーマを初期化する
func Open(path string) (*DB, error) {
	// ディレクトリが存在しない場合は作成
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// SQLite接続
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 接続確認
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// スキーマ初期化
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{DB: db, path: path}, nil
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	// 書き込みトランザクションは最初からRESERVEDロックを取る
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// addedColumns は初期スキーマ以降に jobs へ追加した列
var addedColumns = []struct{ name, ddl string }{
	{"start_time", "start_time REAL CHECK (start_time IS NULL OR start_time >= 0)"},
	{"end_time", "end_time REAL"},
	{"progress", "progress INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100)"},
	{"progress_phase_pct", "progress_phase_pct INTEGER NOT NULL DEFAULT 0 CHECK (progress_phase_pct BETWEEN 0 AND 100)"},
	{"download_progress", "download_progress INTEGER CHECK (download_progress IS NULL OR download_progress BETWEEN 0 AND 100)"},
}

// initSchema はスキーマを初期化し、古いデータベースに不足している列を追加する
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return err
	}
	existing := make(map[string]bool)
	rows, err := db.Query(`SELECT name FROM pragma_table_info('jobs')`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, c := range addedColumns {
		if existing[c.name] {
			continue
		}
		if _, err := db.Exec(`ALTER TABLE jobs ADD COLUMN ` + c.ddl); err != nil {
			return fmt.Errorf("failed to add column %s: %w", c.name, err)
		}
	}
	return nil
}

// Path はデータベースファイルのパスを返す
func (db *DB) Path() string {
	return db.path
}

// JournalMode は現在のジャーナルモードを返す
func (db *DB) JournalMode(ctx context.Context) (string, error) {
	var mode string
	err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode)
	return mode, err
}

// Close はデータベース接続を閉じる
func (db *DB) Close() error {
	return db.DB.Close()
}
