package models

import "time"

// CacheEntry はステージキャッシュの1エントリ
type CacheEntry struct {
	Key         string     `json:"key"`
	Stage       Stage      `json:"stage"`
	Inline      []byte     `json:"-"`
	FilePath    string     `json:"file_path,omitempty"`
	SizeBytes   int64      `json:"size_bytes"`
	Checksum    string     `json:"checksum"`
	CreatedAt   time.Time  `json:"created_at"`
	AccessedAt  time.Time  `json:"accessed_at"`
	AccessCount int64      `json:"access_count"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// IsInline はペイロードがDBに保存されているかを返す
func (e *CacheEntry) IsInline() bool {
	return e.FilePath == ""
}

// Expired は有効期限切れかどうかを返す
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// CacheStageStats はステージごとのキャッシュ統計
type CacheStageStats struct {
	Stage      Stage `json:"stage"`
	Entries    int64 `json:"entries"`
	Inline     int64 `json:"inline"`
	TotalBytes int64 `json:"total_bytes"`
}
