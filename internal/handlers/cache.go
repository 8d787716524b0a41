package handlers

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"scribe/internal/apperr"
	"scribe/internal/cache"
	"scribe/internal/models"
)

// CacheHandler はステージキャッシュ管理APIのハンドラー
type CacheHandler struct {
	mgr    *cache.Manager
	policy cache.PrunePolicy
}

// NewCacheHandler は新しいCacheHandlerを作成
// policy はリクエストで上限が省略された場合に使う
func NewCacheHandler(mgr *cache.Manager, policy cache.PrunePolicy) *CacheHandler {
	return &CacheHandler{mgr: mgr, policy: policy}
}

// CacheStatsResponse はキャッシュ統計レスポンス
type CacheStatsResponse struct {
	Stages     []models.CacheStageStats `json:"stages"`
	Entries    int64                    `json:"entries"`
	TotalBytes int64                    `json:"total_bytes"`
	TotalHuman string                   `json:"total_human"`
}

// Stats はステージごとのキャッシュ統計を取得
// GET /api/cache/stats
func (h *CacheHandler) Stats(c echo.Context) error {
	stages, err := h.mgr.Stats(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	resp := CacheStatsResponse{Stages: stages}
	for _, s := range stages {
		resp.Entries += s.Entries
		resp.TotalBytes += s.TotalBytes
	}
	resp.TotalHuman = humanize.IBytes(uint64(resp.TotalBytes))
	return c.JSON(http.StatusOK, resp)
}

// PruneRequest はキャッシュ削除リクエスト
type PruneRequest struct {
	MaxAge   string `json:"max_age"`
	MaxBytes *int64 `json:"max_bytes"`
}

// Prune は期限切れ・古い・容量超過のエントリを削除
// POST /api/cache/prune
func (h *CacheHandler) Prune(c echo.Context) error {
	var req PruneRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	policy := h.policy
	if req.MaxAge != "" {
		d, err := time.ParseDuration(req.MaxAge)
		if err != nil || d < 0 {
			return badRequest(c, "max_age must be a duration such as 72h")
		}
		policy.MaxAge = d
	}
	if req.MaxBytes != nil {
		if *req.MaxBytes < 0 {
			return badRequest(c, "max_bytes must not be negative")
		}
		policy.MaxBytes = *req.MaxBytes
	}

	res, err := h.mgr.Prune(c.Request().Context(), policy)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Invalidate はキーを指定してエントリを削除
// DELETE /api/cache/:key
func (h *CacheHandler) Invalidate(c echo.Context) error {
	key := c.Param("key")
	if !cache.ValidKey(key) {
		return badRequest(c, "invalid cache key")
	}
	removed, err := h.mgr.Invalidate(c.Request().Context(), key)
	if err != nil {
		return respondError(c, err)
	}
	if !removed {
		return respondError(c, apperr.NotFoundf("cache entry not found"))
	}
	return c.NoContent(http.StatusNoContent)
}
