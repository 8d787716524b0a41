package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"scribe/internal/version"
)

// WorkerStatus はバックグラウンドワーカーの状態を返す
type WorkerStatus interface {
	IsRunning() bool
	IsProcessing() bool
	CurrentJobID() string
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Worker  WorkerHealth `json:"worker"`
}

// WorkerHealth はワーカーの状態
type WorkerHealth struct {
	Running      bool   `json:"running"`
	Processing   bool   `json:"processing"`
	CurrentJobID string `json:"current_job_id,omitempty"`
}

// Health はサーバーとワーカーの状態を返す
// ワーカーが止まっていても200を返し、状態は degraded とする
func Health(w WorkerStatus) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := HealthResponse{Status: "ok", Version: version.Version}
		if w != nil {
			resp.Worker = WorkerHealth{
				Running:      w.IsRunning(),
				Processing:   w.IsProcessing(),
				CurrentJobID: w.CurrentJobID(),
			}
		}
		if !resp.Worker.Running {
			resp.Status = "degraded"
		}
		return c.JSON(http.StatusOK, resp)
	}
}
