// Package handlers implements the HTTP API on echo.
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers はルーティングに必要なハンドラー一式
type Handlers struct {
	Jobs   *JobHandler
	Cache  *CacheHandler
	Worker WorkerStatus
}

// Register はAPIルートを登録
func Register(e *echo.Echo, h Handlers) {
	e.GET("/health", Health(h.Worker))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/", func(c echo.Context) error { return c.Redirect(http.StatusFound, "/jobs") })
	e.GET("/jobs", h.Jobs.ListPage)

	api := e.Group("/api")
	api.POST("/jobs", h.Jobs.Create)
	api.POST("/jobs/upload", h.Jobs.Upload)
	api.GET("/jobs", h.Jobs.List)
	api.GET("/jobs/stats", h.Jobs.Stats)
	api.GET("/jobs/:id", h.Jobs.Get)
	api.DELETE("/jobs/:id", h.Jobs.Cancel)

	api.GET("/cache/stats", h.Cache.Stats)
	api.POST("/cache/prune", h.Cache.Prune)
	api.DELETE("/cache/:key", h.Cache.Invalidate)
}
