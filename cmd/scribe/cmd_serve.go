package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"scribe/internal/cache"
	"scribe/internal/handlers"
	"scribe/internal/version"
)

const (
	shutdownTimeout = 30 * time.Second
	pruneInterval   = time.Hour
)

func newServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				a.cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), a)
		},
	}
	c.Flags().String("addr", "", "listen address (overrides server.addr)")
	return c
}

func serve(parent context.Context, a *app) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := a.store.SweepTemp(); err != nil {
		a.log.WithError(err).Warn("failed to sweep cache temp files")
	}

	w := a.startPipeline()
	if err := w.Start(ctx); err != nil {
		return err
	}

	e := newEcho(a)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.WithFields(logrus.Fields{"addr": a.cfg.Server.Addr, "version": version.Version}).Info("starting scribe")
		if err := e.Start(a.cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		pruneLoop(gctx, a)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		// 処理中のジョブは完了まで待つ
		w.Stop()
		return err
	})

	return g.Wait()
}

func newEcho(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := a.log.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
			} else {
				entry.Debug("request")
			}
			return nil
		},
	}))
	// multipart のオーバーヘッド分だけ上限に余裕を持たせる
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dB", a.cfg.Defaults.MaxUploadBytes+1<<20)))

	handlers.Register(e, handlers.Handlers{
		Jobs: handlers.NewJobHandler(a.ingest, a.jobs, handlers.JobDefaults{
			Model:       a.cfg.Engine.DefaultModel,
			Diarize:     a.cfg.Defaults.Diarize,
			MinSpeakers: a.cfg.Defaults.MinSpeakers,
			MaxSpeakers: a.cfg.Defaults.MaxSpeakers,
		}, a.cfg.Data.UploadDir),
		Cache:  handlers.NewCacheHandler(a.cache, a.prunePolicy()),
		Worker: a.worker,
	})
	return e
}

func (a *app) prunePolicy() cache.PrunePolicy {
	return cache.PrunePolicy{MaxAge: a.cfg.Cache.MaxAge, MaxBytes: a.cfg.Cache.MaxBytes}
}

// pruneLoop は設定された上限でキャッシュを定期的に刈り込む
func pruneLoop(ctx context.Context, a *app) {
	prune := func() {
		res, err := a.cache.Prune(ctx, a.prunePolicy())
		if err != nil {
			if ctx.Err() == nil {
				a.log.WithError(err).Warn("cache prune failed")
			}
			return
		}
		if res.Removed > 0 {
			a.log.WithFields(logrus.Fields{"removed": res.Removed, "freed_bytes": res.FreedBytes}).Info("cache pruned")
		}
	}

	prune()
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}
