package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"scribe/internal/asr"
	"scribe/internal/cache"
	"scribe/internal/config"
	"scribe/internal/diarize"
	"scribe/internal/download"
	"scribe/internal/ingestion"
	"scribe/internal/logging"
	"scribe/internal/models"
	"scribe/internal/pipeline"
	"scribe/internal/storage"
	"scribe/internal/worker"
	"scribe/internal/youtube"
)

func addGlobalFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "scribe.yaml", "path to the YAML config file (missing file uses defaults)")
	f.String("quality", "", "YouTube audio quality: best, mp4 or webm")
	f.String("log-level", "", "override log.level")
}

func addJobFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("model", "", "speech model name (default from engine.default_model)")
	f.Bool("diarize", false, "label speakers")
	f.Int("min-speakers", 0, "minimum number of speakers")
	f.Int("max-speakers", 0, "maximum number of speakers")
	f.Float64("start-time", 0, "start of the range to transcribe, in seconds")
	f.Float64("end-time", 0, "end of the range to transcribe, in seconds")
	f.Int("max-duration", 0, "transcribe at most this many minutes from --start-time")
}

// app は1プロセス分の依存関係
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	closeLog func() error

	db     *storage.DB
	jobs   *storage.JobRepository
	store  *cache.Store
	cache  *cache.Manager
	ingest *ingestion.Service

	asr    *asr.Engine
	diar   *diarize.Engine
	worker *worker.Worker
}

// openApp は設定を読み込み、DBとキャッシュを開く
// エンジンは必要になるまで作らない
func openApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if q, _ := cmd.Flags().GetString("quality"); q != "" {
		cfg.Defaults.Quality = q
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closeLog: closeLog}

	for _, dir := range []string{cfg.Data.Dir, cfg.Data.UploadDir, cfg.Data.WorkDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	a.db, err = storage.Open(cfg.Data.DBPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.jobs = storage.NewJobRepository(a.db)

	a.store, err = cache.NewStore(storage.NewCacheRepository(a.db), cache.StoreOptions{
		Root:            cfg.Data.CacheDir,
		InlineThreshold: cfg.Cache.InlineThreshold,
		Logger:          log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache = cache.NewManager(a.store, cache.ManagerOptions{
		DownloadTTL: cfg.Cache.DownloadTTL,
		WorkDir:     cfg.Data.WorkDir,
		Logger:      log,
	})
	a.ingest = ingestion.New(a.jobs, ingestion.Options{
		UploadDir:      cfg.Data.UploadDir,
		MaxUploadBytes: cfg.Defaults.MaxUploadBytes,
		Logger:         log,
	})
	return a, nil
}

// startPipeline はエンジンとワーカーを組み立てる
// 話者分離モデルが無い場合は話者分離なしで動かす
func (a *app) startPipeline() *worker.Worker {
	if a.worker != nil {
		return a.worker
	}
	cfg := a.cfg

	a.asr = asr.NewEngine(asr.Options{
		ModelsDir:  cfg.Engine.ModelsDir,
		NumThreads: cfg.Engine.NumThreads,
		Language:   cfg.Engine.Language,
		Logger:     a.log,
	})

	var diarizer pipeline.Diarizer
	eng, err := diarize.NewEngine(diarize.Options{
		Dir:        cfg.Engine.DiarizationDir,
		NumThreads: cfg.Engine.NumThreads,
		Device:     cfg.Engine.Device,
		Logger:     a.log,
	})
	if err != nil {
		a.log.WithError(err).Warn("speaker diarization disabled")
	} else {
		a.diar = eng
		diarizer = eng
	}

	downloader := &download.Router{
		YouTube: download.NewYouTube(youtube.NewClient(nil), cfg.Data.WorkDir, a.log),
		Direct: download.NewHTTP(download.HTTPOptions{
			Dir:     cfg.Data.WorkDir,
			Timeout: cfg.Defaults.DownloadTimeout,
			Logger:  a.log,
		}),
	}

	orch := pipeline.New(a.cache, downloader, a.asr, diarizer, pipeline.Config{
		Device:  cfg.Engine.DeviceProfile(),
		Quality: cfg.Defaults.Quality,
		WorkDir: cfg.Data.WorkDir,
	}, a.log)

	a.worker = worker.New(a.jobs, orch, worker.Options{
		PollInterval:      cfg.Worker.PollInterval,
		MaxPollInterval:   cfg.Worker.MaxPollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StaleAfter:        cfg.Worker.StaleAfter,
	}, a.log)
	return a.worker
}

// jobOptions はフラグと設定の既定値からジョブオプションを作る
func (a *app) jobOptions(cmd *cobra.Command) (models.Options, error) {
	f := cmd.Flags()
	opts := models.Options{
		Model:       a.cfg.Engine.DefaultModel,
		Diarize:     a.cfg.Defaults.Diarize,
		MinSpeakers: a.cfg.Defaults.MinSpeakers,
		MaxSpeakers: a.cfg.Defaults.MaxSpeakers,
	}
	if m, _ := f.GetString("model"); m != "" {
		opts.Model = m
	}
	if f.Changed("diarize") {
		opts.Diarize, _ = f.GetBool("diarize")
	}
	if f.Changed("min-speakers") {
		n, _ := f.GetInt("min-speakers")
		opts.MinSpeakers = &n
	}
	if f.Changed("max-speakers") {
		n, _ := f.GetInt("max-speakers")
		opts.MaxSpeakers = &n
	}

	var start, end *float64
	var maxDuration *int
	if f.Changed("start-time") {
		v, _ := f.GetFloat64("start-time")
		start = &v
	}
	if f.Changed("end-time") {
		v, _ := f.GetFloat64("end-time")
		end = &v
	}
	if f.Changed("max-duration") {
		v, _ := f.GetInt("max-duration")
		maxDuration = &v
	}
	rng, err := models.NewTimeRange(start, end, maxDuration)
	if err != nil {
		return models.Options{}, err
	}
	opts.StartTime, opts.EndTime = rng.Start, rng.End
	return opts, nil
}

func (a *app) submit(ctx context.Context, cmd *cobra.Command, raw string) (*models.Job, error) {
	src, err := ingestion.ClassifySource(raw)
	if err != nil {
		return nil, err
	}
	opts, err := a.jobOptions(cmd)
	if err != nil {
		return nil, err
	}
	return a.ingest.Submit(ctx, src, opts)
}

func (a *app) getJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := a.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, storage.ErrJobNotFound
	}
	return job, nil
}

// Close はエンジン、DB、ログの順に閉じる
func (a *app) Close() error {
	var errs []error
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.diar != nil {
		errs = append(errs, a.diar.Close())
	}
	if a.asr != nil {
		errs = append(errs, a.asr.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.closeLog != nil {
		errs = append(errs, a.closeLog())
	}
	return errors.Join(errs...)
}
