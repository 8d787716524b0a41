// Package worker drives queued jobs through the pipeline one at a time.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"scribe/internal/logging"
	"scribe/internal/metrics"
	"scribe/internal/models"
	"scribe/internal/pipeline"
	"scribe/internal/storage"
)

// Runner executes the stages for one job.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Options tunes polling and liveness.
type Options struct {
	// PollInterval is the first idle sleep. It doubles up to MaxPollInterval
	// while the queue stays empty.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// HeartbeatInterval is how often an in-flight job proves it is alive.
	HeartbeatInterval time.Duration
	// StaleAfter is the heartbeat age at which a job counts as orphaned.
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxPollInterval < o.PollInterval {
		o.MaxPollInterval = max(10*o.PollInterval, 10*time.Second)
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 2 * time.Minute
	}
	return o
}

// Worker processes jobs from the queue
type Worker struct {
	repo   *storage.JobRepository
	runner Runner
	opts   Options
	log    logrus.FieldLogger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool

	mu         sync.RWMutex
	currentJob string
}

// New creates a new worker
func New(repo *storage.JobRepository, runner Runner, opts Options, log logrus.FieldLogger) *Worker {
	return &Worker{
		repo:   repo,
		runner: runner,
		opts:   opts.withDefaults(),
		log:    logging.OrDiscard(log),
		stop:   make(chan struct{}),
	}
}

// Start recovers orphaned jobs and begins processing in the background.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.RecoverOrphans(ctx); err != nil {
		return err
	}
	w.running.Store(true)
	w.wg.Add(1)
	go w.run(ctx)
	w.log.WithField("poll_interval", w.opts.PollInterval).Info("worker started")
	return nil
}

// Stop gracefully stops the worker, waiting for the in-flight job.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
	if w.running.Swap(false) {
		w.log.Info("worker stopped")
	}
}

// IsRunning reports whether the loop is active.
func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

// CurrentJobID returns the id of the in-flight job, or "".
func (w *Worker) CurrentJobID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentJob
}

// IsProcessing reports whether a job is in flight.
func (w *Worker) IsProcessing() bool {
	return w.CurrentJobID() != ""
}

// RecoverOrphans fails in-flight jobs whose heartbeat went stale.
func (w *Worker) RecoverOrphans(ctx context.Context) (int64, error) {
	n, err := w.repo.RecoverOrphans(ctx, w.opts.StaleAfter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RecordOrphansRecovered(n)
		w.log.WithField("count", n).Warn("recovered orphaned jobs")
	}
	return n, nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer w.running.Store(false)

	idle := w.opts.PollInterval
	lastRecovery := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		worked, err := w.RunOnce(ctx)
		if err != nil {
			w.log.WithError(err).Error("worker iteration failed")
		}
		if worked {
			idle = w.opts.PollInterval
			continue
		}

		if time.Since(lastRecovery) >= w.opts.StaleAfter {
			if _, err := w.RecoverOrphans(ctx); err != nil {
				w.log.WithError(err).Warn("periodic orphan recovery failed")
			}
			lastRecovery = time.Now()
		}

		timer := time.NewTimer(idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		idle = min(idle*2, w.opts.MaxPollInterval)
	}
}

// RunOnce claims and processes at most one job. It reports whether a job
// was claimed. Pipeline failures end the job and are not returned.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.repo.ClaimNextPending(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	w.mu.Lock()
	w.currentJob = job.ID
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.currentJob = ""
		w.mu.Unlock()
	}()

	// the job finishes even when the caller is shutting down
	return true, w.process(context.WithoutCancel(ctx), job)
}

// tracker holds the mutable state a running job shares with its heartbeat.
type tracker struct {
	mu     sync.Mutex
	status models.JobStatus
	stage  models.Stage
}

func (t *tracker) get() (models.JobStatus, models.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.stage
}

func (t *tracker) set(status models.JobStatus, stage models.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.stage = stage
}

func (w *Worker) process(ctx context.Context, job *models.Job) error {
	log := w.log.WithFields(logrus.Fields{"job_id": job.ID, "source": job.Source.Kind})
	log.Info("processing job")
	started := time.Now()

	tr := &tracker{status: job.Status, stage: job.CurrentStage}
	hbDone := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		w.heartbeat(ctx, job.ID, tr, hbDone, log)
	}()

	req := pipeline.Request{
		JobID:   job.ID,
		Source:  job.Source,
		Options: job.Options,
		OnStage: func(stage models.Stage) {
			status, _ := tr.get()
			if status == models.JobStatusDownloading && stage != models.StageDownload {
				if err := w.repo.UpdateStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
					log.WithError(err).Warn("failed to mark job processing")
				} else {
					status = models.JobStatusProcessing
				}
			}
			tr.set(status, stage)
			if err := w.repo.Heartbeat(ctx, job.ID, stage); err != nil {
				log.WithError(err).Debug("stage heartbeat failed")
			}
		},
		OnAudioReady: func(path string) {
			if err := w.repo.SetAudioPath(ctx, job.ID, path); err != nil {
				log.WithError(err).Warn("failed to record audio path")
			}
		},
		OnProgress: func(p models.Progress) {
			if err := w.repo.SetProgress(ctx, job.ID, p); err != nil {
				log.WithError(err).Debug("progress update failed")
			}
		},
	}

	result, runErr := w.safeRun(ctx, req)

	close(hbDone)
	hbWG.Wait()

	if runErr != nil {
		log.WithError(runErr).Error("job failed")
		if status, _ := tr.get(); status == models.JobStatusDownloading || status == models.JobStatusProcessing {
			if err := w.repo.Fail(ctx, job.ID, runErr.Error()); err != nil {
				return fmt.Errorf("failed to record job failure: %w", err)
			}
		}
		metrics.RecordJobFinished(string(models.JobStatusError))
		return nil
	}

	if status, _ := tr.get(); status == models.JobStatusDownloading {
		if err := w.repo.UpdateStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
			return err
		}
	}
	if err := w.repo.Complete(ctx, job.ID, result.Completion()); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	metrics.RecordJobFinished(string(models.JobStatusCompleted))

	fields := logrus.Fields{"elapsed": time.Since(started).Round(time.Millisecond)}
	if result.DiarizationRequested && !result.DiarizationSucceeded {
		fields["diarization"] = result.DiarizationCode
	}
	log.WithFields(fields).Info("job completed")
	return nil
}

// safeRun turns a panic inside the pipeline into a job failure.
func (w *Worker) safeRun(ctx context.Context, req pipeline.Request) (res *pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("job_id", req.JobID).WithField("stack", string(debug.Stack())).Error("pipeline panicked")
			res, err = nil, fmt.Errorf("internal error: %v", r)
		}
	}()
	return w.runner.Run(ctx, req)
}

func (w *Worker) heartbeat(ctx context.Context, id string, tr *tracker, done <-chan struct{}, log logrus.FieldLogger) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_, stage := tr.get()
			if err := w.repo.Heartbeat(ctx, id, stage); err != nil {
				log.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}
