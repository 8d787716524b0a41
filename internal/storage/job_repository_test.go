package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/apperr"
	"scribe/internal/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestJobRepo(t *testing.T) (*JobRepository, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	repo := NewJobRepository(newTestDB(t))
	repo.now = clock.now
	return repo, clock
}

func createJob(t *testing.T, repo *JobRepository, kind models.SourceKind, value string) *models.Job {
	t.Helper()
	job := &models.Job{
		Source:  models.Source{Kind: kind, Value: value},
		Options: models.Options{Model: "whisper-base"},
	}
	require.NoError(t, repo.Create(context.Background(), job))
	return job
}

func TestCreateAndGet(t *testing.T) {
	repo, _ := newTestJobRepo(t)
	ctx := context.Background()

	job := &models.Job{
		Source:  models.Source{Kind: models.SourceYouTube, Value: "https://youtu.be/dQw4w9WgXcQ"},
		Options: models.Options{Model: "whisper-base", Diarize: true, MinSpeakers: models.Ptr(2)},
	}
	require.NoError(t, repo.Create(ctx, job))
	assert.NotEmpty(t, job.ID)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, job.Source, got.Source)
	assert.True(t, got.Options.Diarize)
	require.NotNil(t, got.Options.MinSpeakers)
	assert.Equal(t, 2, *got.Options.MinSpeakers)
	assert.Nil(t, got.Options.MaxSpeakers)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.HeartbeatAt)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
}

func TestGetByIDMissing(t *testing.T) {
	repo, _ := newTestJobRepo(t)

	got, err := repo.GetByID(context.Background(), "no-such-job")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	repo, _ := newTestJobRepo(t)
	ctx := context.Background()

	err := repo.Create(ctx, &models.Job{Options: models.Options{Model: "m"}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	err = repo.Create(ctx, &models.Job{
		Source:  models.Source{Kind: models.SourceUpload, Value: "/a.wav"},
		Options: models.Options{Model: "m", MinSpeakers: models.Ptr(3), MaxSpeakers: models.Ptr(1)},
	})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	jobs, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestClaimIsFIFO(t *testing.T) {
	repo, clock := newTestJobRepo(t)
	ctx := context.Background()

	first := createJob(t, repo, models.SourceUpload, "/a.wav")
	second := createJob(t, repo, models.SourceUpload, "/b.wav")
	// same millisecond: rowid breaks the tie
	clock.advance(time.Second)
	third := createJob(t, repo, models.SourceUpload, "/c.wav")

	for _, want := range []*models.Job{first, second, third} {
		claimed, err := repo.ClaimNextPending(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, want.ID, claimed.ID)
		require.NoError(t, repo.Complete(ctx, claimed.ID, models.Completion{Text: "ok"}))
	}

	claimed, err := repo.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimSetsStatusBySourceKind(t *testing.T) {
	repo, _ := newTestJobRepo(t)
	ctx := context.Background()

	remote := createJob(t, repo, models.SourceURL, "https://example.com/talk.mp3")
	claimed, err := repo.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, remote.ID, claimed.ID)
	assert.Equal(t, models.JobStatusDownloading, claimed.Status)
	assert.Equal(t, models.StageDownload, claimed.CurrentStage)
	assert.NotNil(t, claimed.StartedAt)
	assert.NotNil(t, claimed.HeartbeatAt)
	require.NoError(t, repo.Fail(ctx, claimed.ID, "network down"))

	local := createJob(t, repo, models.SourceUpload, "/a.wav")
	claimed, err = repo.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, local.ID, claimed.ID)
	assert.Equal(t, models.JobStatusProcessing, claimed.Status)
}

func TestClaimRefusesWhileJobInFlight(t *testing.T) {
	repo, _ := newTestJobRepo(t)
	ctx := context.Background()

	createJob(t, repo, models.SourceUpload, "/a.wav")
	createJob(t, repo, models.SourceUpload, "/b.wav")

	claimed, err := repo.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	again, err := repo.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "second claim must wait for the in-flight job")

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.JobStatusProcessing])
	assert.Equal(t, int64(1), counts[models.JobStatusQueued])
}

func TestClaimConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.db")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const workers, jobs = 8, 20
	repos := make([]*JobRepository, workers)
	for i := range repos {
		db, err := Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		repos[i] = NewJobRepository(db)
	}
	for i := range jobs {
		createJob(t, repos[0], models.SourceUpload, fmt.Sprintf("/in/%02d.wav", i))
	}

	var (
		mu       sync.Mutex
		seen     = make(map[string]int)
		failures atomic.Int64
		wg       sync.WaitGroup
	)
	for i, repo := range repos {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				job, err := repo.ClaimNextPending(ctx)
				if err != nil {
					failures.Add(1)
					return
				}
				if job == nil {
					counts, err := repo.CountByStatus(ctx)
					if err != nil {
						failures.Add(1)
						return
					}
					if counts[models.JobStatusQueued] == 0 {
						return
					}
					time.Sleep(time.Millisecond)
					continue
				}

				mu.Lock()
				seen[job.ID]++
				mu.Unlock()

				if i%2 == 0 {
					err = repo.Complete(ctx, job.ID, models.Completion{Text: "ok"})
				} else {
					err = repo.Fail(ctx, job.ID, "boom")
				}
				if err != nil {
					failures.Add(1)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, ctx.Err())

	assert.Zero(t, failures.Load())
	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}

	counts, err := repos[0].CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[models.JobStatusQueued])
	assert.Equal(t, int64(jobs), counts[models.JobStatusCompleted]+counts[models.JobStatusError])
}

func TestTimeRangeRoundTrip(t *testing.T) {
	repo, _ := newTestJobRepo(t)
	ctx := context.Background()

	job := &models.Job{
		Source:  models.Source{Kind: models.SourceUpload, Value: "/a.wav"},
		Options: models.Options{Model: "whisper-base", StartTime: models.Ptr(30.5), EndTime: models.Ptr(90.0)},
	}
	require.NoError(t, repo.Create(ctx, job))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Options.StartTime)
	assert.Equal(t, 30.5, *got.Options.StartTime)
	assert.Equal(t, 90.0, *got.Options.EndTime)
	assert.Equal(t, "30.5-90", got.Options.Range().String())

	bad := &models.Job{
		Source:  models.Source{Kind: models.SourceUpload, Value: "/a.wav"},
		Options: models.Options{Model: "whisper-base", StartTime: models.Ptr(90.0), EndTime: models.Ptr(30.0)},
	}
	assert.True(t, apperr.Is(repo.Create(ctx, bad), apperr.KindValidation))
}

func TestSetProgress(t *testing.T) {
	repo, _ := newTestJobRepo(t)
	ctx := context.Background()

	job := createJob(t, repo, models.SourceURL, "https://example.com/a.mp3")
	assert.Error(t, repo.SetProgress(ctx, job.ID, models.Progress{Stage: models.StageDownload, Overall: 5, Phase: 10}),
		"queued jobs carry no progress")

	_, err := repo.ClaimNextPending(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.SetProgress(ctx, job.ID, models.Progress{Stage: models.StageDownload, Overall: 10, Phase: 50}))
	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Progress)
	assert.Equal(t, 50, got.PhaseProgress)
	require.NotNil(t, got.DownloadProgress)
	assert.Equal(t, 50, *got.DownloadProgress)

	require.NoError(t, repo.UpdateStatus(ctx, job.ID, models.JobStatusProcessing))
	require.NoError(t, repo.SetProgress(ctx, job.ID, models.Progress{Stage: models.StageTranscribe, Overall: 40, Phase: 0}))
	// overall progress never moves backwards
	require.NoError(t, repo.SetProgress(ctx, job.ID, models.Progress{Stage: models.StageTranscribe, Overall: 30, Phase: 150}))

	got, err = repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, 100, got.PhaseProgress)
	assert.Equal(t, 50, *got.DownloadProgress, "download progress is kept after the download stage")

	require.NoError(t, repo.Complete(ctx, job.ID, models.Completion{Text: "done"}))
	got, err = repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestStateMachine(t *testing.T) {
	repo, _ := newTestJobRepo(t)
	ctx := context.Background()

	job := createJob(t, repo, models.SourceURL, "https://example.com/a.mp3")

	// queued jobs cannot complete or fail
	err := repo.Complete(ctx, job.ID, models.Completion{Text: "x"})
	assert.True(t, IsInvalidTransition(err))
	assert.True(t, apperr.Is(err, apperr.KindInvalidTransition))
	err = repo.Fail(ctx, job.ID, "x")
	assert.True(t, IsInvalidTransition(err))

	_, err = repo.ClaimNextPending(ctx)
	require.NoError(t, err)

	// downloading cannot complete
	err = repo.Complete(ctx, job.ID, models.Completion{Text: "x"})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, models.JobStatusDownloading, ite.From)
	assert.Equal(t, models.JobStatusCompleted, ite.To)

	require.NoError(t, repo.UpdateStatus(ctx, job.ID, models.JobStatusProcessing))
	require.NoError(t, repo.Complete(ctx, job.ID, models.Completion{
		Text:                 "# Transcript\n",
		Language:             "en",
		DiarizationSucceeded: models.Ptr(false),
		DiarizationError:     "diarization_unavailable",
	}))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "en", got.DetectedLanguage)
	assert.Empty(t, got.ErrorMessage)
	assert.True(t, got.Degraded() == false, "diarization was not requested")
	require.NotNil(t, got.DiarizationSucceeded)
	assert.False(t, *got.DiarizationSucceeded)

	// nothing leaves a terminal state
	assert.True(t, IsInvalidTransition(repo.Fail(ctx, job.ID, "late")))
	assert.True(t, IsInvalidTransition(repo.UpdateStatus(ctx, job.ID, models.JobStatusProcessing)))
	assert.True(t, IsInvalidTransition(repo.Cancel(ctx, job.ID)))
}

func TestUpdateStatusRejectsTerminalTargets(t *testing.T) {
	repo, _ := newTestJobRepo(t)
	ctx := context.Background()

	job := createJob(t, repo, models.SourceUpload, "/a.wav")
	_, err := repo.ClaimNextPending(ctx)
	require.NoError(t, err)

	assert.True(t, IsInvalidTransition(repo.UpdateStatus(ctx, job.ID, models.JobStatusCompleted)))
	assert.True(t, IsInvalidTransition(repo.UpdateStatus(ctx, job.ID, models.JobStatusQueued)))
	assert.True(t, IsInvalidTransition(repo.UpdateStatus(ctx, job.ID, models.JobStatusDownloading)))
}

func TestUnknownJob(t *testing.T) {
	repo, _ := newTestJobRepo(t)
	ctx := context.Background()

	assert.True(t, errors.Is(repo.Fail(ctx, "missing", "x"), ErrJobNotFound))
	assert.True(t, errors.Is(repo.UpdateStatus(ctx, "missing", models.JobStatusProcessing), ErrJobNotFound))
	assert.True(t, errors.Is(repo.SetAudioPath(ctx, "missing", "/a.wav"), ErrJobNotFound))
	assert.True(t, apperr.Is(repo.Cancel(ctx, "missing"), apperr.KindNotFound))
}

func TestCancelQueuedOnly(t *testing.T) {
	repo, _ := newTestJobRepo(t)
	ctx := context.Background()

	running := createJob(t, repo, models.SourceUpload, "/a.wav")
	queued := createJob(t, repo, models.SourceUpload, "/b.wav")
	_, err := repo.ClaimNextPending(ctx)
	require.NoError(t, err)

	assert.True(t, IsInvalidTransition(repo.Cancel(ctx, running.ID)))
	require.NoError(t, repo.Cancel(ctx, queued.ID))

	got, err := repo.GetByID(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, got.Status)
	assert.Equal(t, CancelledJobMessage, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestRecoverOrphans(t *testing.T) {
	repo, clock := newTestJobRepo(t)
	ctx := context.Background()

	orphan := createJob(t, repo, models.SourceUpload, "/a.wav")
	waiting := createJob(t, repo, models.SourceUpload, "/b.wav")
	_, err := repo.ClaimNextPending(ctx)
	require.NoError(t, err)

	// heartbeat still fresh
	clock.advance(30 * time.Second)
	n, err := repo.RecoverOrphans(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	// process "restarts" after the heartbeat went stale
	clock.advance(5 * time.Minute)
	n, err = repo.RecoverOrphans(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, got.Status)
	assert.Equal(t, OrphanedJobMessage, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	// each orphan transitions exactly once
	n, err = repo.RecoverOrphans(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	// queued jobs are untouched and claimable afterwards
	still, err := repo.GetByID(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, still.Status)

	claimed, err := repo.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, waiting.ID, claimed.ID)
}

func TestHeartbeatKeepsJobAlive(t *testing.T) {
	repo, clock := newTestJobRepo(t)
	ctx := context.Background()

	job := createJob(t, repo, models.SourceUpload, "/a.wav")
	_, err := repo.ClaimNextPending(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.advance(40 * time.Second)
		require.NoError(t, repo.Heartbeat(ctx, job.ID, models.StageDiarize))
	}

	n, err := repo.RecoverOrphans(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDiarize, got.CurrentStage)

	require.NoError(t, repo.Fail(ctx, job.ID, "boom"))
	assert.Error(t, repo.Heartbeat(ctx, job.ID, ""))
}

func TestListAndCount(t *testing.T) {
	repo, clock := newTestJobRepo(t)
	ctx := context.Background()

	a := createJob(t, repo, models.SourceUpload, "/a.wav")
	clock.advance(time.Second)
	b := createJob(t, repo, models.SourceUpload, "/b.wav")
	require.NoError(t, repo.Cancel(ctx, a.ID))

	recent, err := repo.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, b.ID, recent[0].ID)

	queued, err := repo.ListByStatus(ctx, models.JobStatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, b.ID, queued[0].ID)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.JobStatusError])
	assert.Equal(t, int64(1), counts[models.JobStatusQueued])
	assert.Equal(t, int64(0), counts[models.JobStatusCompleted])
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.JobStatusQueued, models.JobStatusProcessing))
	assert.True(t, CanTransition(models.JobStatusDownloading, models.JobStatusError))
	assert.False(t, CanTransition(models.JobStatusDownloading, models.JobStatusCompleted))
	assert.False(t, CanTransition(models.JobStatusCompleted, models.JobStatusError))
	assert.False(t, CanTransition(models.JobStatusError, models.JobStatusQueued))
}
