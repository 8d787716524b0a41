package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/apperr"
	"scribe/internal/cache"
	"scribe/internal/models"
	"scribe/internal/storage"
)

type fakeDownloader struct {
	dir   string
	calls atomic.Int32
	err   error
}

func (f *fakeDownloader) Fetch(_ context.Context, url, _ string, progress ByteProgress) (*Download, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(f.dir, fmt.Sprintf("dl-%d.mp3", n))
	data := []byte("audio for " + url)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}
	if progress != nil {
		size := int64(len(data))
		progress(size/2, size)
		progress(size, size)
	}
	return &Download{Path: path, Title: "clip", Size: int64(len(data))}, nil
}

type fakeTranscriber struct {
	calls    atomic.Int32
	err      error
	lastPath string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path, _, _ string) (*models.Transcript, error) {
	f.calls.Add(1)
	f.lastPath = path
	if f.err != nil {
		return nil, f.err
	}
	return &models.Transcript{
		Language: "en",
		Duration: 6,
		Segments: []models.Segment{
			{Text: " Hello there.", Start: 0, End: 2.5},
			{Text: " General Kenobi.", Start: 3, End: 6},
		},
	}, nil
}

type fakeDiarizer struct {
	calls atomic.Int32
	err   error
	empty bool
	// before runs ahead of the result with the audio path
	before func(path string) error
}

func (f *fakeDiarizer) Diarize(_ context.Context, path string, _, _ *int) (*models.Diarization, error) {
	f.calls.Add(1)
	if f.before != nil {
		if err := f.before(path); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.empty {
		return &models.Diarization{}, nil
	}
	return &models.Diarization{
		SpeakerCount: 2,
		Turns: []models.SpeakerTurn{
			{Speaker: "SPEAKER_00", Start: 0, End: 2.8},
			{Speaker: "SPEAKER_01", Start: 2.8, End: 6},
		},
	}, nil
}

type fixture struct {
	orch  *Orchestrator
	mgr   *cache.Manager
	dl    *fakeDownloader
	asr   *fakeTranscriber
	diar  *fakeDiarizer
	input string
	work  string
	clips []models.TimeRange
}

func newFixture(t *testing.T, withDiarizer bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "scribe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := cache.NewStore(storage.NewCacheRepository(db), cache.StoreOptions{
		Root:            filepath.Join(dir, "cache"),
		InlineThreshold: 8,
	})
	require.NoError(t, err)
	mgr := cache.NewManager(store, cache.ManagerOptions{WorkDir: filepath.Join(dir, "work")})

	input := filepath.Join(dir, "meeting.wav")
	require.NoError(t, os.WriteFile(input, []byte("RIFF fake wave data"), 0644))

	dlDir := filepath.Join(dir, "downloads")
	require.NoError(t, os.MkdirAll(dlDir, 0755))

	f := &fixture{
		mgr:   mgr,
		dl:    &fakeDownloader{dir: dlDir},
		asr:   &fakeTranscriber{},
		diar:  &fakeDiarizer{},
		input: input,
	}
	var diarizer Diarizer
	if withDiarizer {
		diarizer = f.diar
	}
	f.work = filepath.Join(dir, "work")
	clip := func(_ context.Context, src, dst string, rng models.TimeRange) error {
		f.clips = append(f.clips, rng)
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, append([]byte("clip "+rng.String()+" of "), data...), 0644)
	}
	f.orch = New(mgr, f.dl, f.asr, diarizer, Config{Device: "cpu", Quality: "best", WorkDir: f.work, Clip: clip}, nil)
	return f
}

func localRequest(path string, diarize bool) Request {
	return Request{
		JobID:   "job-1",
		Source:  models.Source{Kind: models.SourceUpload, Value: path},
		Options: models.Options{Model: "whisper-base", Diarize: diarize},
	}
}

func stageEntries(t *testing.T, mgr *cache.Manager) map[models.Stage]int {
	t.Helper()
	stats, err := mgr.Stats(context.Background())
	require.NoError(t, err)
	out := make(map[models.Stage]int)
	for _, s := range stats {
		out[s.Stage] = int(s.Entries)
	}
	return out
}

func TestRunWithSpeakers(t *testing.T) {
	f := newFixture(t, true)
	var stages []models.Stage
	req := localRequest(f.input, true)
	req.OnStage = func(s models.Stage) { stages = append(stages, s) }

	res, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []models.Stage{models.StageTranscribe, models.StageDiarize, models.StageFormat}, stages)
	assert.True(t, res.DiarizationSucceeded)
	assert.Equal(t, 2, res.SpeakerCount)
	assert.Equal(t, "en", res.Language)
	assert.Equal(t, f.input, res.AudioPath)
	assert.Equal(t, "# Transcript\n\n"+
		"**Speakers:** 2 detected\n"+
		"**Duration:** 0:06\n\n---\n\n"+
		"### Speaker 1\n[00:00.0 - 00:02.5]\nHello there.\n\n"+
		"### Speaker 2\n[00:03.0 - 00:06.0]\nGeneral Kenobi.\n", res.Text)

	c := res.Completion()
	require.NotNil(t, c.DiarizationSucceeded)
	assert.True(t, *c.DiarizationSucceeded)
	require.NotNil(t, c.SpeakerCount)
	assert.Equal(t, 2, *c.SpeakerCount)
	assert.Empty(t, c.DiarizationError)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.orch.Run(ctx, localRequest(f.input, true))
	require.NoError(t, err)
	second, err := f.orch.Run(ctx, localRequest(f.input, true))
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.asr.calls.Load())
	assert.Equal(t, int32(1), f.diar.calls.Load())
	assert.Equal(t, first.Text, second.Text)
	assert.True(t, second.CacheHits[models.StageTranscribe])
	assert.True(t, second.CacheHits[models.StageDiarize])
}

func TestRunDownloadsURLOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	var ready []string
	req := Request{
		JobID:        "job-url",
		Source:       models.Source{Kind: models.SourceURL, Value: "https://example.com/talk.mp3"},
		Options:      models.Options{Model: "whisper-base"},
		OnAudioReady: func(p string) { ready = append(ready, p) },
	}

	_, err := f.orch.Run(ctx, req)
	require.NoError(t, err)
	res, err := f.orch.Run(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.dl.calls.Load())
	assert.Equal(t, int32(1), f.asr.calls.Load())
	assert.True(t, res.CacheHits[models.StageDownload])
	require.Len(t, ready, 2)
	for _, p := range ready {
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}
}

func TestRunDownloadFailureIsTransient(t *testing.T) {
	f := newFixture(t, false)
	f.dl.err = errors.New("connection reset")
	req := Request{
		Source:  models.Source{Kind: models.SourceURL, Value: "https://example.com/a.mp3"},
		Options: models.Options{Model: "whisper-base"},
	}

	_, err := f.orch.Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTransientIO))
	assert.Equal(t, apperr.ReasonNetwork, apperr.ReasonOf(err))
	assert.Zero(t, f.asr.calls.Load())
}

func TestRunWithoutDiarizerDegrades(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.orch.Run(context.Background(), localRequest(f.input, true))
	require.NoError(t, err)

	assert.False(t, res.DiarizationSucceeded)
	assert.Equal(t, CodeDiarizationUnavailable, res.DiarizationCode)
	assert.Equal(t, "# Transcript\n\n(Speaker detection unavailable)\n\nHello there.\nGeneral Kenobi.\n", res.Text)

	c := res.Completion()
	require.NotNil(t, c.DiarizationSucceeded)
	assert.False(t, *c.DiarizationSucceeded)
	assert.True(t, strings.HasPrefix(c.DiarizationError, CodeDiarizationUnavailable))
	assert.Nil(t, c.SpeakerCount)
}

func TestRunDiarizationFailureCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"auth", apperr.Engine(apperr.ReasonAuth, "token rejected", nil), CodeAuthFailed},
		{"missing models", apperr.Engine(apperr.ReasonUnavailable, "model not found", nil), CodeDiarizationUnavailable},
		{"runtime", errors.New("segmentation fault"), CodeDiarizationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.diar.err = tt.err

			res, err := f.orch.Run(context.Background(), localRequest(f.input, true))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.DiarizationCode)
			assert.False(t, res.DiarizationSucceeded)
			assert.Contains(t, res.Text, "(Speaker detection unavailable)")
			assert.Zero(t, stageEntries(t, f.mgr)[models.StageDiarize], "degraded results are not cached")
		})
	}
}

func TestRunEmptyDiarizationIsNotCached(t *testing.T) {
	f := newFixture(t, true)
	f.diar.empty = true
	ctx := context.Background()

	res, err := f.orch.Run(ctx, localRequest(f.input, true))
	require.NoError(t, err)
	assert.Equal(t, CodeDiarizationFailed, res.DiarizationCode)

	_, err = f.orch.Run(ctx, localRequest(f.input, true))
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.diar.calls.Load())
}

func TestRunWithoutDiarizationSkipsStage(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.orch.Run(context.Background(), localRequest(f.input, false))
	require.NoError(t, err)

	assert.Zero(t, f.diar.calls.Load())
	assert.Equal(t, "# Transcript\n\nHello there.\nGeneral Kenobi.\n", res.Text)
	assert.Nil(t, res.Completion().DiarizationSucceeded)

	entries := stageEntries(t, f.mgr)
	assert.Equal(t, 1, entries[models.StageTranscribe])
	assert.Zero(t, entries[models.StageDiarize])
}

func TestRunTranscriptionFailureKeepsDownload(t *testing.T) {
	f := newFixture(t, false)
	f.asr.err = errors.New("decoder exploded")
	req := Request{
		Source:  models.Source{Kind: models.SourceYouTube, Value: "https://youtu.be/abc123"},
		Options: models.Options{Model: "whisper-base"},
	}

	_, err := f.orch.Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindEngine))

	entries := stageEntries(t, f.mgr)
	assert.Equal(t, 1, entries[models.StageDownload])
	assert.Zero(t, entries[models.StageTranscribe])

	f.asr.err = nil
	_, err = f.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.dl.calls.Load())
}

func TestRunMissingUpload(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.orch.Run(context.Background(), localRequest(filepath.Join(t.TempDir(), "gone.wav"), false))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Zero(t, f.asr.calls.Load())
}

func TestRunKeepsMediaWhileCachePruned(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	var pruned cache.PruneResult
	f.diar.before = func(path string) error {
		var err error
		pruned, err = f.mgr.Prune(ctx, cache.PrunePolicy{MaxBytes: 1})
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("audio vanished mid-run: %w", err)
		}
		return nil
	}
	req := Request{
		JobID:   "job-prune",
		Source:  models.Source{Kind: models.SourceURL, Value: "https://example.com/long-talk.mp3"},
		Options: models.Options{Model: "whisper-base", Diarize: true},
	}

	res, err := f.orch.Run(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.DiarizationSucceeded, res.DiarizationError)
	assert.Equal(t, 2, res.SpeakerCount)
	assert.Positive(t, pruned.Removed, "unpinned entries are still pruned")

	key := cache.DownloadKey(req.Source.Value, "best")
	assert.False(t, f.mgr.Store().Pinned(key), "the run releases its download")
	res, err = f.orch.Run(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.CacheHits[models.StageDownload], "pinned download survives the prune")
}

func TestRunTimeRange(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	req := localRequest(f.input, true)
	req.Options.StartTime = models.Ptr(30.0)
	req.Options.EndTime = models.Ptr(40.0)

	res, err := f.orch.Run(ctx, req)
	require.NoError(t, err)

	require.Len(t, f.clips, 1, "one clip serves both engines")
	assert.Equal(t, "30-40", f.clips[0].String())
	assert.NotEqual(t, f.input, f.asr.lastPath)
	_, err = os.Stat(f.asr.lastPath)
	assert.True(t, os.IsNotExist(err), "clip is removed when the run ends")
	left, err := filepath.Glob(filepath.Join(f.work, "clip-*"))
	require.NoError(t, err)
	assert.Empty(t, left)

	// timestamps refer to the source media
	assert.Contains(t, res.Text, "[00:30.0 - 00:32.5]\nHello there.")
	assert.Contains(t, res.Text, "[00:33.0 - 00:36.0]\nGeneral Kenobi.")

	again, err := f.orch.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, res.Text, again.Text)
	assert.Equal(t, int32(1), f.asr.calls.Load())

	_, err = f.orch.Run(ctx, localRequest(f.input, true))
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.asr.calls.Load(), "the whole file is a different cache entry")
	assert.Equal(t, f.input, f.asr.lastPath)
}

func TestRunReportsProgress(t *testing.T) {
	f := newFixture(t, true)
	var got []models.Progress
	req := Request{
		JobID:      "job-progress",
		Source:     models.Source{Kind: models.SourceURL, Value: "https://example.com/p.mp3"},
		Options:    models.Options{Model: "whisper-base", Diarize: true},
		OnProgress: func(p models.Progress) { got = append(got, p) },
	}

	_, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)

	require.NotEmpty(t, got)
	assert.Equal(t, models.Progress{Stage: models.StageDownload, Overall: 0, Phase: 0}, got[0])
	assert.Contains(t, got, models.Progress{Stage: models.StageDownload, Overall: 20, Phase: 100})
	var partial bool
	for _, p := range got {
		if p.Stage == models.StageDownload && p.Phase > 0 && p.Phase < 100 {
			partial = true
			assert.Equal(t, p.Phase/5, p.Overall)
		}
	}
	assert.True(t, partial, "byte counts reach the download phase")
	assert.Contains(t, got, models.Progress{Stage: models.StageDiarize, Overall: 70, Phase: 0})
	assert.Equal(t, models.Progress{Stage: models.StageFormat, Overall: 100, Phase: 100}, got[len(got)-1])
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].Overall, got[i-1].Overall)
	}
}

func TestCompletionErrorMessage(t *testing.T) {
	r := &Result{
		DiarizationRequested: true,
		DiarizationCode:      CodeAuthFailed,
		DiarizationError:     "token rejected",
	}
	assert.Equal(t, "auth_failed: token rejected", r.Completion().DiarizationError)
}
