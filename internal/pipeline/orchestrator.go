package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"scribe/internal/apperr"
	"scribe/internal/audio"
	"scribe/internal/cache"
	"scribe/internal/format"
	"scribe/internal/hashing"
	"scribe/internal/logging"
	"scribe/internal/metrics"
	"scribe/internal/models"
)

// Config holds settings shared by every run.
type Config struct {
	// Device is folded into transcript cache keys.
	Device string
	// Quality is passed to the downloader and folded into download keys.
	Quality string
	// WorkDir receives clips cut for time-range jobs. Defaults to the OS temp dir.
	WorkDir string
	// Clip cuts a time range out of the media. Defaults to audio.Clip.
	Clip ClipFunc
}

// stageSpan is the share of overall progress each stage covers.
var stageSpan = map[models.Stage][2]int{
	models.StageDownload:   {0, 20},
	models.StageTranscribe: {20, 70},
	models.StageDiarize:    {70, 90},
	models.StageFormat:     {90, 100},
}

// Orchestrator runs jobs through the stages. Engines are injected and owned
// by the caller.
type Orchestrator struct {
	cache       *cache.Manager
	downloader  Downloader
	transcriber Transcriber
	diarizer    Diarizer
	cfg         Config
	log         logrus.FieldLogger
}

// New creates an orchestrator. diarizer may be nil, in which case jobs that
// request diarization complete degraded.
func New(cacheMgr *cache.Manager, downloader Downloader, transcriber Transcriber, diarizer Diarizer, cfg Config, log logrus.FieldLogger) *Orchestrator {
	if cfg.Quality == "" {
		cfg.Quality = "best"
	}
	if cfg.Device == "" {
		cfg.Device = "cpu"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Clip == nil {
		cfg.Clip = audio.Clip
	}
	return &Orchestrator{
		cache:       cacheMgr,
		downloader:  downloader,
		transcriber: transcriber,
		diarizer:    diarizer,
		cfg:         cfg,
		log:         logging.OrDiscard(log),
	}
}

// run is the transient state of one pipeline execution.
type run struct {
	req       Request
	log       logrus.FieldLogger
	audioPath string
	audioHash string
	clipPath  string
	hits      map[models.Stage]bool
	progress  models.Progress
	// cleanup runs in reverse order when the run ends
	cleanup []func()
}

func (r *run) enter(stage models.Stage) {
	r.log = r.log.WithField("stage", stage)
	if r.req.OnStage != nil {
		r.req.OnStage(stage)
	}
	r.report(stage, 0)
}

// report publishes the percentage of stage done, scaled into overall progress.
func (r *run) report(stage models.Stage, phase int) {
	phase = min(max(phase, 0), 100)
	span := stageSpan[stage]
	p := models.Progress{
		Stage:   stage,
		Overall: span[0] + (span[1]-span[0])*phase/100,
		Phase:   phase,
	}
	if p == r.progress {
		return
	}
	r.progress = p
	if r.req.OnProgress != nil {
		r.req.OnProgress(p)
	}
}

func (r *run) onClose(f func()) {
	r.cleanup = append(r.cleanup, f)
}

func (r *run) close() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
}

// Run executes every stage for req. Each stage output is cached before
// the next stage starts, so a failure later in the run never loses work.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	r := &run{
		req:  req,
		log:  o.log.WithField("job_id", req.JobID),
		hits: make(map[models.Stage]bool),
	}
	defer r.close()

	if err := o.acquire(ctx, r); err != nil {
		return nil, err
	}
	if req.OnAudioReady != nil {
		req.OnAudioReady(r.audioPath)
	}

	r.enter(models.StageTranscribe)
	hash, err := hashing.HashFile(r.audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash audio: %w", err)
	}
	r.audioHash = hash

	transcript, err := o.transcribe(ctx, r)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Language:             transcript.Language,
		AudioPath:            r.audioPath,
		DiarizationRequested: req.Options.Diarize,
		CacheHits:            r.hits,
	}

	r.report(models.StageTranscribe, 100)

	var outcome DiarizationOutcome
	if req.Options.Diarize {
		r.enter(models.StageDiarize)
		outcome = o.diarize(ctx, r)
		r.report(models.StageDiarize, 100)
		result.DiarizationSucceeded = outcome.OK()
		result.DiarizationCode = outcome.Code
		result.DiarizationError = outcome.Degraded
		if outcome.OK() {
			result.SpeakerCount = outcome.Diarization.SpeakerCount
		}
	}

	r.enter(models.StageFormat)
	if outcome.OK() {
		aligned := format.Align(transcript.Segments, outcome.Diarization)
		result.Text = format.Markdown{
			SpeakerCount: outcome.Diarization.SpeakerCount,
			Duration:     transcriptDuration(transcript),
			MinSegment:   format.DefaultMinSegment,
		}.Format(aligned)
	} else {
		result.Text = format.Plain(transcript.Segments, req.Options.Diarize)
	}
	r.report(models.StageFormat, 100)

	return result, nil
}

// input returns the file the engines read: the media itself, or for a
// time-range job a clip of that range cut on first use.
func (o *Orchestrator) input(ctx context.Context, r *run) (string, error) {
	rng := r.req.Options.Range()
	if rng.IsZero() {
		return r.audioPath, nil
	}
	if r.clipPath != "" {
		return r.clipPath, nil
	}

	if err := os.MkdirAll(o.cfg.WorkDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}
	f, err := os.CreateTemp(o.cfg.WorkDir, "clip-*.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create clip file: %w", err)
	}
	clip := f.Name()
	f.Close()
	r.onClose(func() { os.Remove(clip) })

	if err := o.cfg.Clip(ctx, r.audioPath, clip, rng); err != nil {
		return "", err
	}
	r.log.WithField("range", rng.String()).Debug("cut time range")
	r.clipPath = clip
	return clip, nil
}

// acquire resolves the local media path, downloading remote sources.
func (o *Orchestrator) acquire(ctx context.Context, r *run) error {
	src := r.req.Source
	if !src.NeedsFetch() {
		info, err := os.Stat(src.Value)
		if err != nil {
			return apperr.Validationf("input file not found: %s", src.Value)
		}
		if info.IsDir() {
			return apperr.Validationf("input is a directory: %s", src.Value)
		}
		r.audioPath = src.Value
		return nil
	}

	r.enter(models.StageDownload)
	key := cache.DownloadKey(src.Value, o.cfg.Quality)
	log := r.log.WithField("cache_key", key)
	// the cached media must outlive every stage that reads it
	r.onClose(o.cache.Pin(key))

	path, hit, err := o.cache.GetDownload(ctx, key)
	if err != nil {
		log.WithError(err).Warn("download cache lookup failed")
	}
	if hit {
		log.Info("download cache hit")
		r.hits[models.StageDownload] = true
		r.audioPath = path
		return nil
	}

	if o.downloader == nil {
		return apperr.TransientIO(apperr.ReasonUnavailable, "no downloader configured", nil)
	}

	started := time.Now()
	dl, err := o.downloader.Fetch(ctx, src.Value, o.cfg.Quality, func(written, total int64) {
		if total > 0 {
			r.report(models.StageDownload, int(written*100/total))
		}
	})
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.TransientIO(apperr.ReasonNetwork, "download failed", err)
		}
		return err
	}
	metrics.RecordStageDuration(string(models.StageDownload), time.Since(started).Seconds())
	log.WithFields(logrus.Fields{"title": dl.Title, "bytes": dl.Size}).Info("downloaded source")

	r.report(models.StageDownload, 100)
	r.audioPath = dl.Path
	cached, err := o.cache.PutDownload(ctx, key, dl.Path)
	if err != nil {
		log.WithError(err).Warn("failed to cache download")
		return nil
	}
	r.audioPath = cached
	return nil
}

func (o *Orchestrator) transcribe(ctx context.Context, r *run) (*models.Transcript, error) {
	model := r.req.Options.Model
	rng := r.req.Options.Range()
	key := cache.TranscribeKey(r.audioHash, model, o.cfg.Device, rng)
	log := r.log.WithField("cache_key", key)

	t, hit, err := o.cache.GetTranscript(ctx, key)
	if err != nil {
		log.WithError(err).Warn("transcript cache lookup failed")
	}
	if hit {
		log.Info("transcript cache hit")
		r.hits[models.StageTranscribe] = true
		return t, nil
	}

	path, err := o.input(ctx, r)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	t, err = o.transcriber.Transcribe(ctx, path, model, o.cfg.Device)
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Engine(apperr.ReasonFailed, "transcription failed", err)
		}
		return nil, err
	}
	if t == nil {
		return nil, apperr.Engine(apperr.ReasonFailed, "transcription produced no result", nil)
	}
	if off := rng.Offset(); off > 0 {
		for i := range t.Segments {
			t.Segments[i].Start += off
			t.Segments[i].End += off
		}
		t.Duration += off
	}
	elapsed := time.Since(started)
	metrics.RecordStageDuration(string(models.StageTranscribe), elapsed.Seconds())
	log.WithFields(logrus.Fields{"segments": len(t.Segments), "elapsed": elapsed.Round(time.Millisecond)}).Info("transcribed")

	if err := o.cache.PutTranscript(ctx, key, t); err != nil {
		log.WithError(err).Warn("failed to cache transcript")
	}
	return t, nil
}

func (o *Orchestrator) diarize(ctx context.Context, r *run) DiarizationOutcome {
	opts := r.req.Options
	if o.diarizer == nil {
		return o.degrade(r, CodeDiarizationUnavailable, "no diarization engine configured", nil)
	}

	rng := opts.Range()
	key := cache.DiarizeKey(r.audioHash, opts.MinSpeakers, opts.MaxSpeakers, rng)
	log := r.log.WithField("cache_key", key)

	d, hit, err := o.cache.GetDiarization(ctx, key)
	if err != nil {
		log.WithError(err).Warn("diarization cache lookup failed")
	}
	if hit {
		log.Info("diarization cache hit")
		r.hits[models.StageDiarize] = true
		return DiarizationOutcome{Diarization: d}
	}

	path, err := o.input(ctx, r)
	if err != nil {
		return o.degrade(r, degradationCode(err), err.Error(), err)
	}
	started := time.Now()
	d, err = o.diarizer.Diarize(ctx, path, opts.MinSpeakers, opts.MaxSpeakers)
	if err != nil {
		return o.degrade(r, degradationCode(err), err.Error(), err)
	}
	if d == nil || len(d.Turns) == 0 {
		return o.degrade(r, CodeDiarizationFailed, "no speech segments detected", nil)
	}
	if off := rng.Offset(); off > 0 {
		for i := range d.Turns {
			d.Turns[i].Start += off
			d.Turns[i].End += off
		}
	}
	metrics.RecordStageDuration(string(models.StageDiarize), time.Since(started).Seconds())
	log.WithField("speakers", d.SpeakerCount).Info("diarized")

	if err := o.cache.PutDiarization(ctx, key, d); err != nil {
		log.WithError(err).Warn("failed to cache diarization")
	}
	return DiarizationOutcome{Diarization: d}
}

func (o *Orchestrator) degrade(r *run, code, reason string, err error) DiarizationOutcome {
	entry := r.log.WithField("code", code)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("diarization unavailable, falling back to plain transcript")
	metrics.RecordDiarizationDegraded(code)
	return DiarizationOutcome{Code: code, Degraded: reason}
}

func degradationCode(err error) string {
	if errors.Is(err, context.Canceled) {
		return CodeDiarizationFailed
	}
	switch apperr.ReasonOf(err) {
	case apperr.ReasonAuth:
		return CodeAuthFailed
	case apperr.ReasonUnavailable:
		return CodeDiarizationUnavailable
	}
	return CodeDiarizationFailed
}

func transcriptDuration(t *models.Transcript) float64 {
	d := t.Duration
	for _, s := range t.Segments {
		d = max(d, s.End)
	}
	return d
}
