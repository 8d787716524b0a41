// Package pipeline runs the download, transcribe, diarize and format stages
// for one job, consulting the stage cache before every expensive step.
package pipeline

import (
	"context"

	"scribe/internal/models"
)

// Download is the result of fetching a remote source.
type Download struct {
	Path  string
	Title string
	Size  int64
}

// ByteProgress reports bytes written so far. total is <= 0 when unknown.
type ByteProgress func(written, total int64)

// Downloader fetches remote media to a local file. Errors should be
// apperr.TransientIO with reason network, restricted or rate_limited.
// progress may be nil.
type Downloader interface {
	Fetch(ctx context.Context, url, quality string, progress ByteProgress) (*Download, error)
}

// ClipFunc writes the part of src covered by rng to dst.
type ClipFunc func(ctx context.Context, src, dst string, rng models.TimeRange) error

// Transcriber converts speech in an audio file to ordered segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, model, device string) (*models.Transcript, error)
}

// Diarizer labels who spoke when. Errors should be apperr.Engine with
// reason auth or unavailable when the engine cannot run at all.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string, minSpeakers, maxSpeakers *int) (*models.Diarization, error)
}

// Degradation codes reported when diarization does not produce speakers.
const (
	CodeDiarizationUnavailable = "diarization_unavailable"
	CodeAuthFailed             = "auth_failed"
	CodeDiarizationFailed      = "diarization_failed"
)

// DiarizationOutcome is the result of the diarize stage. It is a value,
// never an error: a failed diarization degrades the output only.
type DiarizationOutcome struct {
	Diarization *models.Diarization
	Code        string
	Degraded    string
}

// OK reports whether speakers are available.
func (o DiarizationOutcome) OK() bool {
	return o.Diarization != nil && o.Code == ""
}

// Request describes one pipeline run.
type Request struct {
	JobID   string
	Source  models.Source
	Options models.Options

	// OnStage is called when a stage begins.
	OnStage func(models.Stage)
	// OnAudioReady is called with the local media path once it is known.
	OnAudioReady func(path string)
	// OnProgress is called when the overall or stage percentage changes.
	OnProgress func(models.Progress)
}

// Result is the outcome of a successful run.
type Result struct {
	Text                 string
	Language             string
	AudioPath            string
	DiarizationRequested bool
	DiarizationSucceeded bool
	DiarizationCode      string
	DiarizationError     string
	SpeakerCount         int
	CacheHits            map[models.Stage]bool
}

// Completion converts r into the fields persisted on the job.
func (r *Result) Completion() models.Completion {
	c := models.Completion{
		Text:     r.Text,
		Language: r.Language,
	}
	if r.DiarizationRequested {
		c.DiarizationSucceeded = models.Ptr(r.DiarizationSucceeded)
		if r.DiarizationSucceeded {
			c.SpeakerCount = models.Ptr(r.SpeakerCount)
		} else {
			c.DiarizationError = r.DiarizationCode
			if r.DiarizationError != "" {
				c.DiarizationError = r.DiarizationCode + ": " + r.DiarizationError
			}
		}
	}
	return c
}
