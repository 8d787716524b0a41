// Package diarize labels speaker turns with sherpa-onnx offline speaker
// diarization (pyannote segmentation plus a speaker embedding model).
package diarize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
	"github.com/sirupsen/logrus"

	"scribe/internal/apperr"
	"scribe/internal/audio"
	"scribe/internal/logging"
	"scribe/internal/models"
)

// DefaultThreshold is the clustering distance used when the speaker count
// is not pinned.
const DefaultThreshold = 0.5

// Options configures an Engine.
type Options struct {
	// Dir holds the segmentation and embedding models.
	Dir        string
	NumThreads int
	Device     string
	// Threshold is the clustering threshold. Smaller values yield more speakers.
	Threshold float32
	Logger    logrus.FieldLogger
}

// ModelFiles are the resolved model paths under Options.Dir.
type ModelFiles struct {
	Segmentation string
	Embedding    string
}

// FindModels locates the segmentation and embedding models in dir.
func FindModels(dir string) (*ModelFiles, error) {
	seg := first(dir, []string{
		"segmentation.int8.onnx",
		"segmentation.onnx",
		"sherpa-onnx-pyannote-segmentation-3-0/model.int8.onnx",
		"sherpa-onnx-pyannote-segmentation-3-0/model.onnx",
	})
	if seg == "" {
		return nil, apperr.Engine(apperr.ReasonUnavailable, "speaker segmentation model not found in "+dir, nil)
	}
	emb := first(dir, []string{"embedding.onnx"})
	if emb == "" {
		if matches, _ := filepath.Glob(filepath.Join(dir, "*speaker*.onnx")); len(matches) > 0 {
			sort.Strings(matches)
			emb = matches[0]
		}
	}
	if emb == "" {
		return nil, apperr.Engine(apperr.ReasonUnavailable, "speaker embedding model not found in "+dir, nil)
	}
	return &ModelFiles{Segmentation: seg, Embedding: emb}, nil
}

func first(dir string, candidates []string) string {
	for _, c := range candidates {
		p := filepath.Join(dir, c)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Engine runs speaker diarization. The model is loaded on first use and
// reloaded only when the clustering settings change; calls are serialized.
type Engine struct {
	opts Options
	log  logrus.FieldLogger

	mu         sync.Mutex
	sd         *sherpa.OfflineSpeakerDiarization
	clustering sherpa.FastClusteringConfig
	files      *ModelFiles
}

// NewEngine creates an engine. It fails fast when the model files are
// missing so callers can run without diarization.
func NewEngine(opts Options) (*Engine, error) {
	files, err := FindModels(opts.Dir)
	if err != nil {
		return nil, err
	}
	if opts.NumThreads <= 0 {
		opts.NumThreads = 2
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Device == "" {
		opts.Device = "cpu"
	}
	return &Engine{opts: opts, files: files, log: logging.OrDiscard(opts.Logger)}, nil
}

// ClusteringFor returns the clustering settings for the speaker hints. A
// pinned count (min == max) fixes the number of clusters; otherwise the
// threshold decides.
func ClusteringFor(minSpeakers, maxSpeakers *int, threshold float32) sherpa.FastClusteringConfig {
	if minSpeakers != nil && maxSpeakers != nil && *minSpeakers == *maxSpeakers {
		return sherpa.FastClusteringConfig{NumClusters: *minSpeakers}
	}
	return sherpa.FastClusteringConfig{NumClusters: -1, Threshold: threshold}
}

func (e *Engine) config(clustering sherpa.FastClusteringConfig) *sherpa.OfflineSpeakerDiarizationConfig {
	return &sherpa.OfflineSpeakerDiarizationConfig{
		Segmentation: sherpa.OfflineSpeakerSegmentationModelConfig{
			Pyannote:   sherpa.OfflineSpeakerSegmentationPyannoteModelConfig{Model: e.files.Segmentation},
			NumThreads: e.opts.NumThreads,
			Provider:   e.opts.Device,
		},
		Embedding: sherpa.SpeakerEmbeddingExtractorConfig{
			Model:      e.files.Embedding,
			NumThreads: e.opts.NumThreads,
			Provider:   e.opts.Device,
		},
		Clustering:     clustering,
		MinDurationOn:  0.3,
		MinDurationOff: 0.5,
	}
}

// Diarize implements pipeline.Diarizer.
func (e *Engine) Diarize(ctx context.Context, audioPath string, minSpeakers, maxSpeakers *int) (*models.Diarization, error) {
	samples, err := audio.ReadAll(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, apperr.Engine(apperr.ReasonFailed, "audio contains no samples", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	clustering := ClusteringFor(minSpeakers, maxSpeakers, e.opts.Threshold)
	if e.sd != nil && e.clustering != clustering {
		sherpa.DeleteOfflineSpeakerDiarization(e.sd)
		e.sd = nil
	}
	if e.sd == nil {
		e.sd = sherpa.NewOfflineSpeakerDiarization(e.config(clustering))
		if e.sd == nil {
			return nil, apperr.Engine(apperr.ReasonUnavailable, "failed to load speaker diarization models", nil)
		}
		e.clustering = clustering
		e.log.WithFields(logrus.Fields{
			"dir":      e.opts.Dir,
			"clusters": clustering.NumClusters,
		}).Info("loaded speaker diarization models")
	}
	if rate := e.sd.SampleRate(); rate != audio.SampleRate {
		return nil, apperr.Engine(apperr.ReasonFailed, fmt.Sprintf("diarization model expects %d Hz audio", rate), nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	segments := e.sd.Process(samples)
	d := toDiarization(segments, maxSpeakers)
	warnBelowMinimum(e.log, d, minSpeakers)
	return d, nil
}

// warnBelowMinimum logs when clustering found fewer speakers than requested.
// The result is kept as is; min_speakers only pins the count when it equals
// max_speakers.
func warnBelowMinimum(log logrus.FieldLogger, d *models.Diarization, minSpeakers *int) bool {
	if minSpeakers == nil || len(d.Turns) == 0 || d.SpeakerCount >= *minSpeakers {
		return false
	}
	log.WithFields(logrus.Fields{
		"detected":     d.SpeakerCount,
		"min_speakers": *minSpeakers,
	}).Warn("detected fewer speakers than min_speakers")
	return true
}

// toDiarization converts raw segments to labelled turns. When more speakers
// than maxSpeakers were found, the extra clusters are folded into the
// nearest-numbered allowed speaker.
func toDiarization(segments []sherpa.OfflineSpeakerDiarizationSegment, maxSpeakers *int) *models.Diarization {
	d := &models.Diarization{}
	speakers := make(map[int]bool)
	for _, s := range segments {
		id := s.Speaker
		if maxSpeakers != nil && *maxSpeakers > 0 && id >= *maxSpeakers {
			id = *maxSpeakers - 1
		}
		speakers[id] = true
		d.Turns = append(d.Turns, models.SpeakerTurn{
			Speaker: Label(id),
			Start:   float64(s.Start),
			End:     float64(s.End),
		})
	}
	sort.SliceStable(d.Turns, func(i, j int) bool { return d.Turns[i].Start < d.Turns[j].Start })
	d.SpeakerCount = len(speakers)
	return d
}

// Label formats a cluster index the way transcripts refer to speakers.
func Label(id int) string {
	return fmt.Sprintf("SPEAKER_%02d", id)
}

// Close releases the loaded models.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sd != nil {
		sherpa.DeleteOfflineSpeakerDiarization(e.sd)
		e.sd = nil
	}
	return nil
}
