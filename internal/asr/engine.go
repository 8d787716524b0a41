// Package asr transcribes audio files with sherpa-onnx offline recognizers.
package asr

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"scribe/internal/apperr"
	"scribe/internal/audio"
	"scribe/internal/logging"
	"scribe/internal/models"
)

// Options configures an Engine.
type Options struct {
	// ModelsDir holds one directory per model name.
	ModelsDir  string
	NumThreads int
	// Language forces the spoken language. Empty lets the model detect it.
	Language string
	Logger   logrus.FieldLogger
}

// Engine owns the loaded recognizers. Loading a model is expensive, so each
// (model, device) pair is created once and kept until Close.
type Engine struct {
	opts Options
	log  logrus.FieldLogger

	mu          sync.Mutex
	recognizers map[string]*recognizer
	closed      bool
}

// NewEngine creates an engine. Models load lazily on first use.
func NewEngine(opts Options) *Engine {
	if opts.NumThreads <= 0 {
		opts.NumThreads = 2
	}
	return &Engine{
		opts:        opts,
		log:         logging.OrDiscard(opts.Logger),
		recognizers: make(map[string]*recognizer),
	}
}

// Transcribe implements pipeline.Transcriber.
func (e *Engine) Transcribe(ctx context.Context, audioPath, model, device string) (*models.Transcript, error) {
	rec, err := e.recognizer(model, device)
	if err != nil {
		return nil, err
	}

	pcm, err := audio.Open(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	var (
		tokens   []Token
		language string
		offset   float64
		chunk    = rec.files.ChunkSeconds()
	)
	for {
		if err := ctx.Err(); err != nil {
			_ = pcm.Close()
			return nil, err
		}
		samples, rerr := pcm.Next(chunk)
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			_ = pcm.Close()
			return nil, apperr.Engine(apperr.ReasonFailed, "failed to read audio", rerr)
		}

		toks, lang := rec.decode(samples, offset)
		tokens = append(tokens, toks...)
		if language == "" {
			language = lang
		}
		offset += float64(len(samples)) / audio.SampleRate
	}
	if err := pcm.Close(); err != nil {
		return nil, err
	}
	if offset == 0 {
		return nil, apperr.Engine(apperr.ReasonFailed, "audio contains no samples", nil)
	}
	if language == "" {
		language = e.opts.Language
	}

	e.log.WithFields(logrus.Fields{
		"model":    model,
		"tokens":   len(tokens),
		"duration": offset,
	}).Debug("decoded audio")

	return &models.Transcript{
		Language: language,
		Duration: offset,
		Segments: tokensToSegments(tokens),
	}, nil
}

func (e *Engine) recognizer(model, device string) (*recognizer, error) {
	key := model + "|" + strings.ToLower(device)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, apperr.Engine(apperr.ReasonUnavailable, "engine is closed", nil)
	}
	if r, ok := e.recognizers[key]; ok {
		return r, nil
	}

	files, err := DetectModel(e.opts.ModelsDir, model)
	if err != nil {
		return nil, err
	}
	r, err := newRecognizer(files, recognizerOptions{
		Device:     device,
		NumThreads: e.opts.NumThreads,
		Language:   e.opts.Language,
	})
	if err != nil {
		return nil, apperr.Engine(apperr.ReasonUnavailable, "failed to load model "+model, err)
	}
	e.log.WithFields(logrus.Fields{"model": model, "family": files.Family, "device": device}).Info("loaded speech model")
	e.recognizers[key] = r
	return r, nil
}

// Close releases every loaded recognizer.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, r := range e.recognizers {
		r.close()
		delete(e.recognizers, k)
	}
	e.closed = true
	return nil
}
