// Package ingestion turns user input into queued jobs. It classifies source
// strings, stores uploaded files and creates the job row; the HTTP API and
// the CLI both submit through it.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"scribe/internal/apperr"
	"scribe/internal/logging"
	"scribe/internal/models"
	"scribe/internal/storage"
	"scribe/internal/youtube"
)

// DefaultMaxUploadBytes caps a single uploaded file.
const DefaultMaxUploadBytes = 100 * 1024 * 1024

// Options configures a Service.
type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	Logger         logrus.FieldLogger
}

// Service validates submissions and enqueues them.
type Service struct {
	jobs      *storage.JobRepository
	uploadDir string
	maxUpload int64
	log       logrus.FieldLogger
}

// New creates a Service.
func New(jobs *storage.JobRepository, opts Options) *Service {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Service{
		jobs:      jobs,
		uploadDir: opts.UploadDir,
		maxUpload: opts.MaxUploadBytes,
		log:       logging.OrDiscard(opts.Logger),
	}
}

// ClassifySource decides what kind of input raw is: a YouTube link, another
// http(s) URL or a local file path.
func ClassifySource(raw string) (models.Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.Source{}, apperr.Validationf("source is required")
	}
	if youtube.IsYouTubeURL(raw) {
		return models.Source{Kind: models.SourceYouTube, Value: raw}, nil
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		if u.Scheme != "http" && u.Scheme != "https" {
			return models.Source{}, apperr.Validationf("unsupported URL scheme: %s", u.Scheme)
		}
		return models.Source{Kind: models.SourceURL, Value: raw}, nil
	}
	return models.Source{Kind: models.SourceUpload, Value: raw}, nil
}

// Submit validates src and opts and queues a job. Local files must exist
// and carry an allowed extension; they are recorded by absolute path.
func (s *Service) Submit(ctx context.Context, src models.Source, opts models.Options) (*models.Job, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if src.Kind == models.SourceUpload {
		path, err := checkLocalFile(src.Value)
		if err != nil {
			return nil, err
		}
		src.Value = path
	}

	job := &models.Job{Source: src, Options: opts}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"job_id": job.ID,
		"source": string(src.Kind),
		"model":  opts.Model,
	}).Info("job queued")
	return job, nil
}

// SubmitUpload stores r as an uploaded file and queues a job for it.
func (s *Service) SubmitUpload(ctx context.Context, filename string, r io.Reader, opts models.Options) (*models.Job, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	path, err := s.SaveUpload(filename, r)
	if err != nil {
		return nil, err
	}
	job, err := s.Submit(ctx, models.Source{Kind: models.SourceUpload, Value: path}, opts)
	if err != nil {
		os.RemoveAll(filepath.Dir(path))
		return nil, err
	}
	return job, nil
}

// SaveUpload writes r to UploadDir/<uuid>/<name> and returns the path.
// Files over the size cap are rejected and nothing is kept.
func (s *Service) SaveUpload(filename string, r io.Reader) (string, error) {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		return "", apperr.Validationf("upload has no file name")
	}
	if !models.HasAllowedExtension(name) {
		return "", unsupportedExtension(name)
	}

	dir := filepath.Join(s.uploadDir, uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, s.maxUpload+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to save upload: %w", err)
	}
	if n > s.maxUpload {
		os.RemoveAll(dir)
		return "", apperr.Validationf("file too large (limit %s)", humanize.IBytes(uint64(s.maxUpload)))
	}
	if n == 0 {
		os.RemoveAll(dir)
		return "", apperr.Validationf("uploaded file is empty")
	}

	s.log.WithFields(logrus.Fields{"path": path, "size": n}).Debug("upload saved")
	return path, nil
}

func checkLocalFile(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperr.Validationf("invalid path: %s", path)
	}
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return "", apperr.Validationf("file not found: %s", path)
	}
	if err != nil {
		return "", apperr.New(apperr.KindValidation, "", "cannot read file: "+path, err)
	}
	if info.IsDir() {
		return "", apperr.Validationf("not a file: %s", path)
	}
	if !models.HasAllowedExtension(abs) {
		return "", unsupportedExtension(abs)
	}
	return abs, nil
}

func unsupportedExtension(name string) error {
	return apperr.Validationf("unsupported file type %q (allowed: %s)",
		filepath.Ext(name), strings.Join(models.AllowedExtensions, " "))
}
