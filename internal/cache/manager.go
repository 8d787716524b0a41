package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"scribe/internal/hashing"
	"scribe/internal/logging"
	"scribe/internal/metrics"
	"scribe/internal/models"
)

// DefaultDownloadTTL bounds how long a fetched URL is reused.
const DefaultDownloadTTL = 24 * time.Hour

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	DownloadTTL time.Duration
	// WorkDir receives inline download payloads materialized for a run.
	WorkDir string
	Logger  logrus.FieldLogger
}

// Manager exposes typed per-stage accessors over a Store.
type Manager struct {
	store       *Store
	downloadTTL time.Duration
	workDir     string
	log         logrus.FieldLogger
}

// NewManager wraps store.
func NewManager(store *Store, opts ManagerOptions) *Manager {
	ttl := opts.DownloadTTL
	if ttl <= 0 {
		ttl = DefaultDownloadTTL
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Manager{
		store:       store,
		downloadTTL: ttl,
		workDir:     workDir,
		log:         logging.OrDiscard(opts.Logger),
	}
}

// DownloadKey identifies a fetched remote source.
func DownloadKey(url, quality string) string {
	return hashing.Key(string(models.StageDownload), url, quality)
}

// TranscribeKey identifies a transcript by audio content, model, device and
// the processed time range.
func TranscribeKey(audioHash, model, device string, rng models.TimeRange) string {
	return hashing.Key(string(models.StageTranscribe), audioHash, model, device, rng)
}

// DiarizeKey identifies speaker turns by audio content, speaker hints and
// the processed time range.
func DiarizeKey(audioHash string, minSpeakers, maxSpeakers *int, rng models.TimeRange) string {
	return hashing.Key(string(models.StageDiarize), audioHash, minSpeakers, maxSpeakers, rng)
}

// Store returns the underlying artifact store.
func (m *Manager) Store() *Store {
	return m.store
}

// Pin protects the payload of key from pruning and rewrites until the
// returned release is called. Callers pin a download key before looking it
// up and release it when the run no longer reads the file.
func (m *Manager) Pin(key string) (release func()) {
	return m.store.Pin(key)
}

// GetDownload returns a local path holding the cached media for key.
func (m *Manager) GetDownload(ctx context.Context, key string) (string, bool, error) {
	art, err := m.store.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	metrics.RecordCacheLookup(string(models.StageDownload), art != nil)
	if art == nil {
		return "", false, nil
	}
	if p := art.Path(); p != "" {
		return p, true, nil
	}

	if err := os.MkdirAll(m.workDir, 0755); err != nil {
		return "", false, fmt.Errorf("failed to create work directory: %w", err)
	}
	dst := filepath.Join(m.workDir, key)
	if err := art.WriteFile(dst); err != nil {
		return "", false, fmt.Errorf("failed to materialize cached download: %w", err)
	}
	return dst, true, nil
}

// PutDownload caches the file at path with the download TTL and returns the
// path the pipeline should continue with. File-backed entries replace the
// working copy with the cached payload.
func (m *Manager) PutDownload(ctx context.Context, key, path string) (string, error) {
	e, err := m.store.PutFile(ctx, key, models.StageDownload, path, m.downloadTTL)
	if err != nil {
		return path, err
	}
	cached := m.store.AbsPath(e)
	if cached == "" || cached == path {
		return path, nil
	}
	if err := os.Remove(path); err != nil {
		m.log.WithError(err).WithField("path", path).Debug("failed to remove download working copy")
	}
	return cached, nil
}

// GetTranscript returns the cached transcript for key.
func (m *Manager) GetTranscript(ctx context.Context, key string) (*models.Transcript, bool, error) {
	var t models.Transcript
	hit, err := m.getJSON(ctx, models.StageTranscribe, key, &t)
	if err != nil || !hit {
		return nil, false, err
	}
	return &t, true, nil
}

// PutTranscript caches a transcript.
func (m *Manager) PutTranscript(ctx context.Context, key string, t *models.Transcript) error {
	return m.putJSON(ctx, models.StageTranscribe, key, t)
}

// GetDiarization returns the cached speaker turns for key.
func (m *Manager) GetDiarization(ctx context.Context, key string) (*models.Diarization, bool, error) {
	var d models.Diarization
	hit, err := m.getJSON(ctx, models.StageDiarize, key, &d)
	if err != nil || !hit {
		return nil, false, err
	}
	return &d, true, nil
}

// PutDiarization caches speaker turns.
func (m *Manager) PutDiarization(ctx context.Context, key string, d *models.Diarization) error {
	return m.putJSON(ctx, models.StageDiarize, key, d)
}

// Invalidate removes a single entry.
func (m *Manager) Invalidate(ctx context.Context, key string) (bool, error) {
	return m.store.Invalidate(ctx, key)
}

// Prune applies policy to the whole cache.
func (m *Manager) Prune(ctx context.Context, policy PrunePolicy) (PruneResult, error) {
	return m.store.Prune(ctx, policy)
}

// Stats returns per-stage totals.
func (m *Manager) Stats(ctx context.Context) ([]models.CacheStageStats, error) {
	return m.store.Stats(ctx)
}

func (m *Manager) getJSON(ctx context.Context, stage models.Stage, key string, v any) (bool, error) {
	art, err := m.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if art == nil {
		metrics.RecordCacheLookup(string(stage), false)
		return false, nil
	}
	data, err := art.Bytes()
	if err == nil {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		// checksum matched but the payload is unusable
		m.log.WithError(err).WithFields(logrus.Fields{"cache_key": key, "stage": stage}).Warn("discarding undecodable cache entry")
		metrics.RecordCacheCorruption(string(stage))
		if _, ierr := m.store.Invalidate(ctx, key); ierr != nil {
			m.log.WithError(ierr).WithField("cache_key", key).Warn("failed to invalidate cache entry")
		}
		metrics.RecordCacheLookup(string(stage), false)
		return false, nil
	}
	metrics.RecordCacheLookup(string(stage), true)
	return true, nil
}

func (m *Manager) putJSON(ctx context.Context, stage models.Stage, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s artifact: %w", stage, err)
	}
	_, err = m.store.Put(ctx, key, stage, data, 0)
	return err
}
