// Package cache implements the content-addressed stage cache. Small payloads
// live inline in SQLite; large ones are sharded files under the cache root.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scribe/internal/apperr"
	"scribe/internal/hashing"
	"scribe/internal/logging"
	"scribe/internal/metrics"
	"scribe/internal/models"
	"scribe/internal/storage"
)

const tempSuffix = ".tmp"

// DefaultInlineThreshold is the payload size below which entries are kept in the database.
const DefaultInlineThreshold = 100 * 1024

// StoreOptions configures a Store.
type StoreOptions struct {
	Root            string
	InlineThreshold int64
	Logger          logrus.FieldLogger
}

// Store persists artifacts and verifies them on read.
type Store struct {
	repo            *storage.CacheRepository
	root            string
	inlineThreshold int64
	log             logrus.FieldLogger
	now             func() time.Time

	pinMu sync.Mutex
	pins  map[string]int
	// superseded files of pinned keys, removed on the last release
	deferred map[string][]string
}

// NewStore creates the cache root if needed.
func NewStore(repo *storage.CacheRepository, opts StoreOptions) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("cache root is required")
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	threshold := opts.InlineThreshold
	if threshold == 0 {
		threshold = DefaultInlineThreshold
	}
	return &Store{
		repo:            repo,
		root:            opts.Root,
		inlineThreshold: threshold,
		log:             logging.OrDiscard(opts.Logger),
		now:             time.Now,
		pins:            make(map[string]int),
		deferred:        make(map[string][]string),
	}, nil
}

// Pin keeps the payload file of key on disk until release is called, even
// if the entry is pruned, invalidated or rewritten meanwhile. Prune skips
// pinned keys.
func (s *Store) Pin(key string) (release func()) {
	s.pinMu.Lock()
	s.pins[key]++
	s.pinMu.Unlock()
	return sync.OnceFunc(func() { s.unpin(key) })
}

func (s *Store) unpin(key string) {
	s.pinMu.Lock()
	s.pins[key]--
	if s.pins[key] > 0 {
		s.pinMu.Unlock()
		return
	}
	delete(s.pins, key)
	files := s.deferred[key]
	delete(s.deferred, key)
	s.pinMu.Unlock()

	for _, rel := range files {
		s.removeFile(rel)
	}
}

// Pinned reports whether key is held by a running job.
func (s *Store) Pinned(key string) bool {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	return s.pins[key] > 0
}

// releaseFile deletes a payload file that no entry refers to anymore, or
// parks it until key is released.
func (s *Store) releaseFile(key, rel string) {
	s.pinMu.Lock()
	if s.pins[key] > 0 {
		s.deferred[key] = append(s.deferred[key], rel)
		s.pinMu.Unlock()
		return
	}
	s.pinMu.Unlock()
	s.removeFile(rel)
}

func (s *Store) removeFile(rel string) {
	if err := os.Remove(filepath.Join(s.root, rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.WithError(err).WithField("path", rel).Warn("failed to remove cache file")
	}
}

// Artifact is a verified cache hit.
type Artifact struct {
	Entry models.CacheEntry
	data  []byte
	path  string
}

// Path returns the absolute payload path, or "" for inline artifacts.
func (a *Artifact) Path() string {
	return a.path
}

// Bytes returns the payload.
func (a *Artifact) Bytes() ([]byte, error) {
	if a.path == "" {
		return a.data, nil
	}
	return os.ReadFile(a.path)
}

// WriteFile copies the payload to dst.
func (a *Artifact) WriteFile(dst string) error {
	if a.path == "" {
		return os.WriteFile(dst, a.data, 0644)
	}
	src, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ShardPath returns the shard location of key relative to the cache root.
func ShardPath(key string) string {
	return filepath.Join(key[0:2], key[2:4], key)
}

// payloadPath names a payload file by key and content, so a rewrite never
// replaces a file a reader may still be verifying.
func payloadPath(key, checksum string) string {
	return ShardPath(key) + "." + checksum[:16]
}

// ValidKey reports whether key is a lowercase hex digest usable as a file name.
func ValidKey(key string) bool {
	if len(key) < 4 || len(key) > 128 {
		return false
	}
	for _, c := range key {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Get returns the verified artifact for key, or nil on a miss. Expired,
// corrupt or dangling entries are removed and reported as misses.
func (s *Store) Get(ctx context.Context, key string) (*Artifact, error) {
	e, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}

	log := s.log.WithFields(logrus.Fields{"cache_key": key, "stage": e.Stage})

	if e.Expired(s.now()) {
		log.Debug("cache entry expired")
		s.remove(ctx, e)
		return nil, nil
	}

	art := &Artifact{Entry: *e}
	if e.IsInline() {
		if int64(len(e.Inline)) != e.SizeBytes || hashing.HashBytes(e.Inline) != e.Checksum {
			s.discardCorrupt(ctx, e, apperr.CacheCorruption("inline payload checksum mismatch", nil))
			return nil, nil
		}
		art.data = e.Inline
	} else {
		abs := filepath.Join(s.root, e.FilePath)
		sum, n, err := hashing.HashFileSize(abs)
		if err != nil {
			s.discardCorrupt(ctx, e, apperr.CacheCorruption("payload file unreadable", err))
			return nil, nil
		}
		if n != e.SizeBytes || sum != e.Checksum {
			s.discardCorrupt(ctx, e, apperr.CacheCorruption("payload file checksum mismatch", nil))
			return nil, nil
		}
		art.path = abs
	}

	if err := s.repo.Touch(ctx, key, s.now()); err != nil {
		log.WithError(err).Warn("failed to update cache access time")
	}
	return art, nil
}

// Put stores data under key. An existing entry is replaced only after the
// new payload is durable.
func (s *Store) Put(ctx context.Context, key string, stage models.Stage, data []byte, ttl time.Duration) (*models.CacheEntry, error) {
	if !ValidKey(key) {
		return nil, apperr.Validationf("invalid cache key %q", key)
	}
	if len(data) == 0 {
		return nil, apperr.Validationf("refusing to cache empty %s payload", stage)
	}
	if int64(len(data)) < s.inlineThreshold {
		return s.commit(ctx, s.newEntry(key, stage, ttl, int64(len(data)), hashing.HashBytes(data), data, ""))
	}
	return s.putStream(ctx, key, stage, bytes.NewReader(data), ttl)
}

// PutFile stores the contents of path under key, streaming large files.
func (s *Store) PutFile(ctx context.Context, key string, stage models.Stage, path string, ttl time.Duration) (*models.CacheEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() < s.inlineThreshold {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return s.Put(ctx, key, stage, data, ttl)
	}
	if !ValidKey(key) {
		return nil, apperr.Validationf("invalid cache key %q", key)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return s.putStream(ctx, key, stage, f, ttl)
}

// AbsPath returns the absolute payload path of a file-backed entry.
func (s *Store) AbsPath(e *models.CacheEntry) string {
	if e.IsInline() {
		return ""
	}
	return filepath.Join(s.root, e.FilePath)
}

func (s *Store) putStream(ctx context.Context, key string, stage models.Stage, r io.Reader, ttl time.Duration) (*models.CacheEntry, error) {
	dir := filepath.Join(s.root, filepath.Dir(ShardPath(key)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, key+".*"+tempSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	h := hashing.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to write cache payload: %w", err)
	}
	if n == 0 {
		cleanup()
		return nil, apperr.Validationf("refusing to cache empty %s payload", stage)
	}

	checksum := hashing.Sum(h)
	rel := payloadPath(key, checksum)
	abs := filepath.Join(s.root, rel)
	if err := os.Rename(tmpName, abs); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to publish cache payload: %w", err)
	}

	e, err := s.commit(ctx, s.newEntry(key, stage, ttl, n, checksum, nil, rel))
	if err != nil {
		// identical content may already be committed under the same name
		if cur, gerr := s.repo.Get(ctx, key); gerr != nil || cur == nil || cur.FilePath != rel {
			os.Remove(abs)
		}
		return nil, err
	}
	return e, nil
}

func (s *Store) newEntry(key string, stage models.Stage, ttl time.Duration, size int64, checksum string, inline []byte, rel string) *models.CacheEntry {
	now := s.now()
	e := &models.CacheEntry{
		Key:        key,
		Stage:      stage,
		Inline:     inline,
		FilePath:   rel,
		SizeBytes:  size,
		Checksum:   checksum,
		CreatedAt:  now,
		AccessedAt: now,
	}
	if ttl > 0 {
		e.ExpiresAt = models.Ptr(now.Add(ttl))
	}
	return e
}

func (s *Store) commit(ctx context.Context, e *models.CacheEntry) (*models.CacheEntry, error) {
	previous, err := s.repo.Upsert(ctx, e)
	if err != nil {
		return nil, err
	}
	if previous != "" && previous != e.FilePath {
		s.releaseFile(e.Key, previous)
	}
	return e, nil
}

// Invalidate removes key and its payload. It reports whether an entry existed.
func (s *Store) Invalidate(ctx context.Context, key string) (bool, error) {
	if !ValidKey(key) {
		return false, apperr.Validationf("invalid cache key %q", key)
	}
	e, err := s.repo.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	return s.removeEntry(ctx, e)
}

func (s *Store) discardCorrupt(ctx context.Context, e *models.CacheEntry, cause error) {
	s.log.WithFields(logrus.Fields{
		"cache_key": e.Key,
		"stage":     e.Stage,
	}).WithError(cause).Warn("discarding corrupt cache entry")
	metrics.RecordCacheCorruption(string(e.Stage))
	s.remove(ctx, e)
}

func (s *Store) remove(ctx context.Context, e *models.CacheEntry) {
	if _, err := s.removeEntry(ctx, e); err != nil {
		s.log.WithError(err).WithField("cache_key", e.Key).Warn("failed to remove cache entry")
	}
}

// removeEntry deletes e only if it has not been rewritten since it was read.
func (s *Store) removeEntry(ctx context.Context, e *models.CacheEntry) (bool, error) {
	removed, err := s.repo.DeleteIf(ctx, e.Key, e.Checksum)
	if err != nil {
		return false, err
	}
	if removed && !e.IsInline() {
		s.releaseFile(e.Key, e.FilePath)
	}
	return removed, nil
}

// PrunePolicy bounds the cache. Zero fields disable the corresponding rule.
type PrunePolicy struct {
	MaxAge   time.Duration `json:"max_age"`
	MaxBytes int64         `json:"max_bytes"`
}

// PruneResult summarizes a prune pass.
type PruneResult struct {
	Removed    int   `json:"removed"`
	FreedBytes int64 `json:"freed_bytes"`
	Remaining  int64 `json:"remaining_bytes"`
}

// Prune removes expired entries, then entries unused for longer than
// MaxAge, then least recently used entries until the total is within
// MaxBytes. Pinned entries are never removed.
func (s *Store) Prune(ctx context.Context, policy PrunePolicy) (PruneResult, error) {
	var res PruneResult

	entries, err := s.repo.ListLRU(ctx)
	if err != nil {
		return res, err
	}

	now := s.now()
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}

	drop := func(e *models.CacheEntry) error {
		removed, err := s.removeEntry(ctx, e)
		if err != nil {
			return err
		}
		if !removed {
			return nil
		}
		res.Removed++
		res.FreedBytes += e.SizeBytes
		total -= e.SizeBytes
		return nil
	}

	kept := make([]models.CacheEntry, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		if s.Pinned(e.Key) {
			continue
		}
		if e.Expired(now) || (policy.MaxAge > 0 && now.Sub(e.AccessedAt) > policy.MaxAge) {
			if err := drop(e); err != nil {
				return res, err
			}
			continue
		}
		kept = append(kept, *e)
	}

	if policy.MaxBytes > 0 {
		for i := range kept {
			if total <= policy.MaxBytes {
				break
			}
			if err := drop(&kept[i]); err != nil {
				return res, err
			}
		}
	}

	res.Remaining = total
	if res.Removed > 0 {
		s.log.WithFields(logrus.Fields{
			"removed":     res.Removed,
			"freed_bytes": res.FreedBytes,
		}).Info("cache pruned")
	}
	return res, nil
}

// SweepTemp deletes temp files left behind by interrupted writes.
func (s *Store) SweepTemp() (int, error) {
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), tempSuffix) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	if removed > 0 {
		s.log.WithField("files", removed).Info("removed leftover cache temp files")
	}
	return removed, err
}

// Stats returns per-stage totals.
func (s *Store) Stats(ctx context.Context) ([]models.CacheStageStats, error) {
	return s.repo.Stats(ctx)
}
