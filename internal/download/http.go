// Package download fetches remote media for the pipeline's download stage.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"scribe/internal/apperr"
	"scribe/internal/logging"
	"scribe/internal/models"
	"scribe/internal/pipeline"
)

// DefaultTimeout bounds a single media download.
const DefaultTimeout = 10 * time.Minute

// defaultExtension is used when a URL path carries no extension.
const defaultExtension = ".mp3"

// HTTP downloads direct media URLs.
type HTTP struct {
	client *http.Client
	dir    string
	log    logrus.FieldLogger
}

// HTTPOptions configures an HTTP downloader.
type HTTPOptions struct {
	// Dir receives downloaded files. Defaults to the OS temp dir.
	Dir     string
	Timeout time.Duration
	Client  *http.Client
	Logger  logrus.FieldLogger
}

// NewHTTP creates an HTTP downloader.
func NewHTTP(opts HTTPOptions) *HTTP {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	dir := opts.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	return &HTTP{client: client, dir: dir, log: logging.OrDiscard(opts.Logger)}
}

// Extension returns the media extension implied by a URL path, or an error
// when the path names a file type that is not accepted.
func Extension(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", apperr.Validationf("invalid URL: %s", rawURL)
	}
	ext := path.Ext(u.Path)
	if ext == "" {
		return defaultExtension, nil
	}
	if !models.HasAllowedExtension(ext) {
		return "", apperr.Validationf("unsupported file type %q in URL", ext)
	}
	return ext, nil
}

// Fetch implements pipeline.Downloader. quality is ignored for direct URLs.
func (h *HTTP) Fetch(ctx context.Context, rawURL, _ string, progress pipeline.ByteProgress) (*pipeline.Download, error) {
	ext, err := Extension(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperr.Validationf("invalid URL: %s", rawURL)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(h.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	tmp, err := os.CreateTemp(h.dir, "fetch-*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var dst io.Writer = tmp
	if progress != nil {
		dst = io.MultiWriter(tmp, &byteCounter{total: resp.ContentLength, report: progress})
	}
	n, err := io.Copy(dst, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, networkError(err)
	}
	if n == 0 {
		return nil, apperr.TransientIO(apperr.ReasonNetwork, "empty response body", nil)
	}

	final := tmp.Name()[:len(tmp.Name())-len(".part")] + ext
	if err := os.Rename(tmp.Name(), final); err != nil {
		return nil, fmt.Errorf("failed to finalize download: %w", err)
	}

	h.log.WithFields(logrus.Fields{"url": rawURL, "bytes": n}).Debug("fetched media")
	return &pipeline.Download{Path: final, Title: title(rawURL, resp.Header.Get("Content-Disposition")), Size: n}, nil
}

// byteCounter reports the running byte count of everything written through it.
type byteCounter struct {
	written int64
	total   int64
	report  pipeline.ByteProgress
}

func (c *byteCounter) Write(p []byte) (int, error) {
	c.written += int64(len(p))
	c.report(c.written, max(c.total, 0))
	return len(p), nil
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return apperr.TransientIO(apperr.ReasonRateLimited, fmt.Sprintf("HTTP %d", code), nil)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return apperr.TransientIO(apperr.ReasonRestricted, fmt.Sprintf("HTTP %d", code), nil)
	}
	return apperr.TransientIO(apperr.ReasonNetwork, fmt.Sprintf("failed to download from URL: HTTP %d", code), nil)
}

func networkError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return apperr.TransientIO(apperr.ReasonNetwork, "URL download timeout", err)
	}
	return apperr.TransientIO(apperr.ReasonNetwork, "failed to download from URL", err)
}

// title prefers the server supplied filename, then the last path element.
func title(rawURL, disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
			return filepath.Base(params["filename"])
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}
	return rawURL
}
