package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/apperr"
	"scribe/internal/pipeline"
)

func TestExtension(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"https://example.com/a/talk.mp3", ".mp3", false},
		{"https://example.com/talk.FLAC?sig=abc", ".FLAC", false},
		{"https://example.com/stream", ".mp3", false},
		{"https://example.com/notes.pdf", "", true},
	}
	for _, tt := range tests {
		got, err := Extension(tt.url)
		if tt.wantErr {
			assert.True(t, apperr.Is(err, apperr.KindValidation), tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got)
	}
}

func TestHTTPFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="episode 12.mp3"`)
		w.Write([]byte("ID3 fake mp3 payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	h := NewHTTP(HTTPOptions{Dir: dir})

	dl, err := h.Fetch(context.Background(), srv.URL+"/media/ep12.mp3", "best", nil)
	require.NoError(t, err)
	assert.Equal(t, "episode 12.mp3", dl.Title)
	assert.Equal(t, int64(len("ID3 fake mp3 payload")), dl.Size)
	assert.Equal(t, ".mp3", filepath.Ext(dl.Path))
	assert.Equal(t, dir, filepath.Dir(dl.Path))

	data, err := os.ReadFile(dl.Path)
	require.NoError(t, err)
	assert.Equal(t, "ID3 fake mp3 payload", string(data))

	parts, _ := filepath.Glob(filepath.Join(dir, "*.part"))
	assert.Empty(t, parts)
}

func TestHTTPFetchReportsProgress(t *testing.T) {
	payload := strings.Repeat("x", 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	var last, total int64
	calls := 0
	_, err := NewHTTP(HTTPOptions{Dir: t.TempDir()}).Fetch(context.Background(), srv.URL+"/a.mp3", "",
		func(written, size int64) {
			assert.GreaterOrEqual(t, written, last)
			last, total = written, size
			calls++
		})
	require.NoError(t, err)
	assert.Positive(t, calls)
	assert.Equal(t, int64(len(payload)), last)
	assert.Equal(t, int64(len(payload)), total)
}

func TestHTTPFetchStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		reason string
	}{
		{http.StatusTooManyRequests, apperr.ReasonRateLimited},
		{http.StatusForbidden, apperr.ReasonRestricted},
		{http.StatusUnauthorized, apperr.ReasonRestricted},
		{http.StatusNotFound, apperr.ReasonNetwork},
		{http.StatusBadGateway, apperr.ReasonNetwork},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			dir := t.TempDir()
			_, err := NewHTTP(HTTPOptions{Dir: dir}).Fetch(context.Background(), srv.URL+"/a.wav", "", nil)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindTransientIO))
			assert.Equal(t, tt.reason, apperr.ReasonOf(err))

			entries, _ := os.ReadDir(dir)
			assert.Empty(t, entries)
		})
	}
}

func TestHTTPFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := NewHTTP(HTTPOptions{Dir: t.TempDir(), Timeout: 50 * time.Millisecond})
	_, err := h.Fetch(context.Background(), srv.URL+"/slow.mp3", "", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.ReasonNetwork, apperr.ReasonOf(err))
	assert.True(t, strings.Contains(err.Error(), "timeout"), err.Error())
}

func TestHTTPFetchRejectsExtension(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := NewHTTP(HTTPOptions{Dir: t.TempDir()}).Fetch(context.Background(), srv.URL+"/doc.pdf", "", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.False(t, called)
}

type recorder struct{ urls []string }

func (r *recorder) Fetch(_ context.Context, url, _ string, _ pipeline.ByteProgress) (*pipeline.Download, error) {
	r.urls = append(r.urls, url)
	return &pipeline.Download{Path: "/tmp/x"}, nil
}

func TestRouter(t *testing.T) {
	yt, direct := &recorder{}, &recorder{}
	r := &Router{YouTube: yt, Direct: direct}
	ctx := context.Background()

	_, err := r.Fetch(ctx, "https://youtu.be/dQw4w9WgXcQ", "best", nil)
	require.NoError(t, err)
	_, err = r.Fetch(ctx, "https://example.com/a.mp3", "best", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://youtu.be/dQw4w9WgXcQ"}, yt.urls)
	assert.Equal(t, []string{"https://example.com/a.mp3"}, direct.urls)
}
