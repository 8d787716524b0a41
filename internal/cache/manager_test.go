package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/models"
)

func newTestManager(t *testing.T, threshold int64) (*Manager, *testStore) {
	t.Helper()
	s := newTestStore(t, threshold)
	m := NewManager(s.Store, ManagerOptions{WorkDir: filepath.Join(t.TempDir(), "work")})
	return m, s
}

func TestStageKeys(t *testing.T) {
	two, three := 2, 3

	assert.Equal(t, DownloadKey("https://x/a.mp3", "best"), DownloadKey("https://x/a.mp3", "best"))
	assert.NotEqual(t, DownloadKey("https://x/a.mp3", "best"), DownloadKey("https://x/a.mp3", "webm"))

	var whole models.TimeRange
	clip := models.TimeRange{Start: models.Ptr(30.0), End: models.Ptr(90.0)}

	assert.NotEqual(t, TranscribeKey("h", "whisper-base", "cpu", whole), TranscribeKey("h", "whisper-base", "cuda", whole))
	assert.NotEqual(t, TranscribeKey("h", "whisper-base", "cpu", whole), TranscribeKey("h", "sense-voice", "cpu", whole))
	assert.NotEqual(t, TranscribeKey("h", "whisper-base", "cpu", whole), TranscribeKey("h", "whisper-base", "cpu", clip))
	assert.Equal(t, TranscribeKey("h", "whisper-base", "cpu", clip),
		TranscribeKey("h", "whisper-base", "cpu", models.TimeRange{Start: models.Ptr(30.0), End: models.Ptr(90.0)}))

	assert.Equal(t, DiarizeKey("h", nil, nil, whole), DiarizeKey("h", nil, nil, whole))
	assert.NotEqual(t, DiarizeKey("h", &two, nil, whole), DiarizeKey("h", nil, &two, whole))
	assert.NotEqual(t, DiarizeKey("h", &two, &three, whole), DiarizeKey("h", &two, &two, whole))
	assert.NotEqual(t, DiarizeKey("h", nil, nil, whole), DiarizeKey("h", nil, nil, clip))

	// stages never share keys for the same inputs
	assert.NotEqual(t, TranscribeKey("h", "", "", whole), DiarizeKey("h", nil, nil, whole))
}

func TestTranscriptRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, 1024)
	ctx := context.Background()
	k := TranscribeKey("audiohash", "whisper-base", "cpu", models.TimeRange{})

	_, hit, err := m.GetTranscript(ctx, k)
	require.NoError(t, err)
	assert.False(t, hit)

	want := &models.Transcript{
		Language: "en",
		Duration: 4.2,
		Segments: []models.Segment{{Text: "hello there", Start: 0, End: 1.5}, {Text: "general", Start: 1.6, End: 4.2}},
	}
	require.NoError(t, m.PutTranscript(ctx, k, want))

	got, hit, err := m.GetTranscript(ctx, k)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want, got)
}

func TestUndecodableEntryIsMiss(t *testing.T) {
	m, s := newTestManager(t, 1024)
	ctx := context.Background()
	k := DiarizeKey("audiohash", nil, nil, models.TimeRange{})

	_, err := s.Put(ctx, k, models.StageDiarize, []byte("not json"), 0)
	require.NoError(t, err)

	_, hit, err := m.GetDiarization(ctx, k)
	require.NoError(t, err)
	assert.False(t, hit)

	row, err := s.repo.Get(ctx, k)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestDownloadLargeUsesCachedPath(t *testing.T) {
	m, s := newTestManager(t, 16)
	ctx := context.Background()
	k := DownloadKey("https://example.com/talk.mp3", "best")

	working := filepath.Join(t.TempDir(), "talk.mp3")
	require.NoError(t, os.WriteFile(working, bytes.Repeat([]byte("m"), 256), 0644))

	path, err := m.PutDownload(ctx, k, working)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, filepath.Join(s.root, ShardPath(k))+"."), path)
	_, err = os.Stat(working)
	assert.True(t, os.IsNotExist(err), "working copy replaced by the cached payload")

	got, hit, err := m.GetDownload(ctx, k)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, path, got)
}

func TestDownloadInlineMaterialized(t *testing.T) {
	m, _ := newTestManager(t, 1024)
	ctx := context.Background()
	k := DownloadKey("https://example.com/short.ogg", "best")

	working := filepath.Join(t.TempDir(), "short.ogg")
	require.NoError(t, os.WriteFile(working, []byte("OggS-tiny"), 0644))

	path, err := m.PutDownload(ctx, k, working)
	require.NoError(t, err)
	assert.Equal(t, working, path)

	got, hit, err := m.GetDownload(ctx, k)
	require.NoError(t, err)
	require.True(t, hit)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "OggS-tiny", string(data))
}
