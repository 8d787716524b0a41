package hashing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytesKnownVector(t *testing.T) {
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		HashBytes([]byte("abc")))
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	data := []byte(strings.Repeat("audio-bytes", 10000))
	path := filepath.Join(t.TempDir(), "a.wav")
	require.NoError(t, os.WriteFile(path, data, 0644))

	sum, n, err := HashFileSize(path)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(data), sum)
	assert.Equal(t, int64(len(data)), n)
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestKeyDeterministic(t *testing.T) {
	two := 2
	a := Key("transcribe", "abc123", "whisper-base", "cpu")
	b := Key("transcribe", "abc123", "whisper-base", "cpu")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.Equal(t, Key("diarize", "h", &two, nil), Key("diarize", "h", 2, nil))
}

func TestKeyDistinguishesInputs(t *testing.T) {
	two := 2
	keys := []string{
		Key("ab", "c"),
		Key("a", "bc"),
		Key("abc"),
		Key("diarize", "h", nil, nil),
		Key("diarize", "h", &two, nil),
		Key("diarize", "h", nil, &two),
		Key("x", "2"),
		Key("x", 2),
		Key("x", true),
		Key("x", "true"),
	}
	seen := map[string]int{}
	for i, k := range keys {
		if j, ok := seen[k]; ok {
			t.Fatalf("key %d collides with key %d", i, j)
		}
		seen[k] = i
	}
}
