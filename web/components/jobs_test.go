package components

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/models"
)

func TestJobListEscapes(t *testing.T) {
	ok := false
	jobs := []models.Job{
		{
			ID:        "0123456789abcdef",
			Status:    models.JobStatusCompleted,
			Source:    models.Source{Kind: models.SourceUpload, Value: "/tmp/<script>.wav"},
			Options:   models.Options{Model: "whisper-base", Diarize: true},
			CreatedAt: time.Now(),

			DiarizationSucceeded: &ok,
			DiarizationError:     "auth_failed",
		},
		{
			ID:           "fedcba9876543210",
			Status:       models.JobStatusError,
			Source:       models.Source{Kind: models.SourceURL, Value: "https://example.com/a.mp3"},
			CreatedAt:    time.Now(),
			ErrorMessage: "URL download timeout",
		},
	}

	var buf bytes.Buffer
	require.NoError(t, JobList(jobs).Render(context.Background(), &buf))
	html := buf.String()

	assert.Contains(t, html, "&lt;script&gt;")
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, ">01234567</a>")
	assert.Contains(t, html, "speakers unavailable: auth_failed")
	assert.Contains(t, html, "URL download timeout")
	assert.Contains(t, html, "2 recent")
	assert.Contains(t, html, `<td data-status="error">error</td>`)
}

func TestJobListShowsStageAndProgress(t *testing.T) {
	two := 2
	jobs := []models.Job{
		{
			ID:           "abc",
			Status:       models.JobStatusProcessing,
			CurrentStage: models.StageDiarize,
			Progress:     70,
			Source:       models.Source{Kind: models.SourceURL, Value: "https://example.com/a.mp3"},
			CreatedAt:    time.Now(),
		},
		{
			ID:           "def",
			Status:       models.JobStatusCompleted,
			Progress:     100,
			Source:       models.Source{Kind: models.SourceURL, Value: "https://example.com/b.mp3"},
			CreatedAt:    time.Now(),
			SpeakerCount: &two,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, JobList(jobs).Render(context.Background(), &buf))
	html := buf.String()

	assert.Contains(t, html, ">processing (diarize)</td>")
	assert.Contains(t, html, "<td>70%</td>")
	assert.Contains(t, html, "2 speakers")
	assert.Contains(t, html, `href="/api/jobs/abc"`)
}

func TestJobListEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JobList(nil).Render(context.Background(), &buf))
	assert.Contains(t, buf.String(), "No jobs yet.")
}
