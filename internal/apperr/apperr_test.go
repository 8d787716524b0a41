package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := TransientIO(ReasonRateLimited, "download throttled", errors.New("HTTP 429"))
	wrapped := fmt.Errorf("fetch stage: %w", base)

	assert.Equal(t, KindTransientIO, KindOf(wrapped))
	assert.Equal(t, ReasonRateLimited, ReasonOf(wrapped))
	assert.True(t, Is(wrapped, KindTransientIO))
	assert.False(t, Is(wrapped, KindEngine))
}

func TestKindOfPlainError(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, Kind(""), KindOf(err))
	assert.Equal(t, "", ReasonOf(err))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("model.onnx missing")
	err := Engine(ReasonUnavailable, "diarization model not loaded", cause)

	assert.Equal(t, "diarization model not loaded: model.onnx missing", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "source is required", Validationf("source is required").Error())
}
