package format

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"scribe/internal/models"
)

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "00:05.2", FormatTimestamp(5.2))
	assert.Equal(t, "01:05.7", FormatTimestamp(65.7))
	assert.Equal(t, "00:00.0", FormatTimestamp(0))
	assert.Equal(t, "61:01.5", FormatTimestamp(3661.5))
	assert.Equal(t, "01:00.0", FormatTimestamp(59.97))
}

func TestSpeakerLabel(t *testing.T) {
	assert.Equal(t, "Speaker 1", SpeakerLabel("SPEAKER_00"))
	assert.Equal(t, "Speaker 12", SpeakerLabel("SPEAKER_11"))
	assert.Equal(t, "Multiple speakers", SpeakerLabel(SpeakerMultiple))
	assert.Equal(t, "Unknown speaker", SpeakerLabel(SpeakerUnknown))
	assert.Equal(t, "SPEAKER_x", SpeakerLabel("SPEAKER_x"))
}

func TestMarkdownFormat(t *testing.T) {
	segs := []AlignedSegment{
		{Start: 0, End: 2.5, Speaker: "SPEAKER_00", Text: "Hi there."},
		{Start: 2.5, End: 4, Speaker: "SPEAKER_00", Text: "How are you?"},
		{Start: 4, End: 4.2, Speaker: "SPEAKER_01", Text: "um"},
		{Start: 4.2, End: 6.1, Speaker: "SPEAKER_01", Text: "Fine, thanks."},
	}

	got := Markdown{SpeakerCount: 2, Duration: 125.9, MinSegment: DefaultMinSegment}.Format(segs)

	want := "# Transcript\n\n" +
		"**Speakers:** 2 detected\n" +
		"**Duration:** 2:05\n" +
		"\n---\n\n" +
		"### Speaker 1\n" +
		"[00:00.0 - 00:02.5]\nHi there.\n" +
		"[00:02.5 - 00:04.0]\nHow are you?\n" +
		"\n### Speaker 2\n" +
		"[00:04.2 - 00:06.1]\nFine, thanks.\n"
	assert.Equal(t, want, got)
}

func TestPlain(t *testing.T) {
	segs := []models.Segment{{Text: " first line ", Start: 0, End: 1}, {Text: "second", Start: 1, End: 2}}

	assert.Equal(t, "# Transcript\n\nfirst line\nsecond\n", Plain(segs, false))
	assert.Equal(t, "# Transcript\n\n(Speaker detection unavailable)\n\nfirst line\nsecond\n", Plain(segs, true))
}
