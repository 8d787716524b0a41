package format

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"scribe/internal/models"
)

// DefaultMinSegment drops aligned segments shorter than this from Markdown output.
const DefaultMinSegment = 0.5

// Markdown renders aligned segments with speaker headers. Output depends
// only on its inputs so identical runs produce identical bytes.
type Markdown struct {
	SpeakerCount int
	Duration     float64
	MinSegment   float64
}

// Format renders segments.
func (m Markdown) Format(segments []AlignedSegment) string {
	var b strings.Builder

	b.WriteString("# Transcript\n\n")
	fmt.Fprintf(&b, "**Speakers:** %d detected\n", m.SpeakerCount)
	fmt.Fprintf(&b, "**Duration:** %s\n", FormatDuration(m.Duration))
	b.WriteString("\n---\n\n")

	current := ""
	for _, seg := range segments {
		if seg.End-seg.Start < m.MinSegment {
			continue
		}
		label := SpeakerLabel(seg.Speaker)
		if label != current {
			if current != "" {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "### %s\n", label)
			current = label
		}
		fmt.Fprintf(&b, "[%s - %s]\n", FormatTimestamp(seg.Start), FormatTimestamp(seg.End))
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteString("\n")
	}
	return b.String()
}

// Plain renders a transcript without speakers. note adds the
// "speaker detection unavailable" marker used when diarization degraded.
func Plain(segments []models.Segment, note bool) string {
	var b strings.Builder
	b.WriteString("# Transcript\n\n")
	if note {
		b.WriteString("(Speaker detection unavailable)\n\n")
	}
	for _, seg := range segments {
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteString("\n")
	}
	return b.String()
}

// SpeakerLabel converts diarizer labels (SPEAKER_00) to display labels (Speaker 1).
func SpeakerLabel(speaker string) string {
	switch speaker {
	case SpeakerMultiple:
		return SpeakerMultiple
	case SpeakerUnknown:
		return "Unknown speaker"
	}
	if rest, ok := strings.CutPrefix(speaker, "SPEAKER_"); ok {
		if n, err := strconv.Atoi(rest); err == nil {
			return fmt.Sprintf("Speaker %d", n+1)
		}
	}
	return speaker
}

// FormatTimestamp formats seconds as MM:SS.d.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	tenths := int64(math.Round(seconds * 10))
	return fmt.Sprintf("%02d:%04.1f", tenths/600, float64(tenths%600)/10)
}

// FormatDuration formats seconds as M:SS.
func FormatDuration(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
