// Package format turns transcripts and speaker turns into the final text.
package format

import (
	"sort"
	"strings"

	"scribe/internal/models"
)

// Speaker labels produced by Align besides the diarizer's own labels.
const (
	SpeakerUnknown  = "UNKNOWN"
	SpeakerMultiple = "Multiple speakers"
)

// overlapThreshold is how long two speakers must talk over each other
// inside one segment before the segment is attributed to both.
const overlapThreshold = 0.5

// AlignedSegment is a transcript segment attributed to a speaker.
type AlignedSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
}

type speakerSpan struct {
	speaker    string
	start, end float64
}

// Align assigns speakers to transcript segments by temporal intersection.
// A segment spanning sequential speakers is split with its words
// distributed in proportion to each speaker's share of the segment.
func Align(segments []models.Segment, d *models.Diarization) []AlignedSegment {
	aligned := make([]AlignedSegment, 0, len(segments))

	if d == nil || d.SpeakerCount == 1 {
		speaker := SpeakerUnknown
		if d != nil && len(d.Turns) > 0 {
			speaker = d.Turns[0].Speaker
		}
		for _, seg := range segments {
			aligned = append(aligned, AlignedSegment{Start: seg.Start, End: seg.End, Speaker: speaker, Text: seg.Text})
		}
		return aligned
	}

	for _, seg := range segments {
		spans := speakersInRange(seg.Start, seg.End, d.Turns)

		switch {
		case len(spans) == 0:
			aligned = append(aligned, AlignedSegment{Start: seg.Start, End: seg.End, Speaker: SpeakerUnknown, Text: seg.Text})
		case len(spans) == 1:
			aligned = append(aligned, AlignedSegment{Start: seg.Start, End: seg.End, Speaker: spans[0].speaker, Text: seg.Text})
		case overlapping(spans):
			aligned = append(aligned, AlignedSegment{Start: seg.Start, End: seg.End, Speaker: SpeakerMultiple, Text: seg.Text})
		default:
			aligned = append(aligned, split(seg, spans)...)
		}
	}
	return aligned
}

func intersection(aStart, aEnd, bStart, bEnd float64) float64 {
	start := max(aStart, bStart)
	end := min(aEnd, bEnd)
	if start < end {
		return end - start
	}
	return 0
}

func speakersInRange(start, end float64, turns []models.SpeakerTurn) []speakerSpan {
	var spans []speakerSpan
	for _, t := range turns {
		if intersection(start, end, t.Start, t.End) > 0 {
			spans = append(spans, speakerSpan{
				speaker: t.Speaker,
				start:   max(start, t.Start),
				end:     min(end, t.End),
			})
		}
	}
	return spans
}

func overlapping(spans []speakerSpan) bool {
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if intersection(spans[i].start, spans[i].end, spans[j].start, spans[j].end) > overlapThreshold {
				return true
			}
		}
	}
	return false
}

func split(seg models.Segment, spans []speakerSpan) []AlignedSegment {
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	words := strings.Fields(seg.Text)
	total := seg.End - seg.Start
	var out []AlignedSegment
	idx := 0

	for i, sp := range spans {
		var part []string
		if i == len(spans)-1 {
			part = words[idx:]
		} else {
			proportion := 0.0
			if total > 0 {
				proportion = (sp.end - sp.start) / total
			}
			n := max(1, int(float64(len(words))*proportion))
			end := min(idx+n, len(words))
			part = words[idx:end]
			idx = end
		}
		if len(part) > 0 {
			out = append(out, AlignedSegment{Start: sp.start, End: sp.end, Speaker: sp.speaker, Text: strings.Join(part, " ")})
		}
	}
	return out
}
