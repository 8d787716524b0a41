package asr

import (
	"strings"
	"unicode"

	"scribe/internal/models"
)

// Token is a recognized unit (word piece or character) with its timing.
type Token struct {
	Text     string
	Start    float64
	Duration float64
}

// End returns the token end time in seconds.
func (t Token) End() float64 {
	return t.Start + t.Duration
}

// Segmentation limits used when grouping tokens into segments.
const (
	maxSegmentSeconds = 15.0
	maxTokenGap       = 1.0
)

// extractTokensWithOffset pairs token texts with timestamps and durations
// and shifts them by the chunk offset.
func extractTokensWithOffset(texts []string, timestamps, durations []float32, offset float64) []Token {
	tokens := make([]Token, 0, len(texts))
	for i, text := range texts {
		if text == "" {
			continue
		}
		tok := Token{Text: text, Start: offset}
		if i < len(timestamps) {
			tok.Start = float64(timestamps[i]) + offset
		}
		if i < len(durations) {
			tok.Duration = float64(durations[i])
		} else if i+1 < len(timestamps) {
			tok.Duration = float64(timestamps[i+1] - timestamps[i])
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// distributeTimestamps spreads tokens uniformly across [start, end) for
// models that report text without timing.
func distributeTimestamps(texts []string, start, end float64) []Token {
	var valid []string
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 || end <= start {
		return nil
	}

	step := (end - start) / float64(len(valid))
	tokens := make([]Token, len(valid))
	for i, t := range valid {
		tokens[i] = Token{Text: t, Start: start + float64(i)*step, Duration: step}
	}
	return tokens
}

// tokensToSegments groups tokens into sentence-like segments. A segment ends
// at terminal punctuation, at a pause longer than maxTokenGap, or when it
// would exceed maxSegmentSeconds.
func tokensToSegments(tokens []Token) []models.Segment {
	var (
		segments []models.Segment
		text     strings.Builder
		start    float64
		end      float64
		open     bool
	)

	flush := func() {
		if !open {
			return
		}
		if s := strings.TrimSpace(text.String()); s != "" {
			segments = append(segments, models.Segment{Text: s, Start: start, End: end})
		}
		text.Reset()
		open = false
	}

	for _, tok := range tokens {
		if open && (tok.Start-end > maxTokenGap || tok.End()-start > maxSegmentSeconds) {
			flush()
		}
		if !open {
			start, end = tok.Start, tok.End()
			open = true
		}
		text.WriteString(tok.Text)
		end = max(end, tok.End())
		if endsSentence(tok.Text) {
			flush()
		}
	}
	flush()
	return segments
}

func endsSentence(s string) bool {
	s = strings.TrimRightFunc(s, unicode.IsSpace)
	if s == "" {
		return false
	}
	switch r := []rune(s); r[len(r)-1] {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}
