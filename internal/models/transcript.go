package models

// Segment は文字起こしの1区間（秒）
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Transcript は文字起こしステージの出力
type Transcript struct {
	Language string    `json:"language,omitempty"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// SpeakerTurn は話者分離の1区間
type SpeakerTurn struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Diarization は話者分離ステージの出力
type Diarization struct {
	Turns        []SpeakerTurn `json:"turns"`
	SpeakerCount int           `json:"speaker_count"`
}
