package models

import "time"

// JobStatus はジョブの状態
type JobStatus string

// ジョブステータス
const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusProcessing  JobStatus = "processing"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusError       JobStatus = "error"
)

// AllJobStatuses は全ステータス（表示順）
var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusDownloading,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusError,
}

// Valid は既知のステータスかどうかを返す
func (s JobStatus) Valid() bool {
	for _, st := range AllJobStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// IsTerminal は終了状態かどうかを返す
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// IsInFlight はワーカーが処理中の状態かどうかを返す
func (s JobStatus) IsInFlight() bool {
	return s == JobStatusDownloading || s == JobStatusProcessing
}

// Stage はパイプラインの処理段階
type Stage string

// パイプラインステージ
const (
	StageDownload   Stage = "download"
	StageTranscribe Stage = "transcribe"
	StageDiarize    Stage = "diarize"
	StageFormat     Stage = "format"
)

// Job は文字起こしジョブ
type Job struct {
	ID      string    `json:"id"`
	Status  JobStatus `json:"status"`
	Source  Source    `json:"source"`
	Options Options   `json:"options"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	// 進捗
	CurrentStage     Stage  `json:"current_stage,omitempty"`
	Progress         int    `json:"progress"`
	PhaseProgress    int    `json:"progress_phase_pct"`
	DownloadProgress *int   `json:"download_progress,omitempty"`
	AudioPath        string `json:"audio_path,omitempty"`

	// 結果
	ResultText           string `json:"result_text,omitempty"`
	ErrorMessage         string `json:"error_message,omitempty"`
	DetectedLanguage     string `json:"detected_language,omitempty"`
	DiarizationSucceeded *bool  `json:"diarization_succeeded,omitempty"`
	DiarizationError     string `json:"diarization_error,omitempty"`
	SpeakerCount         *int   `json:"speaker_count,omitempty"`
}

// Degraded は話者分離が要求されたが失敗したかどうかを返す
func (j *Job) Degraded() bool {
	return j.Options.Diarize && j.DiarizationSucceeded != nil && !*j.DiarizationSucceeded
}

// Progress は実行中ジョブの進捗（いずれも 0-100）
type Progress struct {
	Stage   Stage
	Overall int
	Phase   int
}

// Completion はジョブ完了時に保存する結果
type Completion struct {
	Text                 string
	Language             string
	DiarizationSucceeded *bool
	DiarizationError     string
	SpeakerCount         *int
}
