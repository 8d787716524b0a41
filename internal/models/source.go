package models

import (
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"scribe/internal/apperr"
)

// SourceKind は入力ソースの種類
type SourceKind string

// ソースタイプ
const (
	SourceUpload  SourceKind = "upload"
	SourceURL     SourceKind = "url"
	SourceYouTube SourceKind = "youtube"
)

// Source はジョブの入力（ローカルファイル、メディアURL、YouTube）
type Source struct {
	Kind  SourceKind `json:"kind"`
	Value string     `json:"value"`
}

// NeedsFetch はダウンロードステージが必要かどうかを返す
func (s Source) NeedsFetch() bool {
	return s.Kind == SourceURL || s.Kind == SourceYouTube
}

// Validate はソースを検証する
func (s Source) Validate() error {
	switch s.Kind {
	case SourceUpload, SourceURL, SourceYouTube:
	case "":
		return apperr.Validationf("source kind is required")
	default:
		return apperr.Validationf("unknown source kind: %q", s.Kind)
	}
	if strings.TrimSpace(s.Value) == "" {
		return apperr.Validationf("source value is required")
	}
	return nil
}

// AllowedExtensions は受け付ける音声・動画ファイルの拡張子
var AllowedExtensions = []string{".aac", ".flac", ".m4a", ".mp3", ".mp4", ".ogg", ".opus", ".wav", ".webm", ".wma"}

// HasAllowedExtension はファイル名の拡張子が許可されているかを返す
func HasAllowedExtension(name string) bool {
	return slices.Contains(AllowedExtensions, strings.ToLower(filepath.Ext(name)))
}

// Options はジョブ作成時に固定される処理オプション
type Options struct {
	Model       string `json:"model"`
	Diarize     bool   `json:"diarize"`
	MinSpeakers *int   `json:"min_speakers,omitempty"`
	MaxSpeakers *int   `json:"max_speakers,omitempty"`

	// 処理対象の区間（秒）
	StartTime *float64 `json:"start_time,omitempty"`
	EndTime   *float64 `json:"end_time,omitempty"`
}

// Range は処理対象の区間を返す
func (o Options) Range() TimeRange {
	return TimeRange{Start: o.StartTime, End: o.EndTime}
}

// Validate はオプションを検証する
func (o Options) Validate() error {
	if strings.TrimSpace(o.Model) == "" {
		return apperr.Validationf("model is required")
	}
	if o.MinSpeakers != nil && *o.MinSpeakers < 1 {
		return apperr.Validationf("min_speakers must be at least 1")
	}
	if o.MaxSpeakers != nil && *o.MaxSpeakers < 1 {
		return apperr.Validationf("max_speakers must be at least 1")
	}
	if o.MinSpeakers != nil && o.MaxSpeakers != nil && *o.MinSpeakers > *o.MaxSpeakers {
		return apperr.Validationf("min_speakers (%d) cannot be greater than max_speakers (%d)", *o.MinSpeakers, *o.MaxSpeakers)
	}
	return o.Range().Validate()
}

// TimeRange は音声の一部区間（秒）。nil は先頭または末尾まで
type TimeRange struct {
	Start *float64
	End   *float64
}

// NewTimeRange は開始・終了時刻と最大長（分）から区間を組み立てる
// maxMinutes は end と同時に指定できず、start（省略時は0）からの長さになる
func NewTimeRange(start, end *float64, maxMinutes *int) (TimeRange, error) {
	if maxMinutes != nil {
		if end != nil {
			return TimeRange{}, apperr.Validationf("max_duration cannot be used with end_time")
		}
		if *maxMinutes < 1 {
			return TimeRange{}, apperr.Validationf("max_duration must be at least 1 minute")
		}
		from := 0.0
		if start != nil {
			from = *start
		}
		end = Ptr(from + float64(*maxMinutes)*60)
	}
	r := TimeRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return TimeRange{}, err
	}
	return r, nil
}

// IsZero は区間指定がない（全体を処理する）かどうかを返す
func (r TimeRange) IsZero() bool {
	return r.Start == nil && r.End == nil
}

// Offset は区間の開始位置（秒）を返す
func (r TimeRange) Offset() float64 {
	if r.Start == nil {
		return 0
	}
	return *r.Start
}

// Validate は区間を検証する
func (r TimeRange) Validate() error {
	if r.Start != nil && *r.Start < 0 {
		return apperr.Validationf("start_time must be at least 0")
	}
	if r.End != nil && *r.End <= 0 {
		return apperr.Validationf("end_time must be greater than 0")
	}
	if r.Start != nil && r.End != nil && *r.Start >= *r.End {
		return apperr.Validationf("start_time must be less than end_time")
	}
	return nil
}

// String はキャッシュキー用の表現を返す（例: "30-90", "-600", "")
func (r TimeRange) String() string {
	if r.IsZero() {
		return ""
	}
	format := func(v *float64) string {
		if v == nil {
			return ""
		}
		return strconv.FormatFloat(*v, 'f', -1, 64)
	}
	return format(r.Start) + "-" + format(r.End)
}

// Ptr は値のポインタを返す
func Ptr[T any](v T) *T {
	return &v
}
