package storage

import (
	"errors"
	"fmt"

	"scribe/internal/apperr"
	"scribe/internal/models"
)

// ErrJobNotFound はジョブが存在しない
var ErrJobNotFound = apperr.NotFoundf("job not found")

// OrphanedJobMessage は再起動で中断されたジョブに設定するエラーメッセージ
const OrphanedJobMessage = "interrupted by restart"

// CancelledJobMessage はユーザーがキャンセルしたジョブのエラーメッセージ
const CancelledJobMessage = "cancelled by user"

// 許可される状態遷移
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusQueued:      {models.JobStatusDownloading, models.JobStatusProcessing, models.JobStatusError},
	models.JobStatusDownloading: {models.JobStatusProcessing, models.JobStatusError},
	models.JobStatusProcessing:  {models.JobStatusCompleted, models.JobStatusError},
}

// CanTransition は from から to への遷移が許可されているかを返す
func CanTransition(from, to models.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError は不正な状態遷移
type InvalidTransitionError struct {
	ID   string
	From models.JobStatus
	To   models.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for job %s: %s -> %s", e.ID, e.From, e.To)
}

// Unwrap は apperr の種別として扱えるようにする
func (e *InvalidTransitionError) Unwrap() error {
	return apperr.New(apperr.KindInvalidTransition, "", e.Error(), nil)
}

// IsInvalidTransition は err が不正な状態遷移かどうかを返す
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}
