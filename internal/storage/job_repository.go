package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"scribe/internal/models"
)

// JobRepository はジョブのデータアクセス層
type JobRepository struct {
	db  *DB
	now func() time.Time
}

// NewJobRepository は新しいJobRepositoryを作成
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db, now: time.Now}
}

const jobColumns = `id, status, source_kind, source_value, model, diarize, min_speakers, max_speakers,
	start_time, end_time, progress, progress_phase_pct, download_progress,
	audio_path, current_stage, created_at, started_at, completed_at, heartbeat_at,
	result_text, error_message, detected_language, diarization_succeeded, diarization_error, speaker_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                                 models.Job
		diarize                             bool
		minSpk, maxSpk, speakerCount        sql.NullInt64
		startTime, endTime                  sql.NullFloat64
		downloadProgress                    sql.NullInt64
		audioPath, stage, result, errMsg    sql.NullString
		lang, diarizationErr                sql.NullString
		createdAt                           int64
		startedAt, completedAt, heartbeatAt sql.NullInt64
		diarizationOK                       sql.NullBool
	)
	err := row.Scan(
		&job.ID, &job.Status, &job.Source.Kind, &job.Source.Value, &job.Options.Model, &diarize, &minSpk, &maxSpk,
		&startTime, &endTime, &job.Progress, &job.PhaseProgress, &downloadProgress,
		&audioPath, &stage, &createdAt, &startedAt, &completedAt, &heartbeatAt,
		&result, &errMsg, &lang, &diarizationOK, &diarizationErr, &speakerCount,
	)
	if err != nil {
		return nil, err
	}

	job.Options.Diarize = diarize
	job.Options.MinSpeakers = intPtr(minSpk)
	job.Options.MaxSpeakers = intPtr(maxSpk)
	job.Options.StartTime = floatPtr(startTime)
	job.Options.EndTime = floatPtr(endTime)
	job.DownloadProgress = intPtr(downloadProgress)
	job.AudioPath = audioPath.String
	job.CurrentStage = models.Stage(stage.String)
	job.CreatedAt = time.UnixMilli(createdAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.HeartbeatAt = timePtr(heartbeatAt)
	job.ResultText = result.String
	job.ErrorMessage = errMsg.String
	job.DetectedLanguage = lang.String
	if diarizationOK.Valid {
		job.DiarizationSucceeded = models.Ptr(diarizationOK.Bool)
	}
	job.DiarizationError = diarizationErr.String
	job.SpeakerCount = intPtr(speakerCount)
	return &job, nil
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	return models.Ptr(int(v.Int64))
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return models.Ptr(v.Float64)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return models.Ptr(time.UnixMilli(v.Int64))
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Create は新しいジョブをキューに追加
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if err := job.Source.Validate(); err != nil {
		return err
	}
	if err := job.Options.Validate(); err != nil {
		return err
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = models.JobStatusQueued
	job.CreatedAt = time.UnixMilli(r.now().UnixMilli())

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, source_kind, source_value, model, diarize, min_speakers, max_speakers,
		                  start_time, end_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), string(job.Source.Kind), job.Source.Value, job.Options.Model, job.Options.Diarize,
		nullInt(job.Options.MinSpeakers), nullInt(job.Options.MaxSpeakers),
		nullFloat(job.Options.StartTime), nullFloat(job.Options.EndTime), job.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByID はIDでジョブを取得
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ClaimNextPending は最も古いキュー済みジョブを取得して処理中にする
// 他に処理中のジョブがある場合は何も取得しない（nil, nil）
func (r *JobRepository) ClaimNextPending(ctx context.Context) (*models.Job, error) {
	now := r.now().UnixMilli()
	job, err := scanJob(r.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = CASE source_kind WHEN 'upload' THEN 'processing' ELSE 'downloading' END,
		    current_stage = CASE source_kind WHEN 'upload' THEN 'transcribe' ELSE 'download' END,
		    started_at = ?,
		    heartbeat_at = ?
		WHERE id = (
		        SELECT id FROM jobs
		        WHERE status = 'queued'
		        ORDER BY created_at ASC, rowid ASC
		        LIMIT 1
		    )
		  AND NOT EXISTS (
		        SELECT 1 FROM jobs WHERE status IN ('downloading', 'processing')
		    )
		RETURNING `+jobColumns,
		now, now,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// UpdateStatus は処理中の状態を変更し、ハートビートを更新する
// 終了状態への遷移は Complete / Fail / Cancel を使う
func (r *JobRepository) UpdateStatus(ctx context.Context, id string, status models.JobStatus) error {
	if status.IsTerminal() || status == models.JobStatusQueued {
		current, err := r.currentStatus(ctx, id)
		if err != nil {
			return err
		}
		return &InvalidTransitionError{ID: id, From: current, To: status}
	}

	now := r.now().UnixMilli()
	stage := models.StageDownload
	if status == models.JobStatusProcessing {
		stage = models.StageTranscribe
	}
	return r.transition(ctx, id, status, fromStates(status),
		`heartbeat_at = ?, current_stage = ?`, now, string(stage))
}

// Heartbeat は処理中ジョブの生存時刻と現在のステージを更新する
func (r *JobRepository) Heartbeat(ctx context.Context, id string, stage models.Stage) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET heartbeat_at = ?, current_stage = COALESCE(?, current_stage)
		WHERE id = ? AND status IN ('downloading', 'processing')`,
		r.now().UnixMilli(), nullString(string(stage)), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := r.currentStatus(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s is not in flight (status %s)", id, current)
	}
	return nil
}

// SetAudioPath はダウンロード済み音声のパスを記録する
func (r *JobRepository) SetAudioPath(ctx context.Context, id, path string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET audio_path = ? WHERE id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("failed to set audio path: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetProgress は処理中ジョブの進捗を記録する
// ダウンロード中はフェーズ進捗を download_progress にも反映する
func (r *JobRepository) SetProgress(ctx context.Context, id string, p models.Progress) error {
	overall := min(max(p.Overall, 0), 100)
	phase := min(max(p.Phase, 0), 100)
	var download any
	if p.Stage == models.StageDownload {
		download = int64(phase)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress = MAX(progress, ?), progress_phase_pct = ?,
		    download_progress = COALESCE(?, download_progress)
		WHERE id = ? AND status IN ('downloading', 'processing')`,
		overall, phase, download, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := r.currentStatus(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s is not in flight (status %s)", id, current)
	}
	return nil
}

// Complete はジョブを完了状態にする
func (r *JobRepository) Complete(ctx context.Context, id string, c models.Completion) error {
	now := r.now().UnixMilli()
	var diarizationOK any
	if c.DiarizationSucceeded != nil {
		diarizationOK = *c.DiarizationSucceeded
	}
	return r.transition(ctx, id, models.JobStatusCompleted,
		[]models.JobStatus{models.JobStatusProcessing},
		`completed_at = ?, heartbeat_at = ?, current_stage = NULL, result_text = ?, error_message = NULL,
		 progress = 100, progress_phase_pct = 100,
		 detected_language = ?, diarization_succeeded = ?, diarization_error = ?, speaker_count = ?`,
		now, now, c.Text, nullString(c.Language), diarizationOK, nullString(c.DiarizationError), nullInt(c.SpeakerCount),
	)
}

// Fail はジョブを失敗状態にする
func (r *JobRepository) Fail(ctx context.Context, id string, message string) error {
	if message == "" {
		message = "unknown error"
	}
	now := r.now().UnixMilli()
	return r.transition(ctx, id, models.JobStatusError,
		[]models.JobStatus{models.JobStatusDownloading, models.JobStatusProcessing},
		`completed_at = ?, heartbeat_at = ?, current_stage = NULL, result_text = NULL, error_message = ?`,
		now, now, message,
	)
}

// Cancel はキュー済みのジョブをキャンセルする
func (r *JobRepository) Cancel(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.JobStatusError,
		[]models.JobStatus{models.JobStatusQueued},
		`completed_at = ?, error_message = ?`,
		r.now().UnixMilli(), CancelledJobMessage,
	)
}

// RecoverOrphans はハートビートが staleAfter 以上途絶えたジョブを失敗にする
// キュー済みジョブはハートビートを持たないため対象外
func (r *JobRepository) RecoverOrphans(ctx context.Context, staleAfter time.Duration) (int64, error) {
	now := r.now()
	cutoff := now.Add(-staleAfter).UnixMilli()
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'error', error_message = ?, result_text = NULL, completed_at = ?, current_stage = NULL
		WHERE status IN ('queued', 'downloading', 'processing')
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < ?`,
		OrphanedJobMessage, now.UnixMilli(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}
	return res.RowsAffected()
}

// ListRecent は最近のジョブ一覧を取得
func (r *JobRepository) ListRecent(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

// ListByStatus はステータスでジョブ一覧を取得（作成順）
func (r *JobRepository) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`, string(status), limit)
}

// CountByStatus はステータスごとのジョブ数を取得
func (r *JobRepository) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int64, len(models.AllJobStatuses))
	for _, s := range models.AllJobStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status models.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *JobRepository) list(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// transition は from のいずれかの状態にある場合のみ to へ遷移させる
func (r *JobRepository) transition(ctx context.Context, id string, to models.JobStatus, from []models.JobStatus, set string, args ...any) error {
	placeholders := make([]string, len(from))
	params := make([]any, 0, len(args)+len(from)+2)
	params = append(params, string(to))
	params = append(params, args...)
	params = append(params, id)
	for i, s := range from {
		placeholders[i] = "?"
		params = append(params, string(s))
	}

	query := `UPDATE jobs SET status = ?, ` + set +
		` WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`
	res, err := r.db.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("failed to update job %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := r.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	return &InvalidTransitionError{ID: id, From: current, To: to}
}

func (r *JobRepository) currentStatus(ctx context.Context, id string) (models.JobStatus, error) {
	var status models.JobStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return status, nil
}

// fromStates は to へ遷移できる状態の一覧
func fromStates(to models.JobStatus) []models.JobStatus {
	var out []models.JobStatus
	for _, from := range models.AllJobStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
