package handlers

import (
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"scribe/internal/apperr"
	"scribe/internal/ingestion"
	"scribe/internal/models"
	"scribe/internal/storage"
	"scribe/internal/youtube"
	"scribe/web/components"
)

var (
	errExactlyOneSource = apperr.Validationf("exactly one of url, youtube_url or path is required")
	errNotYouTube       = apperr.Validationf("youtube_url is not a YouTube video link")
	errPathDisabled     = apperr.Validationf("path is not accepted by this server; upload the file instead")
	errPathOutsideRoot  = apperr.Validationf("path must be inside the upload directory")
)

// JobDefaults はリクエストで省略されたオプションの既定値
type JobDefaults struct {
	Model       string
	Diarize     bool
	MinSpeakers *int
	MaxSpeakers *int
}

// JobHandler はジョブAPIのハンドラー
type JobHandler struct {
	svc      *ingestion.Service
	repo     *storage.JobRepository
	defaults JobDefaults
	pathRoot string
	validate *validator.Validate
}

// NewJobHandler は新しいJobHandlerを作成
// path 指定のジョブは pathRoot 配下のファイルに限る。空なら path を受け付けない
func NewJobHandler(svc *ingestion.Service, repo *storage.JobRepository, defaults JobDefaults, pathRoot string) *JobHandler {
	return &JobHandler{
		svc:      svc,
		repo:     repo,
		defaults: defaults,
		pathRoot: pathRoot,
		validate: validator.New(),
	}
}

// CreateJobRequest はジョブ作成リクエスト
// url, youtube_url, path のいずれか1つを指定する
type CreateJobRequest struct {
	URL         string `json:"url" validate:"omitempty,url"`
	YouTubeURL  string `json:"youtube_url" validate:"omitempty,url"`
	Path        string `json:"path"`
	Model       string `json:"model" validate:"omitempty,max=128"`
	Diarize     *bool  `json:"diarize"`
	MinSpeakers *int   `json:"min_speakers" validate:"omitempty,min=1,max=32"`
	MaxSpeakers *int   `json:"max_speakers" validate:"omitempty,min=1,max=32"`

	// 処理区間。max_duration は分単位で end_time と併用できない
	StartTime   *float64 `json:"start_time" validate:"omitempty,min=0"`
	EndTime     *float64 `json:"end_time" validate:"omitempty,gt=0"`
	MaxDuration *int     `json:"max_duration" validate:"omitempty,min=1"`
}

// CreateJobResponse はジョブ作成レスポンス
type CreateJobResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

func (r *CreateJobRequest) source(pathRoot string) (models.Source, error) {
	n := 0
	for _, v := range []string{r.URL, r.YouTubeURL, r.Path} {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	if n != 1 {
		return models.Source{}, errExactlyOneSource
	}
	switch {
	case r.YouTubeURL != "":
		if !youtube.IsYouTubeURL(r.YouTubeURL) {
			return models.Source{}, errNotYouTube
		}
		return models.Source{Kind: models.SourceYouTube, Value: r.YouTubeURL}, nil
	case r.URL != "":
		return ingestion.ClassifySource(r.URL)
	default:
		path, err := resolvePath(pathRoot, r.Path)
		if err != nil {
			return models.Source{}, err
		}
		return models.Source{Kind: models.SourceUpload, Value: path}, nil
	}
}

// resolvePath は path を root 配下の絶対パスに解決する
// 相対パスは root からの相対とみなす。シンボリックリンクは解決してから判定する
func resolvePath(root, path string) (string, error) {
	if root == "" {
		return "", errPathDisabled
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", errPathDisabled
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
		if realRoot, err := filepath.EvalSymlinks(root); err == nil {
			root = realRoot
		}
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errPathOutsideRoot
	}
	return path, nil
}

// options は既定値を補ったジョブオプションを返す
func (h *JobHandler) options(model string, diarize *bool, minSpk, maxSpk *int, rng models.TimeRange) models.Options {
	opts := models.Options{
		Model:       h.defaults.Model,
		Diarize:     h.defaults.Diarize,
		MinSpeakers: h.defaults.MinSpeakers,
		MaxSpeakers: h.defaults.MaxSpeakers,
		StartTime:   rng.Start,
		EndTime:     rng.End,
	}
	if model != "" {
		opts.Model = model
	}
	if diarize != nil {
		opts.Diarize = *diarize
	}
	if minSpk != nil {
		opts.MinSpeakers = minSpk
	}
	if maxSpk != nil {
		opts.MaxSpeakers = maxSpk
	}
	return opts
}

// Create はURLまたはサーバー上のファイルからジョブを作成
// POST /api/jobs
func (h *JobHandler) Create(c echo.Context) error {
	var req CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(&req); err != nil {
		return badRequest(c, "%s", validationMessage(err))
	}
	src, err := req.source(h.pathRoot)
	if err != nil {
		return respondError(c, err)
	}
	rng, err := models.NewTimeRange(req.StartTime, req.EndTime, req.MaxDuration)
	if err != nil {
		return respondError(c, err)
	}

	job, err := h.svc.Submit(c.Request().Context(), src, h.options(req.Model, req.Diarize, req.MinSpeakers, req.MaxSpeakers, rng))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, CreateJobResponse{JobID: job.ID, Status: job.Status})
}

// Upload は音声ファイルのアップロードからジョブを作成
// POST /api/jobs/upload (multipart: file, model, diarize, min_speakers, max_speakers,
// start_time, end_time, max_duration)
func (h *JobHandler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "file is required")
	}

	var diarize *bool
	if v := c.FormValue("diarize"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "diarize must be a boolean")
		}
		diarize = &b
	}
	minSpk, err := formInt(c, "min_speakers")
	if err != nil {
		return respondError(c, err)
	}
	maxSpk, err := formInt(c, "max_speakers")
	if err != nil {
		return respondError(c, err)
	}
	rng, err := formRange(c)
	if err != nil {
		return respondError(c, err)
	}

	f, err := fh.Open()
	if err != nil {
		return badRequest(c, "failed to read upload")
	}
	defer f.Close()

	opts := h.options(c.FormValue("model"), diarize, minSpk, maxSpk, rng)
	job, err := h.svc.SubmitUpload(c.Request().Context(), fh.Filename, f, opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, CreateJobResponse{JobID: job.ID, Status: job.Status})
}

// List はジョブ一覧を取得
// GET /api/jobs?status=&limit=
func (h *JobHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}
		limit = min(parsed, 500)
	}

	var (
		jobs []models.Job
		err  error
	)
	if s := c.QueryParam("status"); s != "" {
		status := models.JobStatus(s)
		if !status.Valid() {
			return badRequest(c, "unknown status: %s", s)
		}
		jobs, err = h.repo.ListByStatus(ctx, status, limit)
	} else {
		jobs, err = h.repo.ListRecent(ctx, limit)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, jobs)
}

// Get はジョブを取得
// GET /api/jobs/:id
func (h *JobHandler) Get(c echo.Context) error {
	job, err := h.repo.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	if job == nil {
		return respondError(c, storage.ErrJobNotFound)
	}
	return c.JSON(http.StatusOK, job)
}

// Stats はステータスごとのジョブ数を取得
// GET /api/jobs/stats
func (h *JobHandler) Stats(c echo.Context) error {
	counts, err := h.repo.CountByStatus(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, counts)
}

// Cancel はキュー済みのジョブをキャンセル
// DELETE /api/jobs/:id
func (h *JobHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.repo.Cancel(ctx, id); err != nil {
		return respondError(c, err)
	}
	job, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// ListPage はジョブ一覧ページを表示
// GET /jobs
func (h *JobHandler) ListPage(c echo.Context) error {
	jobs, err := h.repo.ListRecent(c.Request().Context(), 50)
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return render(c, components.JobList(jobs))
}

func formRange(c echo.Context) (models.TimeRange, error) {
	start, err := formFloat(c, "start_time")
	if err != nil {
		return models.TimeRange{}, err
	}
	end, err := formFloat(c, "end_time")
	if err != nil {
		return models.TimeRange{}, err
	}
	maxDuration, err := formInt(c, "max_duration")
	if err != nil {
		return models.TimeRange{}, err
	}
	return models.NewTimeRange(start, end, maxDuration)
}

func formFloat(c echo.Context, name string) (*float64, error) {
	v := c.FormValue(name)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, apperr.Validationf("%s must be a number of seconds", name)
	}
	return &f, nil
}

func formInt(c echo.Context, name string) (*int, error) {
	v := c.FormValue(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, apperr.Validationf("%s must be an integer", name)
	}
	return &n, nil
}
