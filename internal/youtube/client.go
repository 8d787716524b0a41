package youtube

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/kkdai/youtube/v2"

	"scribe/internal/apperr"
)

// Client はYouTube API操作を抽象化するクライアント
type Client struct {
	client youtube.Client
}

// NewClient は新しいYouTubeクライアントを作成
// httpClient が nil の場合はライブラリのデフォルトを使う
func NewClient(httpClient *http.Client) *Client {
	return &Client{
		client: youtube.Client{HTTPClient: httpClient},
	}
}

// VideoInfo は動画のメタ情報
type VideoInfo struct {
	ID       string
	Title    string
	Author   string
	Duration time.Duration
}

// youtube.com/watch, youtu.be, shorts, embed, live と music.youtube.com
var urlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^https?://(www\.|m\.|music\.)?youtube\.com/watch\?(.*&)?v=[\w-]{6,}`),
	regexp.MustCompile(`^https?://youtu\.be/[\w-]{6,}`),
	regexp.MustCompile(`^https?://(www\.|m\.)?youtube\.com/(shorts|embed|live|v)/[\w-]{6,}`),
}

// IsYouTubeURL はURLがYouTube動画を指しているかを返す
func IsYouTubeURL(s string) bool {
	for _, p := range urlPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// VideoID はURLから動画IDを抽出
func VideoID(url string) (string, error) {
	id, err := youtube.ExtractVideoID(url)
	if err != nil {
		return "", apperr.New(apperr.KindValidation, "", "invalid YouTube URL: "+url, err)
	}
	return id, nil
}

// GetVideo は動画情報を取得
func (c *Client) GetVideo(ctx context.Context, url string) (*VideoInfo, error) {
	video, err := c.client.GetVideoContext(ctx, url)
	if err != nil {
		return nil, classify(err)
	}
	return &VideoInfo{
		ID:       video.ID,
		Title:    video.Title,
		Author:   video.Author,
		Duration: video.Duration,
	}, nil
}

// classify はライブラリのエラーをapperrの分類に変換する
func classify(err error) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != "" {
		return err
	}

	var status youtube.ErrPlayabiltyStatus
	var code youtube.ErrUnexpectedStatusCode
	switch {
	case errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrLoginRequired),
		errors.Is(err, youtube.ErrNotPlayableInEmbed),
		errors.As(err, &status):
		return apperr.TransientIO(apperr.ReasonRestricted, "video is not accessible", err)
	case errors.As(err, &code) && int(code) == http.StatusTooManyRequests:
		return apperr.TransientIO(apperr.ReasonRateLimited, "rate limited by YouTube", err)
	case errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.Is(err, youtube.ErrVideoIDMinLength):
		return apperr.New(apperr.KindValidation, "", "invalid YouTube video id", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperr.TransientIO(apperr.ReasonNetwork, "download interrupted", err)
	}
	return apperr.TransientIO(apperr.ReasonNetwork, "YouTube request failed", err)
}
