package download

import (
	"context"

	"github.com/sirupsen/logrus"

	"scribe/internal/logging"
	"scribe/internal/pipeline"
	"scribe/internal/youtube"
)

// YouTube downloads the audio track of a YouTube video.
type YouTube struct {
	client *youtube.Client
	dir    string
	log    logrus.FieldLogger
}

// NewYouTube creates a YouTube downloader writing into dir.
func NewYouTube(client *youtube.Client, dir string, log logrus.FieldLogger) *YouTube {
	return &YouTube{client: client, dir: dir, log: logging.OrDiscard(log)}
}

// Fetch implements pipeline.Downloader.
func (y *YouTube) Fetch(ctx context.Context, url, quality string, progress pipeline.ByteProgress) (*pipeline.Download, error) {
	if _, err := youtube.VideoID(url); err != nil {
		return nil, err
	}
	dl, err := y.client.DownloadAudio(ctx, url, youtube.DownloadOptions{Quality: quality, Dir: y.dir, Progress: progress})
	if err != nil {
		return nil, err
	}
	y.log.WithFields(logrus.Fields{"title": dl.Title, "bytes": dl.Size}).Debug("fetched YouTube audio")
	return &pipeline.Download{Path: dl.Path, Title: dl.Title, Size: dl.Size}, nil
}
