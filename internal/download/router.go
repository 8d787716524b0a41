package download

import (
	"context"

	"scribe/internal/pipeline"
	"scribe/internal/youtube"
)

// Router sends YouTube URLs to one downloader and everything else to another.
type Router struct {
	YouTube pipeline.Downloader
	Direct  pipeline.Downloader
}

// Fetch implements pipeline.Downloader.
func (r *Router) Fetch(ctx context.Context, url, quality string, progress pipeline.ByteProgress) (*pipeline.Download, error) {
	if youtube.IsYouTubeURL(url) {
		return r.YouTube.Fetch(ctx, url, quality, progress)
	}
	return r.Direct.Fetch(ctx, url, quality, progress)
}
