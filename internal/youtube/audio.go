package youtube

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ytdl "github.com/kkdai/youtube/v2"

	"scribe/internal/apperr"
)

// 音質の指定
const (
	QualityBest = "best"
	QualityMP4  = "mp4"
	QualityWebM = "webm"
)

// AudioFormat は音声フォーマット情報
type AudioFormat struct {
	ItagNo        int
	MimeType      string // "audio/mp4", "audio/webm"
	Bitrate       int    // ビットレート (bps)
	ContentLength int64  // ファイルサイズ (bytes)
	Language      string // 言語コード (例: "ja", "en")
	IsDefault     bool   // デフォルト音声トラックかどうか
}

// Extension はMIMEタイプから拡張子を返す
func (f *AudioFormat) Extension() string {
	if strings.Contains(f.MimeType, "mp4") {
		return ".m4a"
	}
	if strings.Contains(f.MimeType, "webm") {
		return ".webm"
	}
	return ".audio"
}

// DownloadOptions はダウンロードオプション
type DownloadOptions struct {
	Quality string // "mp4", "webm", "best" (default: "best")
	Dir     string // 出力先ディレクトリ
	// Progress は書き込み済みバイト数と全体サイズ (不明なら 0) を受け取る
	Progress func(written, total int64)
}

// AudioDownload はダウンロード結果
type AudioDownload struct {
	Path  string
	Title string
	Size  int64
}

// audioFormats は音声のみのフォーマットをビットレート降順で返す
// 複数の音声トラックがある場合はデフォルトトラックを優先する
func audioFormats(formats ytdl.FormatList) []AudioFormat {
	var out []AudioFormat
	for _, f := range formats {
		if !strings.HasPrefix(f.MimeType, "audio/") {
			continue
		}
		af := AudioFormat{
			ItagNo:        f.ItagNo,
			MimeType:      f.MimeType,
			Bitrate:       f.Bitrate,
			ContentLength: f.ContentLength,
			IsDefault:     true,
		}
		if f.AudioTrack != nil {
			af.Language = f.AudioTrack.ID
			af.IsDefault = f.AudioTrack.AudioIsDefault
		}
		out = append(out, af)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].Bitrate > out[j].Bitrate
	})
	return out
}

// selectAudioFormat は指定された音質に基づいて最適なフォーマットを選択
func selectAudioFormat(formats ytdl.FormatList, quality string) (*AudioFormat, error) {
	candidates := audioFormats(formats)
	if len(candidates) == 0 {
		return nil, apperr.TransientIO(apperr.ReasonUnavailable, "no audio formats available", nil)
	}

	switch quality {
	case "", QualityBest:
		return &candidates[0], nil
	case QualityMP4, QualityWebM:
		for i := range candidates {
			if strings.Contains(candidates[i].MimeType, quality) {
				return &candidates[i], nil
			}
		}
		return nil, apperr.TransientIO(apperr.ReasonUnavailable, "no audio formats available for quality: "+quality, nil)
	}
	return nil, apperr.Validationf("unknown quality %q (want best, mp4 or webm)", quality)
}

// findFormat はライブラリのFormatを見つける（ItagNo + 言語で一致）
func findFormat(formats ytdl.FormatList, selected *AudioFormat) *ytdl.Format {
	for i := range formats {
		f := &formats[i]
		if f.ItagNo != selected.ItagNo {
			continue
		}
		if selected.Language != "" && (f.AudioTrack == nil || f.AudioTrack.ID != selected.Language) {
			continue
		}
		return f
	}
	return nil
}

// DownloadAudio は音声ストリームを opts.Dir 内の一時ファイルに保存し、
// 完了後にリネームする。失敗時はファイルを残さない
func (c *Client) DownloadAudio(ctx context.Context, videoURL string, opts DownloadOptions) (*AudioDownload, error) {
	video, err := c.client.GetVideoContext(ctx, videoURL)
	if err != nil {
		return nil, classify(err)
	}

	selected, err := selectAudioFormat(video.Formats, opts.Quality)
	if err != nil {
		return nil, err
	}
	format := findFormat(video.Formats, selected)
	if format == nil {
		return nil, fmt.Errorf("format not found: itag=%d lang=%s", selected.ItagNo, selected.Language)
	}

	stream, size, err := c.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return nil, classify(err)
	}
	defer stream.Close()

	dir := opts.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	final := filepath.Join(dir, video.ID+selected.Extension())
	tmp, err := os.CreateTemp(dir, video.ID+".*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var onWrite func(int64)
	if opts.Progress != nil {
		onWrite = func(n int64) { opts.Progress(n, size) }
	}
	written, err := copyContext(ctx, tmp, stream, onWrite)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, classify(err)
	}
	if written == 0 {
		return nil, apperr.TransientIO(apperr.ReasonNetwork, "empty audio stream", nil)
	}
	if size > 0 && written != size {
		return nil, apperr.TransientIO(apperr.ReasonNetwork,
			fmt.Sprintf("truncated audio stream: got %d of %d bytes", written, size), nil)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return nil, fmt.Errorf("failed to finalize download: %w", err)
	}

	return &AudioDownload{Path: final, Title: video.Title, Size: written}, nil
}

// copyContext はキャンセル可能なコピー。onWrite には累計バイト数を渡す
func copyContext(ctx context.Context, dst io.Writer, src io.Reader, onWrite func(int64)) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if onWrite != nil {
				onWrite(written)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
