// Package audio decodes media files to 16 kHz mono PCM with ffmpeg.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"scribe/internal/apperr"
	"scribe/internal/models"
)

// SampleRate is the rate every decoded stream uses.
const SampleRate = 16000

const ffmpegBinary = "ffmpeg"

// Reader streams an input file as 16 kHz mono signed 16-bit PCM.
type Reader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
}

// Open starts ffmpeg decoding inputPath. The process is killed when ctx
// is cancelled.
func Open(ctx context.Context, inputPath string) (*Reader, error) {
	if _, err := exec.LookPath(ffmpegBinary); err != nil {
		return nil, apperr.Engine(apperr.ReasonUnavailable, "ffmpeg not found: please install ffmpeg to convert audio files", err)
	}
	if _, err := os.Stat(inputPath); err != nil {
		return nil, apperr.Validationf("input file not found: %s", inputPath)
	}

	p := &Reader{}
	p.cmd = exec.CommandContext(ctx, ffmpegBinary,
		"-nostdin",
		"-i", inputPath,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprintf("%d", SampleRate),
		"-ac", "1",
		"-loglevel", "error",
		"pipe:1",
	)
	p.cmd.Stderr = &p.stderr

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	p.stdout = stdout
	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	return p, nil
}

// Next reads up to seconds of audio. It returns io.EOF when the stream is
// exhausted and no samples were read.
func (p *Reader) Next(seconds int) ([]float32, error) {
	buf := make([]byte, SampleRate*seconds*2)
	n, err := io.ReadFull(p.stdout, buf)
	if n == 0 {
		if err == nil || err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return BytesToFloat32(buf[:n&^1]), err
}

// Close waits for ffmpeg and reports a conversion failure.
func (p *Reader) Close() error {
	_, _ = io.Copy(io.Discard, p.stdout)
	if err := p.cmd.Wait(); err != nil {
		msg := strings.TrimSpace(p.stderr.String())
		return apperr.Engine(apperr.ReasonFailed, "ffmpeg conversion failed: "+msg, err)
	}
	return nil
}

// BytesToFloat32 converts little-endian 16-bit PCM to float32 samples
func BytesToFloat32(data []byte) []float32 {
	samples := make([]float32, len(data)/2)
	for i := range samples {
		sample := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// ReadAll decodes the whole file into memory.
func ReadAll(ctx context.Context, inputPath string) ([]float32, error) {
	r, err := Open(ctx, inputPath)
	if err != nil {
		return nil, err
	}
	var samples []float32
	for {
		chunk, err := r.Next(60)
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("failed to read audio: %w", err)
		}
		samples = append(samples, chunk...)
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return samples, nil
}

// Clip writes the part of inputPath covered by rng to dst as a 16 kHz mono
// WAV file. Timestamps in dst start at zero.
func Clip(ctx context.Context, inputPath, dst string, rng models.TimeRange) error {
	if _, err := exec.LookPath(ffmpegBinary); err != nil {
		return apperr.Engine(apperr.ReasonUnavailable, "ffmpeg not found: please install ffmpeg to convert audio files", err)
	}
	if _, err := os.Stat(inputPath); err != nil {
		return apperr.Validationf("input file not found: %s", inputPath)
	}
	if err := rng.Validate(); err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, ffmpegBinary, clipArgs(inputPath, dst, rng)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(dst)
		return apperr.Engine(apperr.ReasonFailed, "ffmpeg clip failed: "+strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// clipArgs seeks before the input so -t counts from the range start.
func clipArgs(inputPath, dst string, rng models.TimeRange) []string {
	seconds := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	args := []string{"-nostdin", "-y", "-loglevel", "error"}
	if rng.Start != nil {
		args = append(args, "-ss", seconds(*rng.Start))
	}
	args = append(args, "-i", inputPath)
	if rng.End != nil {
		args = append(args, "-t", seconds(*rng.End-rng.Offset()))
	}
	return append(args,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", "1",
		"-f", "wav",
		dst,
	)
}
