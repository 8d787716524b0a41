package asr

import (
	"fmt"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"scribe/internal/audio"
)

// recognizer wraps one sherpa-onnx offline recognizer. Decoding is
// serialized because a recognizer is not safe for concurrent streams.
type recognizer struct {
	files *ModelFiles
	mu    sync.Mutex
	r     *sherpa.OfflineRecognizer
}

type recognizerOptions struct {
	Device     string
	NumThreads int
	Language   string
}

func newRecognizer(files *ModelFiles, opts recognizerOptions) (*recognizer, error) {
	provider := opts.Device
	if provider == "" {
		provider = "cpu"
	}

	cfg := sherpa.OfflineRecognizerConfig{
		FeatConfig: sherpa.FeatureConfig{
			SampleRate: audio.SampleRate,
			FeatureDim: 80,
		},
		ModelConfig: sherpa.OfflineModelConfig{
			Tokens:     files.Tokens,
			NumThreads: opts.NumThreads,
			Provider:   provider,
			Debug:      0,
		},
		DecodingMethod: "greedy_search",
	}

	switch files.Family {
	case FamilyWhisper:
		cfg.ModelConfig.Whisper = sherpa.OfflineWhisperModelConfig{
			Encoder:  files.Encoder,
			Decoder:  files.Decoder,
			Language: opts.Language,
			Task:     "transcribe",
		}
	case FamilySenseVoice:
		lang := opts.Language
		if lang == "" {
			lang = "auto"
		}
		cfg.ModelConfig.SenseVoice = sherpa.OfflineSenseVoiceModelConfig{
			Model:                       files.Model,
			Language:                    lang,
			UseInverseTextNormalization: 1,
		}
	case FamilyTransducer:
		cfg.ModelConfig.Transducer = sherpa.OfflineTransducerModelConfig{
			Encoder: files.Encoder,
			Decoder: files.Decoder,
			Joiner:  files.Joiner,
		}
	default:
		return nil, fmt.Errorf("unknown model family %q", files.Family)
	}

	r := sherpa.NewOfflineRecognizer(&cfg)
	if r == nil {
		return nil, fmt.Errorf("failed to create %s recognizer from %s", files.Family, files.Dir)
	}
	return &recognizer{files: files, r: r}, nil
}

// decode transcribes one chunk. offset is the chunk start in seconds.
func (r *recognizer) decode(samples []float32, offset float64) ([]Token, string) {
	if len(samples) == 0 {
		return nil, ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stream := sherpa.NewOfflineStream(r.r)
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(audio.SampleRate, samples)
	r.r.Decode(stream)

	result := stream.GetResult()
	if result == nil {
		return nil, ""
	}
	lang := normalizeLanguage(result.Lang)

	// whisper returns no per-token timestamps
	if len(result.Timestamps) == 0 {
		end := offset + float64(len(samples))/audio.SampleRate
		return distributeTimestamps(result.Tokens, offset, end), lang
	}
	return extractTokensWithOffset(result.Tokens, result.Timestamps, result.Durations, offset), lang
}

func (r *recognizer) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.r != nil {
		sherpa.DeleteOfflineRecognizer(r.r)
		r.r = nil
	}
}

// normalizeLanguage turns sherpa language tags such as "<|en|>" into "en".
func normalizeLanguage(tag string) string {
	tag = strings.TrimPrefix(strings.TrimSuffix(strings.TrimSpace(tag), "|>"), "<|")
	return strings.ToLower(tag)
}
