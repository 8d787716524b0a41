package asr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"scribe/internal/apperr"
)

// Family identifies the model architecture found in a model directory.
type Family string

const (
	FamilyWhisper    Family = "whisper"
	FamilySenseVoice Family = "sense-voice"
	FamilyTransducer Family = "transducer"
)

// ModelFiles holds the resolved files of one model directory.
type ModelFiles struct {
	Dir     string
	Family  Family
	Encoder string // whisper and transducer
	Decoder string // whisper and transducer
	Joiner  string // transducer only
	Model   string // sense-voice only
	Tokens  string
}

// ChunkSeconds is the audio window fed to the recognizer at once.
func (m *ModelFiles) ChunkSeconds() int {
	switch m.Family {
	case FamilyWhisper:
		return 30 // whisper supports up to 30 seconds natively
	case FamilySenseVoice:
		return 20
	}
	return 20
}

// DetectModel resolves the model files under modelsDir/name. The family is
// inferred from the files present, preferring int8 quantized variants.
func DetectModel(modelsDir, name string) (*ModelFiles, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, apperr.Validationf("invalid model name %q", name)
	}
	dir := filepath.Join(modelsDir, name)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, apperr.Engine(apperr.ReasonUnavailable, fmt.Sprintf("model %q not found in %s", name, modelsDir), err)
	}

	tokens := findModelFile(dir, []string{
		"tokens.txt",
		name + "-tokens.txt",
		"large-v3-tokens.txt",
		"turbo-tokens.txt",
	})
	if tokens == "" {
		return nil, missing(dir, "tokens.txt")
	}

	if model := findModelFile(dir, []string{"model.int8.onnx", "model.onnx"}); model != "" {
		return &ModelFiles{Dir: dir, Family: FamilySenseVoice, Model: model, Tokens: tokens}, nil
	}

	encoder := findModelFile(dir, prefixed(name, "encoder"))
	decoder := findModelFile(dir, prefixed(name, "decoder"))
	if encoder == "" {
		return nil, missing(dir, "encoder")
	}
	if decoder == "" {
		return nil, missing(dir, "decoder")
	}

	files := &ModelFiles{Dir: dir, Encoder: encoder, Decoder: decoder, Tokens: tokens}
	if joiner := findModelFile(dir, prefixed(name, "joiner")); joiner != "" {
		files.Family = FamilyTransducer
		files.Joiner = joiner
	} else {
		files.Family = FamilyWhisper
	}
	return files, nil
}

func missing(dir, what string) error {
	return apperr.Engine(apperr.ReasonUnavailable, fmt.Sprintf("%s model file not found in %s", what, dir), nil)
}

// prefixed lists candidate file names for a model part in preference order.
func prefixed(name, part string) []string {
	var out []string
	for _, p := range []string{"", name + "-", "large-v3-", "turbo-"} {
		out = append(out, p+part+".int8.onnx", p+part+".onnx")
	}
	out = append(out, part+"-epoch-99-avg-1.int8.onnx", part+"-epoch-99-avg-1.onnx")
	return out
}

// findModelFile searches for a model file in the given directory
// Returns the first matching file path or empty string if not found
func findModelFile(dir string, candidates []string) string {
	for _, candidate := range candidates {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
