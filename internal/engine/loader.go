package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/23skdu/quarrel-batch/internal/config"
	"github.com/23skdu/quarrel-batch/internal/gguf"
	"github.com/23skdu/quarrel-batch/internal/logger"
	"github.com/23skdu/quarrel-batch/internal/ollama"
	"github.com/23skdu/quarrel-batch/internal/tokenizer"
)

const (
	sentencePieceFile = "tokenizer.model"
	hfConfigFile      = "config.json"
	adapterConfigFile = "adapter_config.json"
)

var adapterWeightFiles = []string{"adapter_model.safetensors", "adapter_model.bin"}

// Artifact is a model on disk as found by ResolveArtifact.
type Artifact struct {
	// Path is the model reference as given by the user.
	Path     string
	Dir      string
	GGUFPath string
	// TokenizerPath is a SentencePiece tokenizer.model.
	TokenizerPath string
	// TokenizerJSONPath is a Hugging Face tokenizer.json.
	TokenizerJSONPath string
	Adapters          []string
	ModelType         string
	BaseModel         string
	Summary           *gguf.Summary
}

// TokenizerFile is the tokenizer file LoadVocabulary reads when the
// tokenizer does not come from the GGUF file.
func (a *Artifact) TokenizerFile() string {
	if a.TokenizerPath != "" {
		return a.TokenizerPath
	}
	return a.TokenizerJSONPath
}

// Bundle is a loaded model with its tokenizer.
type Bundle struct {
	Artifact *Artifact
	Vocab    tokenizer.Vocabulary
	Model    Model
}

func (b *Bundle) Close() error {
	if b.Model == nil {
		return nil
	}
	return b.Model.Close()
}

// Load resolves modelPath, builds its tokenizer and places the weights on
// the configured backend. Any failure is returned as is; there is no
// fallback device and no retry.
func Load(ctx context.Context, modelPath string, cfg config.ModelConfig) (*Bundle, error) {
	artifact, err := ResolveArtifact(modelPath)
	if err != nil {
		return nil, err
	}

	vocab, err := LoadVocabulary(artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	factory, err := lookupBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	model, err := factory(ctx, artifact, BackendOptions{
		Addr:  cfg.BackendAddr,
		DType: strings.ToLower(cfg.DType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load model on %s backend: %w", cfg.Backend, err)
	}

	dev := model.Device()
	if cfg.RequireAccelerator && !dev.IsAccelerator() {
		_ = model.Close()
		return nil, fmt.Errorf("%w: backend %s placed the model on %s", ErrNoAccelerator, cfg.Backend, dev)
	}

	fields := []interface{}{
		"path", modelPath,
		"backend", cfg.Backend,
		"device", dev.String(),
		"dtype", cfg.DType,
		"model_type", artifact.ModelType,
	}
	if dev.MemoryBytes > 0 {
		fields = append(fields, "device_memory", humanize.IBytes(dev.MemoryBytes))
	}
	if artifact.Summary != nil {
		fields = append(fields,
			"parameters", humanize.SIWithDigits(float64(artifact.Summary.Parameters), 1, ""),
			"weights", humanize.IBytes(artifact.Summary.WeightBytes))
	}
	if len(artifact.Adapters) > 0 {
		fields = append(fields, "adapters", len(artifact.Adapters))
	}
	logger.Log.Info("Model loaded", fields...)

	return &Bundle{Artifact: artifact, Vocab: vocab, Model: model}, nil
}

// ResolveArtifact accepts a model directory, a GGUF file, or an Ollama model
// name, and reports what it contains.
func ResolveArtifact(modelPath string) (*Artifact, error) {
	if modelPath == "" {
		return nil, errors.New("model path is empty")
	}
	a := &Artifact{Path: modelPath}

	info, err := os.Stat(modelPath)
	switch {
	case err == nil && info.IsDir():
		if err := a.scanDir(modelPath); err != nil {
			return nil, err
		}
	case err == nil:
		a.Dir = filepath.Dir(modelPath)
		a.GGUFPath = modelPath
	case errors.Is(err, fs.ErrNotExist):
		r, rerr := ollama.ResolveModelPath(modelPath)
		if rerr != nil {
			return nil, fmt.Errorf("model path %s does not exist and is not an Ollama model: %w", modelPath, rerr)
		}
		logger.Log.Info("Resolved Ollama model", "name", r.Name.String(), "blob", r.Model)
		a.Dir = filepath.Dir(r.Model)
		a.GGUFPath = r.Model
		a.Adapters = r.Adapters
	default:
		return nil, err
	}

	if a.GGUFPath != "" {
		if err := a.readGGUF(); err != nil {
			return nil, err
		}
	}
	if a.TokenizerFile() == "" && a.GGUFPath == "" {
		return nil, fmt.Errorf("no %s, %s or .gguf file found in %s", sentencePieceFile, tokenizer.HFTokenizerFile, a.Dir)
	}
	return a, nil
}

func (a *Artifact) scanDir(dir string) error {
	a.Dir = dir

	if fileExists(filepath.Join(dir, sentencePieceFile)) {
		a.TokenizerPath = filepath.Join(dir, sentencePieceFile)
	}
	if fileExists(filepath.Join(dir, tokenizer.HFTokenizerFile)) {
		a.TokenizerJSONPath = filepath.Join(dir, tokenizer.HFTokenizerFile)
	}

	ggufs, err := filepath.Glob(filepath.Join(dir, "*.gguf"))
	if err != nil {
		return err
	}
	sort.Strings(ggufs)
	if len(ggufs) > 0 {
		a.GGUFPath = ggufs[0]
		if len(ggufs) > 1 {
			logger.Log.Warn("Several GGUF files found, using the first", "dir", dir, "file", filepath.Base(ggufs[0]))
		}
	}

	var hf struct {
		ModelType string `json:"model_type"`
	}
	if err := readJSON(filepath.Join(dir, hfConfigFile), &hf); err != nil {
		return err
	}
	a.ModelType = hf.ModelType

	var adapter struct {
		BaseModel string `json:"base_model_name_or_path"`
	}
	if err := readJSON(filepath.Join(dir, adapterConfigFile), &adapter); err != nil {
		return err
	}
	a.BaseModel = adapter.BaseModel
	for _, name := range adapterWeightFiles {
		if p := filepath.Join(dir, name); fileExists(p) {
			a.Adapters = append(a.Adapters, p)
		}
	}
	return nil
}

func (a *Artifact) readGGUF() error {
	f, err := gguf.LoadFile(a.GGUFPath)
	if err != nil {
		return fmt.Errorf("invalid model file %s: %w", a.GGUFPath, err)
	}
	defer f.Close()

	s := f.Summarize()
	a.Summary = &s
	if a.ModelType == "" {
		a.ModelType = s.Architecture
	}
	return nil
}

// LoadVocabulary builds the tokenizer of a: tokenizer.model first, then
// tokenizer.json, then the vocabulary embedded in the GGUF file.
func LoadVocabulary(a *Artifact) (tokenizer.Vocabulary, error) {
	switch {
	case a.TokenizerPath != "":
		return tokenizer.NewFromPath(a.TokenizerPath, tokenizer.SpecialsFor(a.ModelType))
	case a.TokenizerJSONPath != "":
		return tokenizer.FromHFFile(a.TokenizerJSONPath)
	default:
		return tokenizer.New(a.GGUFPath)
	}
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
