package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FailurePolicy decides what is written for a row whose generation failed
// after all attempts.
type FailurePolicy string

const (
	// FailureSkip writes nothing for the row, leaving a gap in the output.
	FailureSkip FailurePolicy = "skip"
	// FailureSentinel writes the prompt with SentinelPrefix and the error text.
	FailureSentinel FailurePolicy = "sentinel"
)

// SentinelPrefix starts the output column of rows whose generation failed.
const SentinelPrefix = "[generation failed]"

// ResumeMode decides whether rows already on disk are kept on the next flush.
type ResumeMode string

const (
	// ResumeMerge seeds the in-memory rows from the existing output file.
	ResumeMerge ResumeMode = "merge"
	// ResumeOverwrite flushes only the rows produced by the current run.
	ResumeOverwrite ResumeMode = "overwrite"
)

// DecodingConfig holds the sampling parameters for one completion.
type DecodingConfig struct {
	MaxNewTokens      int     `toml:"max_new_tokens"`
	TopK              int     `toml:"top_k"`
	TopP              float64 `toml:"top_p"`
	NoRepeatNGramSize int     `toml:"no_repeat_ngram_size"`
	// RepetitionPenalty of 1.0 disables the penalty.
	RepetitionPenalty float64 `toml:"repetition_penalty"`
	Temperature       float64 `toml:"temperature"`
	// DoSample=false (or Temperature=0) decodes greedily.
	DoSample bool `toml:"do_sample"`
	// Seed of 0 seeds the sampler from the clock.
	Seed int64 `toml:"seed"`
}

// Greedy reports whether decoding picks the most likely token every step.
func (d DecodingConfig) Greedy() bool {
	return !d.DoSample || d.Temperature == 0
}

type RunConfig struct {
	PromptColumn      string        `toml:"prompt_column"`
	FlushEvery        int           `toml:"flush_every"`
	MaxAttempts       int           `toml:"max_attempts"`
	RetryDelay        time.Duration `toml:"retry_delay"`
	BackoffMultiplier float64       `toml:"backoff_multiplier"`
	MaxRetryDelay     time.Duration `toml:"max_retry_delay"`
	FailurePolicy     FailurePolicy `toml:"failure_policy"`
	ResumeMode        ResumeMode    `toml:"resume_mode"`
	// GenerateTimeout bounds a single attempt; 0 means no timeout.
	GenerateTimeout time.Duration `toml:"generate_timeout"`
}

type ModelConfig struct {
	Backend            string `toml:"backend"`
	BackendAddr        string `toml:"backend_addr"`
	DType              string `toml:"dtype"`
	RequireAccelerator bool   `toml:"require_accelerator"`
}

type Config struct {
	Decoding DecodingConfig `toml:"decoding"`
	Run      RunConfig      `toml:"run"`
	Model    ModelConfig    `toml:"model"`

	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
	MetricsAddr string `toml:"metrics_addr"`
}

func DefaultDecoding() DecodingConfig {
	return DecodingConfig{
		MaxNewTokens:      128,
		TopK:              50,
		TopP:              0.95,
		NoRepeatNGramSize: 4,
		RepetitionPenalty: 1.0,
		Temperature:       0.2,
		DoSample:          true,
	}
}

func Default() Config {
	return Config{
		Decoding: DefaultDecoding(),
		Run: RunConfig{
			PromptColumn:      "text",
			FlushEvery:        10,
			MaxAttempts:       1,
			RetryDelay:        120 * time.Second,
			BackoffMultiplier: 1.0,
			MaxRetryDelay:     10 * time.Minute,
			FailurePolicy:     FailureSentinel,
			ResumeMode:        ResumeMerge,
		},
		Model: ModelConfig{
			Backend:            "flight",
			BackendAddr:        "localhost:3000",
			DType:              "bf16",
			RequireAccelerator: true,
		},
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// LoadFile decodes a TOML file on top of Default(). Keys missing from the
// file keep their default values.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Decoding.Validate(); err != nil {
		return err
	}
	if err := c.Run.Validate(); err != nil {
		return err
	}
	return c.Model.Validate()
}

func (d *DecodingConfig) Validate() error {
	if d.MaxNewTokens <= 0 {
		return fmt.Errorf("invalid max_new_tokens: %d (must be positive)", d.MaxNewTokens)
	}
	if d.TopK < 0 {
		return fmt.Errorf("invalid top_k: %d (must be non-negative)", d.TopK)
	}
	if d.TopP <= 0 || d.TopP > 1 {
		return fmt.Errorf("invalid top_p: %v (must be in (0, 1])", d.TopP)
	}
	if d.NoRepeatNGramSize < 0 {
		return fmt.Errorf("invalid no_repeat_ngram_size: %d (must be non-negative)", d.NoRepeatNGramSize)
	}
	if d.RepetitionPenalty <= 0 {
		return fmt.Errorf("invalid repetition_penalty: %v (must be positive)", d.RepetitionPenalty)
	}
	if d.Temperature < 0 {
		return fmt.Errorf("invalid temperature: %v (must be non-negative)", d.Temperature)
	}
	return nil
}

func (r *RunConfig) Validate() error {
	if r.PromptColumn == "" {
		return fmt.Errorf("prompt_column must not be empty")
	}
	if r.FlushEvery <= 0 {
		return fmt.Errorf("invalid flush_every: %d (must be positive)", r.FlushEvery)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("invalid max_attempts: %d (must be at least 1)", r.MaxAttempts)
	}
	if r.RetryDelay < 0 {
		return fmt.Errorf("invalid retry_delay: %v (must be non-negative)", r.RetryDelay)
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("invalid backoff_multiplier: %v (must be >= 1)", r.BackoffMultiplier)
	}
	if r.MaxRetryDelay < r.RetryDelay {
		return fmt.Errorf("max_retry_delay %v is shorter than retry_delay %v", r.MaxRetryDelay, r.RetryDelay)
	}
	if r.GenerateTimeout < 0 {
		return fmt.Errorf("invalid generate_timeout: %v (must be non-negative)", r.GenerateTimeout)
	}
	switch r.FailurePolicy {
	case FailureSkip, FailureSentinel:
	default:
		return fmt.Errorf("invalid failure_policy: %q (want %q or %q)", r.FailurePolicy, FailureSkip, FailureSentinel)
	}
	switch r.ResumeMode {
	case ResumeMerge, ResumeOverwrite:
	default:
		return fmt.Errorf("invalid resume_mode: %q (want %q or %q)", r.ResumeMode, ResumeMerge, ResumeOverwrite)
	}
	return nil
}

func (m *ModelConfig) Validate() error {
	if m.Backend == "" {
		return fmt.Errorf("model backend must not be empty")
	}
	switch strings.ToLower(m.DType) {
	case "bf16", "f16", "f32":
	default:
		return fmt.Errorf("invalid dtype: %q (want bf16, f16 or f32)", m.DType)
	}
	return nil
}

// RetryDelayFor returns the pause before the given retry (1-based), growing
// by BackoffMultiplier and capped at MaxRetryDelay.
func (r *RunConfig) RetryDelayFor(retry int) time.Duration {
	d := float64(r.RetryDelay)
	for i := 1; i < retry; i++ {
		d *= r.BackoffMultiplier
		if d >= float64(r.MaxRetryDelay) {
			return r.MaxRetryDelay
		}
	}
	if time.Duration(d) > r.MaxRetryDelay {
		return r.MaxRetryDelay
	}
	return time.Duration(d)
}
