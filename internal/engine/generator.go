package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/quarrel-batch/internal/config"
	"github.com/23skdu/quarrel-batch/internal/logger"
	"github.com/23skdu/quarrel-batch/internal/metrics"
	"github.com/23skdu/quarrel-batch/internal/tokenizer"
)

// Completion is the result of one Generate call.
type Completion struct {
	// Text is the decoded prompt plus continuation, special tokens included.
	Text            string
	PromptTokens    int
	GeneratedTokens int
	StoppedAtEOS    bool
	Duration        time.Duration
}

// Generator runs autoregressive decoding of a Model with a Sampler.
type Generator struct {
	Vocab   tokenizer.Vocabulary
	Model   Model
	Config  config.DecodingConfig
	sampler *Sampler
	device  string
}

func NewGenerator(vocab tokenizer.Vocabulary, model Model, cfg config.DecodingConfig) *Generator {
	return &Generator{
		Vocab:   vocab,
		Model:   model,
		Config:  cfg,
		sampler: NewSampler(cfg),
		device:  string(model.Device().Kind),
	}
}

// Generate completes prompt. Errors are logged and returned to the caller,
// which decides whether to retry.
func (g *Generator) Generate(ctx context.Context, prompt string) (*Completion, error) {
	c, err := g.generate(ctx, prompt)
	if err != nil {
		logger.Log.Error("Error during generation", "error", err)
		return nil, err
	}
	return c, nil
}

func (g *Generator) generate(ctx context.Context, prompt string) (*Completion, error) {
	start := time.Now()

	promptIds := g.Vocab.Encode(prompt)
	tokens := make([]int, 0, len(promptIds)+1+g.Config.MaxNewTokens)
	if bos := g.Vocab.BeginningOfSentenceId(); bos >= 0 {
		tokens = append(tokens, bos)
	}
	tokens = append(tokens, promptIds...)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("prompt encodes to no tokens")
	}
	promptLen := len(tokens)

	eos := g.Vocab.EndOfSentenceId()
	stopped := false
	for step := 0; step < g.Config.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fwdStart := time.Now()
		logits, err := g.Model.Forward(ctx, tokens)
		if err != nil {
			return nil, fmt.Errorf("forward step %d: %w", step, err)
		}
		metrics.RecordForward(g.device, time.Since(fwdStart))

		next, err := g.sampler.Sample(logits, tokens)
		if err != nil {
			return nil, fmt.Errorf("sample step %d: %w", step, err)
		}
		tokens = append(tokens, next)
		if eos >= 0 && next == eos {
			stopped = true
			break
		}
	}

	c := &Completion{
		Text:            g.Vocab.Decode(tokens),
		PromptTokens:    promptLen,
		GeneratedTokens: len(tokens) - promptLen,
		StoppedAtEOS:    stopped,
		Duration:        time.Since(start),
	}
	metrics.RecordGeneration(c.GeneratedTokens, c.Duration)
	return c, nil
}
