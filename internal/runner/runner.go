// Package runner drives a generator over every prompt of a dataset,
// checkpointing completions to disk so an interrupted run can resume.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/23skdu/quarrel-batch/internal/config"
	"github.com/23skdu/quarrel-batch/internal/dataset"
	"github.com/23skdu/quarrel-batch/internal/engine"
	"github.com/23skdu/quarrel-batch/internal/logger"
	"github.com/23skdu/quarrel-batch/internal/metrics"
)

const (
	flushCheckpoint = "checkpoint"
	flushFinal      = "final"
)

// Generator completes a single prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*engine.Completion, error)
}

// Summary counts what a run did.
type Summary struct {
	Total     int
	Skipped   int
	Processed int
	Failed    int
	Retries   int
	// Rows is the number of rows in the output file after the final flush.
	Rows        int
	Interrupted bool
	Duration    time.Duration
}

// Observer is told about progress by the goroutine calling Run.
type Observer interface {
	RunStarted(total, lastIndex int)
	RowStarted(index int)
	RowFinished(index int, outcome string, err error)
	Flushed(rows int, err error)
}

type nopObserver struct{}

func (nopObserver) RunStarted(int, int) {}
func (nopObserver) RowStarted(int) {}
func (nopObserver) RowFinished(int, string, error) {}
func (nopObserver) Flushed(int, error) {}

type Runner struct {
	Generator Generator
	Config    config.RunConfig
	// Sleep waits between attempts. It returns early with ctx's error.
	Sleep    func(ctx context.Context, d time.Duration) error
	Observer Observer
}

func New(gen Generator, cfg config.RunConfig) *Runner {
	return &Runner{Generator: gen, Config: cfg, Sleep: sleepContext, Observer: nopObserver{}}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes every prompt whose index is past the last row already in
// outputPath. Cancelling ctx lets the row in progress finish, then flushes
// and returns ctx's error. A failed flush aborts the run.
func (r *Runner) Run(ctx context.Context, prompts []dataset.PromptRecord, outputPath string) (*Summary, error) {
	if err := r.Config.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	s := &Summary{Total: len(prompts)}

	last := dataset.LastIndex(outputPath)
	var seed []dataset.CompletionRecord
	if last >= 0 && r.Config.ResumeMode == config.ResumeMerge {
		rows, err := dataset.ReadCompletions(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read existing output: %w", err)
		}
		seed = rows
	}
	buf := dataset.NewBuffer(seed)
	if r.Observer == nil {
		r.Observer = nopObserver{}
	}
	r.Observer.RunStarted(len(prompts), last)
	if last >= 0 {
		logger.Log.Info("Resuming", "output", outputPath, "last_index", last, "kept_rows", buf.Len(), "mode", string(r.Config.ResumeMode))
	}

	for _, p := range prompts {
		if p.Index <= last {
			s.Skipped++
			metrics.RecordRow(metrics.OutcomeSkipped)
			r.Observer.RowFinished(p.Index, metrics.OutcomeSkipped, nil)
			continue
		}
		if ctx.Err() != nil {
			s.Interrupted = true
			break
		}

		logger.Log.Info("Row", "row", p.Index)
		r.Observer.RowStarted(p.Index)
		c, err := r.process(ctx, p, s)
		switch {
		case err == nil:
			buf.Append(dataset.CompletionRecord{Prompt: p.Text, Output: c.Text})
			s.Processed++
			metrics.RecordRow(metrics.OutcomeProcessed)
			r.Observer.RowFinished(p.Index, metrics.OutcomeProcessed, nil)
			logger.Log.Debug("Completion", "row", p.Index, "tokens", c.GeneratedTokens, "eos", c.StoppedAtEOS, "output", c.Text)
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			// Interrupted while waiting to retry; the row is retried on resume.
			s.Interrupted = true
		default:
			s.Failed++
			metrics.RecordRow(metrics.OutcomeFailed)
			r.Observer.RowFinished(p.Index, metrics.OutcomeFailed, err)
			if r.Config.FailurePolicy == config.FailureSentinel {
				buf.Append(dataset.CompletionRecord{Prompt: p.Text, Output: config.SentinelPrefix + " " + err.Error()})
			}
		}
		if s.Interrupted {
			break
		}

		if (p.Index+1)%r.Config.FlushEvery == 0 {
			if err := r.flush(buf, outputPath, flushCheckpoint); err != nil {
				return s, err
			}
		}
	}

	if err := r.flush(buf, outputPath, flushFinal); err != nil {
		return s, err
	}
	s.Rows = buf.Len()
	s.Duration = time.Since(start)

	if s.Interrupted {
		logger.Log.Warn("Generation interrupted", "processed", s.Processed, "failed", s.Failed, "rows", s.Rows)
		return s, ctx.Err()
	}
	logger.Log.Info("Generation complete",
		"processed", humanize.Comma(int64(s.Processed)),
		"skipped", humanize.Comma(int64(s.Skipped)),
		"failed", s.Failed,
		"retries", s.Retries,
		"rows", s.Rows,
		"elapsed", s.Duration.Round(time.Second).String())
	return s, nil
}

// process runs the generator with the retry policy. Every failed attempt is
// followed by the backoff delay, including the last one, so a struggling
// device gets time to recover before the next row.
func (r *Runner) process(ctx context.Context, p dataset.PromptRecord, s *Summary) (*engine.Completion, error) {
	for attempt := 1; ; attempt++ {
		c, err := r.attempt(ctx, p.Text)
		if err == nil {
			return c, nil
		}

		delay := r.Config.RetryDelayFor(attempt)
		final := attempt >= r.Config.MaxAttempts
		logger.Log.Error("Error encountered at row", "row", p.Index, "attempt", attempt, "final", final, "wait", delay.String(), "error", err)

		if serr := r.Sleep(ctx, delay); serr != nil {
			return nil, serr
		}
		if final {
			return nil, err
		}
		s.Retries++
		metrics.RecordRetry()
	}
}

// attempt runs one generation. It is detached from ctx cancellation so an
// interrupt lets the row finish; GenerateTimeout still bounds it.
func (r *Runner) attempt(ctx context.Context, prompt string) (*engine.Completion, error) {
	gctx := context.WithoutCancel(ctx)
	if r.Config.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(gctx, r.Config.GenerateTimeout)
		defer cancel()
	}
	return r.Generator.Generate(gctx, prompt)
}

func (r *Runner) flush(buf *dataset.Buffer, path, reason string) error {
	err := buf.Flush(path)
	metrics.RecordFlush(reason, buf.Len(), err)
	r.Observer.Flushed(buf.Len(), err)
	if err != nil {
		logger.Log.Error("Failed to write output", "path", path, "reason", reason, "error", err)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	logger.Log.Debug("Output flushed", "path", path, "reason", reason, "rows", buf.Len())
	return nil
}
