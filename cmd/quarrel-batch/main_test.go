package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quarrel-batch/internal/arrow_client"
	"github.com/23skdu/quarrel-batch/internal/config"
	"github.com/23skdu/quarrel-batch/internal/dataset"
	"github.com/23skdu/quarrel-batch/internal/engine"
	"github.com/23skdu/quarrel-batch/internal/gguf/gguftest"
)

var vocab = []string{"<unk>", "<s>", "</s>", "▁Hello", "▁World", "!"}

// nextWorld answers "World" once, then ends the sequence.
func nextWorld(tokens []int) int {
	if tokens[len(tokens)-1] == 4 {
		return 2
	}
	return 4
}

type fixture struct {
	dir    string
	model  string
	input  string
	output string
	server *arrow_client.MockServer
}

func newFixture(t *testing.T, device string, csv string) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir()}
	f.model = filepath.Join(f.dir, "model")
	require.NoError(t, os.Mkdir(f.model, 0o755))
	gguftest.WriteFile(t, filepath.Join(f.model, "model.gguf"),
		append(gguftest.Vocab(vocab, 1, 2, 0), gguftest.KV{Key: "general.architecture", Value: "llama"}), nil)

	f.input = filepath.Join(f.dir, "prompts.csv")
	require.NoError(t, os.WriteFile(f.input, []byte(csv), 0o644))
	f.output = filepath.Join(f.dir, "out.tsv")

	f.server = arrow_client.NewMockServer(len(vocab), device, nextWorld)
	require.NoError(t, f.server.Start("127.0.0.1:0"))
	t.Cleanup(f.server.Stop)
	return f
}

func (f *fixture) args(extra ...string) []string {
	return append([]string{
		"--model_path", f.model,
		"--input_file", f.input,
		"--output_file", f.output,
		"--backend_addr", f.server.Addr(),
		"--temperature", "0",
		"--log_level", "error",
	}, extra...)
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t, "cuda", "id,text\n1,Hello\n2,World\n")

	require.NoError(t, run(context.Background(), f.args()))

	rows, err := dataset.ReadCompletions(f.output)
	require.NoError(t, err)
	assert.Equal(t, []dataset.CompletionRecord{
		{Prompt: "Hello", Output: "<s>Hello World</s>"},
		{Prompt: "World", Output: "<s>World</s>"},
	}, rows)

	loads, forwards, open := f.server.Stats()
	assert.Equal(t, 1, loads)
	assert.Equal(t, 3, forwards)
	assert.Zero(t, open, "session released on exit")
}

func TestRunResumes(t *testing.T) {
	f := newFixture(t, "cuda", "text\nHello\n")
	require.NoError(t, run(context.Background(), f.args("--metrics", "127.0.0.1:0")))

	require.NoError(t, os.WriteFile(f.input, []byte("text\nHello\nWorld\n"), 0o644))
	require.NoError(t, run(context.Background(), f.args()))

	rows, err := dataset.ReadCompletions(f.output)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "World", rows[1].Prompt)

	_, forwards, _ := f.server.Stats()
	assert.Equal(t, 3, forwards, "the first prompt is not generated again")
}

func TestRunRequiresAccelerator(t *testing.T) {
	f := newFixture(t, "cpu", "text\nHello\n")

	err := run(context.Background(), f.args())
	assert.ErrorIs(t, err, engine.ErrNoAccelerator)
	_, err = os.Stat(f.output)
	assert.True(t, errors.Is(err, os.ErrNotExist), "nothing is written when loading fails")
}

func TestRunMissingPromptColumn(t *testing.T) {
	f := newFixture(t, "cuda", "prompt\nHello\n")
	assert.Error(t, run(context.Background(), f.args()))
}

func TestParseFlagsRequired(t *testing.T) {
	_, err := parseFlags([]string{"--model_path", "m", "--input_file", "in.csv"}, io.Discard)
	assert.ErrorContains(t, err, "--output_file is required")

	_, err = parseFlags([]string{"-h"}, io.Discard)
	assert.ErrorIs(t, err, flag.ErrHelp)
}

func TestParseFlagsConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarrel.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[decoding]
temperature = 0.7
top_k = 10

[model]
backend_addr = "gpu-box:3000"

[run]
resume_mode = "overwrite"
`), 0o644))

	o, err := parseFlags([]string{
		"--config", path,
		"--model_path", "m", "--input_file", "in.csv", "--output_file", "out.tsv",
		"--temperature", "0.1",
	}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, 0.1, o.cfg.Decoding.Temperature, "flag beats config file")
	assert.Equal(t, 10, o.cfg.Decoding.TopK)
	assert.Equal(t, "gpu-box:3000", o.cfg.Model.BackendAddr, "unset flag keeps config value")
	assert.Equal(t, config.ResumeOverwrite, o.cfg.Run.ResumeMode)
}

func TestParseFlagsFailureAndResume(t *testing.T) {
	base := []string{"--model_path", "m", "--input_file", "in.csv", "--output_file", "out.tsv"}

	o, err := parseFlags(base, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, config.FailureSentinel, o.cfg.Run.FailurePolicy)
	assert.Equal(t, config.ResumeMerge, o.cfg.Run.ResumeMode)

	o, err = parseFlags(append(base, "--failure_policy", "skip", "--resume_mode", "overwrite"), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, config.FailureSkip, o.cfg.Run.FailurePolicy)
	assert.Equal(t, config.ResumeOverwrite, o.cfg.Run.ResumeMode)

	_, err = parseFlags(append(base, "--failure_policy", "retry"), io.Discard)
	assert.ErrorContains(t, err, "failure_policy")
	_, err = parseFlags(append(base, "--resume_mode", "append"), io.Discard)
	assert.ErrorContains(t, err, "resume_mode")
}

func TestCancelOnSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := cancelOnSignal(cancel)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
	require.Eventually(t, func() bool { return ctx.Err() != nil }, 5*time.Second, 10*time.Millisecond,
		"context not cancelled after SIGINT")
}

func TestCancelOnSignalStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelOnSignal(cancel)()
	assert.NoError(t, ctx.Err(), "stopping the watcher does not cancel the run")
}

func TestParseFlagsInvalid(t *testing.T) {
	base := []string{"--model_path", "m", "--input_file", "in.csv", "--output_file", "out.tsv"}

	_, err := parseFlags(append(base, "--temperature", "-1"), io.Discard)
	assert.Error(t, err)

	_, err = parseFlags(append(base, "--config", filepath.Join(t.TempDir(), "missing.toml")), io.Discard)
	assert.Error(t, err)
}
