// Command quarrel-batch completes every prompt of a CSV file with a language
// model and writes the results to a tab-separated file, resuming from the
// last completed row when restarted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/23skdu/quarrel-batch/internal/config"
	"github.com/23skdu/quarrel-batch/internal/dataset"
	"github.com/23skdu/quarrel-batch/internal/engine"
	"github.com/23skdu/quarrel-batch/internal/logger"
	"github.com/23skdu/quarrel-batch/internal/metrics"
	"github.com/23skdu/quarrel-batch/internal/monitoring"
	"github.com/23skdu/quarrel-batch/internal/runner"

	_ "github.com/23skdu/quarrel-batch/internal/arrow_client"
)

type options struct {
	configPath string
	modelPath  string
	inputFile  string
	outputFile string
	cfg        config.Config
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	def := config.Default()
	fs := flag.NewFlagSet("quarrel-batch", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		o           options
		temperature = fs.Float64("temperature", def.Decoding.Temperature, "Sampling temperature (0 decodes greedily)")
		seed        = fs.Int64("seed", 0, "Sampler seed (0 seeds from the clock)")
		backend     = fs.String("backend", def.Model.Backend, "Inference backend")
		backendAddr = fs.String("backend_addr", def.Model.BackendAddr, "Inference server address")
		logLevel    = fs.String("log_level", def.LogLevel, "Log level (debug, info, warn, error)")
		logFormat   = fs.String("log_format", def.LogFormat, "Log format (console, json)")
		metricsAddr = fs.String("metrics", "", "Address to serve Prometheus metrics (empty disables)")
		failure     = fs.String("failure_policy", string(def.Run.FailurePolicy), "What to write for a row that failed: skip or sentinel")
		resume      = fs.String("resume_mode", string(def.Run.ResumeMode), "Keep rows already in the output (merge) or rewrite it with this run's rows (overwrite)")
	)
	fs.StringVar(&o.configPath, "config", "", "Path to a TOML config file")
	fs.StringVar(&o.modelPath, "model_path", "", "Model directory, GGUF file or Ollama model name")
	fs.StringVar(&o.inputFile, "input_file", "", "CSV file with the prompts")
	fs.StringVar(&o.outputFile, "output_file", "", "TSV file for the completions")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	o.cfg = def
	if o.configPath != "" {
		cfg, err := config.LoadFile(o.configPath)
		if err != nil {
			return nil, err
		}
		o.cfg = cfg
	}

	// Flags given on the command line override the config file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "temperature":
			o.cfg.Decoding.Temperature = *temperature
		case "seed":
			o.cfg.Decoding.Seed = *seed
		case "backend":
			o.cfg.Model.Backend = *backend
		case "backend_addr":
			o.cfg.Model.BackendAddr = *backendAddr
		case "log_level":
			o.cfg.LogLevel = *logLevel
		case "log_format":
			o.cfg.LogFormat = *logFormat
		case "metrics":
			o.cfg.MetricsAddr = *metricsAddr
		case "failure_policy":
			o.cfg.Run.FailurePolicy = config.FailurePolicy(*failure)
		case "resume_mode":
			o.cfg.Run.ResumeMode = config.ResumeMode(*resume)
		}
	})

	required := []struct{ name, value string }{
		{"model_path", o.modelPath},
		{"input_file", o.inputFile},
		{"output_file", o.outputFile},
	}
	for _, r := range required {
		if r.value == "" {
			fs.Usage()
			return nil, fmt.Errorf("--%s is required", r.name)
		}
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

func run(ctx context.Context, args []string) error {
	o, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	logger.Setup(o.cfg.LogLevel, o.cfg.LogFormat)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopSignals := cancelOnSignal(cancel)
	defer stopSignals()

	health := monitoring.NewHealthMonitor()
	if o.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		health.Register(mux)
		mctx, mcancel := context.WithCancel(context.Background())
		defer mcancel()
		go func() {
			if err := metrics.Serve(mctx, o.cfg.MetricsAddr, mux); err != nil {
				logger.Log.Error("Metrics server error", "error", err)
			}
		}()
	}

	err = process(ctx, o, health)
	switch {
	case err == nil:
		health.SetState(monitoring.StateDone)
	case errors.Is(err, context.Canceled):
		health.SetState(monitoring.StateInterrupted)
	default:
		health.SetState(monitoring.StateFailed)
	}
	return err
}

func process(ctx context.Context, o *options, health *monitoring.HealthMonitor) error {
	prompts, err := dataset.ReadPrompts(o.inputFile, o.cfg.Run.PromptColumn)
	if err != nil {
		return err
	}
	logger.Log.Info("Prompts loaded", "input", o.inputFile, "rows", len(prompts))

	bundle, err := engine.Load(ctx, o.modelPath, o.cfg.Model)
	if err != nil {
		return err
	}
	defer bundle.Close()
	health.SetModel(monitoring.ModelInfo{
		Loaded:    true,
		Path:      o.modelPath,
		Backend:   o.cfg.Model.Backend,
		Device:    bundle.Model.Device().String(),
		ModelType: bundle.Artifact.ModelType,
	})

	gen := engine.NewGenerator(bundle.Vocab, bundle.Model, o.cfg.Decoding)
	r := runner.New(gen, o.cfg.Run)
	r.Observer = health
	_, err = r.Run(ctx, prompts, o.outputFile)
	return err
}

// cancelOnSignal calls cancel on the first SIGINT or SIGTERM and restores
// the default handling, so a second signal kills the process.
func cancelOnSignal(cancel context.CancelFunc) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			signal.Stop(sigs)
			logger.Log.Warn("Interrupt received, finishing the current row")
			cancel()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func main() {
	err := run(context.Background(), os.Args[1:])
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
	default:
		logger.Log.Error("quarrel-batch failed", "error", err)
		os.Exit(1)
	}
}
