// Command inspect_model shows how quarrel-batch resolves a model: which files
// it uses, the GGUF metadata, and how a prompt tokenizes.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/23skdu/quarrel-batch/internal/engine"
	"github.com/23skdu/quarrel-batch/internal/gguf"
	"github.com/23skdu/quarrel-batch/internal/logger"
)

func run(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("inspect_model", flag.ContinueOnError)
	fs.SetOutput(w)
	modelPath := fs.String("model_path", "", "Model directory, GGUF file or Ollama model name")
	prompt := fs.String("prompt", "", "Prompt to tokenize")
	showKV := fs.Bool("kv", false, "Print every GGUF metadata key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelPath == "" {
		fs.Usage()
		return fmt.Errorf("--model_path is required")
	}

	a, err := engine.ResolveArtifact(*modelPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Model:      %s\n", a.Path)
	fmt.Fprintf(w, "Directory:  %s\n", a.Dir)
	fmt.Fprintf(w, "Model type: %s\n", orNone(a.ModelType))
	fmt.Fprintf(w, "GGUF:       %s\n", orNone(a.GGUFPath))
	fmt.Fprintf(w, "Tokenizer:  %s\n", orNone(a.TokenizerFile()))
	if a.BaseModel != "" {
		fmt.Fprintf(w, "Base model: %s\n", a.BaseModel)
	}
	for _, ad := range a.Adapters {
		fmt.Fprintf(w, "Adapter:    %s\n", ad)
	}

	if s := a.Summary; s != nil {
		fmt.Fprintln(w, "\n=== GGUF ===")
		fmt.Fprintf(w, "Architecture:   %s\n", orNone(s.Architecture))
		fmt.Fprintf(w, "Name:           %s\n", orNone(s.Name))
		fmt.Fprintf(w, "Context length: %d\n", s.ContextLength)
		fmt.Fprintf(w, "Tensors:        %d\n", s.TensorCount)
		fmt.Fprintf(w, "Parameters:     %s\n", humanize.Comma(int64(s.Parameters)))
		fmt.Fprintf(w, "Weights:        %s\n", humanize.IBytes(s.WeightBytes))
		types := make([]string, 0, len(s.Types))
		for t, n := range s.Types {
			types = append(types, fmt.Sprintf("%s=%d", t, n))
		}
		sort.Strings(types)
		fmt.Fprintf(w, "Tensor types:   %s\n", strings.Join(types, " "))
		if *showKV {
			if err := printKV(w, a.GGUFPath); err != nil {
				return err
			}
		}
	}

	if *prompt != "" {
		vocab, err := engine.LoadVocabulary(a)
		if err != nil {
			return err
		}
		ids := vocab.Encode(*prompt)
		fmt.Fprintln(w, "\n=== Tokens ===")
		fmt.Fprintf(w, "BOS %d  EOS %d  UNK %d  PAD %d\n",
			vocab.BeginningOfSentenceId(), vocab.EndOfSentenceId(), vocab.UnknownId(), vocab.PadId())
		fmt.Fprintf(w, "Ids (%d): %v\n", len(ids), ids)
		fmt.Fprintf(w, "Decoded:  %q\n", vocab.Decode(ids))
	}
	return nil
}

func printKV(w io.Writer, path string) error {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	keys := make([]string, 0, len(f.KV))
	for k := range f.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, "\n=== Metadata ===")
	for _, k := range keys {
		v := f.KV[k]
		if list, ok := v.([]interface{}); ok && len(list) > 8 {
			v = fmt.Sprintf("[%d values]", len(list))
		}
		fmt.Fprintf(w, "%-40s %v\n", k, v)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func main() {
	logger.Setup("warn", "console")
	if err := run(os.Args[1:], os.Stdout); err != nil && err != flag.ErrHelp {
		logger.Log.Error("inspect_model failed", "error", err)
		os.Exit(1)
	}
}
