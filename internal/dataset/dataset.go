// Package dataset reads prompt CSV files and reads and writes the
// tab-separated completion files used as resume checkpoints.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"

	"github.com/23skdu/quarrel-batch/internal/logger"
)

const (
	PromptHeader = "prompt"
	OutputHeader = "output"
)

var (
	// ErrEmpty means the completion file has no header.
	ErrEmpty = errors.New("completion file is empty")
	// ErrMalformed means the completion file is not a prompt/output table.
	ErrMalformed = errors.New("completion file is malformed")
)

// PromptRecord is one input row. Index is its zero-based position among data
// rows and is the resume key.
type PromptRecord struct {
	Index int
	Text  string
	Extra map[string]string
}

type CompletionRecord struct {
	Prompt string
	Output string
}

// ReadPrompts parses a comma-separated file with a header row that must
// contain column.
func ReadPrompts(path, column string) ([]PromptRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("input file %s has no header row", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse input file: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	col := -1
	for i, name := range header {
		if name == column {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("input file %s has no %q column (columns: %s)", path, column, strings.Join(header, ", "))
	}

	var prompts []PromptRecord
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse input file: %w", err)
		}
		p := PromptRecord{Index: len(prompts), Text: rec[col]}
		if len(header) > 1 {
			p.Extra = make(map[string]string, len(header)-1)
			for i, name := range header {
				if i != col {
					p.Extra[name] = rec[i]
				}
			}
		}
		prompts = append(prompts, p)
	}
	return prompts, nil
}

func newTSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	return cr
}

// ReadCompletions reads a completion file written by WriteCompletions.
func ReadCompletions(path string) ([]CompletionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := newTSVReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(header) != 2 || header[0] != PromptHeader || header[1] != OutputHeader {
		return nil, fmt.Errorf("%w: unexpected header %q", ErrMalformed, header)
	}

	var rows []CompletionRecord
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		rows = append(rows, CompletionRecord{Prompt: rec[0], Output: rec[1]})
	}
	return rows, nil
}

// WriteCompletions replaces path with rows. The file is written to a
// temporary sibling and renamed into place, so readers never observe a
// partial table.
func WriteCompletions(path string, rows []CompletionRecord) error {
	pf, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer pf.Cleanup()

	if err := pf.Chmod(0o644); err != nil {
		return err
	}
	w := csv.NewWriter(pf)
	w.Comma = '\t'
	if err := w.Write([]string{PromptHeader, OutputHeader}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write([]string{row.Prompt, row.Output}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// LastIndex returns the index of the last row in the completion file at
// path, or -1 when the file is missing, empty or malformed. The three cases
// are not distinguished to the caller.
func LastIndex(path string) int {
	rows, err := ReadCompletions(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Log.Debug("No existing output, starting from the first row", "path", path)
		return -1
	case errors.Is(err, ErrEmpty):
		logger.Log.Info("Output file is empty, starting from the first row", "path", path)
		return -1
	case err != nil:
		logger.Log.Warn("Output file unreadable, starting from the first row", "path", path, "error", err)
		return -1
	}
	return len(rows) - 1
}
