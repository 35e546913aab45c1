package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/quarrel-batch/internal/gguf/gguftest"
	"github.com/23skdu/quarrel-batch/internal/tokenizer"
)

var testVocab = []string{"<unk>", "<s>", "</s>", "▁Hello", "▁World", "!"}

const (
	tokBOS   = 1
	tokEOS   = 2
	tokHello = 3
	tokWorld = 4
	tokBang  = 5
)

// writeVocabGGUF writes a GGUF file carrying only the test vocabulary.
func writeVocabGGUF(t *testing.T, path string, extra ...gguftest.KV) {
	t.Helper()
	kvs := append(gguftest.Vocab(testVocab, tokBOS, tokEOS, 0), extra...)
	gguftest.WriteFile(t, path, kvs, nil)
}

func newTestVocab(t *testing.T) tokenizer.Vocabulary {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.gguf")
	writeVocabGGUF(t, path)
	tk, err := tokenizer.New(path)
	require.NoError(t, err, "Failed to create tokenizer")
	return tk
}

// scriptedModel emits the tokens of script in order by putting all logit
// mass on them, then repeats fill.
type scriptedModel struct {
	mu      sync.Mutex
	script  []int
	fill    int
	device  Device
	err     error
	calls   int
	lengths []int
	closed  bool
}

func (m *scriptedModel) Forward(ctx context.Context, tokens []int) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}
	next := m.fill
	if m.calls < len(m.script) {
		next = m.script[m.calls]
	}
	m.calls++
	m.lengths = append(m.lengths, len(tokens))

	logits := make([]float32, len(testVocab))
	logits[next] = 10
	return logits, nil
}

func (m *scriptedModel) Device() Device { return m.device }

func (m *scriptedModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
