package dataset

// Buffer accumulates completions in processing order.
type Buffer struct {
	rows []CompletionRecord
}

// NewBuffer returns a buffer starting with a copy of seed.
func NewBuffer(seed []CompletionRecord) *Buffer {
	b := &Buffer{rows: make([]CompletionRecord, len(seed), len(seed)+64)}
	copy(b.rows, seed)
	return b
}

func (b *Buffer) Append(r CompletionRecord) {
	b.rows = append(b.rows, r)
}

func (b *Buffer) Len() int { return len(b.rows) }

// Rows returns the buffered rows. The slice must not be modified.
func (b *Buffer) Rows() []CompletionRecord { return b.rows }

// Flush writes every buffered row to path.
func (b *Buffer) Flush(path string) error {
	return WriteCompletions(path, b.rows)
}
