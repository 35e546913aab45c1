package tokenizer

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/23skdu/quarrel-batch/internal/gguf"
)

const (
	spaceSentencePiece = "▁"

	// GGUF token types.
	tokenTypeControl = 3
)

// Tokenizer encodes with a GGUF or tokenizer.json vocabulary using greedy
// longest-prefix matching. SentencePiece vocabularies fall back to <0xNN>
// byte tokens and then to the unknown id. Byte-level vocabularies match on
// the byte-to-rune spelling of the text.
type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int

	byteLevel   bool
	dummyPrefix bool
	maxPieceLen int
	specials    Specials
}

func newTokenizer(tokens []string, specials Specials, byteLevel, dummyPrefix bool) *Tokenizer {
	t := &Tokenizer{
		Tokens:      tokens,
		Vocab:       make(map[string]int, len(tokens)),
		byteLevel:   byteLevel,
		dummyPrefix: dummyPrefix && !byteLevel,
		specials:    specials,
	}
	for i, tok := range tokens {
		if tok == "" || specials.isSpecial(i) {
			continue
		}
		if _, dup := t.Vocab[tok]; !dup {
			t.Vocab[tok] = i
		}
		if len(tok) > t.maxPieceLen {
			t.maxPieceLen = len(tok)
		}
	}
	return t
}

// New loads the tokenizer embedded in a GGUF file.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromGGUF(f)
}

func FromGGUF(f *gguf.File) (*Tokenizer, error) {
	tokens, err := f.Strings("tokenizer.ggml.tokens")
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("tokenizer.ggml.tokens is empty")
	}

	specials := Specials{
		Pad: -1, EOS: -1, BOS: -1, Unknown: -1,
		Pieces: make(map[int]string),
	}
	ids := map[string]*int{
		"tokenizer.ggml.bos_token_id":     &specials.BOS,
		"tokenizer.ggml.eos_token_id":     &specials.EOS,
		"tokenizer.ggml.unknown_token_id": &specials.Unknown,
		"tokenizer.ggml.padding_token_id": &specials.Pad,
	}
	for key, dst := range ids {
		if v, ok := f.Uint(key); ok && v < uint64(len(tokens)) {
			*dst = int(v)
			specials.Pieces[int(v)] = tokens[v]
		}
	}
	if types, ok := f.KV["tokenizer.ggml.token_type"].([]interface{}); ok {
		for i, v := range types {
			if typ, ok := v.(int32); ok && typ == tokenTypeControl && i < len(tokens) {
				specials.Pieces[i] = tokens[i]
			}
		}
	}

	model, _ := f.String("tokenizer.ggml.model")
	byteLevel := model == "gpt2"
	return newTokenizer(tokens, specials, byteLevel, !byteLevel), nil
}

func (t *Tokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}
	var normalized string
	if t.byteLevel {
		normalized = byteLevelEncode(text)
	} else {
		normalized = strings.ReplaceAll(text, " ", spaceSentencePiece)
		if t.dummyPrefix && !strings.HasPrefix(normalized, spaceSentencePiece) {
			normalized = spaceSentencePiece + normalized
		}
	}

	var ids []int
	for len(normalized) > 0 {
		n := t.maxPieceLen
		if n > len(normalized) {
			n = len(normalized)
		}
		matched := false
		for ; n > 0; n-- {
			if id, ok := t.Vocab[normalized[:n]]; ok {
				ids = append(ids, id)
				normalized = normalized[n:]
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		_, size := utf8.DecodeRuneInString(normalized)
		if t.byteLevel {
			if t.specials.Unknown >= 0 {
				ids = append(ids, t.specials.Unknown)
			}
		} else {
			ids = append(ids, t.byteFallback(normalized[:size])...)
		}
		normalized = normalized[size:]
	}
	return ids
}

func (t *Tokenizer) byteFallback(s string) []int {
	ids := make([]int, 0, len(s))
	for i := 0; i < len(s); i++ {
		if id, ok := t.Vocab[fmt.Sprintf("<0x%02X>", s[i])]; ok {
			ids = append(ids, id)
			continue
		}
		if t.specials.Unknown >= 0 {
			ids = append(ids, t.specials.Unknown)
		}
		return ids
	}
	return ids
}

func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	var pending []byte
	flush := func() {
		if len(pending) > 0 {
			sb.Write(pending)
			pending = pending[:0]
		}
	}

	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			continue
		}
		piece := t.Tokens[id]
		if t.specials.isSpecial(id) {
			flush()
			sb.WriteString(piece)
			continue
		}
		if t.byteLevel {
			pending = append(pending, byteLevelDecode(piece)...)
			continue
		}
		if b, ok := parseByteToken(piece); ok {
			pending = append(pending, b)
			continue
		}
		flush()
		sb.WriteString(strings.ReplaceAll(piece, spaceSentencePiece, " "))
	}
	flush()

	out := sb.String()
	if t.dummyPrefix {
		out = stripDummyPrefix(out, t.specials)
	}
	return out
}

// stripDummyPrefix drops the space Encode added in front of the first word,
// even when special tokens precede it.
func stripDummyPrefix(s string, specials Specials) string {
	rest := s
	prefix := ""
	for {
		trimmed := false
		for _, p := range specials.Pieces {
			if p != "" && strings.HasPrefix(rest, p) {
				prefix += p
				rest = rest[len(p):]
				trimmed = true
				break
			}
		}
		if !trimmed {
			break
		}
	}
	return prefix + strings.TrimPrefix(rest, " ")
}

func parseByteToken(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(piece[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

func (t *Tokenizer) BeginningOfSentenceId() int { return t.specials.BOS }
func (t *Tokenizer) EndOfSentenceId() int       { return t.specials.EOS }
func (t *Tokenizer) UnknownId() int             { return t.specials.Unknown }
func (t *Tokenizer) PadId() int                 { return t.specials.Pad }
