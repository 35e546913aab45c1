package tokenizer

import (
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	// HFTokenizerFile is the fast tokenizer written by save_pretrained.
	HFTokenizerFile = "tokenizer.json"
	// HFTokenizerConfigFile names the special tokens of HFTokenizerFile.
	HFTokenizerConfigFile = "tokenizer_config.json"
)

// hfComponent is a normalizer, pre-tokenizer or decoder entry. Sequences
// nest their children under one of the list fields.
type hfComponent struct {
	Type           string        `json:"type"`
	AddPrefixSpace *bool         `json:"add_prefix_space"`
	PrependScheme  string        `json:"prepend_scheme"`
	Normalizers    []hfComponent `json:"normalizers"`
	Pretokenizers  []hfComponent `json:"pretokenizers"`
	Decoders       []hfComponent `json:"decoders"`
}

func (c *hfComponent) has(match func(*hfComponent) bool) bool {
	if c == nil {
		return false
	}
	if match(c) {
		return true
	}
	for _, list := range [][]hfComponent{c.Normalizers, c.Pretokenizers, c.Decoders} {
		for i := range list {
			if list[i].has(match) {
				return true
			}
		}
	}
	return false
}

type hfAddedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

type hfTokenizerFile struct {
	AddedTokens  []hfAddedToken `json:"added_tokens"`
	Normalizer   *hfComponent   `json:"normalizer"`
	PreTokenizer *hfComponent   `json:"pre_tokenizer"`
	Decoder      *hfComponent   `json:"decoder"`
	Model        struct {
		Type     string          `json:"type"`
		Vocab    json.RawMessage `json:"vocab"`
		UnkToken string          `json:"unk_token"`
	} `json:"model"`
}

// hfSpecialToken accepts both "<s>" and {"content": "<s>", ...}.
type hfSpecialToken string

func (s *hfSpecialToken) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = hfSpecialToken(str)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*s = hfSpecialToken(obj.Content)
	return nil
}

type hfTokenizerConfig struct {
	BOS hfSpecialToken `json:"bos_token"`
	EOS hfSpecialToken `json:"eos_token"`
	UNK hfSpecialToken `json:"unk_token"`
	PAD hfSpecialToken `json:"pad_token"`
}

// FromHFFile loads a Hugging Face tokenizer.json. The special tokens come
// from tokenizer_config.json in the same directory when it exists, and
// otherwise only the model's unk_token is known.
func FromHFFile(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "can't read tokenizer %q", path)
	}
	var file hfTokenizerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "can't parse tokenizer %q", path)
	}

	tokens, err := file.tokens()
	if err != nil {
		return nil, errors.Wrapf(err, "can't read vocabulary of %q", path)
	}
	if len(tokens) == 0 {
		return nil, errors.Errorf("tokenizer %q has an empty vocabulary", path)
	}

	var cfg hfTokenizerConfig
	cfgPath := filepath.Join(filepath.Dir(path), HFTokenizerConfigFile)
	if raw, err := os.ReadFile(cfgPath); err == nil {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrapf(err, "can't parse %q", cfgPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "can't read %q", cfgPath)
	}
	if cfg.UNK == "" {
		cfg.UNK = hfSpecialToken(file.Model.UnkToken)
	}

	specials := Specials{
		Pad: -1, EOS: -1, BOS: -1, Unknown: -1,
		Pieces: make(map[int]string),
	}
	for _, at := range file.AddedTokens {
		if at.Special && at.ID >= 0 && at.ID < len(tokens) {
			specials.Pieces[at.ID] = at.Content
		}
	}
	byPiece := make(map[string]int, len(tokens))
	for id, tok := range tokens {
		if _, dup := byPiece[tok]; tok != "" && !dup {
			byPiece[tok] = id
		}
	}
	for _, s := range []struct {
		piece hfSpecialToken
		dst   *int
	}{
		{cfg.BOS, &specials.BOS},
		{cfg.EOS, &specials.EOS},
		{cfg.UNK, &specials.Unknown},
		{cfg.PAD, &specials.Pad},
	} {
		if s.piece == "" {
			continue
		}
		if id, ok := byPiece[string(s.piece)]; ok {
			*s.dst = id
			specials.Pieces[id] = string(s.piece)
		}
	}

	byteLevel := file.PreTokenizer.has(isType("ByteLevel")) || file.Decoder.has(isType("ByteLevel"))
	dummyPrefix := file.Normalizer.has(isType("Prepend")) || file.PreTokenizer.has(func(c *hfComponent) bool {
		return c.Type == "Metaspace" && (c.AddPrefixSpace == nil || *c.AddPrefixSpace) && c.PrependScheme != "never"
	})
	return newTokenizer(tokens, specials, byteLevel, dummyPrefix), nil
}

func isType(name string) func(*hfComponent) bool {
	return func(c *hfComponent) bool { return c.Type == name }
}

// tokens lays the model vocabulary and the added tokens out by id. BPE,
// WordPiece and WordLevel store a piece-to-id map, Unigram a list of
// [piece, score] pairs.
func (f *hfTokenizerFile) tokens() ([]string, error) {
	byID := make(map[int]string)
	if len(f.Model.Vocab) > 0 && string(f.Model.Vocab) != "null" {
		if f.Model.Type == "Unigram" {
			var pairs [][]interface{}
			if err := json.Unmarshal(f.Model.Vocab, &pairs); err != nil {
				return nil, err
			}
			for id, pair := range pairs {
				if len(pair) > 0 {
					if piece, ok := pair[0].(string); ok {
						byID[id] = piece
					}
				}
			}
		} else {
			var vocab map[string]int
			if err := json.Unmarshal(f.Model.Vocab, &vocab); err != nil {
				return nil, err
			}
			for piece, id := range vocab {
				byID[id] = piece
			}
		}
	}
	for _, at := range f.AddedTokens {
		byID[at.ID] = at.Content
	}

	size := 0
	for id := range byID {
		if id < 0 {
			return nil, errors.Errorf("negative token id %d", id)
		}
		if id+1 > size {
			size = id + 1
		}
	}
	tokens := make([]string, size)
	for id, piece := range byID {
		tokens[id] = piece
	}
	return tokens, nil
}
