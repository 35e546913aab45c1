// Package tokenizer turns prompts into token ids and back for the decoder.
package tokenizer

// Vocabulary is what the generator needs from a tokenizer.
//
// Decode keeps special tokens: their literal pieces appear in the text.
type Vocabulary interface {
	Encode(text string) []int
	Decode(ids []int) string

	// The methods below define the special ids for the model.
	// A negative id means the model has no such token.

	BeginningOfSentenceId() int
	EndOfSentenceId() int
	UnknownId() int
	PadId() int
}

// Specials names the special tokens of a model family.
type Specials struct {
	Pad, EOS, BOS, Unknown int
	Pieces                 map[int]string
}

// GemmaSpecials are the ids used by Gemma SentencePiece models.
var GemmaSpecials = Specials{
	Pad: 0, EOS: 1, BOS: 2, Unknown: 3,
	Pieces: map[int]string{0: "<pad>", 1: "<eos>", 2: "<bos>", 3: "<unk>"},
}

// LlamaSpecials are the ids used by Llama/Mistral SentencePiece models.
var LlamaSpecials = Specials{
	Pad: -1, EOS: 2, BOS: 1, Unknown: 0,
	Pieces: map[int]string{0: "<unk>", 1: "<s>", 2: "</s>"},
}

// SpecialsFor picks the special token layout from a model type string
// such as config.json's "model_type" or GGUF's general.architecture.
func SpecialsFor(modelType string) Specials {
	switch modelType {
	case "gemma", "gemma2", "gemma3", "gemma3_text":
		return GemmaSpecials
	default:
		return LlamaSpecials
	}
}

func (s Specials) isSpecial(id int) bool {
	_, ok := s.Pieces[id]
	return ok
}
