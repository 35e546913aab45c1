package tokenizer

import (
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/pkg/errors"
)

// Processor wraps a SentencePiece model (tokenizer.model) and implements
// Vocabulary. Special ids come from the model family since the processor
// does not report them.
type Processor struct {
	*esentencepiece.Processor
	specials Specials
}

func NewFromPath(vocabPath string, specials Specials) (*Processor, error) {
	proc, err := esentencepiece.NewProcessorFromPath(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece from %q", vocabPath)
	}
	return &Processor{
		Processor: proc,
		specials:  specials,
	}, nil
}

// Encode returns the text encoded into a sequence of ids.
func (p *Processor) Encode(text string) []int {
	tokens := p.Processor.Encode(text)
	ids := make([]int, len(tokens))
	for i, t := range tokens {
		ids[i] = t.ID
	}
	return ids
}

// Decode returns the text for ids, writing special tokens literally.
func (p *Processor) Decode(ids []int) string {
	return decodeKeepingSpecials(ids, p.specials, p.Processor.Decode)
}

func (p *Processor) BeginningOfSentenceId() int { return p.specials.BOS }
func (p *Processor) EndOfSentenceId() int       { return p.specials.EOS }
func (p *Processor) UnknownId() int             { return p.specials.Unknown }
func (p *Processor) PadId() int                 { return p.specials.Pad }

// decodeKeepingSpecials decodes runs of ordinary ids with decode and
// splices the literal piece of every special id in between.
func decodeKeepingSpecials(ids []int, specials Specials, decode func([]int) string) string {
	var out []byte
	start := 0
	for i, id := range ids {
		piece, special := specials.Pieces[id]
		if !special {
			continue
		}
		if start < i {
			out = append(out, decode(ids[start:i])...)
		}
		out = append(out, piece...)
		start = i + 1
	}
	if start < len(ids) {
		out = append(out, decode(ids[start:])...)
	}
	return string(out)
}
