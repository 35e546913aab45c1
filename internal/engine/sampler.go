package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/23skdu/quarrel-batch/internal/config"
)

// ErrNoCandidates means every token was masked out.
var ErrNoCandidates = errors.New("no token left to sample")

// Sampler picks the next token from logits. The processing order is
// repetition penalty, n-gram ban, then temperature, top-k and top-p.
type Sampler struct {
	Config config.DecodingConfig
	rng    *rand.Rand
}

func NewSampler(cfg config.DecodingConfig) *Sampler {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Sample returns the next token id. history is every token in the sequence
// so far, prompt included. logits is not modified.
func (s *Sampler) Sample(logits []float32, history []int) (int, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("empty logits")
	}
	if err := validateLogits(logits); err != nil {
		return 0, err
	}

	scores := make([]float64, len(logits))
	for i, v := range logits {
		scores[i] = float64(v)
	}

	if s.Config.RepetitionPenalty != 1.0 && len(history) > 0 {
		applyRepetitionPenalty(scores, history, s.Config.RepetitionPenalty)
	}
	for _, id := range bannedNGramTokens(history, s.Config.NoRepeatNGramSize) {
		if id >= 0 && id < len(scores) {
			scores[id] = math.Inf(-1)
		}
	}

	if s.Config.Greedy() {
		return argMax(scores)
	}

	candidates := softmaxCandidates(scores, s.Config.Temperature)
	if len(candidates) == 0 {
		return 0, ErrNoCandidates
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})
	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)

	return s.sampleFromCandidates(candidates), nil
}

func validateLogits(logits []float32) error {
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 1) {
			return fmt.Errorf("invalid logit %v at token %d", v, i)
		}
	}
	return nil
}

// applyRepetitionPenalty divides positive scores and multiplies negative
// ones for every token already in history.
func applyRepetitionPenalty(scores []float64, history []int, penalty float64) {
	seen := make(map[int]struct{}, len(history))
	for _, id := range history {
		if _, ok := seen[id]; ok || id < 0 || id >= len(scores) {
			continue
		}
		seen[id] = struct{}{}
		if scores[id] > 0 {
			scores[id] /= penalty
		} else {
			scores[id] *= penalty
		}
	}
}

// bannedNGramTokens returns the tokens that would complete an n-gram that
// already occurs in seq.
func bannedNGramTokens(seq []int, n int) []int {
	if n <= 0 || len(seq)+1 < n {
		return nil
	}
	prefix := seq[len(seq)-(n-1):]
	var banned []int
	for i := 0; i+n <= len(seq); i++ {
		if equalInts(seq[i:i+n-1], prefix) {
			banned = append(banned, seq[i+n-1])
		}
	}
	return banned
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type tokenProb struct {
	id   int
	prob float64
}

func softmaxCandidates(scores []float64, temperature float64) []tokenProb {
	maxVal := math.Inf(-1)
	for _, v := range scores {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(maxVal, -1) {
		return nil
	}

	candidates := make([]tokenProb, 0, len(scores))
	sum := 0.0
	for i, v := range scores {
		if math.IsInf(v, -1) {
			continue
		}
		p := math.Exp((v - maxVal) / temperature)
		if p <= 0 {
			continue
		}
		candidates = append(candidates, tokenProb{id: i, prob: p})
		sum += p
	}
	for i := range candidates {
		candidates[i].prob /= sum
	}
	return candidates
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}

	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}

func argMax(scores []float64) (int, error) {
	best := -1
	bestVal := math.Inf(-1)
	for i, v := range scores {
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	if best < 0 {
		return 0, ErrNoCandidates
	}
	return best, nil
}

// applyTopK expects candidates sorted by descending probability.
func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest prefix whose mass reaches p, renormalized.
// It expects candidates sorted by descending probability.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 || len(candidates) == 0 {
		return candidates
	}

	total := 0.0
	for _, c := range candidates {
		total += c.prob
	}

	cum := 0.0
	cut := len(candidates)
	for i, c := range candidates {
		cum += c.prob / total
		if cum >= p {
			cut = i + 1
			break
		}
	}
	selected := candidates[:cut]

	kept := 0.0
	for _, c := range selected {
		kept += c.prob
	}
	for i := range selected {
		selected[i].prob /= kept
	}
	return selected
}
