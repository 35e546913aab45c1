package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quarrel-batch/internal/config"
)

func greedyConfig() config.DecodingConfig {
	cfg := config.DefaultDecoding()
	cfg.DoSample = false
	cfg.RepetitionPenalty = 1.0
	cfg.NoRepeatNGramSize = 0
	cfg.Seed = 1
	return cfg
}

func TestSampleGreedy(t *testing.T) {
	s := NewSampler(greedyConfig())
	id, err := s.Sample([]float32{0.1, 3.0, 2.5, -1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestSampleZeroTemperatureIsGreedy(t *testing.T) {
	cfg := config.DefaultDecoding()
	cfg.Temperature = 0
	cfg.NoRepeatNGramSize = 0
	cfg.Seed = 7
	s := NewSampler(cfg)
	for i := 0; i < 20; i++ {
		id, err := s.Sample([]float32{1.0, 1.5, 1.4}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, id)
	}
}

func TestSampleDoesNotModifyLogits(t *testing.T) {
	cfg := greedyConfig()
	cfg.RepetitionPenalty = 2.0
	logits := []float32{4, 2, 1}
	_, err := NewSampler(cfg).Sample(logits, []int{0})
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 2, 1}, logits)
}

func TestRepetitionPenalty(t *testing.T) {
	tests := []struct {
		name    string
		logits  []float32
		history []int
		want    int
	}{
		{"positive score divided", []float32{2.0, 1.9}, []int{0}, 1},
		{"negative score multiplied", []float32{-1.0, -1.1}, []int{0}, 1},
		{"unseen token untouched", []float32{2.0, 1.9}, []int{1}, 0},
		{"out of range history ignored", []float32{2.0, 1.9}, []int{-1, 9}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := greedyConfig()
			cfg.RepetitionPenalty = 1.2
			id, err := NewSampler(cfg).Sample(tt.logits, tt.history)
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestBannedNGramTokens(t *testing.T) {
	tests := []struct {
		name string
		seq  []int
		n    int
		want []int
	}{
		{"disabled", []int{1, 2, 1}, 0, nil},
		{"too short", []int{1}, 3, nil},
		{"trigram repeat", []int{5, 6, 7, 5, 6}, 3, []int{7}},
		{"no repeat yet", []int{5, 6, 7, 8}, 3, nil},
		{"two continuations", []int{1, 2, 1, 3, 1}, 2, []int{2, 3}},
		{"unigram bans everything seen", []int{4, 9}, 1, []int{4, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bannedNGramTokens(tt.seq, tt.n))
		})
	}
}

func TestSampleNoRepeatNGram(t *testing.T) {
	cfg := greedyConfig()
	cfg.NoRepeatNGramSize = 3
	logits := make([]float32, 10)
	logits[7] = 5
	logits[3] = 4

	id, err := NewSampler(cfg).Sample(logits, []int{5, 6, 7, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, 3, id, "token completing a repeated trigram must be banned")
}

func TestSampleTopKOne(t *testing.T) {
	cfg := config.DefaultDecoding()
	cfg.TopK = 1
	cfg.Temperature = 5.0
	cfg.NoRepeatNGramSize = 0
	cfg.Seed = 42
	s := NewSampler(cfg)
	for i := 0; i < 50; i++ {
		id, err := s.Sample([]float32{1.0, 1.2, 0.9, 1.1}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, id)
	}
}

func TestSampleTopPSmall(t *testing.T) {
	cfg := config.DefaultDecoding()
	cfg.TopK = 0
	cfg.TopP = 0.01
	cfg.Temperature = 1.0
	cfg.NoRepeatNGramSize = 0
	cfg.Seed = 3
	s := NewSampler(cfg)
	for i := 0; i < 50; i++ {
		id, err := s.Sample([]float32{0.5, 0.4, 2.0}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, id)
	}
}

func TestSampleSeedDeterministic(t *testing.T) {
	cfg := config.DefaultDecoding()
	cfg.Temperature = 1.0
	cfg.TopK = 0
	cfg.TopP = 1.0
	cfg.NoRepeatNGramSize = 0
	cfg.Seed = 1234
	logits := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}

	a, b := NewSampler(cfg), NewSampler(cfg)
	for i := 0; i < 30; i++ {
		x, err := a.Sample(logits, nil)
		require.NoError(t, err)
		y, err := b.Sample(logits, nil)
		require.NoError(t, err)
		require.Equal(t, x, y, "draw %d", i)
	}
}

func TestSampleInvalidLogits(t *testing.T) {
	s := NewSampler(greedyConfig())

	_, err := s.Sample(nil, nil)
	assert.Error(t, err)

	_, err = s.Sample([]float32{1, float32(math.NaN())}, nil)
	assert.Error(t, err)

	_, err = s.Sample([]float32{float32(math.Inf(1)), 0}, nil)
	assert.Error(t, err)
}

func TestSampleAllMasked(t *testing.T) {
	neg := float32(math.Inf(-1))
	logits := []float32{neg, neg, neg}

	_, err := NewSampler(greedyConfig()).Sample(logits, nil)
	assert.ErrorIs(t, err, ErrNoCandidates)

	cfg := config.DefaultDecoding()
	cfg.Seed = 1
	_, err = NewSampler(cfg).Sample(logits, nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestApplyTopPRenormalizes(t *testing.T) {
	c := []tokenProb{{0, 0.5}, {1, 0.3}, {2, 0.2}}
	got := applyTopP(c, 0.7)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.625, got[0].prob, 1e-9)
	assert.InDelta(t, 0.375, got[1].prob, 1e-9)
}

func TestApplyTopK(t *testing.T) {
	c := []tokenProb{{0, 0.5}, {1, 0.3}, {2, 0.2}}
	assert.Len(t, applyTopK(c, 2), 2)
	assert.Len(t, applyTopK(c, 0), 3)
	assert.Len(t, applyTopK(c, 10), 3)
}
