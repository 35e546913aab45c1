package arrow_client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/23skdu/quarrel-batch/internal/engine"
)

func startMock(t *testing.T, vocab int, device string, next func([]int) int) *MockServer {
	t.Helper()
	s := NewMockServer(vocab, device, next)
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(s.Stop)
	return s
}

func testArtifact() *engine.Artifact {
	return &engine.Artifact{
		Path:      "/models/gemma",
		Dir:       "/models/gemma",
		GGUFPath:  "/models/gemma/model.gguf",
		ModelType: "gemma",
	}
}

func TestOpenReportsDevice(t *testing.T) {
	s := startMock(t, 16, "CUDA", nil)

	m, err := Open(context.Background(), testArtifact(), engine.BackendOptions{Addr: s.Addr(), DType: "bf16"})
	require.NoError(t, err)
	defer m.Close()

	dev := m.Device()
	assert.Equal(t, engine.DeviceCUDA, dev.Kind)
	assert.True(t, dev.IsAccelerator())
	assert.Equal(t, uint64(8<<30), dev.MemoryBytes)
	assert.Equal(t, 16, m.VocabSize())

	req, ok := s.LastLoad()
	require.True(t, ok)
	assert.Equal(t, "bf16", req.DType)
	assert.Equal(t, "/models/gemma/model.gguf", req.GGUF)
	assert.Equal(t, "gemma", req.ModelType)
}

func TestForwardReturnsLogits(t *testing.T) {
	s := startMock(t, 10, "cuda", func(tokens []int) int { return len(tokens) })
	s.ChunkSize = 3

	m, err := Open(context.Background(), testArtifact(), engine.BackendOptions{Addr: s.Addr()})
	require.NoError(t, err)
	defer m.Close()

	logits, err := m.Forward(context.Background(), []int{2, 7, 7, 1})
	require.NoError(t, err)
	require.Len(t, logits, 10, "records are concatenated")
	for i, v := range logits {
		if i == 4 {
			assert.Equal(t, float32(10), v)
		} else {
			assert.Zero(t, v, "logit %d", i)
		}
	}

	_, forwards, _ := s.Stats()
	assert.Equal(t, 1, forwards)
}

func TestForwardError(t *testing.T) {
	s := startMock(t, 4, "cuda", nil)
	s.FailForward = codes.ResourceExhausted

	m, err := Open(context.Background(), testArtifact(), engine.BackendOptions{Addr: s.Addr()})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Forward(context.Background(), []int{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ResourceExhausted")
}

func TestForwardCancelled(t *testing.T) {
	s := startMock(t, 4, "cuda", nil)
	m, err := Open(context.Background(), testArtifact(), engine.BackendOptions{Addr: s.Addr()})
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Forward(ctx, []int{1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseUnloadsSession(t *testing.T) {
	s := startMock(t, 4, "metal", nil)
	m, err := Open(context.Background(), testArtifact(), engine.BackendOptions{Addr: s.Addr()})
	require.NoError(t, err)

	_, _, open := s.Stats()
	assert.Equal(t, 1, open)

	require.NoError(t, m.Close())
	require.Eventually(t, func() bool {
		_, _, open := s.Stats()
		return open == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.NoError(t, m.Close(), "second close is a no-op")
	_, err = m.Forward(context.Background(), []int{1})
	assert.Error(t, err)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(context.Background(), testArtifact(), engine.BackendOptions{})
	assert.Error(t, err)

	s := startMock(t, 4, "cuda", nil)
	_, err = Open(context.Background(), &engine.Artifact{Path: "x"}, engine.BackendOptions{Addr: s.Addr()})
	assert.ErrorContains(t, err, "InvalidArgument")
}

func TestCPUDeviceIsNotAccelerator(t *testing.T) {
	s := startMock(t, 4, "cpu", nil)
	m, err := Open(context.Background(), testArtifact(), engine.BackendOptions{Addr: s.Addr()})
	require.NoError(t, err)
	defer m.Close()
	assert.False(t, m.Device().IsAccelerator())
}

func TestRegisteredAsBackend(t *testing.T) {
	assert.Contains(t, engine.Backends(), BackendName)
}
