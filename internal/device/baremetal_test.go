package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBareMetal(t *testing.T, modelPath string) *BareMetal {
	t.Helper()
	bm := NewBareMetal(BareMetalConfig{
		CPUCores:     8,
		MemoryGB:     16,
		ModelPath:    modelPath,
		PerTokenCost: 10 * time.Microsecond,
		IdleTick:     10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = bm.Terminate(context.Background()) })
	return bm
}

func startTestBareMetal(t *testing.T, modelPath string) *BareMetal {
	t.Helper()
	bm := newTestBareMetal(t, modelPath)
	require.True(t, bm.Initialize(context.Background()), "boot failed")
	require.NoError(t, bm.Start())
	return bm
}

func TestBootSequence(t *testing.T) {
	bm := newTestBareMetal(t, "/models/test.gguf")
	require.True(t, bm.Initialize(context.Background()))
	assert.Equal(t, StateReady, bm.State())

	rt := bm.RuntimeSnapshot()
	assert.Equal(t, BootStageModelLoad, rt.BootStage)
	assert.Equal(t, 8, rt.CPUsOnline)
	assert.True(t, rt.StorageInitialized)
	assert.True(t, rt.ModelLoaded)
	assert.True(t, rt.InferenceReady)
	require.NotNil(t, rt.ModelInfo)
	assert.Equal(t, "/models/test.gguf", rt.ModelInfo.Path)
}

func TestBootWithoutModelSkipsLoadStage(t *testing.T) {
	bm := newTestBareMetal(t, "")
	require.True(t, bm.Initialize(context.Background()))

	rt := bm.RuntimeSnapshot()
	assert.Equal(t, BootStageCompute, rt.BootStage)
	assert.False(t, rt.ModelLoaded)
	assert.True(t, rt.InferenceReady)
}

func TestInferenceRequiresModel(t *testing.T) {
	bm := startTestBareMetal(t, "")

	resp, err := bm.Send(context.Background(), NewInference("hi", 16))
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, ErrInvalidState, resp.Err.Kind)

	// reload_model brings the device into service.
	resp, err = bm.Send(context.Background(), NewCommand("reload_model", map[string]interface{}{
		"model_path": "/models/late.gguf",
	}))
	require.NoError(t, err)
	require.Equal(t, StatusOK, resp.Status)

	resp, err = bm.Send(context.Background(), NewInference("hi", 16))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
}

func TestInferenceUpdatesMetrics(t *testing.T) {
	bm := startTestBareMetal(t, "/models/test.gguf")

	resp, err := bm.Send(context.Background(), NewInference("prompt one", 64))
	require.NoError(t, err)
	require.Equal(t, StatusOK, resp.Status)
	require.NotNil(t, resp.Inference)

	assert.Equal(t, 8, resp.Inference.CoresUsed)
	assert.Greater(t, resp.Inference.TokensPerSecond, 0.0)
	assert.Greater(t, resp.Inference.AttentionValue, 0.0)

	m := bm.MetricsSnapshot()
	assert.Equal(t, int64(1), m.InferenceCount)
	assert.Equal(t, int64(64), m.TokensProcessed)
	assert.Greater(t, m.AverageLatencyMs, 0.0)

	_, err = bm.Send(context.Background(), NewInference("prompt two", 32))
	require.NoError(t, err)
	m = bm.MetricsSnapshot()
	assert.Equal(t, int64(2), m.InferenceCount)
	assert.Equal(t, int64(96), m.TokensProcessed)
}

func TestAttentionDepletesUnderLoad(t *testing.T) {
	bm := startTestBareMetal(t, "/models/test.gguf")

	first, err := bm.Send(context.Background(), NewInference("warm", 8))
	require.NoError(t, err)

	var last *Response
	for i := 0; i < 30; i++ {
		last, err = bm.Send(context.Background(), NewInference("drain", 8))
		require.NoError(t, err)
		require.Equal(t, StatusOK, last.Status)
	}

	assert.Less(t, last.Inference.AttentionValue, first.Inference.AttentionValue,
		"attention should drain under sustained load")
}

func TestRuntimeStateCommand(t *testing.T) {
	bm := startTestBareMetal(t, "/models/test.gguf")

	resp, err := bm.Send(context.Background(), NewCommand("runtime_state", nil))
	require.NoError(t, err)
	require.Equal(t, StatusOK, resp.Status)
	require.NotNil(t, resp.Command)

	assert.Equal(t, true, resp.Command.Data["model_loaded"])
	assert.Equal(t, 8, resp.Command.Data["cpus_online"])
}

func TestComputeConfigCommands(t *testing.T) {
	bm := startTestBareMetal(t, "/models/test.gguf")

	resp, err := bm.Send(context.Background(), NewCommand("compute_config", nil))
	require.NoError(t, err)
	require.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, 8, resp.Command.Data["threads"])
	assert.Equal(t, 512, resp.Command.Data["batch_size"])

	resp, err = bm.Send(context.Background(), NewCommand("update_compute_config", map[string]interface{}{
		"threads":    4,
		"batch_size": 128,
	}))
	require.NoError(t, err)
	require.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, 4, resp.Command.Data["threads"])
	assert.Equal(t, 128, resp.Command.Data["batch_size"])
}

func TestInferenceHistoryBounded(t *testing.T) {
	bm := startTestBareMetal(t, "/models/test.gguf")

	for i := 0; i < 110; i++ {
		msg := NewInference("h", 1)
		msg.ExpectResponse = false
		require.NoError(t, errOnly(bm.Send(context.Background(), msg)))
		// Pace sends so the queue never overflows.
		if i%32 == 31 {
			time.Sleep(20 * time.Millisecond)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for bm.MetricsSnapshot().InferenceCount < 110 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, int64(110), bm.MetricsSnapshot().InferenceCount)

	bm.rtMu.RLock()
	n := len(bm.history)
	bm.rtMu.RUnlock()
	assert.Equal(t, inferenceHistoryCap, n)

	resp, err := bm.Send(context.Background(), NewCommand("inference_history", nil))
	require.NoError(t, err)
	entries, ok := resp.Command.Data["history"].([]interface{})
	require.True(t, ok)
	assert.Len(t, entries, 10)
}

func TestUnknownCommandRejected(t *testing.T) {
	bm := startTestBareMetal(t, "/models/test.gguf")

	resp, err := bm.Send(context.Background(), NewCommand("format_disk", nil))
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, ErrHandlerFailure, resp.Err.Kind)
}
