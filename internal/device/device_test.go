package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// testHandler is a scriptable handler for exercising the base device.
type testHandler struct {
	initErr   error
	initPanic bool

	inferErr   error
	inferPanic bool
	inferDelay time.Duration
	inferred   atomic.Int64
}

func (h *testHandler) OnInitialize(ctx context.Context) error {
	if h.initPanic {
		panic("setup blew up")
	}
	return h.initErr
}

func (h *testHandler) HandleInference(ctx context.Context, req *InferenceRequest) (*InferenceResult, error) {
	if h.inferPanic {
		panic("handler blew up")
	}
	if h.inferDelay > 0 {
		time.Sleep(h.inferDelay)
	}
	if h.inferErr != nil {
		return nil, h.inferErr
	}
	h.inferred.Add(1)
	return &InferenceResult{Output: "ok:" + req.Prompt}, nil
}

func (h *testHandler) HandleCommand(ctx context.Context, req *CommandRequest) (*CommandResult, error) {
	return &CommandResult{Name: req.Name, Detail: "done"}, nil
}

func newTestDevice(t *testing.T, h Handler) *Device {
	t.Helper()
	d := New(Config{
		Type:            TypeBareMetal,
		Handler:         h,
		IdleTick:        10 * time.Millisecond,
		ResponseTimeout: 2 * time.Second,
	})
	t.Cleanup(func() {
		_ = d.Terminate(context.Background())
	})
	return d
}

func startTestDevice(t *testing.T, h Handler) *Device {
	t.Helper()
	d := newTestDevice(t, h)
	if !d.Initialize(context.Background()) {
		t.Fatalf("initialize failed, state %s", d.State())
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return d
}

func TestLifecycleHappyPath(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(Config{Handler: &testHandler{}, IdleTick: 10 * time.Millisecond})
	assert.Equal(t, StateUninitialized, d.State())

	require.True(t, d.Initialize(context.Background()))
	assert.Equal(t, StateReady, d.State())

	require.NoError(t, d.Start())
	assert.Equal(t, StateRunning, d.State())

	d.Suspend()
	assert.Equal(t, StateSuspended, d.State())
	d.Resume()
	assert.Equal(t, StateRunning, d.State())

	require.NoError(t, d.Terminate(context.Background()))
	assert.Equal(t, StateTerminated, d.State())
}

func TestInitializeFailureEndsInError(t *testing.T) {
	d := newTestDevice(t, &testHandler{initErr: errors.New("no hardware")})
	if d.Initialize(context.Background()) {
		t.Fatal("initialize reported success despite handler error")
	}
	assert.Equal(t, StateError, d.State())

	// Error state only admits termination.
	assert.Error(t, d.Start())
	require.NoError(t, d.Terminate(context.Background()))
}

func TestInitializePanicContained(t *testing.T) {
	d := newTestDevice(t, &testHandler{initPanic: true})
	require.False(t, d.Initialize(context.Background()))
	assert.Equal(t, StateError, d.State())
}

func TestStartOnlyFromReady(t *testing.T) {
	d := newTestDevice(t, &testHandler{})
	err := d.Start()
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrInvalidState))
}

func TestStartFromSuspendedRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := startTestDevice(t, &testHandler{})
	d.Suspend()
	require.Equal(t, StateSuspended, d.State())

	// A second Start must not revive the loop; Resume is the only way back.
	err := d.Start()
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrInvalidState))
	assert.Equal(t, StateSuspended, d.State())

	// Exactly one run loop, so termination closes cleanly.
	require.NoError(t, d.Terminate(context.Background()))
}

func TestTerminateIsUnconditionalAndIdempotent(t *testing.T) {
	d := newTestDevice(t, &testHandler{})
	// Straight from Uninitialized.
	require.NoError(t, d.Terminate(context.Background()))
	assert.Equal(t, StateTerminated, d.State())
	// Again.
	require.NoError(t, d.Terminate(context.Background()))

	// No resurrection.
	assert.False(t, d.Initialize(context.Background()))
	assert.Error(t, d.Start())
	d.Resume()
	assert.Equal(t, StateTerminated, d.State())
}

func TestSendCorrelatesResponse(t *testing.T) {
	h := &testHandler{}
	d := startTestDevice(t, h)

	msg := NewInference("hello", 8)
	resp, err := d.Send(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, msg.ID, resp.MessageID)
	assert.Equal(t, StatusOK, resp.Status)
	require.NotNil(t, resp.Inference)
	assert.Equal(t, "ok:hello", resp.Inference.Output)
}

func TestConcurrentSendsCorrelateIndependently(t *testing.T) {
	h := &testHandler{}
	d := startTestDevice(t, h)

	const senders = 8
	var wg sync.WaitGroup
	errs := make(chan error, senders)

	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			prompt := fmt.Sprintf("caller-%d", n)
			msg := NewInference(prompt, 8)
			resp, err := d.Send(context.Background(), msg)
			if err != nil {
				errs <- err
				return
			}
			if resp.MessageID != msg.ID {
				errs <- fmt.Errorf("caller %d: got response for %s, sent %s", n, resp.MessageID, msg.ID)
				return
			}
			if resp.Inference == nil || resp.Inference.Output != "ok:"+prompt {
				errs <- fmt.Errorf("caller %d: wrong payload %+v", n, resp.Inference)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, int64(senders), h.inferred.Load())
}

func TestSendFireAndForget(t *testing.T) {
	h := &testHandler{}
	d := startTestDevice(t, h)

	msg := NewInference("bg", 8)
	msg.ExpectResponse = false
	resp, err := d.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, resp)

	deadline := time.Now().Add(time.Second)
	for h.inferred.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int64(1), h.inferred.Load())
}

func TestHandlerErrorContained(t *testing.T) {
	h := &testHandler{inferErr: errors.New("inference broke")}
	d := startTestDevice(t, h)

	resp, err := d.Send(context.Background(), NewInference("x", 1))
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
	require.NotNil(t, resp.Err)
	assert.Equal(t, ErrHandlerFailure, resp.Err.Kind)

	// The loop survived and keeps serving.
	h.inferErr = nil
	resp, err = d.Send(context.Background(), NewInference("y", 1))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, int64(1), d.MetricsSnapshot().ErrorCount)
}

func TestHandlerPanicContained(t *testing.T) {
	h := &testHandler{inferPanic: true}
	d := startTestDevice(t, h)

	resp, err := d.Send(context.Background(), NewInference("x", 1))
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)

	h.inferPanic = false
	resp, err = d.Send(context.Background(), NewInference("y", 1))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
}

func TestSendTimeoutRemovesHandle(t *testing.T) {
	h := &testHandler{inferDelay: 300 * time.Millisecond}
	d := New(Config{
		Handler:         h,
		IdleTick:        10 * time.Millisecond,
		ResponseTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = d.Terminate(context.Background()) })
	require.True(t, d.Initialize(context.Background()))
	require.NoError(t, d.Start())

	_, err := d.Send(context.Background(), NewInference("slow", 1))
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrTimeout))

	// The late response finds no handle and is dropped; no pending entry
	// should linger.
	time.Sleep(400 * time.Millisecond)
	d.pendingMu.Lock()
	n := len(d.pending)
	d.pendingMu.Unlock()
	assert.Zero(t, n)
}

func TestSendQueueFull(t *testing.T) {
	h := &testHandler{inferDelay: 200 * time.Millisecond}
	d := New(Config{
		Handler:   h,
		QueueSize: 1,
		IdleTick:  10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = d.Terminate(context.Background()) })
	require.True(t, d.Initialize(context.Background()))
	require.NoError(t, d.Start())

	// First message occupies the loop, second fills the queue, third
	// must be rejected without blocking.
	for i := 0; i < 2; i++ {
		msg := NewInference("fill", 1)
		msg.ExpectResponse = false
		if _, err := d.Send(context.Background(), msg); err != nil {
			if !IsErrorKind(err, ErrQueueFull) {
				t.Fatalf("unexpected send error: %v", err)
			}
			return // queue filled even earlier, that's the property
		}
	}
	msg := NewInference("overflow", 1)
	msg.ExpectResponse = false
	_, err := d.Send(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrQueueFull))
}

func TestSuspendParksProcessing(t *testing.T) {
	h := &testHandler{}
	d := startTestDevice(t, h)

	d.Suspend()
	// Give the loop an idle tick to observe the suspension.
	time.Sleep(50 * time.Millisecond)
	msg := NewInference("parked", 1)
	msg.ExpectResponse = false
	require.NoError(t, errOnly(d.Send(context.Background(), msg)))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.inferred.Load(), "suspended device processed a message")

	d.Resume()
	deadline := time.Now().Add(time.Second)
	for h.inferred.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int64(1), h.inferred.Load())
}

func TestSendAfterTerminate(t *testing.T) {
	d := startTestDevice(t, &testHandler{})
	require.NoError(t, d.Terminate(context.Background()))

	_, err := d.Send(context.Background(), NewInference("late", 1))
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrInvalidState))
}

func TestQueryMessages(t *testing.T) {
	d := startTestDevice(t, &testHandler{})

	resp, err := d.Send(context.Background(), NewQuery(QueryStatus))
	require.NoError(t, err)
	require.NotNil(t, resp.Query)
	require.NotNil(t, resp.Query.Status)
	assert.Equal(t, d.ID(), resp.Query.Status.ID)
	assert.Equal(t, StateRunning, resp.Query.Status.State)

	resp, err = d.Send(context.Background(), NewQuery(QueryCapabilities))
	require.NoError(t, err)
	require.NotNil(t, resp.Query.Capabilities)

	resp, err = d.Send(context.Background(), NewQuery(QueryMetrics))
	require.NoError(t, err)
	require.NotNil(t, resp.Query.Metrics)
}

func TestUptimeNeverBehindWallClock(t *testing.T) {
	d := startTestDevice(t, &testHandler{})
	started := time.Now()

	time.Sleep(50 * time.Millisecond)
	elapsed := time.Since(started).Seconds()
	m := d.MetricsSnapshot()
	if m.UptimeSeconds < elapsed-0.05 {
		t.Fatalf("uptime %.3fs lags wall clock %.3fs", m.UptimeSeconds, elapsed)
	}
}

func TestStateChangeHook(t *testing.T) {
	var states []State
	d := New(Config{
		Handler:       &testHandler{},
		IdleTick:      10 * time.Millisecond,
		OnStateChange: func(s State) { states = append(states, s) },
	})
	require.True(t, d.Initialize(context.Background()))
	require.NoError(t, d.Terminate(context.Background()))

	assert.Equal(t, []State{StateInitializing, StateReady, StateTerminated}, states)
}

func TestLatencyEMA(t *testing.T) {
	var m Metrics
	m.observeInference(100, 10)
	assert.InDelta(t, 100.0, m.AverageLatencyMs, 1e-9)

	m.observeInference(200, 10)
	assert.InDelta(t, 100*0.9+200*0.1, m.AverageLatencyMs, 1e-9)

	assert.Equal(t, int64(2), m.InferenceCount)
	assert.Equal(t, int64(20), m.TokensProcessed)
}

func errOnly(_ *Response, err error) error { return err }
