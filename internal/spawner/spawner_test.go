package spawner

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"virthw/internal/device"
	"virthw/internal/orchestrator"
)

// fakeDevice is a minimal in-memory device.Instance whose utilization the
// test drives directly.
type fakeDevice struct {
	id       string
	failInit bool
	failSend atomic.Bool
	util     *atomic.Uint64 // math.Float64bits

	mu    sync.Mutex
	state device.State
}

func (f *fakeDevice) ID() string        { return f.id }
func (f *fakeDevice) Kind() device.Type { return device.TypeBareMetal }

func (f *fakeDevice) State() device.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeDevice) setState(s device.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeDevice) Initialize(ctx context.Context) bool {
	if f.failInit {
		f.setState(device.StateError)
		return false
	}
	f.setState(device.StateReady)
	return true
}

func (f *fakeDevice) Start() error {
	f.setState(device.StateRunning)
	return nil
}

func (f *fakeDevice) Suspend() { f.setState(device.StateSuspended) }
func (f *fakeDevice) Resume()  { f.setState(device.StateRunning) }

func (f *fakeDevice) Terminate(ctx context.Context) error {
	f.setState(device.StateTerminated)
	return nil
}

func (f *fakeDevice) Send(ctx context.Context, msg device.Message) (*device.Response, error) {
	if f.failSend.Load() {
		return nil, device.Errorf(device.ErrHandlerFailure, "device %s is refusing work", f.id)
	}
	resp := &device.Response{MessageID: msg.ID, Status: device.StatusOK}
	switch msg.Type {
	case device.MessageInference:
		resp.Inference = &device.InferenceResult{Output: "ok", ElapsedMs: 1}
	case device.MessageCommand:
		resp.Command = &device.CommandResult{Name: msg.Command.Name, Detail: "ok"}
	case device.MessageQuery:
		resp.Query = &device.QueryResult{}
	}
	return resp, nil
}

func (f *fakeDevice) Caps() device.Capabilities { return device.DefaultCapabilities() }

func (f *fakeDevice) MetricsSnapshot() device.Metrics {
	return device.Metrics{CPUUtilization: math.Float64frombits(f.util.Load())}
}

func (f *fakeDevice) Status() device.StatusSnapshot {
	return device.StatusSnapshot{ID: f.id, Type: device.TypeBareMetal, State: f.State()}
}

// fakeFleet registers a fake constructor and records spawn options.
type fakeFleet struct {
	util     atomic.Uint64
	failNext atomic.Int64 // constructors left that should fail init
	failAll  atomic.Bool

	mu       sync.Mutex
	lastOpts orchestrator.SpawnOptions
}

func (ff *fakeFleet) setUtil(pct float64) { ff.util.Store(math.Float64bits(pct)) }

func (ff *fakeFleet) constructor(opts orchestrator.SpawnOptions) device.Instance {
	ff.mu.Lock()
	ff.lastOpts = opts
	ff.mu.Unlock()

	fail := ff.failAll.Load()
	if !fail && ff.failNext.Load() > 0 {
		fail = ff.failNext.Add(-1) >= 0
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &fakeDevice{id: id, failInit: fail, util: &ff.util}
}

func newTestSpawner(t *testing.T) (*Spawner, *fakeFleet) {
	t.Helper()
	ff := &fakeFleet{}
	ff.setUtil(10)
	orch := orchestrator.New(orchestrator.Hooks{})
	orch.RegisterType(device.TypeBareMetal, ff.constructor)

	s := New(orch, WithPollInterval(20*time.Millisecond))
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, ff
}

func TestSpawnAgentFromTemplate(t *testing.T) {
	s, ff := newTestSpawner(t)

	agent, err := s.SpawnAgent(context.Background(), "inference_worker", "", nil)
	require.NoError(t, err)
	require.NotNil(t, agent)

	assert.Equal(t, "inference_worker", agent.TemplateName)
	assert.Equal(t, RoleInferenceWorker, agent.Role)
	assert.Equal(t, device.StateRunning, agent.Device.State())

	ff.mu.Lock()
	opts := ff.lastOpts
	ff.mu.Unlock()
	assert.Equal(t, 32, opts.CPUCores)
	assert.Equal(t, 64, opts.MemoryGB)
	assert.Equal(t, "inference_worker", opts.Metadata["template"])

	st := s.Status()
	assert.Equal(t, int64(1), st.TotalSpawned)
	assert.Equal(t, 1, st.ActiveAgents)
}

func TestSpawnAgentUnknownTemplate(t *testing.T) {
	s, _ := newTestSpawner(t)
	_, err := s.SpawnAgent(context.Background(), "nonexistent", "", nil)
	require.Error(t, err)
	assert.True(t, device.IsErrorKind(err, device.ErrNotFound))
}

func TestSpawnAgentOverrides(t *testing.T) {
	s, ff := newTestSpawner(t)

	_, err := s.SpawnAgent(context.Background(), "red_team_adversary", "", &Overrides{
		CPUCores: 2,
		Metadata: map[string]string{"campaign": "q3"},
	})
	require.NoError(t, err)

	ff.mu.Lock()
	opts := ff.lastOpts
	ff.mu.Unlock()
	assert.Equal(t, 2, opts.CPUCores)
	assert.Equal(t, 16, opts.MemoryGB) // template value kept
	assert.Equal(t, "q3", opts.Metadata["campaign"])
}

func TestTemplateReplaceOnlyAffectsFutureSpawns(t *testing.T) {
	s, ff := newTestSpawner(t)

	before, err := s.SpawnAgent(context.Background(), "cognitive_kernel", "", nil)
	require.NoError(t, err)

	tmpl, _ := s.Template("cognitive_kernel")
	tmpl.CPUCores = 2
	s.RegisterTemplate(tmpl)

	assert.Equal(t, "cognitive_kernel", before.TemplateName)

	_, err = s.SpawnAgent(context.Background(), "cognitive_kernel", "", nil)
	require.NoError(t, err)
	ff.mu.Lock()
	cores := ff.lastOpts.CPUCores
	ff.mu.Unlock()
	assert.Equal(t, 2, cores)
}

func TestSpawnAgentPoolPartialFailure(t *testing.T) {
	s, ff := newTestSpawner(t)
	ff.failNext.Store(2)

	pool := s.SpawnAgentPool(context.Background(), "inference_worker", 5, "")
	assert.Len(t, pool, 3, "2 of 5 constructors fail, pool holds the rest")

	st := s.Status()
	assert.Equal(t, int64(3), st.TotalSpawned, "counter counts successes only")
}

func TestSpawnAgentPoolAllFail(t *testing.T) {
	s, ff := newTestSpawner(t)
	ff.failAll.Store(true)

	pool := s.SpawnAgentPool(context.Background(), "inference_worker", 4, "")
	assert.Empty(t, pool)
	assert.Zero(t, s.Status().TotalSpawned)
}

func TestElasticPoolScalesUpUnderLoad(t *testing.T) {
	s, ff := newTestSpawner(t)

	pool, err := s.SpawnElasticPool(context.Background(), "inference_worker", 1, 4, 0.8)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Size())

	ff.setUtil(95)

	deadline := time.Now().Add(3 * time.Second)
	prev := pool.Size()
	for pool.Size() < 4 && time.Now().Before(deadline) {
		cur := pool.Size()
		if cur < prev {
			t.Fatalf("pool shrank from %d to %d while under load", prev, cur)
		}
		prev = cur
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 4, pool.Size(), "pool did not reach max under sustained load")

	// Stays at max, never above.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 4, pool.Size())
}

func TestElasticPoolScalesDownOneAtATime(t *testing.T) {
	s, ff := newTestSpawner(t)
	ff.setUtil(95)

	pool, err := s.SpawnElasticPool(context.Background(), "inference_worker", 3, 3, 0.8)
	require.NoError(t, err)
	require.Equal(t, 3, pool.Size())

	ff.setUtil(5)

	deadline := time.Now().Add(3 * time.Second)
	seen := map[int]bool{3: true}
	for pool.Size() > 1 && time.Now().Before(deadline) {
		seen[pool.Size()] = true
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, pool.Size(), "pool should shrink to one under low load")
	assert.True(t, seen[2], "scale-down should pass through intermediate size")

	// Floor of one agent holds.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, pool.Size())
}

func TestElasticPoolMonitorExitsWhenEmpty(t *testing.T) {
	defer goleak.VerifyNone(t)

	ff := &fakeFleet{}
	ff.setUtil(10)
	orch := orchestrator.New(orchestrator.Hooks{})
	orch.RegisterType(device.TypeBareMetal, ff.constructor)
	s := New(orch, WithPollInterval(20*time.Millisecond))

	pool, err := s.SpawnElasticPool(context.Background(), "inference_worker", 2, 4, 0.8)
	require.NoError(t, err)

	for _, a := range pool.Members() {
		require.NoError(t, s.TerminateAgent(context.Background(), a.ID))
	}

	// Monitor notices the empty pool and exits; Close then returns promptly.
	s.Close(context.Background())
	assert.Zero(t, pool.Size())
}

func TestAssignTask(t *testing.T) {
	s, _ := newTestSpawner(t)

	agent, err := s.SpawnAgent(context.Background(), "inference_worker", "", nil)
	require.NoError(t, err)

	resp, err := s.AssignTask(context.Background(), agent.ID, "summarize logs", Task{
		Prompt:    "summarize the boot logs",
		MaxTokens: 64,
	})
	require.NoError(t, err)
	assert.Equal(t, device.StatusOK, resp.Status)
	require.NotNil(t, resp.Inference, "inference workers get inference messages")

	assert.Equal(t, []string{"summarize logs"}, agent.TaskLog())
	perf := agent.Perf()
	assert.Equal(t, 1, perf.TotalTasks)
	assert.GreaterOrEqual(t, perf.LastTaskMs, 0.0)
}

func TestFailedTaskLoggedButNotCounted(t *testing.T) {
	s, _ := newTestSpawner(t)

	agent, err := s.SpawnAgent(context.Background(), "inference_worker", "", nil)
	require.NoError(t, err)

	fd, ok := agent.Device.(*fakeDevice)
	require.True(t, ok)
	fd.failSend.Store(true)

	_, err = s.AssignTask(context.Background(), agent.ID, "doomed", Task{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, []string{"doomed"}, agent.TaskLog())
	assert.Zero(t, agent.Perf().TotalTasks)

	fd.failSend.Store(false)
	_, err = s.AssignTask(context.Background(), agent.ID, "recovered", Task{Prompt: "y"})
	require.NoError(t, err)

	assert.Equal(t, []string{"doomed", "recovered"}, agent.TaskLog())
	assert.Equal(t, 1, agent.Perf().TotalTasks)
}

func TestAssignTaskCommandRole(t *testing.T) {
	s, _ := newTestSpawner(t)

	agent, err := s.SpawnAgent(context.Background(), "attention_allocator", "", nil)
	require.NoError(t, err)

	resp, err := s.AssignTask(context.Background(), agent.ID, "report state", Task{Command: "runtime_state"})
	require.NoError(t, err)
	require.NotNil(t, resp.Command, "non-inference roles get command messages")
}

func TestAssignTaskUnknownAgent(t *testing.T) {
	s, _ := newTestSpawner(t)
	_, err := s.AssignTask(context.Background(), "ghost", "x", Task{})
	require.Error(t, err)
	assert.True(t, device.IsErrorKind(err, device.ErrNotFound))
}

func TestParallelTaskExecutionSpawnsWhenNeeded(t *testing.T) {
	s, _ := newTestSpawner(t)

	tasks := []Task{
		{Description: "t1", Prompt: "a"},
		{Description: "t2", Prompt: "b"},
		{Description: "t3", Prompt: "c"},
	}
	outcomes := s.ParallelTaskExecution(context.Background(), RoleInferenceWorker, tasks)
	require.Len(t, outcomes, 3)
	for i, out := range outcomes {
		assert.Equal(t, tasks[i].Description, out.Description)
		require.NoError(t, out.Err)
		assert.Equal(t, device.StatusOK, out.Response.Status)
	}

	// A pool sized to the task count came up.
	assert.Len(t, s.AgentsByRole(RoleInferenceWorker), 3)
}

func TestTerminateAgentRemovesDevice(t *testing.T) {
	s, _ := newTestSpawner(t)

	agent, err := s.SpawnAgent(context.Background(), "inference_worker", "", nil)
	require.NoError(t, err)

	require.NoError(t, s.TerminateAgent(context.Background(), agent.ID))
	assert.Equal(t, device.StateTerminated, agent.Device.State())

	_, ok := s.Agent(agent.ID)
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Status().TotalTerminated)

	err = s.TerminateAgent(context.Background(), agent.ID)
	assert.True(t, device.IsErrorKind(err, device.ErrNotFound))
}

func TestLoadTemplatesFromYAML(t *testing.T) {
	dir := t.TempDir()
	content := `name: custom_probe
role: red_team_adversary
device_type: bare_metal
cpu_cores: 2
memory_gb: 4
context_size: 1024
metadata:
  purpose: test probe
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "probe.yaml"), []byte(content), 0o644))

	s, _ := newTestSpawner(t)
	require.NoError(t, s.LoadTemplatesDir(dir))

	tmpl, ok := s.Template("custom_probe")
	require.True(t, ok)
	assert.Equal(t, RoleRedTeamAdversary, tmpl.Role)
	assert.Equal(t, 2, tmpl.CPUCores)
	assert.Equal(t, "test probe", tmpl.Metadata["purpose"])
}

func TestLoadTemplateListFile(t *testing.T) {
	dir := t.TempDir()
	content := `templates:
  - name: alpha
    role: inference_worker
    cpu_cores: 1
  - name: beta
    role: cognitive_kernel
    cpu_cores: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "multi.yml"), []byte(content), 0o644))

	s, _ := newTestSpawner(t)
	require.NoError(t, s.LoadTemplatesDir(dir))

	_, ok := s.Template("alpha")
	assert.True(t, ok)
	_, ok = s.Template("beta")
	assert.True(t, ok)
}

func TestWatchTemplatesPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSpawner(t)
	require.NoError(t, s.WatchTemplates(dir))

	content := `name: hot_loaded
role: inference_worker
cpu_cores: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hot.yaml"), []byte(content), 0o644))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Template("hot_loaded"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("template from new file never registered")
}
