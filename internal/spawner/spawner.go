// Package spawner turns device plumbing into agents: it keeps a template
// catalog, spawns agents (singly, as pools, or as load-scaled elastic
// pools) on devices it obtains from the orchestrator, and routes task
// assignments to them.
package spawner

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"virthw/internal/device"
	"virthw/internal/logging"
	"virthw/internal/orchestrator"
)

const defaultPollInterval = 5 * time.Second

// SpawnedAgent pairs an agent identity with the device it exclusively owns.
type SpawnedAgent struct {
	ID            string
	TemplateName  string
	Role          Role
	Device        device.Instance
	SpawnedAt     time.Time
	ParentAgentID string

	mu         sync.Mutex
	taskLog    []string
	lastTaskMs float64
	totalTasks int
}

// DeviceID returns the id of the agent's device.
func (a *SpawnedAgent) DeviceID() string { return a.Device.ID() }

// TaskLog returns a copy of the assigned task descriptions, in order.
func (a *SpawnedAgent) TaskLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.taskLog))
	copy(out, a.taskLog)
	return out
}

// Perf is an agent's task performance record. TotalTasks counts completed
// tasks only; assignments that failed appear in the task log but not here.
type Perf struct {
	LastTaskMs float64
	TotalTasks int
}

func (a *SpawnedAgent) Perf() Perf {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Perf{LastTaskMs: a.lastTaskMs, TotalTasks: a.totalTasks}
}

func (a *SpawnedAgent) recordTask(desc string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taskLog = append(a.taskLog, desc)
}

func (a *SpawnedAgent) recordTaskDone(elapsedMs float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastTaskMs = elapsedMs
	a.totalTasks++
}

// Spawner manages agents on top of an orchestrator.
type Spawner struct {
	orch *orchestrator.Orchestrator

	mu        sync.RWMutex
	templates map[string]Template
	agents    map[string]*SpawnedAgent
	watcher   *fsnotify.Watcher

	totalSpawned    int64
	totalTerminated int64

	pollInterval time.Duration
	stopCh       chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// Option tunes a Spawner at construction.
type Option func(*Spawner)

// WithPollInterval sets the elastic pool monitoring cadence.
func WithPollInterval(d time.Duration) Option {
	return func(s *Spawner) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New builds a spawner with the default template catalog registered.
func New(orch *orchestrator.Orchestrator, opts ...Option) *Spawner {
	s := &Spawner{
		orch:         orch,
		templates:    make(map[string]Template),
		agents:       make(map[string]*SpawnedAgent),
		pollInterval: defaultPollInterval,
		stopCh:       make(chan struct{}),
	}
	for _, t := range defaultTemplates() {
		s.templates[t.Name] = t
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops elastic pool monitors and the template watcher and waits,
// then terminates remaining agents.
func (s *Spawner) Close(ctx context.Context) {
	s.closeOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.TerminateAll(ctx)
}

// RegisterTemplate adds or replaces a template. Agents already spawned
// from an earlier version keep it; only future spawns see the new one.
func (s *Spawner) RegisterTemplate(t Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.Name] = t
}

// Template returns a copy of a registered template.
func (s *Spawner) Template(name string) (Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	return t, ok
}

// Overrides adjust a template for one spawn.
type Overrides struct {
	CPUCores  int
	MemoryGB  int
	ModelPath string
	Metadata  map[string]string
}

// SpawnAgent spawns one agent from a named template. A device that fails
// to come up means no agent: nil plus the device error, no retry.
func (s *Spawner) SpawnAgent(ctx context.Context, templateName, parentAgentID string, ov *Overrides) (*SpawnedAgent, error) {
	tmpl, ok := s.Template(templateName)
	if !ok {
		return nil, device.Errorf(device.ErrNotFound, "unknown template: %s", templateName)
	}

	opts := orchestrator.SpawnOptions{
		CPUCores:  tmpl.CPUCores,
		MemoryGB:  tmpl.MemoryGB,
		ModelPath: tmpl.ModelPath,
		Metadata:  map[string]string{"role": string(tmpl.Role), "template": tmpl.Name},
	}
	for k, v := range tmpl.Metadata {
		opts.Metadata[k] = v
	}
	if ov != nil {
		if ov.CPUCores > 0 {
			opts.CPUCores = ov.CPUCores
		}
		if ov.MemoryGB > 0 {
			opts.MemoryGB = ov.MemoryGB
		}
		if ov.ModelPath != "" {
			opts.ModelPath = ov.ModelPath
		}
		for k, v := range ov.Metadata {
			opts.Metadata[k] = v
		}
	}

	d, err := s.orch.Spawn(ctx, tmpl.DeviceType, opts)
	if err != nil {
		return nil, err
	}

	agent := &SpawnedAgent{
		ID:            uuid.NewString(),
		TemplateName:  tmpl.Name,
		Role:          tmpl.Role,
		Device:        d,
		SpawnedAt:     time.Now(),
		ParentAgentID: parentAgentID,
	}

	s.mu.Lock()
	s.agents[agent.ID] = agent
	s.totalSpawned++
	s.mu.Unlock()

	logging.Spawner("spawned agent %s (%s) on device %s", agent.ID, tmpl.Role, d.ID())
	return agent, nil
}

// SpawnAgentPool spawns n agents from one template concurrently. Individual
// failures are dropped; the pool may come back smaller than requested.
func (s *Spawner) SpawnAgentPool(ctx context.Context, templateName string, n int, parentAgentID string) []*SpawnedAgent {
	results := make([]*SpawnedAgent, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logging.Get(logging.CategorySpawner).Error("pool spawn panic: %v", r)
				}
			}()
			agent, err := s.SpawnAgent(ctx, templateName, parentAgentID, nil)
			if err != nil {
				logging.SpawnerDebug("pool spawn failed: %v", err)
				return
			}
			results[slot] = agent
		}(i)
	}
	wg.Wait()

	pool := make([]*SpawnedAgent, 0, n)
	for _, a := range results {
		if a != nil {
			pool = append(pool, a)
		}
	}
	return pool
}

// ElasticPool is a pool whose size tracks load between min and max. Its
// member list is owned by the monitor goroutine; Size and Members give
// point-in-time views.
type ElasticPool struct {
	TemplateName  string
	Max           int
	LoadThreshold float64 // fraction of full utilization, e.g. 0.8

	mu      sync.Mutex
	members []*SpawnedAgent
}

func (p *ElasticPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

func (p *ElasticPool) Members() []*SpawnedAgent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*SpawnedAgent, len(p.members))
	copy(out, p.members)
	return out
}

// SpawnElasticPool spawns the minimum pool synchronously, then hands it to
// a background monitor that polls utilization: above the threshold it grows
// the pool by one agent per interval up to max; below half the threshold it
// terminates the least-utilized member, never shrinking past one. The
// monitor exits when the pool empties or the spawner closes.
func (s *Spawner) SpawnElasticPool(ctx context.Context, templateName string, minAgents, maxAgents int, loadThreshold float64) (*ElasticPool, error) {
	if minAgents < 1 {
		minAgents = 1
	}
	if maxAgents < minAgents {
		maxAgents = minAgents
	}
	if loadThreshold <= 0 || loadThreshold > 1 {
		loadThreshold = 0.8
	}

	initial := s.SpawnAgentPool(ctx, templateName, minAgents, "")
	if len(initial) == 0 {
		return nil, device.Errorf(device.ErrInitializationFailed, "elastic pool %s: no agents came up", templateName)
	}

	pool := &ElasticPool{
		TemplateName:  templateName,
		Max:           maxAgents,
		LoadThreshold: loadThreshold,
		members:       initial,
	}

	s.wg.Add(1)
	go s.monitorElasticPool(pool)
	logging.Spawner("elastic pool %s: started with %d agents (max %d, threshold %.0f%%)",
		templateName, len(initial), maxAgents, loadThreshold*100)
	return pool, nil
}

func (s *Spawner) monitorElasticPool(pool *ElasticPool) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategorySpawner).Error("elastic monitor panic: %v", r)
		}
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		if done := s.scaleElasticPool(pool); done {
			return
		}
	}
}

// scaleElasticPool performs one scaling decision. Returns true when the
// pool has emptied and monitoring should stop.
func (s *Spawner) scaleElasticPool(pool *ElasticPool) bool {
	pool.mu.Lock()
	// Prune members terminated out from under the pool.
	live := pool.members[:0]
	for _, a := range pool.members {
		if _, ok := s.Agent(a.ID); ok {
			live = append(live, a)
		}
	}
	pool.members = live
	members := make([]*SpawnedAgent, len(live))
	copy(members, live)
	pool.mu.Unlock()

	if len(members) == 0 {
		logging.Spawner("elastic pool %s: empty, monitor exiting", pool.TemplateName)
		return true
	}

	var total float64
	for _, a := range members {
		total += a.Device.MetricsSnapshot().CPUUtilization
	}
	avg := total / float64(len(members))
	threshold := pool.LoadThreshold * 100

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case avg > threshold && len(members) < pool.Max:
		agent, err := s.SpawnAgent(ctx, pool.TemplateName, "", nil)
		if err != nil {
			logging.SpawnerDebug("elastic pool %s: scale-up failed: %v", pool.TemplateName, err)
			return false
		}
		pool.mu.Lock()
		pool.members = append(pool.members, agent)
		size := len(pool.members)
		pool.mu.Unlock()
		logging.Spawner("elastic pool %s: scaled up to %d (avg load %.1f%%)", pool.TemplateName, size, avg)

	case avg < threshold/2 && len(members) > 1:
		// One member per interval, the least utilized.
		victim := members[0]
		low := victim.Device.MetricsSnapshot().CPUUtilization
		for _, a := range members[1:] {
			if u := a.Device.MetricsSnapshot().CPUUtilization; u < low {
				victim, low = a, u
			}
		}
		if err := s.TerminateAgent(ctx, victim.ID); err != nil {
			logging.SpawnerDebug("elastic pool %s: scale-down failed: %v", pool.TemplateName, err)
			return false
		}
		pool.mu.Lock()
		for i, a := range pool.members {
			if a.ID == victim.ID {
				pool.members = append(pool.members[:i], pool.members[i+1:]...)
				break
			}
		}
		size := len(pool.members)
		pool.mu.Unlock()
		logging.Spawner("elastic pool %s: scaled down to %d (avg load %.1f%%)", pool.TemplateName, size, avg)
	}
	return false
}

// Task is one unit of work for ParallelTaskExecution.
type Task struct {
	Description string
	Prompt      string
	MaxTokens   int
	Command     string
	Args        map[string]interface{}
}

// AssignTask routes one task to an agent: inference workers get inference
// messages, every other role gets a command. The task is logged before the
// send, so failed tasks still appear in the log.
func (s *Spawner) AssignTask(ctx context.Context, agentID, description string, task Task) (*device.Response, error) {
	agent, ok := s.Agent(agentID)
	if !ok {
		return nil, device.Errorf(device.ErrNotFound, "agent not found: %s", agentID)
	}

	agent.recordTask(description)

	var msg device.Message
	if agent.Role == RoleInferenceWorker {
		prompt := task.Prompt
		if prompt == "" {
			prompt = description
		}
		msg = device.NewInference(prompt, task.MaxTokens)
	} else {
		name := task.Command
		if name == "" {
			name = "runtime_state"
		}
		msg = device.NewCommand(name, task.Args)
	}

	start := time.Now()
	resp, err := agent.Device.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	agent.recordTaskDone(float64(time.Since(start)) / float64(time.Millisecond))
	return resp, nil
}

// TaskOutcome is one task's result from a parallel run.
type TaskOutcome struct {
	AgentID     string
	Description string
	Response    *device.Response
	Err         error
}

// ParallelTaskExecution fans tasks out round-robin over the agents holding
// the role, spawning a fresh pool sized to the task count when the role has
// no agents. All outcomes come back, captured failures included.
func (s *Spawner) ParallelTaskExecution(ctx context.Context, role Role, tasks []Task) []TaskOutcome {
	if len(tasks) == 0 {
		return nil
	}

	agents := s.AgentsByRole(role)
	if len(agents) == 0 {
		agents = s.SpawnAgentPool(ctx, roleTemplate(role), len(tasks), "")
	}
	if len(agents) == 0 {
		out := make([]TaskOutcome, len(tasks))
		for i, task := range tasks {
			out[i] = TaskOutcome{
				Description: task.Description,
				Err:         device.Errorf(device.ErrNotFound, "no agents available for role %s", role),
			}
		}
		return out
	}

	outcomes := make([]TaskOutcome, len(tasks))
	g := new(errgroup.Group)
	for i, task := range tasks {
		i, task := i, task
		agent := agents[i%len(agents)]
		g.Go(func() error {
			resp, err := s.AssignTask(ctx, agent.ID, task.Description, task)
			outcomes[i] = TaskOutcome{
				AgentID:     agent.ID,
				Description: task.Description,
				Response:    resp,
				Err:         err,
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// TerminateAgent removes an agent and terminates its device.
func (s *Spawner) TerminateAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	agent, ok := s.agents[agentID]
	if ok {
		delete(s.agents, agentID)
		s.totalTerminated++
	}
	s.mu.Unlock()

	if !ok {
		return device.Errorf(device.ErrNotFound, "agent not found: %s", agentID)
	}

	err := s.orch.Terminate(ctx, agent.Device.ID())
	logging.Spawner("terminated agent %s", agentID)
	return err
}

// TerminateAll terminates every agent concurrently, best effort.
func (s *Spawner) TerminateAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.TerminateAgent(ctx, id); err != nil && !device.IsErrorKind(err, device.ErrNotFound) {
				logging.SpawnerDebug("terminate %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

// Agent returns a spawned agent by id.
func (s *Spawner) Agent(id string) (*SpawnedAgent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	return a, ok
}

// AgentsByRole lists live agents holding the role.
func (s *Spawner) AgentsByRole(role Role) []*SpawnedAgent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SpawnedAgent
	for _, a := range s.agents {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

// Status is the spawner's aggregate view. The spawn/terminate totals count
// successes only.
type Status struct {
	TotalSpawned    int64
	TotalTerminated int64
	ActiveAgents    int
	AgentsByRole    map[Role]int
	Templates       []string
}

func (s *Spawner) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		TotalSpawned:    s.totalSpawned,
		TotalTerminated: s.totalTerminated,
		ActiveAgents:    len(s.agents),
		AgentsByRole:    make(map[Role]int),
	}
	for _, a := range s.agents {
		st.AgentsByRole[a.Role]++
	}
	for name := range s.templates {
		st.Templates = append(st.Templates, name)
	}
	return st
}
