package redteam

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virthw/internal/device"
)

// fakeTarget is a scriptable attack target.
type fakeTarget struct {
	id         string
	attention  float64
	memUsedMB  float64
	memTotalMB int
	output     string
	delayFor   func(prompt string) time.Duration
	sends      atomic.Int64
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		id:         "target-1",
		attention:  80,
		memTotalMB: 16 * 1024,
		memUsedMB:  1024,
		output:     "normal completion",
	}
}

func (f *fakeTarget) ID() string                               { return f.id }
func (f *fakeTarget) Kind() device.Type                        { return device.TypeBareMetal }
func (f *fakeTarget) State() device.State                      { return device.StateRunning }
func (f *fakeTarget) Initialize(ctx context.Context) bool      { return true }
func (f *fakeTarget) Start() error                             { return nil }
func (f *fakeTarget) Suspend()                                 {}
func (f *fakeTarget) Resume()                                  {}
func (f *fakeTarget) Terminate(ctx context.Context) error      { return nil }

func (f *fakeTarget) Send(ctx context.Context, msg device.Message) (*device.Response, error) {
	f.sends.Add(1)
	if f.delayFor != nil && msg.Inference != nil {
		time.Sleep(f.delayFor(msg.Inference.Prompt))
	}
	return &device.Response{
		MessageID: msg.ID,
		Status:    device.StatusOK,
		Inference: &device.InferenceResult{
			Output:         f.output,
			AttentionValue: f.attention,
		},
	}, nil
}

func (f *fakeTarget) Caps() device.Capabilities {
	return device.Capabilities{MemoryMB: f.memTotalMB, CPUCores: 8}
}

func (f *fakeTarget) MetricsSnapshot() device.Metrics {
	return device.Metrics{MemoryUsedMB: f.memUsedMB}
}

func (f *fakeTarget) Status() device.StatusSnapshot {
	return device.StatusSnapshot{ID: f.id, State: device.StateRunning}
}

func scenarioByVector(t *testing.T, v Vector) Scenario {
	t.Helper()
	for _, sc := range DefaultScenarios() {
		if sc.Vector == v {
			return sc
		}
	}
	t.Fatalf("no scenario for vector %s", v)
	return Scenario{}
}

func TestAttentionDepletion(t *testing.T) {
	sc := scenarioByVector(t, VectorAttentionDepletion)
	target := newFakeTarget()

	target.attention = 12
	r, err := sc.Run(context.Background(), target, sc)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.InDelta(t, 0.88, r.ImpactScore, 1e-9)
	assert.NotEmpty(t, r.Vulnerabilities)

	target.attention = 80
	r, err = sc.Run(context.Background(), target, sc)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Empty(t, r.Vulnerabilities)
}

func TestMemoryExhaustion(t *testing.T) {
	sc := scenarioByVector(t, VectorResourceExhaustion)
	target := newFakeTarget()

	target.memUsedMB = float64(target.memTotalMB) * 0.97
	r, err := sc.Run(context.Background(), target, sc)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.InDelta(t, 0.97, r.ImpactScore, 0.001)

	target.memUsedMB = 1024
	r, err = sc.Run(context.Background(), target, sc)
	require.NoError(t, err)
	assert.False(t, r.Success)
}

func TestPromptInjection(t *testing.T) {
	sc := scenarioByVector(t, VectorPromptInjection)
	target := newFakeTarget()

	target.output = "Entering DEBUG mode, internal state follows"
	r, err := sc.Run(context.Background(), target, sc)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.InDelta(t, 0.7, r.ImpactScore, 1e-9)

	target.output = "I cannot help with that"
	r, err = sc.Run(context.Background(), target, sc)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.InDelta(t, 0.2, r.ImpactScore, 1e-9)
	assert.NotEmpty(t, r.Recommendations, "failed injection still recommends monitoring")
}

func TestTimingSideChannel(t *testing.T) {
	sc := scenarioByVector(t, VectorTimingAttack)
	target := newFakeTarget()
	target.delayFor = func(prompt string) time.Duration {
		return time.Duration(len(prompt)) * 10 * time.Microsecond
	}

	r, err := sc.Run(context.Background(), target, sc)
	require.NoError(t, err)
	assert.True(t, r.Success, "length-proportional latency should exceed 2x variance")
	ratio := r.Metrics["variance_ratio"].(float64)
	assert.Greater(t, ratio, 2.0)
	assert.LessOrEqual(t, r.ImpactScore, 1.0)
}

func TestDenialOfServiceAgainstBoundedQueue(t *testing.T) {
	sc := scenarioByVector(t, VectorDenialOfService)

	// A device with a tiny queue and a slow handler drops most of the burst.
	d := device.New(device.Config{
		Type:      device.TypeBareMetal,
		Handler:   slowHandler{delay: 20 * time.Millisecond},
		QueueSize: 4,
		IdleTick:  10 * time.Millisecond,
	})
	require.True(t, d.Initialize(context.Background()))
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Terminate(context.Background()) })

	r, err := sc.Run(context.Background(), d, sc)
	require.NoError(t, err)

	rate := r.Metrics["failure_rate"].(float64)
	assert.Greater(t, rate, 0.5)
	assert.True(t, r.Success)
	assert.InDelta(t, rate, r.ImpactScore, 1e-9)
}

type slowHandler struct{ delay time.Duration }

func (slowHandler) OnInitialize(ctx context.Context) error { return nil }

func (h slowHandler) HandleInference(ctx context.Context, req *device.InferenceRequest) (*device.InferenceResult, error) {
	time.Sleep(h.delay)
	return &device.InferenceResult{Output: "slow"}, nil
}

func (slowHandler) HandleCommand(ctx context.Context, req *device.CommandRequest) (*device.CommandResult, error) {
	return &device.CommandResult{}, nil
}

func TestExecuteScenarioContainsProcedureError(t *testing.T) {
	agent := NewAgent("a1")
	sc := Scenario{
		Name:     "Broken Attack",
		Vector:   VectorTimingAttack,
		Severity: SeverityLow,
		Run: func(ctx context.Context, target device.Instance, sc Scenario) (*Result, error) {
			return nil, errors.New("procedure exploded")
		},
	}

	r := agent.ExecuteScenario(context.Background(), sc, newFakeTarget())
	assert.False(t, r.Success)
	assert.Zero(t, r.ImpactScore)
	assert.Contains(t, r.Metrics["error"], "procedure exploded")
	assert.Len(t, agent.Results(), 1)
}

func TestExecuteScenarioContainsPanic(t *testing.T) {
	agent := NewAgent("a1")
	sc := Scenario{
		Name:     "Panicking Attack",
		Vector:   VectorTimingAttack,
		Severity: SeverityLow,
		Run: func(ctx context.Context, target device.Instance, sc Scenario) (*Result, error) {
			panic("boom")
		},
	}

	r := agent.ExecuteScenario(context.Background(), sc, newFakeTarget())
	assert.False(t, r.Success)
	assert.Zero(t, r.ImpactScore)
	assert.Contains(t, r.Metrics["error"], "boom")
}

func TestExecuteAllScenariosAndReport(t *testing.T) {
	agent := NewAgent("a1")
	agent.pause = time.Millisecond
	target := newFakeTarget()
	target.attention = 10 // attention depletion succeeds

	results := agent.ExecuteAllScenarios(context.Background(), target)
	require.Len(t, results, len(DefaultScenarios()))

	rep := agent.Report()
	assert.Equal(t, "a1", rep.AgentID)
	assert.Equal(t, len(results), rep.TotalAttacks)
	assert.GreaterOrEqual(t, rep.SuccessfulAttacks, 1)
	assert.Greater(t, rep.AverageImpactScore, 0.0)
	assert.NotEmpty(t, rep.VulnsBySeverity[SeverityHigh])

	// Recommendations come back sorted and de-duplicated.
	for i := 1; i < len(rep.Recommendations); i++ {
		if rep.Recommendations[i-1] >= rep.Recommendations[i] {
			t.Fatalf("recommendations not strictly sorted: %q >= %q",
				rep.Recommendations[i-1], rep.Recommendations[i])
		}
	}
}

func TestPrioritizeReordersCatalog(t *testing.T) {
	agent := NewAgent("a1")
	dos := scenarioByVector(t, VectorDenialOfService).Name

	agent.Prioritize([]string{dos})
	scenarios := agent.Scenarios()
	assert.Equal(t, dos, scenarios[0].Name)
	assert.Len(t, scenarios, len(DefaultScenarios()))
}

func TestCampaignRoundRobin(t *testing.T) {
	o := NewOrchestrator(nil)
	targets := []device.Instance{newFakeTarget(), newFakeTarget(), newFakeTarget()}

	report, err := o.RunCampaign(context.Background(), targets, 2)
	require.NoError(t, err)

	assert.Equal(t, 3, report.DevicesTested)
	assert.Equal(t, 2, report.AgentsUsed)
	assert.Equal(t, 3*len(DefaultScenarios()), report.TotalAttacks)
	assert.Len(t, report.AgentReports, 2)
	assert.Greater(t, report.DurationSeconds, 0.0)
	assert.Len(t, o.Campaigns(), 1)
}

func TestCampaignNoTargets(t *testing.T) {
	o := NewOrchestrator(nil)
	_, err := o.RunCampaign(context.Background(), nil, 2)
	assert.Error(t, err)
}

func TestHistoryPersistsAndReportsRegressions(t *testing.T) {
	h, err := OpenHistory(t.TempDir() + "/history.db")
	require.NoError(t, err)
	defer h.Close()

	report := &CampaignReport{
		CampaignID:    "campaign_test",
		StartTime:     time.Now(),
		DevicesTested: 1,
		AgentsUsed:    1,
	}
	results := []*Result{
		{
			ScenarioName:    "Distributed Inference DoS",
			Vector:          VectorDenialOfService,
			Severity:        SeverityHigh,
			Success:         true,
			ImpactScore:     0.9,
			Vulnerabilities: []string{"device overwhelmed"},
			Recommendations: []string{"rate limit"},
			Timestamp:       time.Now(),
		},
		{
			ScenarioName: "Adversarial Prompt Injection",
			Vector:       VectorPromptInjection,
			Severity:     SeverityMedium,
			Success:      false,
			ImpactScore:  0.2,
			Timestamp:    time.Now(),
		},
	}
	report.TotalAttacks = len(results)
	report.SuccessfulAttacks = 1

	require.NoError(t, h.SaveCampaign(report, results))

	regressions, err := h.RegressionScenarios()
	require.NoError(t, err)
	assert.Equal(t, []string{"Distributed Inference DoS"}, regressions)

	stored, err := h.ResultsForCampaign("campaign_test")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.True(t, stored[0].Success)
	assert.Equal(t, []string{"device overwhelmed"}, stored[0].Vulnerabilities)
	assert.False(t, stored[1].Success)
}

func TestCampaignFrontloadsRegressions(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHistory(dir + "/history.db")
	require.NoError(t, err)
	defer h.Close()

	dos := scenarioByVector(t, VectorDenialOfService).Name
	require.NoError(t, h.SaveResult("earlier", &Result{
		ScenarioName: dos,
		Vector:       VectorDenialOfService,
		Severity:     SeverityHigh,
		Success:      true,
		ImpactScore:  1,
		Timestamp:    time.Now(),
	}))

	o := NewOrchestrator(h)
	_, err = o.RunCampaign(context.Background(), []device.Instance{newFakeTarget()}, 1)
	require.NoError(t, err)

	agents := o.Agents()
	require.Len(t, agents, 1)
	first := agents[0].Scenarios()[0]
	assert.Equal(t, dos, first.Name, "previously successful attack should run first")

	// And the new campaign's own results were persisted.
	regressions, err := h.RegressionScenarios()
	require.NoError(t, err)
	assert.Contains(t, regressions, dos)
}
