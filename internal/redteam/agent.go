package redteam

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"virthw/internal/device"
	"virthw/internal/logging"
)

const defaultAttackPause = 100 * time.Millisecond

// Agent executes attack scenarios and accumulates results. An agent only
// interacts with targets through their message interface.
type Agent struct {
	ID string

	pause time.Duration

	mu        sync.Mutex
	scenarios []Scenario
	results   []*Result
}

// NewAgent builds an agent with the default scenario catalog.
func NewAgent(id string) *Agent {
	if id == "" {
		id = "redteam-" + uuid.NewString()[:8]
	}
	return &Agent{
		ID:        id,
		pause:     defaultAttackPause,
		scenarios: DefaultScenarios(),
	}
}

// RegisterScenario appends a scenario to the agent's catalog.
func (a *Agent) RegisterScenario(sc Scenario) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scenarios = append(a.scenarios, sc)
}

// Scenarios returns a copy of the catalog in execution order.
func (a *Agent) Scenarios() []Scenario {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Scenario, len(a.scenarios))
	copy(out, a.scenarios)
	return out
}

// Prioritize reorders the catalog so the named scenarios run first,
// keeping relative order otherwise. Used to front-load regressions.
func (a *Agent) Prioritize(names []string) {
	if len(names) == 0 {
		return
	}
	first := make(map[string]bool, len(names))
	for _, n := range names {
		first[n] = true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	head := make([]Scenario, 0, len(a.scenarios))
	tail := make([]Scenario, 0, len(a.scenarios))
	for _, sc := range a.scenarios {
		if first[sc.Name] {
			head = append(head, sc)
		} else {
			tail = append(tail, sc)
		}
	}
	a.scenarios = append(head, tail...)
}

// ExecuteScenario runs one attack. A procedure error or panic becomes a
// failed zero-impact result; it never aborts the agent.
func (a *Agent) ExecuteScenario(ctx context.Context, sc Scenario, target device.Instance) *Result {
	logging.RedTeam("agent %s: executing %q against device %s", a.ID, sc.Name, target.ID())

	result := a.runAttack(ctx, sc, target)

	a.mu.Lock()
	a.results = append(a.results, result)
	a.mu.Unlock()
	return result
}

func (a *Agent) runAttack(ctx context.Context, sc Scenario, target device.Instance) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			result = failedResult(sc, fmt.Errorf("attack panic: %v", r))
		}
	}()

	r, err := sc.Run(ctx, target, sc)
	if err != nil || r == nil {
		if err == nil {
			err = fmt.Errorf("attack returned no result")
		}
		logging.RedTeamDebug("agent %s: %q did not execute: %v", a.ID, sc.Name, err)
		return failedResult(sc, err)
	}
	return r
}

func failedResult(sc Scenario, err error) *Result {
	r := newResult(sc)
	r.Metrics["error"] = err.Error()
	r.Recommendations = []string{"fix attack execution error"}
	return r
}

// ExecuteAllScenarios runs the catalog in order against one target, with a
// brief pause between attacks.
func (a *Agent) ExecuteAllScenarios(ctx context.Context, target device.Instance) []*Result {
	scenarios := a.Scenarios()
	results := make([]*Result, 0, len(scenarios))
	for i, sc := range scenarios {
		results = append(results, a.ExecuteScenario(ctx, sc, target))
		if i < len(scenarios)-1 && a.pause > 0 {
			select {
			case <-time.After(a.pause):
			case <-ctx.Done():
				return results
			}
		}
	}
	return results
}

// Results returns a copy of everything the agent has executed.
func (a *Agent) Results() []*Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Result, len(a.results))
	copy(out, a.results)
	return out
}

// Report is an agent's aggregate findings.
type Report struct {
	AgentID            string
	TotalAttacks       int
	SuccessfulAttacks  int
	SuccessRate        float64
	AverageImpactScore float64
	VulnsBySeverity    map[Severity][]string
	Recommendations    []string // de-duplicated, sorted
	GeneratedAt        time.Time
}

// Report aggregates the agent's results so far.
func (a *Agent) Report() Report {
	results := a.Results()

	rep := Report{
		AgentID:         a.ID,
		TotalAttacks:    len(results),
		VulnsBySeverity: make(map[Severity][]string),
		GeneratedAt:     time.Now(),
	}

	recs := make(map[string]bool)
	var impactSum float64
	for _, r := range results {
		impactSum += r.ImpactScore
		if r.Success {
			rep.SuccessfulAttacks++
			rep.VulnsBySeverity[r.Severity] = append(rep.VulnsBySeverity[r.Severity], r.Vulnerabilities...)
		}
		for _, rec := range r.Recommendations {
			recs[rec] = true
		}
	}
	if len(results) > 0 {
		rep.SuccessRate = float64(rep.SuccessfulAttacks) / float64(len(results))
		rep.AverageImpactScore = impactSum / float64(len(results))
	}
	for rec := range recs {
		rep.Recommendations = append(rep.Recommendations, rec)
	}
	sort.Strings(rep.Recommendations)
	return rep
}
