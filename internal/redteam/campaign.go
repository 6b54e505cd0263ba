package redteam

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"virthw/internal/device"
	"virthw/internal/logging"
)

// CampaignReport summarizes one campaign run.
type CampaignReport struct {
	CampaignID        string
	StartTime         time.Time
	DurationSeconds   float64
	DevicesTested     int
	AgentsUsed        int
	TotalAttacks      int
	SuccessfulAttacks int
	AgentReports      []Report
}

// Orchestrator runs campaigns: several agents attacking several devices,
// results optionally persisted to a History store.
type Orchestrator struct {
	history *History

	mu        sync.Mutex
	agents    []*Agent
	campaigns []*CampaignReport
}

// NewOrchestrator builds a campaign orchestrator. history may be nil; with
// one attached, results persist and previously successful attacks run
// first in later campaigns.
func NewOrchestrator(history *History) *Orchestrator {
	return &Orchestrator{history: history}
}

// CreateAgent adds a fresh agent to the roster.
func (o *Orchestrator) CreateAgent() *Agent {
	a := NewAgent("")
	o.mu.Lock()
	o.agents = append(o.agents, a)
	o.mu.Unlock()
	return a
}

// Agents returns the current roster.
func (o *Orchestrator) Agents() []*Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Agent, len(o.agents))
	copy(out, o.agents)
	return out
}

// RunCampaign attacks every target. Devices are assigned round-robin to
// agentCount agents; agents work their assignments concurrently, each
// running its catalog sequentially per device. Known-successful attacks
// from the history run first.
func (o *Orchestrator) RunCampaign(ctx context.Context, targets []device.Instance, agentCount int) (*CampaignReport, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("campaign has no targets")
	}
	if agentCount < 1 {
		agentCount = 1
	}

	o.mu.Lock()
	for len(o.agents) < agentCount {
		o.agents = append(o.agents, NewAgent(""))
	}
	agents := o.agents[:agentCount]
	o.mu.Unlock()

	if o.history != nil {
		if regressions, err := o.history.RegressionScenarios(); err == nil && len(regressions) > 0 {
			for _, a := range agents {
				a.Prioritize(regressions)
			}
			logging.RedTeam("campaign: %d regression scenarios front-loaded", len(regressions))
		}
	}

	start := time.Now()
	assignments := make([][]device.Instance, agentCount)
	for i, target := range targets {
		slot := i % agentCount
		assignments[slot] = append(assignments[slot], target)
	}

	var allResults []*Result
	var resMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range agents {
		a, assigned := a, assignments[i]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logging.Get(logging.CategoryRedTeam).Error("campaign agent %s panic: %v", a.ID, r)
				}
			}()
			for _, target := range assigned {
				results := a.ExecuteAllScenarios(gctx, target)
				resMu.Lock()
				allResults = append(allResults, results...)
				resMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &CampaignReport{
		CampaignID:    fmt.Sprintf("campaign_%d", start.Unix()),
		StartTime:     start,
		DevicesTested: len(targets),
		AgentsUsed:    agentCount,
		TotalAttacks:  len(allResults),
	}
	for _, r := range allResults {
		if r.Success {
			report.SuccessfulAttacks++
		}
	}
	for _, a := range agents {
		report.AgentReports = append(report.AgentReports, a.Report())
	}
	report.DurationSeconds = time.Since(start).Seconds()

	if o.history != nil {
		if err := o.history.SaveCampaign(report, allResults); err != nil {
			logging.Get(logging.CategoryRedTeam).Error("campaign persistence failed: %v", err)
		}
	}

	o.mu.Lock()
	o.campaigns = append(o.campaigns, report)
	o.mu.Unlock()

	logging.RedTeam("campaign %s: %d/%d attacks succeeded across %d devices in %.2fs",
		report.CampaignID, report.SuccessfulAttacks, report.TotalAttacks,
		report.DevicesTested, report.DurationSeconds)
	return report, nil
}

// Campaigns lists every campaign run through this orchestrator.
func (o *Orchestrator) Campaigns() []*CampaignReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*CampaignReport, len(o.campaigns))
	copy(out, o.campaigns)
	return out
}
