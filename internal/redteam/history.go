package redteam

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"virthw/internal/logging"
)

// History persists attack results and campaign summaries to SQLite so a
// campaign can re-run previously successful attacks first.
type History struct {
	db   *sql.DB
	path string
}

// OpenHistory opens (creating if needed) the history database at path.
func OpenHistory(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("set synchronous=NORMAL: %v", err)
	}

	h := &History{db: db, path: path}
	if err := h.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("attack history opened at %s", path)
	return h, nil
}

func (h *History) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attack_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		campaign_id TEXT NOT NULL,
		scenario TEXT NOT NULL,
		vector TEXT NOT NULL,
		severity TEXT NOT NULL,
		success INTEGER NOT NULL,
		impact_score REAL NOT NULL,
		vulnerabilities TEXT NOT NULL,
		recommendations TEXT NOT NULL,
		executed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_scenario ON attack_results(scenario);
	CREATE INDEX IF NOT EXISTS idx_results_campaign ON attack_results(campaign_id);

	CREATE TABLE IF NOT EXISTS campaigns (
		campaign_id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		duration_seconds REAL NOT NULL,
		devices_tested INTEGER NOT NULL,
		agents_used INTEGER NOT NULL,
		total_attacks INTEGER NOT NULL,
		successful_attacks INTEGER NOT NULL
	);`
	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize history schema: %w", err)
	}
	return nil
}

// SaveResult persists one attack result.
func (h *History) SaveResult(campaignID string, r *Result) error {
	vulns, err := json.Marshal(r.Vulnerabilities)
	if err != nil {
		return fmt.Errorf("marshal vulnerabilities: %w", err)
	}
	recs, err := json.Marshal(r.Recommendations)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}

	_, err = h.db.Exec(`
		INSERT INTO attack_results
		(campaign_id, scenario, vector, severity, success, impact_score, vulnerabilities, recommendations, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		campaignID, r.ScenarioName, string(r.Vector), string(r.Severity),
		boolToInt(r.Success), r.ImpactScore, string(vulns), string(recs), r.Timestamp)
	if err != nil {
		return fmt.Errorf("insert attack result: %w", err)
	}
	return nil
}

// SaveCampaign persists a campaign summary and all of its results in one
// transaction.
func (h *History) SaveCampaign(report *CampaignReport, results []*Result) error {
	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("begin campaign tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO campaigns
		(campaign_id, started_at, duration_seconds, devices_tested, agents_used, total_attacks, successful_attacks)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.CampaignID, report.StartTime, report.DurationSeconds,
		report.DevicesTested, report.AgentsUsed, report.TotalAttacks, report.SuccessfulAttacks)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO attack_results
		(campaign_id, scenario, vector, severity, success, impact_score, vulnerabilities, recommendations, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare result insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		vulns, merr := json.Marshal(r.Vulnerabilities)
		if merr != nil {
			return fmt.Errorf("marshal vulnerabilities: %w", merr)
		}
		recs, merr := json.Marshal(r.Recommendations)
		if merr != nil {
			return fmt.Errorf("marshal recommendations: %w", merr)
		}
		if _, err := stmt.Exec(report.CampaignID, r.ScenarioName, string(r.Vector), string(r.Severity),
			boolToInt(r.Success), r.ImpactScore, string(vulns), string(recs), r.Timestamp); err != nil {
			return fmt.Errorf("insert campaign result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit campaign: %w", err)
	}
	logging.StoreDebug("campaign %s persisted (%d results)", report.CampaignID, len(results))
	return nil
}

// RegressionScenarios returns the names of scenarios that have ever
// succeeded, so future campaigns can run them first.
func (h *History) RegressionScenarios() ([]string, error) {
	rows, err := h.db.Query(`SELECT DISTINCT scenario FROM attack_results WHERE success = 1 ORDER BY scenario`)
	if err != nil {
		return nil, fmt.Errorf("query regressions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan regression: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// StoredResult is a persisted attack result row.
type StoredResult struct {
	CampaignID      string
	ScenarioName    string
	Vector          Vector
	Severity        Severity
	Success         bool
	ImpactScore     float64
	Vulnerabilities []string
	Recommendations []string
	ExecutedAt      time.Time
}

// ResultsForCampaign loads every persisted result of one campaign.
func (h *History) ResultsForCampaign(campaignID string) ([]StoredResult, error) {
	rows, err := h.db.Query(`
		SELECT campaign_id, scenario, vector, severity, success, impact_score, vulnerabilities, recommendations, executed_at
		FROM attack_results WHERE campaign_id = ? ORDER BY id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query campaign results: %w", err)
	}
	defer rows.Close()

	var out []StoredResult
	for rows.Next() {
		var sr StoredResult
		var success int
		var vulns, recs string
		if err := rows.Scan(&sr.CampaignID, &sr.ScenarioName, &sr.Vector, &sr.Severity,
			&success, &sr.ImpactScore, &vulns, &recs, &sr.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		sr.Success = success == 1
		if err := json.Unmarshal([]byte(vulns), &sr.Vulnerabilities); err != nil {
			return nil, fmt.Errorf("unmarshal vulnerabilities: %w", err)
		}
		if err := json.Unmarshal([]byte(recs), &sr.Recommendations); err != nil {
			return nil, fmt.Errorf("unmarshal recommendations: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (h *History) Close() error {
	return h.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
