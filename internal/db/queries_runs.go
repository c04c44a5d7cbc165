package db

import (
	"database/sql"

	"github.com/adamavenir/roost/internal/types"
)

// RecordRun stores one invocation run for usage statistics.
func RecordRun(db *sql.DB, run types.RunRecord) error {
	_, err := db.Exec(`
		INSERT INTO roost_runs (id, chat_id, namespace, kind, started_at, duration_ms, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ChatID, run.Namespace, string(run.Kind), run.StartedAt, run.DurationMs, string(run.Status))
	return err
}

// RunTotals aggregates runs for one namespace.
type RunTotals struct {
	Namespace     string
	Runs          int64
	Failures      int64
	Timeouts      int64
	TotalDuration int64 // ms
	LastStartedAt int64 // unix ms, 0 when never run
}

// GetRunTotals returns aggregate run statistics per namespace.
func GetRunTotals(db *sql.DB) ([]RunTotals, error) {
	rows, err := db.Query(`
		SELECT namespace,
		       COUNT(*),
		       SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END),
		       COALESCE(SUM(duration_ms), 0),
		       COALESCE(MAX(started_at), 0)
		FROM roost_runs
		GROUP BY namespace
		ORDER BY namespace
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []RunTotals
	for rows.Next() {
		var t RunTotals
		if err := rows.Scan(&t.Namespace, &t.Runs, &t.Failures, &t.Timeouts, &t.TotalDuration, &t.LastStartedAt); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
