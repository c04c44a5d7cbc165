// Package usage builds invocation usage statistics from recorded runs.
package usage

import (
	"database/sql"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/adamavenir/roost/internal/db"
)

// NamespaceUsage is the usage summary of one mailbox namespace.
type NamespaceUsage struct {
	Namespace         string `json:"namespace"`
	Runs              int64  `json:"runs"`
	Failures          int64  `json:"failures"`
	Timeouts          int64  `json:"timeouts"`
	TotalRuntimeMs    int64  `json:"total_runtime_ms"`
	TotalRuntimeHuman string `json:"total_runtime_human"`
	LastRun           string `json:"last_run,omitempty"`
	LastRunHuman      string `json:"last_run_human,omitempty"`
}

// Report is the usage statistics document.
type Report struct {
	GeneratedAt string           `json:"generated_at"`
	Namespaces  []NamespaceUsage `json:"namespaces"`
}

// Summarize converts run totals into a report relative to now.
func Summarize(totals []db.RunTotals, now time.Time) Report {
	report := Report{
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Namespaces:  make([]NamespaceUsage, 0, len(totals)),
	}
	for _, t := range totals {
		entry := NamespaceUsage{
			Namespace:         t.Namespace,
			Runs:              t.Runs,
			Failures:          t.Failures,
			Timeouts:          t.Timeouts,
			TotalRuntimeMs:    t.TotalDuration,
			TotalRuntimeHuman: FormatRuntime(time.Duration(t.TotalDuration) * time.Millisecond),
		}
		if t.LastStartedAt > 0 {
			last := time.UnixMilli(t.LastStartedAt)
			entry.LastRun = last.UTC().Format(time.RFC3339)
			entry.LastRunHuman = humanize.RelTime(last, now, "ago", "from now")
		}
		report.Namespaces = append(report.Namespaces, entry)
	}
	return report
}

// Load reads run totals from the store and summarizes them. When only is
// non-empty the report is limited to that namespace.
func Load(store *sql.DB, only string, now time.Time) (Report, error) {
	totals, err := db.GetRunTotals(store)
	if err != nil {
		return Report{}, err
	}
	if only != "" {
		filtered := totals[:0]
		for _, t := range totals {
			if t.Namespace == only {
				filtered = append(filtered, t)
			}
		}
		totals = filtered
	}
	return Summarize(totals, now), nil
}

// FormatRuntime renders a duration the way status output shows it.
func FormatRuntime(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	if d < time.Minute {
		return humanize.FtoaWithDigits(d.Seconds(), 0) + "s"
	}
	return humanize.FtoaWithDigits(d.Minutes(), 1) + "m"
}
