package migrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/hoshdog/threadr-migrate/internal/models"
)

// TableCount is one row of the post-migration consistency pass.
type TableCount struct {
	Table   string `json:"table"`
	Rows    int64  `json:"rows"`
	Orphans int64  `json:"orphaned_foreign_keys"`
}

// RunReport is the structured document handed to the operator at the end of
// every run, failed or not.
type RunReport struct {
	RunID              string                     `json:"run_id"`
	DryRun             bool                       `json:"dry_run"`
	State              models.RunState            `json:"state"`
	Stats              *models.MigrationStats     `json:"stats"`
	ValidationFailures []models.ValidationFailure `json:"validation_failures"`
	Tables             []TableCount               `json:"tables"`
	Recommendation     string                     `json:"recommendation"`
}

func (r *RunReport) WriteFile(path string) error {
	payload, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

// buildReport runs the consistency pass (row counts per target table plus
// orphaned foreign keys) and assembles the final report. Orphans are reported
// but never trigger an automatic rollback; by this point many records may be
// legitimately migrated.
func (m *Manager) buildReport(ctx context.Context, runID string, r *run) *RunReport {
	report := &RunReport{
		RunID:              runID,
		DryRun:             r.opts.DryRun,
		State:              r.state,
		Stats:              r.stats,
		ValidationFailures: r.failures,
	}

	tables := make(map[string]bool)
	for _, e := range m.registry.Entries() {
		if e.Migrated() {
			tables[e.TargetTable] = true
		}
	}
	names := make([]string, 0, len(tables))
	for t := range tables {
		names = append(names, t)
	}
	sort.Strings(names)

	var totalOrphans int64
	for _, table := range names {
		rows, err := m.target.CountRows(ctx, table)
		if err != nil {
			m.logger.WithError(err).WithField("table", table).Error("consistency pass: row count failed")
			continue
		}
		orphans, err := m.target.CountOrphans(ctx, table)
		if err != nil {
			m.logger.WithError(err).WithField("table", table).Error("consistency pass: orphan count failed")
			continue
		}
		totalOrphans += orphans
		report.Tables = append(report.Tables, TableCount{Table: table, Rows: rows, Orphans: orphans})
	}

	switch {
	case r.state == models.StateFailed:
		report.Recommendation = "run failed; inspect the operation log and re-run after fixing the cause (inserts are conflict-safe)"
	case totalOrphans > 0:
		report.Recommendation = fmt.Sprintf(
			"%d orphaned foreign keys found; investigate before promoting to %s", totalOrphans, TargetPrimary)
	case r.stats.ValidationErrors > 0:
		report.Recommendation = fmt.Sprintf(
			"%d records failed validation and were not migrated; review validation_failures before cutover", r.stats.ValidationErrors)
	default:
		report.Recommendation = fmt.Sprintf("counts are consistent; safe to promote reads to %s", TargetPrimary)
	}

	return report
}
