package models

import "time"

type RunState string

const (
	StateInitializing   RunState = "initializing"
	StateMigratingUsers RunState = "migrating_users"
	StateMigrating      RunState = "migrating"
	StateValidating     RunState = "validating"
	StateDone           RunState = "done"
	StateRollingBack    RunState = "rolling_back"
	StateFailed         RunState = "failed"
)

// MigrationStats accumulates counters for one orchestrator run. One instance
// per run, never persisted beyond the run's report.
type MigrationStats struct {
	TotalSourceKeys  int64            `json:"total_source_keys"`
	Processed        int64            `json:"processed"`
	Succeeded        int64            `json:"succeeded"`
	Failed           int64            `json:"failed"`
	Skipped          int64            `json:"skipped"`
	ValidationErrors int64            `json:"validation_errors"`
	RecordsByTable   map[string]int64 `json:"records_by_target_table"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          time.Time        `json:"end_time"`
}

func NewMigrationStats() *MigrationStats {
	return &MigrationStats{
		RecordsByTable: make(map[string]int64),
		StartTime:      time.Now().UTC(),
	}
}

// ValidationFailure describes one record that failed a validation rule.
type ValidationFailure struct {
	SourceKey string `json:"source_key"`
	Table     string `json:"table"`
	Rule      string `json:"rule"`
	Detail    string `json:"detail"`
}

// RollbackEntry is appended per successful insert during a non-dry run and
// replayed in reverse order when a rollback is triggered.
type RollbackEntry struct {
	Operation string `json:"operation"`
	Table     string `json:"table"`
	RecordID  string `json:"record_id"`
	SourceKey string `json:"source_key"`
}
