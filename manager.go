package migrator

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hoshdog/threadr-migrate/internal/models"
	"github.com/hoshdog/threadr-migrate/internal/repository"
)

var (
	ErrSourceUnavailable = errors.New("source store failed health validation")
	ErrTargetUnavailable = errors.New("target store failed health validation")
)

// Manager coordinates phased, batched migration of the source keyspace into
// the target schema. One Manager serves many runs; all per-run state lives in
// the run itself.
type Manager struct {
	source   repository.KeyValueStore
	target   repository.TargetStore
	registry *Registry
	logger   *logrus.Logger
}

// NewManager validates the mapping catalog up front so that configuration
// errors (unknown transforms or rules, cyclic dependencies) surface before
// any I/O begins.
func NewManager(source repository.KeyValueStore, target repository.TargetStore, registry *Registry, opts ...ManagerOption) (*Manager, error) {
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("mapping registry invalid: %w", err)
	}

	m := &Manager{
		source:   source,
		target:   target,
		registry: registry,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RunOptions is the operator-facing configuration for one migration run.
type RunOptions struct {
	DryRun          bool
	PriorityFilter  Priority
	TableFilter     string
	PatternFilter   string
	BatchSize       int
	CreateBackup    bool
	BackupDir       string
	EnableRollback  bool
	ContinueOnError bool
	ReportPath      string
}

func (o *RunOptions) normalize() error {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.PriorityFilter == "" {
		o.PriorityFilter = PriorityAll
	}
	if !o.PriorityFilter.valid() {
		return fmt.Errorf("unknown priority filter %q", o.PriorityFilter)
	}
	if o.BackupDir == "" {
		o.BackupDir = "."
	}
	return nil
}

// run carries the mutable state of one orchestrator run: statistics, the
// cross-reference cache, the rollback log and collected validation failures.
type run struct {
	opts     RunOptions
	state    models.RunState
	stats    *models.MigrationStats
	xref     map[string]string // natural key (email) -> target user id
	rollback []models.RollbackEntry
	failures []models.ValidationFailure
}

func newRun(opts RunOptions) *run {
	return &run{
		opts:  opts,
		state: models.StateInitializing,
		stats: models.NewMigrationStats(),
		xref:  make(map[string]string),
	}
}

func (m *Manager) setState(r *run, next models.RunState) {
	m.logger.WithFields(logrus.Fields{"from": r.state, "to": next}).Info("migration state change")
	r.state = next
}
