package migrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hoshdog/threadr-migrate/internal/models"
	"github.com/hoshdog/threadr-migrate/internal/repository"
)

// errValidationAbort marks a run aborted by a validation failure when
// ContinueOnError is off.
var errValidationAbort = errors.New("validation failure aborted run")

// Run executes one migration according to opts. The user phase always runs
// first to seed the cross-reference cache, then each priority phase of the
// plan, then a post-migration consistency pass. A dry run walks every step
// but performs zero inserts or deletes against the target store.
//
// The returned report is non-nil whenever the run got past initialization,
// including failed runs.
func (m *Manager) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	r := newRun(opts)
	runID := uuid.NewString()
	log := m.logger.WithFields(logrus.Fields{"run_id": runID, "dry_run": opts.DryRun})
	log.Info("preparing migration run")

	if err := m.source.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if err := m.target.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
	}

	plan, err := m.registry.Plan(PlanFilter{
		Priority: opts.PriorityFilter,
		Table:    opts.TableFilter,
		Pattern:  opts.PatternFilter,
	})
	if err != nil {
		return nil, err
	}

	if !opts.DryRun {
		if err := m.target.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("target schema migration: %w", err)
		}
	}

	if opts.CreateBackup && !opts.DryRun {
		path, err := m.writeBackup(ctx, runID, opts.BackupDir, plan)
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
		log.WithField("path", path).Info("source backup written")
	}

	finish := func(runErr error) (*RunReport, error) {
		if runErr != nil {
			if opts.EnableRollback && !opts.DryRun && len(r.rollback) > 0 {
				m.setState(r, models.StateRollingBack)
				m.rollbackRun(ctx, r)
			}
			m.setState(r, models.StateFailed)
		}
		r.stats.EndTime = time.Now().UTC()
		report := m.buildReport(ctx, runID, r)
		if opts.ReportPath != "" {
			if err := report.WriteFile(opts.ReportPath); err != nil {
				log.WithError(err).Error("writing run report failed")
			}
		}
		return report, runErr
	}

	m.setState(r, models.StateMigratingUsers)
	if err := m.migrateUsers(ctx, r); err != nil {
		return finish(err)
	}

	userEntry, hasUsers := m.registry.EntryForKind("user")
	for phase, entries := range plan.Phases {
		for _, entry := range entries {
			if hasUsers && entry.SourcePattern == userEntry.SourcePattern {
				continue // user phase already ran
			}
			m.setState(r, models.StateMigrating)
			log.WithFields(logrus.Fields{
				"phase":   phase,
				"pattern": entry.SourcePattern,
				"table":   entry.TargetTable,
			}).Info("migrating pattern")
			if err := m.migrateEntry(ctx, r, entry); err != nil {
				return finish(err)
			}
		}
	}

	m.setState(r, models.StateValidating)
	m.setState(r, models.StateDone)
	log.WithFields(logrus.Fields{
		"processed": r.stats.Processed,
		"succeeded": r.stats.Succeeded,
		"failed":    r.stats.Failed,
		"skipped":   r.stats.Skipped,
	}).Info("migration run complete")
	return finish(nil)
}

// migrateUsers runs unconditionally before the priority phases: nearly every
// other record type resolves its foreign key through the email to user id
// cache this phase builds. Existing target users are reused so re-runs are
// idempotent.
func (m *Manager) migrateUsers(ctx context.Context, r *run) error {
	entry, ok := m.registry.EntryForKind("user")
	if !ok {
		m.logger.Warn("no user mapping declared, skipping user phase")
		return nil
	}

	keys, err := m.collectKeys(ctx, entry.SourcePattern)
	if err != nil {
		return err
	}
	r.stats.TotalSourceKeys += int64(len(keys))

	for start := 0; start < len(keys); start += r.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + r.opts.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		delta, err := m.processUserBatch(ctx, r, entry, keys[start:end])
		if err != nil {
			if r.opts.ContinueOnError && !errors.Is(err, errValidationAbort) {
				// the aborted transaction undid everything, so the partial
				// tallies are dropped and the whole batch counts as failed
				n := int64(end - start)
				r.stats.Processed += n
				r.stats.Failed += n
				m.logger.WithError(err).Error("user batch failed, continuing")
				continue
			}
			delta.merge(r, false)
			return err
		}
		delta.merge(r, true)
	}
	return nil
}

func (m *Manager) processUserBatch(ctx context.Context, r *run, entry MappingEntry, keys []string) (*batchDelta, error) {
	delta := newBatchDelta()
	transform, err := m.registry.transformFor(entry)
	if err != nil {
		return delta, err
	}

	err = m.target.Transaction(ctx, func(tx repository.TargetTx) error {
		for _, key := range keys {
			value, err := m.source.Get(ctx, key)
			if errors.Is(err, repository.ErrKeyNotFound) {
				delta.processed++
				delta.skipped++ // expired between scan and read
				continue
			}
			if err != nil {
				return err
			}

			result, err := transform(key, value)
			if err != nil {
				delta.processed++
				delta.failed++
				if !r.opts.ContinueOnError {
					return err
				}
				continue
			}
			if result.Skip || len(result.Records) == 0 {
				delta.processed++
				delta.skipped++
				continue
			}
			delta.processed++

			user, ok := result.Records[0].(*models.User)
			if !ok {
				return fmt.Errorf("user transform produced %T", result.Records[0])
			}

			if existing, err := m.target.FindUserByEmail(ctx, user.Email); err == nil {
				// idempotent re-run: reuse the already assigned identifier
				r.xref[user.Email] = existing.ID
				delta.skipped++
				continue
			} else if !errors.Is(err, repository.ErrRecordNotFound) {
				return err
			}

			if failure := m.registry.validateRecord(entry, user); failure != nil {
				delta.validationErrs++
				delta.failures = append(delta.failures, *failure)
				if !r.opts.ContinueOnError {
					return fmt.Errorf("%w: %s (%s)", errValidationAbort, failure.Rule, failure.SourceKey)
				}
				continue
			}

			if err := delta.insert(ctx, tx, r, user); err != nil {
				return err
			}
			r.xref[user.Email] = user.ID
		}
		return nil
	})
	return delta, err
}

// migrateEntry scans one pattern and processes its keys in fixed-size
// batches, each inside one target transaction. Batches run sequentially so
// the rollback log stays causally ordered.
func (m *Manager) migrateEntry(ctx context.Context, r *run, entry MappingEntry) error {
	keys, err := m.collectKeys(ctx, entry.SourcePattern)
	if err != nil {
		return err
	}
	r.stats.TotalSourceKeys += int64(len(keys))

	for start := 0; start < len(keys); start += r.opts.BatchSize {
		// operator aborts are honored at batch boundaries only; mid-batch
		// safety comes from transactional atomicity
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + r.opts.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		delta, err := m.processBatch(ctx, r, entry, keys[start:end])
		if err != nil {
			if r.opts.ContinueOnError && !errors.Is(err, errValidationAbort) {
				// nothing from the aborted transaction survives, so the
				// partial tallies are dropped and the whole batch counts as
				// failed
				n := int64(end - start)
				r.stats.Processed += n
				r.stats.Failed += n
				m.logger.WithError(err).WithField("pattern", entry.SourcePattern).Error("batch failed, continuing")
				continue
			}
			delta.merge(r, false)
			return err
		}
		delta.merge(r, true)
	}
	return nil
}

func (m *Manager) processBatch(ctx context.Context, r *run, entry MappingEntry, keys []string) (*batchDelta, error) {
	delta := newBatchDelta()
	transform, err := m.registry.transformFor(entry)
	if err != nil {
		return delta, err
	}

	err = m.target.Transaction(ctx, func(tx repository.TargetTx) error {
		for _, key := range keys {
			value, err := m.source.Get(ctx, key)
			if errors.Is(err, repository.ErrKeyNotFound) {
				delta.processed++
				delta.skipped++
				continue
			}
			if err != nil {
				return err
			}

			result, err := transform(key, value)
			if err != nil {
				delta.processed++
				delta.failed++
				if !r.opts.ContinueOnError {
					return err
				}
				continue
			}
			if result.Skip {
				delta.processed++
				delta.skipped++
				continue
			}
			delta.processed++

			// post-process: resolve foreign keys through the cross-reference
			// cache built by the user phase
			for _, rec := range result.Records {
				if ref, ok := rec.(models.OwnerRef); ok && ref.UserRef() == "" {
					if id, found := r.xref[ref.OwnerEmail()]; found {
						ref.SetUserID(id)
					}
				}
			}

			// a fan-out is inserted atomically: one invalid row holds back
			// the whole source record
			var failure *models.ValidationFailure
			for _, rec := range result.Records {
				if failure = m.registry.validateRecord(entry, rec); failure != nil {
					break
				}
			}
			if failure != nil {
				delta.validationErrs++
				delta.failures = append(delta.failures, *failure)
				if !r.opts.ContinueOnError {
					return fmt.Errorf("%w: %s (%s)", errValidationAbort, failure.Rule, failure.SourceKey)
				}
				continue
			}

			for _, rec := range result.Records {
				if err := delta.insert(ctx, tx, r, rec); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return delta, err
}

func (m *Manager) collectKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := m.source.Scan(ctx, pattern, func(key string) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %q: %w", pattern, err)
	}
	return keys, nil
}

// batchDelta buffers one batch's effect on the run so an aborted transaction
// leaves the rollback log and per-table counts untouched.
type batchDelta struct {
	processed      int64
	succeeded      int64
	failed         int64
	skipped        int64
	validationErrs int64
	perTable       map[string]int64
	rollback       []models.RollbackEntry
	failures       []models.ValidationFailure
}

func newBatchDelta() *batchDelta {
	return &batchDelta{perTable: make(map[string]int64)}
}

func (d *batchDelta) insert(ctx context.Context, tx repository.TargetTx, r *run, rec models.TargetRecord) error {
	if r.opts.DryRun {
		d.succeeded++
		d.perTable[rec.TableName()]++
		return nil
	}

	inserted, err := tx.Insert(ctx, rec)
	if err != nil {
		return err
	}
	if !inserted {
		d.skipped++ // conflict: row already migrated by an earlier run
		return nil
	}

	d.succeeded++
	d.perTable[rec.TableName()]++
	if r.opts.EnableRollback {
		d.rollback = append(d.rollback, models.RollbackEntry{
			Operation: "insert",
			Table:     rec.TableName(),
			RecordID:  rec.RecordID(),
			SourceKey: rec.Key(),
		})
	}
	return nil
}

func (d *batchDelta) merge(r *run, committed bool) {
	r.stats.Failed += d.failed
	r.stats.ValidationErrors += d.validationErrs
	r.failures = append(r.failures, d.failures...)

	if !committed {
		// inserts and skips were undone with the transaction; only records
		// with a terminal outcome stay counted as processed, the rest will be
		// seen again on a re-run
		r.stats.Processed += d.failed + d.validationErrs
		return
	}

	r.stats.Processed += d.processed
	r.stats.Succeeded += d.succeeded
	r.stats.Skipped += d.skipped
	for table, n := range d.perTable {
		r.stats.RecordsByTable[table] += n
	}
	r.rollback = append(r.rollback, d.rollback...)
}

// writeBackup dumps every key/value the plan will touch to a JSON file before
// anything is written to the target.
func (m *Manager) writeBackup(ctx context.Context, runID, dir string, plan MigrationPlan) (string, error) {
	dump := make(map[string]string)
	for _, entry := range plan.Entries() {
		err := m.source.Scan(ctx, entry.SourcePattern, func(key string) error {
			value, err := m.source.Get(ctx, key)
			if errors.Is(err, repository.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			dump[key] = value
			return nil
		})
		if err != nil {
			return "", err
		}
	}

	payload, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("backup-%s.json", runID))
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
