package migrator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/hoshdog/threadr-migrate/internal/repository"
)

// rollbackRun replays the rollback log in reverse insertion order, deleting
// every row this run created. Each delete runs in its own transaction: a
// statement rejected by the store would poison a shared transaction and void
// the rest of the replay. Rollback is best effort once triggered: a failed
// delete is logged and the replay continues, since the goal is minimizing
// damage rather than guaranteeing a pristine state.
func (m *Manager) rollbackRun(ctx context.Context, r *run) {
	m.logger.WithField("entries", len(r.rollback)).Warn("rolling back inserted records")

	var failed int
	for i := len(r.rollback) - 1; i >= 0; i-- {
		entry := r.rollback[i]
		err := m.target.Transaction(ctx, func(tx repository.TargetTx) error {
			return tx.Delete(ctx, entry.Table, entry.RecordID)
		})
		if err != nil {
			failed++
			m.logger.WithError(err).WithFields(logrus.Fields{
				"table":      entry.Table,
				"record_id":  entry.RecordID,
				"source_key": entry.SourceKey,
			}).Error("rollback delete failed, continuing")
		}
	}
	if failed > 0 {
		m.logger.WithField("failed", failed).Warn("rollback finished with failures")
		return
	}
	m.logger.Info("rollback complete")
}
