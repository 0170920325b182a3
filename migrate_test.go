package migrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoshdog/threadr-migrate/internal/models"
	"github.com/hoshdog/threadr-migrate/internal/repository"
)

func newTestManager(t *testing.T, source *repository.MemoryStore, target *repository.MemoryTarget) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m, err := NewManager(source, target, DefaultRegistry(), WithLogger(logger))
	require.NoError(t, err)
	return m
}

func seedAccounts(t *testing.T, store *repository.MemoryStore, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		email := fmt.Sprintf("u%d@example.com", i)
		require.NoError(t, store.Set(ctx, fmt.Sprintf("user:%d", i), fmt.Sprintf(
			`{"email":%q,"plan":"pro","created_at":"2024-01-02T15:04:05Z"}`, email), 0))
		require.NoError(t, store.Set(ctx, fmt.Sprintf("subscription:user:%d", i), fmt.Sprintf(
			`{"email":%q,"tier":"pro","status":"active","current_period_end":"2024-12-31T00:00:00Z","created_at":"2024-01-02T15:04:05Z"}`, email), 0))
	}
}

func TestRunMigratesUsersAndSubscriptions(t *testing.T) {
	source := repository.NewMemoryStore()
	target := repository.NewMemoryTarget()
	seedAccounts(t, source, 5)
	m := newTestManager(t, source, target)

	report, err := m.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, models.StateDone, report.State)
	assert.Equal(t, int64(10), report.Stats.TotalSourceKeys)
	assert.Equal(t, int64(10), report.Stats.Processed)
	assert.Equal(t, int64(10), report.Stats.Succeeded)
	assert.Equal(t, int64(0), report.Stats.Failed)
	assert.Equal(t, int64(5), report.Stats.RecordsByTable["users"])
	assert.Equal(t, int64(5), report.Stats.RecordsByTable["subscriptions"])

	// every subscription resolved its owner through the cross-reference cache
	users := target.Rows("users")
	for _, rec := range target.Rows("subscriptions") {
		sub := rec.(*models.Subscription)
		require.NotEmpty(t, sub.UserID, "subscription %s has no owner", sub.SourceKey)
		_, ok := users[sub.UserID]
		assert.True(t, ok, "subscription %s points at a missing user", sub.SourceKey)
	}

	for _, tc := range report.Tables {
		assert.Zero(t, tc.Orphans, "table %s has orphaned foreign keys", tc.Table)
	}
	assert.Contains(t, report.Recommendation, "safe to promote")
}

func TestRunIsIdempotent(t *testing.T) {
	source := repository.NewMemoryStore()
	target := repository.NewMemoryTarget()
	seedAccounts(t, source, 5)
	m := newTestManager(t, source, target)
	ctx := context.Background()

	_, err := m.Run(ctx, RunOptions{})
	require.NoError(t, err)

	report, err := m.Run(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.StateDone, report.State)
	assert.Equal(t, int64(0), report.Stats.Succeeded, "a re-run inserts nothing")
	assert.Equal(t, int64(10), report.Stats.Skipped, "every record conflicts with the first run")
	assert.Len(t, target.Rows("users"), 5)
	assert.Len(t, target.Rows("subscriptions"), 5)
}

func TestDryRunWalksEveryStepWithoutWriting(t *testing.T) {
	source := repository.NewMemoryStore()
	seedAccounts(t, source, 5)
	ctx := context.Background()

	dryTarget := repository.NewMemoryTarget()
	dryReport, err := newTestManager(t, source, dryTarget).Run(ctx, RunOptions{DryRun: true})
	require.NoError(t, err)

	realTarget := repository.NewMemoryTarget()
	realReport, err := newTestManager(t, source, realTarget).Run(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Zero(t, dryTarget.InsertCalls, "a dry run never touches the target")
	assert.Empty(t, dryTarget.Rows("users"))
	assert.Equal(t, models.StateDone, dryReport.State)
	assert.True(t, dryReport.DryRun)

	// the dry run predicts exactly what the real run does
	assert.Equal(t, realReport.Stats.Processed, dryReport.Stats.Processed)
	assert.Equal(t, realReport.Stats.Succeeded, dryReport.Stats.Succeeded)
	assert.Equal(t, realReport.Stats.Skipped, dryReport.Stats.Skipped)
	assert.Equal(t, realReport.Stats.RecordsByTable, dryReport.Stats.RecordsByTable)
}

func TestRunCountsValidationFailuresWhenContinuing(t *testing.T) {
	source := repository.NewMemoryStore()
	target := repository.NewMemoryTarget()
	ctx := context.Background()
	for i := 1; i <= 9; i++ {
		require.NoError(t, source.Set(ctx, fmt.Sprintf("user:%d", i), fmt.Sprintf(
			`{"email":"u%d@example.com","plan":"free","created_at":"2024-01-02T15:04:05Z"}`, i), 0))
	}
	require.NoError(t, source.Set(ctx, "user:99",
		`{"email":"bad@example.com","plan":"free","created_at":"not-a-date"}`, 0))

	m := newTestManager(t, source, target)
	report, err := m.Run(ctx, RunOptions{ContinueOnError: true})
	require.NoError(t, err)

	assert.Equal(t, models.StateDone, report.State)
	assert.Equal(t, int64(10), report.Stats.Processed)
	assert.Equal(t, int64(9), report.Stats.Succeeded)
	assert.Equal(t, int64(1), report.Stats.ValidationErrors)
	require.Len(t, report.ValidationFailures, 1)
	assert.Equal(t, "valid_timestamp", report.ValidationFailures[0].Rule)
	assert.Equal(t, "user:99", report.ValidationFailures[0].SourceKey)
	assert.Len(t, target.Rows("users"), 9)
	assert.Contains(t, report.Recommendation, "failed validation")
}

func TestRunOutcomeBucketsSumToProcessedWhenBatchFails(t *testing.T) {
	source := repository.NewMemoryStore()
	target := repository.NewMemoryTarget()
	seedAccounts(t, source, 5)
	target.InsertErr = errors.New("insert rejected")
	target.FailTable = "users"

	m := newTestManager(t, source, target)
	report, err := m.Run(context.Background(), RunOptions{ContinueOnError: true})
	require.NoError(t, err)

	stats := report.Stats
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed, "the whole aborted batch counts as failed")
	assert.Equal(t, int64(5), stats.ValidationErrors,
		"subscriptions cannot resolve owners the failed batch never migrated")
	assert.Equal(t, int64(0), stats.Succeeded)
	assert.Equal(t, stats.Processed,
		stats.Succeeded+stats.Failed+stats.Skipped+stats.ValidationErrors,
		"every processed record lands in exactly one outcome bucket")
}

func TestRunAbortsAndRollsBackOnValidationFailure(t *testing.T) {
	source := repository.NewMemoryStore()
	target := repository.NewMemoryTarget()
	seedAccounts(t, source, 3)
	ctx := context.Background()
	// owner email resolves to no migrated user
	require.NoError(t, source.Set(ctx, "subscription:user:999",
		`{"email":"stranger@example.com","tier":"pro","status":"active","created_at":"2024-01-02T15:04:05Z"}`, 0))

	m := newTestManager(t, source, target)
	report, err := m.Run(ctx, RunOptions{EnableRollback: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner_resolved")

	require.NotNil(t, report, "failed runs still produce a report")
	assert.Equal(t, models.StateFailed, report.State)
	assert.Contains(t, report.Recommendation, "failed")

	// the committed user phase was undone
	assert.Equal(t, int64(3), target.DeleteCalls)
	assert.Empty(t, target.Rows("users"))
	assert.Empty(t, target.Rows("subscriptions"))
}

func TestRollbackDeletesInReverseInsertionOrder(t *testing.T) {
	source := repository.NewMemoryStore()
	target := repository.NewMemoryTarget()
	m := newTestManager(t, source, target)
	ctx := context.Background()

	ids := []string{"id-1", "id-2", "id-3"}
	err := target.Transaction(ctx, func(tx repository.TargetTx) error {
		for i, id := range ids {
			_, err := tx.Insert(ctx, &models.User{
				ID:        id,
				SourceKey: fmt.Sprintf("user:%d", i+1),
				Email:     fmt.Sprintf("u%d@example.com", i+1),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	r := newRun(RunOptions{EnableRollback: true})
	for i, id := range ids {
		r.rollback = append(r.rollback, models.RollbackEntry{
			Operation: "insert",
			Table:     "users",
			RecordID:  id,
			SourceKey: fmt.Sprintf("user:%d", i+1),
		})
	}

	m.rollbackRun(ctx, r)

	assert.Equal(t, []string{"id-3", "id-2", "id-1"}, target.DeletedIDs)
	assert.Empty(t, target.Rows("users"))
}

func TestRollbackContinuesPastFailedDelete(t *testing.T) {
	source := repository.NewMemoryStore()
	target := repository.NewMemoryTarget()
	m := newTestManager(t, source, target)
	ctx := context.Background()

	ids := []string{"id-1", "id-2", "id-3"}
	err := target.Transaction(ctx, func(tx repository.TargetTx) error {
		for i, id := range ids {
			_, err := tx.Insert(ctx, &models.User{
				ID:        id,
				SourceKey: fmt.Sprintf("user:%d", i+1),
				Email:     fmt.Sprintf("u%d@example.com", i+1),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	r := newRun(RunOptions{EnableRollback: true})
	for i, id := range ids {
		r.rollback = append(r.rollback, models.RollbackEntry{
			Operation: "insert",
			Table:     "users",
			RecordID:  id,
			SourceKey: fmt.Sprintf("user:%d", i+1),
		})
	}

	target.DeleteErr = errors.New("delete rejected")
	target.FailDeleteID = "id-2"

	m.rollbackRun(ctx, r)

	assert.Equal(t, []string{"id-3", "id-1"}, target.DeletedIDs,
		"one rejected delete must not stop the rest of the replay")
	rows := target.Rows("users")
	require.Len(t, rows, 1)
	_, ok := rows["id-2"]
	assert.True(t, ok)
}

func TestRunFansOutUsageAggregates(t *testing.T) {
	source := repository.NewMemoryStore()
	target := repository.NewMemoryTarget()
	seedAccounts(t, source, 1)
	ctx := context.Background()
	require.NoError(t, source.Set(ctx, "usage:monthly:u1@example.com:2024-01",
		`{"email":"u1@example.com","days":{"2024-01-01":3,"2024-01-02":1,"2024-01-05":7}}`, 0))

	m := newTestManager(t, source, target)
	report, err := m.Run(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.Stats.RecordsByTable["usage_records"],
		"one monthly aggregate becomes one row per active day")
	assert.Len(t, target.Rows("usage_records"), 3)
}

func TestRunRespectsPatternFilter(t *testing.T) {
	source := repository.NewMemoryStore()
	target := repository.NewMemoryTarget()
	seedAccounts(t, source, 2)

	m := newTestManager(t, source, target)
	report, err := m.Run(context.Background(), RunOptions{PatternFilter: "user:*"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.Stats.RecordsByTable["users"])
	assert.Empty(t, target.Rows("subscriptions"))
}

func TestRunRejectsUnknownPriorityFilter(t *testing.T) {
	m := newTestManager(t, repository.NewMemoryStore(), repository.NewMemoryTarget())
	_, err := m.Run(context.Background(), RunOptions{PriorityFilter: Priority("urgent")})
	require.Error(t, err)
}
