package migrator

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoshdog/threadr-migrate/internal/repository"
)

const userPayload = `{"email":"ada@example.com","plan":"pro","created_at":"2024-01-02T15:04:05Z"}`

func newTestController(t *testing.T) (*Controller, *repository.MemoryStore, *repository.MemoryTarget) {
	t.Helper()
	source := repository.NewMemoryStore()
	target := repository.NewMemoryTarget()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	c := NewController(source, target, DefaultRegistry(), WithControllerLogger(logger))
	return c, source, target
}

func TestWriteSourceOnly(t *testing.T) {
	c, source, target := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "user", "user:1", userPayload))

	val, err := source.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, userPayload, val)
	assert.Empty(t, target.Rows("users"))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.WritesToSource)
	assert.Equal(t, int64(0), stats.WritesToTarget)
}

func TestDualWriteHitsBothStores(t *testing.T) {
	c, source, target := newTestController(t)
	ctx := context.Background()
	require.NoError(t, c.SwitchStrategy(DualWrite))

	require.NoError(t, c.Write(ctx, "user", "user:1", userPayload))

	_, err := source.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.Len(t, target.Rows("users"), 1)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.WritesToSource)
	assert.Equal(t, int64(1), stats.WritesToTarget)
	assert.Equal(t, int64(0), stats.ConsistencyErrors)
}

func TestDualWritePartialFailureSucceedsAndCountsConsistencyError(t *testing.T) {
	c, _, target := newTestController(t)
	ctx := context.Background()
	require.NoError(t, c.SwitchStrategy(DualWrite))

	target.UpsertErr = errors.New("target down")
	require.NoError(t, c.Write(ctx, "user", "user:1", userPayload),
		"one-sided failure must not fail the caller")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.ConsistencyErrors)
	assert.Equal(t, int64(1), stats.TargetFailures)
	assert.Equal(t, int64(1), stats.WritesToSource)
}

func TestDualWriteBothSidesFailing(t *testing.T) {
	c, source, target := newTestController(t)
	ctx := context.Background()
	require.NoError(t, c.SwitchStrategy(DualWrite))

	source.SetErr = errors.New("source down")
	target.UpsertErr = errors.New("target down")

	err := c.Write(ctx, "user", "user:1", userPayload)
	require.ErrorIs(t, err, ErrAllWritesFailed)
	assert.Equal(t, int64(0), c.Stats().ConsistencyErrors,
		"a total failure is the caller's problem, not a consistency drift")
}

func TestEphemeralKindsStayInSourceUnderTargetOnly(t *testing.T) {
	c, source, target := newTestController(t)
	ctx := context.Background()
	require.NoError(t, c.SwitchStrategy(TargetOnly))

	require.NoError(t, c.Write(ctx, "session", "session:abc", `{"token":"x"}`))

	_, err := source.Get(ctx, "session:abc")
	require.NoError(t, err)
	assert.Empty(t, target.Rows("users"))
}

func TestReadFollowsStrategy(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	// populate both stores via dual write
	require.NoError(t, c.SwitchStrategy(DualWrite))
	require.NoError(t, c.Write(ctx, "user", "user:1", userPayload))

	val, err := c.Read(ctx, "user", "user:1")
	require.NoError(t, err)
	assert.Equal(t, userPayload, val, "dual write reads from the source store")

	require.NoError(t, c.SwitchStrategy(TargetPrimary))
	val, err = c.Read(ctx, "user", "user:1")
	require.NoError(t, err)
	assert.Contains(t, val, `"ada@example.com"`, "target primary reads from the target store")
}

func TestReadMissReturnsNotFound(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Read(ctx, "user", "user:404")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.SwitchStrategy(TargetOnly))
	_, err = c.Read(ctx, "user", "user:404")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSwitchStrategyRejectsUnknownValue(t *testing.T) {
	c, _, _ := newTestController(t)
	require.Error(t, c.SwitchStrategy(WriteStrategy("sideways")))
	assert.Equal(t, SourceOnly, c.Strategy())
}
