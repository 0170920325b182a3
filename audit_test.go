package migrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoshdog/threadr-migrate/internal/repository"
)

func newTestAuditor(t *testing.T, source *repository.MemoryStore) *Auditor {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAuditor(source, DefaultRegistry(), logger)
}

func TestAuditCategorizesKeyspace(t *testing.T) {
	source := repository.NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, source.Set(ctx, fmt.Sprintf("user:%d", i),
			fmt.Sprintf(`{"email":"u%d@example.com"}`, i), 0))
	}
	require.NoError(t, source.Set(ctx, "subscription:user:1", `{"tier":"pro"}`, 0))
	require.NoError(t, source.Set(ctx, "apikey:1", `{"key_hash":"abc"}`, 0))
	require.NoError(t, source.Set(ctx, "ratelimit:1", "4", 30*time.Minute))
	require.NoError(t, source.Set(ctx, "ratelimit:2", "9", 30*time.Minute))
	require.NoError(t, source.Set(ctx, "session:1", "tok", 2*time.Hour))
	require.NoError(t, source.Set(ctx, "weird:1", "???", 0))

	report, err := newTestAuditor(t, source).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(9), report.TotalKeys)
	assert.Equal(t, int64(1), report.UnknownKeys)
	assert.Equal(t, []string{"weird:1"}, report.UnknownSamples)
	assert.Equal(t, int64(4), report.PriorityTotals[PriorityCritical])
	assert.Equal(t, int64(1), report.PriorityTotals[PriorityHigh])
	assert.Equal(t, int64(3), report.PriorityTotals[PriorityLow])

	counts := make(map[string]int64)
	for _, cat := range report.Categories {
		counts[cat.Pattern] = cat.Count
	}
	assert.Equal(t, int64(3), counts["user:*"])
	assert.Equal(t, int64(1), counts["subscription:user:*"])
	assert.Equal(t, int64(1), counts["apikey:*"])
	assert.Equal(t, int64(2), counts["ratelimit:*"])

	// business-critical categories come first
	require.NotEmpty(t, report.Categories)
	assert.Equal(t, PriorityCritical, report.Categories[0].Priority)
}

func TestAuditBucketsTTLs(t *testing.T) {
	source := repository.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, source.Set(ctx, "user:1", `{"email":"a@b.c"}`, 0))
	require.NoError(t, source.Set(ctx, "user:2", `{"email":"d@e.f"}`, 0))
	require.NoError(t, source.Set(ctx, "ratelimit:1", "1", 10*time.Minute))
	require.NoError(t, source.Set(ctx, "session:1", "tok", 3*time.Hour))
	require.NoError(t, source.Set(ctx, "cache:1", "x", 3*24*time.Hour))
	require.NoError(t, source.Set(ctx, "cache:2", "y", 30*24*time.Hour))

	report, err := newTestAuditor(t, source).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.TTLHistogram["no_ttl"])
	assert.Equal(t, int64(1), report.TTLHistogram["under_1h"])
	assert.Equal(t, int64(1), report.TTLHistogram["under_24h"])
	assert.Equal(t, int64(1), report.TTLHistogram["under_7d"])
	assert.Equal(t, int64(1), report.TTLHistogram["over_7d"])
}

func TestAuditSamplesAreBounded(t *testing.T) {
	source := repository.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		require.NoError(t, source.Set(ctx, fmt.Sprintf("user:%02d", i),
			fmt.Sprintf(`{"email":"u%02d@example.com"}`, i), 0))
	}

	report, err := newTestAuditor(t, source).Run(ctx)
	require.NoError(t, err)

	var userCat CategoryStat
	for _, cat := range report.Categories {
		if cat.Pattern == "user:*" {
			userCat = cat
		}
	}
	assert.Equal(t, int64(40), userCat.Count)
	assert.Len(t, userCat.Samples, defaultSampleLimit)
	assert.Greater(t, userCat.ApproxBytes, int64(0),
		"footprint is extrapolated from the sampled values")
	assert.Equal(t, userCat.ApproxBytes, report.ApproxBytes)
}

func TestAuditSamplesOnlyCriticalTiers(t *testing.T) {
	source := repository.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, source.Set(ctx, "apikey:1", `{"key_hash":"abc"}`, 0))
	require.NoError(t, source.Set(ctx, "thread:1", `{"topic":"go"}`, 0))

	report, err := newTestAuditor(t, source).Run(ctx)
	require.NoError(t, err)

	for _, cat := range report.Categories {
		if cat.Priority != PriorityCritical {
			assert.Empty(t, cat.Samples, "values of non-critical tier %s must not be fetched", cat.Pattern)
		}
	}
}
