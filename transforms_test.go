package migrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoshdog/threadr-migrate/internal/models"
)

func TestTransformUser(t *testing.T) {
	result, err := transformUser("user:42", `{"email":" Ada@Example.COM ","plan":"pro","created_at":"2024-01-02T15:04:05Z"}`)
	require.NoError(t, err)
	require.False(t, result.Skip)
	require.Len(t, result.Records, 1)

	user := result.Records[0].(*models.User)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "pro", user.Plan)
	assert.Equal(t, "user:42", user.SourceKey)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC), user.CreatedAt)
}

func TestTransformUserEpochTimestamp(t *testing.T) {
	result, err := transformUser("user:7", `{"email":"a@b.c","plan":"free","created_at":"1704207845"}`)
	require.NoError(t, err)

	user := result.Records[0].(*models.User)
	assert.Equal(t, int64(1704207845), user.CreatedAt.Unix())
}

func TestTransformUserUnparsableTimestampYieldsZeroTime(t *testing.T) {
	result, err := transformUser("user:7", `{"email":"a@b.c","plan":"free","created_at":"yesterday-ish"}`)
	require.NoError(t, err)

	user := result.Records[0].(*models.User)
	assert.True(t, user.CreatedAt.IsZero(), "bad timestamps surface as validation errors, not transform errors")
}

func TestTransformSkipsTombstones(t *testing.T) {
	result, err := transformUser("user:9", `{"deleted":true,"email":"gone@b.c"}`)
	require.NoError(t, err)
	assert.True(t, result.Skip)

	result, err = transformThread("thread:9", "  ")
	require.NoError(t, err)
	assert.True(t, result.Skip)
}

func TestTransformRejectsMalformedJSON(t *testing.T) {
	_, err := transformUser("user:9", "{not json")
	require.Error(t, err)
}

func TestTransformUsageFanout(t *testing.T) {
	value := `{"email":"a@b.c","days":{"2024-01-03":5,"2024-01-01":2,"2024-01-02":0}}`
	result, err := transformUsageFanout("usage:monthly:a@b.c:2024-01", value)
	require.NoError(t, err)
	require.Len(t, result.Records, 3, "one aggregate fans out into one row per day")

	// deterministic day order
	first := result.Records[0].(*models.UsageRecord)
	assert.Equal(t, "2024-01-01", first.DayKey)
	assert.Equal(t, 2, first.Generations)
	assert.Equal(t, "usage:monthly:a@b.c:2024-01#2024-01-01", first.Key())
}

func TestTransformUsageFanoutSkipsEmptyAggregates(t *testing.T) {
	result, err := transformUsageFanout("usage:monthly:a@b.c:2024-01", `{"email":"a@b.c","days":{}}`)
	require.NoError(t, err)
	assert.True(t, result.Skip)
}

func TestTransformThreadEncodesTweets(t *testing.T) {
	value := `{"email":"a@b.c","topic":"go","tweets":["one","two"],"posted":true,"created_at":"2024-02-01T00:00:00Z"}`
	result, err := transformThread("thread:1", value)
	require.NoError(t, err)

	thread := result.Records[0].(*models.Thread)
	assert.JSONEq(t, `["one","two"]`, thread.Tweets)
	assert.True(t, thread.Posted)
}
