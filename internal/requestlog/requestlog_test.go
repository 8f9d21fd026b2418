package requestlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmgate/internal/store/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "requestlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestUsageTrendPerModelDailySeries reproduces the usage-trend scenario:
// one request per day for seven consecutive days on a single model yields
// seven labels and a single series of all-ones.
func TestUsageTrendPerModelDailySeries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertPrincipal(ctx, "p1", "hash", "alias"))

	now := time.Now().UTC()
	for i := 6; i >= 0; i-- {
		day := now.AddDate(0, 0, -i)
		_, err := store.Writer.ExecContext(ctx, `
			INSERT INTO request_logs (principal_id, dialect, model, status_code, total_tokens, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			"p1", "openai-chat", "m1", 200, 10, day)
		require.NoError(t, err)
	}

	agg := New(store)
	trend, err := agg.UsageTrend(ctx, "day", 0, 7, "requests", time.UTC)
	require.NoError(t, err)
	require.Len(t, trend.Labels, 7)
	require.Len(t, trend.Series, 1)
	require.Equal(t, "m1", trend.Series[0].Label)
	require.Equal(t, []int64{1, 1, 1, 1, 1, 1, 1}, trend.Series[0].Data)
}

func TestDailyUsageHeatmapCountsPerDay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertPrincipal(ctx, "p1", "hash", "alias"))

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		_, err := store.Writer.ExecContext(ctx, `
			INSERT INTO request_logs (principal_id, dialect, model, status_code, total_tokens, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			"p1", "gemini", "m1", 200, 5, now)
		require.NoError(t, err)
	}

	agg := New(store)
	points, err := agg.DailyUsageHeatmap(ctx, 3, "requests", time.UTC)
	require.NoError(t, err)
	require.Len(t, points, 3)
	require.Equal(t, int64(3), points[len(points)-1].Value)
}

func TestSuccessRatePerDayPerModel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertPrincipal(ctx, "p1", "hash", "alias"))

	now := time.Now().UTC()
	insert := func(status int) {
		_, err := store.Writer.ExecContext(ctx, `
			INSERT INTO request_logs (principal_id, dialect, model, status_code, total_tokens, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			"p1", "gemini", "m1", status, 1, now)
		require.NoError(t, err)
	}
	insert(200)
	insert(200)
	insert(500)

	agg := New(store)
	points, err := agg.SuccessRate(ctx, 1, false, time.UTC)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, "m1", points[0].Model)
	require.Equal(t, int64(3), points[0].Total)
	require.Equal(t, int64(2), points[0].Success)
	require.InDelta(t, 66.66, points[0].Rate, 0.1)
}

func TestSuccessRateHourlyIgnoresModel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertPrincipal(ctx, "p1", "hash", "alias"))

	now := time.Now().UTC()
	for _, model := range []string{"m1", "m2"} {
		_, err := store.Writer.ExecContext(ctx, `
			INSERT INTO request_logs (principal_id, dialect, model, status_code, total_tokens, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			"p1", "gemini", model, 200, 1, now)
		require.NoError(t, err)
	}

	agg := New(store)
	points, err := agg.SuccessRate(ctx, 1, true, time.UTC)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Empty(t, points[0].Model)
	require.Equal(t, int64(2), points[0].Total)
}
