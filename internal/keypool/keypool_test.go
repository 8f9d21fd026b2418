package keypool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmgate/internal/apierr"
	"llmgate/internal/store/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testOptions() Options {
	return Options{
		BaseCooldown:         10 * time.Millisecond,
		MaxCooldown:          100 * time.Millisecond,
		FailureThreshold:     2,
		RateLimitDefaultWait: 10 * time.Millisecond,
		StuckTimeout:         time.Hour,
		SweepInterval:        time.Hour,
		AcquireTimeout:       200 * time.Millisecond,
	}
}

func TestAddAcquireReturnSuccess(t *testing.T) {
	store := openTestStore(t)
	pool, err := New(context.Background(), store, testOptions())
	require.NoError(t, err)

	require.NoError(t, pool.Add(context.Background(), "k1", "secret", "primary"))

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "k1", lease.Key.ID)

	snapshot := pool.Snapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, StateLeased, snapshot[0].State)

	pool.Return(context.Background(), lease, apierr.ClassSuccess)
	snapshot = pool.Snapshot()
	require.Equal(t, StateActive, snapshot[0].State)
	require.Equal(t, 0, snapshot[0].FailureCount)
}

func TestAcquireTimesOutWhenNoKeys(t *testing.T) {
	store := openTestStore(t)
	opts := testOptions()
	opts.AcquireTimeout = 20 * time.Millisecond
	pool, err := New(context.Background(), store, opts)
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.KindNoKeyAvailable, apiErr.Kind)
}

func TestReturnUpstream5xxEntersCoolingAtThreshold(t *testing.T) {
	store := openTestStore(t)
	pool, err := New(context.Background(), store, testOptions())
	require.NoError(t, err)
	require.NoError(t, pool.Add(context.Background(), "k1", "secret", ""))

	for i := 0; i < 2; i++ {
		lease, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		pool.Return(context.Background(), lease, apierr.ClassUpstream5xx)
	}

	snapshot := pool.Snapshot()
	require.Equal(t, StateCooling, snapshot[0].State)
	require.Equal(t, 2, snapshot[0].FailureCount)
	require.Equal(t, 1, snapshot[0].CooldownEntryCount)
}

// TestBackoffGrowthUsesCooldownEntryCountNotFailureCount reproduces the
// backoff-growth scenario: with FAILURE_THRESHOLD=3, the first cooldown
// entry must be BASE_COOLDOWN (2^0), not BASE_COOLDOWN*2^(threshold-1).
// failure_count keeps accruing underneath the threshold before cooldown
// ever starts, so it must not drive the backoff exponent.
func TestBackoffGrowthUsesCooldownEntryCountNotFailureCount(t *testing.T) {
	store := openTestStore(t)
	opts := testOptions()
	opts.FailureThreshold = 3
	opts.BaseCooldown = 10 * time.Millisecond
	opts.MaxCooldown = time.Second
	pool, err := New(context.Background(), store, opts)
	require.NoError(t, err)
	require.NoError(t, pool.Add(context.Background(), "k1", "secret", ""))

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Return(context.Background(), lease, apierr.ClassUpstream5xx)
	snapshot := pool.Snapshot()
	require.Equal(t, StateActive, snapshot[0].State, "failure_count=1 is below threshold")
	require.Equal(t, 0, snapshot[0].CooldownEntryCount)

	lease, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Return(context.Background(), lease, apierr.ClassUpstream5xx)
	snapshot = pool.Snapshot()
	require.Equal(t, StateActive, snapshot[0].State, "failure_count=2 is still below threshold")

	lease, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Return(context.Background(), lease, apierr.ClassUpstream5xx)
	snapshot = pool.Snapshot()
	require.Equal(t, StateCooling, snapshot[0].State)
	require.Equal(t, 3, snapshot[0].FailureCount)
	require.Equal(t, 1, snapshot[0].CooldownEntryCount)
	remaining := time.Until(snapshot[0].CooldownUntil)
	require.InDelta(t, opts.BaseCooldown.Seconds(), remaining.Seconds(), opts.BaseCooldown.Seconds()/2,
		"first cooldown entry must be BASE_COOLDOWN, not BASE_COOLDOWN*2^(threshold-1)")

	time.Sleep(opts.BaseCooldown * 3)
	lease, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Return(context.Background(), lease, apierr.ClassUpstream5xx)
	snapshot = pool.Snapshot()
	require.Equal(t, StateCooling, snapshot[0].State)
	require.Equal(t, 2, snapshot[0].CooldownEntryCount)
	remaining = time.Until(snapshot[0].CooldownUntil)
	require.InDelta(t, (2*opts.BaseCooldown).Seconds(), remaining.Seconds(), opts.BaseCooldown.Seconds()/2)
}

// TestAuthRejectedForcesImmediateCooldown reproduces the auth-rejection
// scenario: a single auth_rejected return on a healthy key (failure_count=0)
// still transitions straight to Cooling at BASE_COOLDOWN, unconditional on
// FAILURE_THRESHOLD.
func TestAuthRejectedForcesImmediateCooldown(t *testing.T) {
	store := openTestStore(t)
	opts := testOptions()
	opts.FailureThreshold = 3
	opts.BaseCooldown = 10 * time.Millisecond
	pool, err := New(context.Background(), store, opts)
	require.NoError(t, err)
	require.NoError(t, pool.Add(context.Background(), "k1", "secret", ""))

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Return(context.Background(), lease, apierr.ClassAuthRejected)

	snapshot := pool.Snapshot()
	require.Equal(t, StateCooling, snapshot[0].State)
	require.Equal(t, 1, snapshot[0].CooldownEntryCount)
	remaining := time.Until(snapshot[0].CooldownUntil)
	require.InDelta(t, opts.BaseCooldown.Seconds(), remaining.Seconds(), opts.BaseCooldown.Seconds()/2)
}

func TestExpiredCooldownReturnsToActive(t *testing.T) {
	store := openTestStore(t)
	opts := testOptions()
	opts.FailureThreshold = 1
	opts.BaseCooldown = 5 * time.Millisecond
	pool, err := New(context.Background(), store, opts)
	require.NoError(t, err)
	require.NoError(t, pool.Add(context.Background(), "k1", "secret", ""))

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Return(context.Background(), lease, apierr.ClassUpstream5xx)
	require.Equal(t, StateCooling, pool.Snapshot()[0].State)

	time.Sleep(20 * time.Millisecond)
	lease, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "k1", lease.Key.ID)
}

func TestResetOneAndResetAll(t *testing.T) {
	store := openTestStore(t)
	pool, err := New(context.Background(), store, testOptions())
	require.NoError(t, err)
	require.NoError(t, pool.Add(context.Background(), "k1", "secret", ""))

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Return(context.Background(), lease, apierr.ClassUpstream5xx)
	pool.Return(context.Background(), lease, apierr.ClassUpstream5xx)
	require.Equal(t, StateCooling, pool.Snapshot()[0].State)

	require.NoError(t, pool.ResetOne(context.Background(), "k1"))
	require.Equal(t, StateActive, pool.Snapshot()[0].State)

	n, err := pool.ResetAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestCooldownDurationDoubles(t *testing.T) {
	store := openTestStore(t)
	opts := testOptions()
	opts.BaseCooldown = 10 * time.Millisecond
	opts.MaxCooldown = time.Second
	pool, err := New(context.Background(), store, opts)
	require.NoError(t, err)

	require.Equal(t, 10*time.Millisecond, pool.CooldownDuration(1))
	require.Equal(t, 20*time.Millisecond, pool.CooldownDuration(2))
	require.Equal(t, 40*time.Millisecond, pool.CooldownDuration(3))
}

func TestAcquireExcludingSkipsTheGivenKey(t *testing.T) {
	store := openTestStore(t)
	pool, err := New(context.Background(), store, testOptions())
	require.NoError(t, err)
	require.NoError(t, pool.Add(context.Background(), "k1", "secret1", ""))
	require.NoError(t, pool.Add(context.Background(), "k2", "secret2", ""))

	lease, err := pool.AcquireExcluding(context.Background(), "k1")
	require.NoError(t, err)
	require.Equal(t, "k2", lease.Key.ID)
}

func TestRemove(t *testing.T) {
	store := openTestStore(t)
	pool, err := New(context.Background(), store, testOptions())
	require.NoError(t, err)
	require.NoError(t, pool.Add(context.Background(), "k1", "secret", ""))
	require.Equal(t, 1, pool.Len())

	require.NoError(t, pool.Remove(context.Background(), "k1"))
	require.Equal(t, 0, pool.Len())
}
