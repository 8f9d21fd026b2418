package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireRespectsCapacity(t *testing.T) {
	g := New(2)
	require.Equal(t, 2, g.Capacity())

	release1, err := g.Acquire(context.Background())
	require.NoError(t, err)
	release2, err := g.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, g.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	require.Error(t, err)

	release1()
	require.Equal(t, 1, g.InUse())
	release2()
	require.Equal(t, 0, g.InUse())
}

func TestAcquireUnblocksOnRelease(t *testing.T) {
	g := New(1)
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r, err := g.Acquire(context.Background())
		require.NoError(t, err)
		r()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked")
	}
}

func TestNewClampsNonPositiveCapacity(t *testing.T) {
	g := New(0)
	require.Equal(t, 1, g.Capacity())
}
