package coord_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/s7tools/provd/internal/coord"
	"github.com/s7tools/provd/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	serialA = model.SerialKey("/dev/ttyUSB0")
	serialB = model.SerialKey("/dev/ttyUSB1")
	tcpA    = model.TCPKey("127.0.0.1", 1238)
	tcpB    = model.TCPKey("127.0.0.1", 1239)
	powerA  = model.PowerKey("127.0.0.1", 502, 1)
)

func TestAcquireDisjoint(t *testing.T) {
	t.Parallel()
	c := coord.New()

	h1, err := c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{serialA, tcpA}, 0)
	require.NoError(t, err)
	h2, err := c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{serialB, tcpB}, 0)
	require.NoError(t, err)

	require.True(t, c.IsHeld(serialA))
	require.True(t, c.IsHeld(serialB))

	c.Release(h1)
	c.Release(h2)
	require.False(t, c.IsHeld(serialA))
	require.False(t, c.IsHeld(serialB))
}

func TestAcquireAllOrNothing(t *testing.T) {
	t.Parallel()
	c := coord.New()

	h1, err := c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{serialA}, 0)
	require.NoError(t, err)

	// serialA is held, so the conflicting job must not take powerA either
	_, err = c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{serialA, powerA}, 0)
	require.ErrorIs(t, err, model.ErrResourceBusy)
	require.False(t, c.IsHeld(powerA))

	c.Release(h1)
}

func TestWaitFIFO(t *testing.T) {
	t.Parallel()
	c := coord.New()
	keys := []model.ResourceKey{serialA, tcpA, powerA}

	first, err := c.Acquire(t.Context(), uuid.New(), keys, 0)
	require.NoError(t, err)

	type grant struct {
		order int
		h     *coord.Handle
	}
	grants := make(chan grant, 2)
	started := make(chan struct{})

	go func() {
		close(started)
		h, err := c.Acquire(t.Context(), uuid.New(), keys, 5*time.Second)
		require.NoError(t, err)
		grants <- grant{order: 2, h: h}
	}()
	<-started
	// make sure the second waiter queues behind the first
	time.Sleep(50 * time.Millisecond)

	go func() {
		h, err := c.Acquire(t.Context(), uuid.New(), keys, 5*time.Second)
		require.NoError(t, err)
		grants <- grant{order: 3, h: h}
	}()
	time.Sleep(50 * time.Millisecond)

	c.Release(first)
	g := <-grants
	require.Equal(t, 2, g.order)

	c.Release(g.h)
	g = <-grants
	require.Equal(t, 3, g.order)
	c.Release(g.h)
}

func TestWaitTimeout(t *testing.T) {
	t.Parallel()
	c := coord.New()

	h, err := c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{serialA}, 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{serialA}, 50*time.Millisecond)
	require.ErrorIs(t, err, model.ErrResourceBusy)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// the timed-out waiter must be gone from the queue
	c.Release(h)
	h2, err := c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{serialA}, 0)
	require.NoError(t, err)
	c.Release(h2)
}

func TestWaitContextCancelled(t *testing.T) {
	t.Parallel()
	c := coord.New()

	h, err := c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{serialA}, 0)
	require.NoError(t, err)
	defer c.Release(h)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, uuid.New(), []model.ResourceKey{serialA}, time.Minute)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestDoubleReleasePanics(t *testing.T) {
	t.Parallel()
	c := coord.New()
	h, err := c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{serialA}, 0)
	require.NoError(t, err)
	c.Release(h)
	require.Panics(t, func() { c.Release(h) })
}

func TestWakeSignal(t *testing.T) {
	t.Parallel()
	c := coord.New()
	h, err := c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{serialA}, 0)
	require.NoError(t, err)

	select {
	case <-c.Wake():
		t.Fatal("wake before release")
	default:
	}

	c.Release(h)
	select {
	case <-c.Wake():
	case <-time.After(time.Second):
		t.Fatal("no wake after release")
	}
}

func TestWaiterServicedOnPartialRelease(t *testing.T) {
	t.Parallel()
	c := coord.New()

	hSerial, err := c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{serialA}, 0)
	require.NoError(t, err)
	hPower, err := c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{powerA}, 0)
	require.NoError(t, err)

	done := make(chan *coord.Handle, 1)
	go func() {
		h, err := c.Acquire(t.Context(), uuid.New(), []model.ResourceKey{serialA, powerA}, 5*time.Second)
		require.NoError(t, err)
		done <- h
	}()
	time.Sleep(50 * time.Millisecond)

	// freeing only one of the two keys must not wake the waiter
	c.Release(hSerial)
	select {
	case <-done:
		t.Fatal("granted with powerA still held")
	case <-time.After(100 * time.Millisecond):
	}

	c.Release(hPower)
	select {
	case h := <-done:
		c.Release(h)
	case <-time.After(time.Second):
		t.Fatal("not granted after both keys freed")
	}
}
