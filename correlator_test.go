package ircsession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCorrelatorResolve verifies a reply reaches its waiter and clears the
// entry.
func TestCorrelatorResolve(t *testing.T) {
	c := NewCorrelator()
	p := NewPacket(PacketReadKeyBundle)

	reply, err := c.Await(context.Background(), "readKeyBundle", "k1", time.Second, func() error {
		go c.Resolve("k1", Reply{Packet: p})
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, p, reply.Packet)
	assert.Zero(t, c.Pending())
	assert.False(t, c.Resolve("k1", Reply{}))
}

// TestCorrelatorTimeout verifies a missing reply fails with TimeoutError
// and leaves no stuck waiter.
func TestCorrelatorTimeout(t *testing.T) {
	c := NewCorrelator()
	_, err := c.Await(context.Background(), "readKeyBundle", "k1", 20*time.Millisecond, func() error { return nil })
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "k1", te.ID)
	assert.True(t, te.Timeout())
	assert.Zero(t, c.Pending())

	// the id is free again
	w, err := c.Expect("readKeyBundle", "k1")
	require.NoError(t, err)
	w.Cancel()
}

// TestCorrelatorContextCancel verifies cancellation ends the wait.
func TestCorrelatorContextCancel(t *testing.T) {
	c := NewCorrelator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Await(ctx, "op", "x", time.Minute, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Pending())
}

// TestCorrelatorSendFailure verifies the waiter is dropped when sending fails.
func TestCorrelatorSendFailure(t *testing.T) {
	c := NewCorrelator()
	boom := errors.New("boom")
	_, err := c.Await(context.Background(), "op", "x", time.Minute, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Pending())
}

// TestCorrelatorDuplicateID verifies one id has at most one waiter.
func TestCorrelatorDuplicateID(t *testing.T) {
	c := NewCorrelator()
	w, err := c.Expect("op", "x")
	require.NoError(t, err)
	defer w.Cancel()
	_, err = c.Expect("op", "x")
	assert.Error(t, err)
}

// TestCorrelatorFailAll verifies disconnect fails pending waits at once and
// refuses new ones until reopened.
func TestCorrelatorFailAll(t *testing.T) {
	c := NewCorrelator()
	w1, err := c.Expect("op", "a")
	require.NoError(t, err)
	w2, err := c.Expect("op", "b")
	require.NoError(t, err)

	start := time.Now()
	c.FailAll(ErrSessionClosed)
	_, err = w1.Wait(context.Background(), time.Minute)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = w2.Wait(context.Background(), time.Minute)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Less(t, time.Since(start), time.Second)

	_, err = c.Expect("op", "c")
	assert.ErrorIs(t, err, ErrSessionClosed)

	c.Reopen()
	w3, err := c.Expect("op", "c")
	require.NoError(t, err)
	w3.Cancel()
	assert.Zero(t, c.Pending())
}

// TestCorrelatorStaleCancel verifies cancelling an old waiter does not drop
// a newer one registered under the same id.
func TestCorrelatorStaleCancel(t *testing.T) {
	c := NewCorrelator()
	old, err := c.Expect("op", "x")
	require.NoError(t, err)
	require.True(t, c.Resolve("x", Reply{}))

	fresh, err := c.Expect("op", "x")
	require.NoError(t, err)
	old.Cancel()
	assert.Equal(t, 1, c.Pending())
	fresh.Cancel()
}
