package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestControllerStrictSpacing(t *testing.T) {
	t.Parallel()
	c := newController(Window{Rate: 10, Period: time.Second, Burst: 1}, epoch)

	require.True(t, c.evaluate(epoch).Allowed)

	d := c.evaluate(epoch)
	assert.False(t, d.Allowed)
	assert.Equal(t, 100*time.Millisecond, d.Wait)

	d = c.evaluate(epoch.Add(40 * time.Millisecond))
	assert.False(t, d.Allowed)
	assert.Equal(t, 60*time.Millisecond, d.Wait)

	assert.True(t, c.evaluate(epoch.Add(100*time.Millisecond)).Allowed)
}

func TestControllerBurst(t *testing.T) {
	t.Parallel()
	c := newController(Window{Rate: 10, Period: time.Second, Burst: 3}, epoch)

	for i := 0; i < 3; i++ {
		d := c.evaluate(epoch)
		require.Truef(t, d.Allowed, "request %d within burst should pass", i+1)
		require.Zero(t, d.Wait)
	}

	d := c.evaluate(epoch)
	assert.False(t, d.Allowed)
	assert.Equal(t, 100*time.Millisecond, d.Wait)
}

func TestControllerRejectDoesNotMutate(t *testing.T) {
	t.Parallel()
	c := newController(PerSecond(5), epoch)
	require.True(t, c.evaluate(epoch).Allowed)

	tat := c.tat
	for i := 0; i < 5; i++ {
		require.False(t, c.evaluate(epoch.Add(time.Duration(i)*time.Millisecond)).Allowed)
	}
	assert.Equal(t, tat, c.tat)
}

func TestControllerIdleDoesNotBankCredit(t *testing.T) {
	t.Parallel()
	c := newController(Window{Rate: 1, Period: 100 * time.Millisecond, Burst: 2}, epoch)

	later := epoch.Add(10 * time.Second)
	assert.True(t, c.evaluate(later).Allowed)
	assert.True(t, c.evaluate(later).Allowed)

	d := c.evaluate(later)
	assert.False(t, d.Allowed)
	assert.Equal(t, 100*time.Millisecond, d.Wait)
}

func TestControllerPeekThenCommit(t *testing.T) {
	t.Parallel()
	c := newController(PerSecond(10), epoch)

	assert.Zero(t, c.peek(epoch))
	assert.Zero(t, c.peek(epoch), "peek must not consume")

	c.commit(epoch)
	assert.Equal(t, 100*time.Millisecond, c.peek(epoch))
}

func TestControllerForceAdvance(t *testing.T) {
	t.Parallel()

	t.Run("strict", func(t *testing.T) {
		c := newController(PerSecond(10), epoch)
		c.forceAdvance(epoch, 2*time.Second)
		assert.Equal(t, 2*time.Second, c.peek(epoch))
	})

	t.Run("stacks on future tat", func(t *testing.T) {
		c := newController(PerSecond(10), epoch)
		c.commit(epoch)
		c.forceAdvance(epoch, time.Second)
		assert.Equal(t, 1100*time.Millisecond, c.peek(epoch))
	})

	t.Run("burst credit is dropped", func(t *testing.T) {
		c := newController(Window{Rate: 10, Period: time.Second, Burst: 5}, epoch)
		c.forceAdvance(epoch, time.Second)
		assert.Equal(t, time.Second, c.peek(epoch))
		assert.Zero(t, c.peek(epoch.Add(time.Second)))
	})

	t.Run("stale tat starts from now", func(t *testing.T) {
		c := newController(PerSecond(10), epoch)
		now := epoch.Add(time.Hour)
		c.forceAdvance(now, 500*time.Millisecond)
		assert.Equal(t, 500*time.Millisecond, c.peek(now))
	})
}
