package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_UserCapRejectsNextAdmission(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	l := New(Config{GlobalMax: 60, UserMax: 3}, clock)

	for i := 0; i < 3; i++ {
		allowed, _ := l.Admit("user-a")
		require.True(t, allowed, "admission %d", i)
		l.Record("user-a")
	}
	allowed, state := l.Admit("user-a")
	require.False(t, allowed)
	require.Equal(t, 3, state.UserCurrent)
	require.Equal(t, 3, state.GlobalCurrent)

	other, _ := l.Admit("user-b")
	require.True(t, other, "other principals keep their own window")
}

func TestLimiter_GlobalCapAppliesAcrossPrincipals(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	l := New(Config{GlobalMax: 2, UserMax: 10}, clock)

	l.Record("user-a")
	l.Record("user-b")

	allowed, state := l.Admit("user-c")
	require.False(t, allowed)
	require.Equal(t, 0, state.UserCurrent)
	require.Equal(t, 2, state.GlobalCurrent)
}

func TestLimiter_HitsExpireAfterWindow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	l := New(Config{GlobalMax: 1, UserMax: 1}, clock)

	l.Record("user-a")
	allowed, _ := l.Admit("user-a")
	require.False(t, allowed)

	clock.Advance(time.Hour)
	allowed, _ = l.Admit("user-a")
	require.True(t, allowed, "hit exactly one window old no longer counts")

	l.Record("user-a")
	clock.Advance(59 * time.Minute)
	allowed, _ = l.Admit("user-a")
	require.False(t, allowed)

	clock.Advance(time.Minute + time.Millisecond)
	state := l.State("user-a")
	require.Zero(t, state.UserCurrent)
	require.Zero(t, state.GlobalCurrent)
}

func TestLimiter_WarningThreshold(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	l := New(Config{GlobalMax: 60, UserMax: 20}, clock)

	for i := 0; i < 15; i++ {
		l.Record("user-a")
	}
	require.False(t, l.State("user-a").IsWarning)

	l.Record("user-a")
	state := l.State("user-a")
	require.True(t, state.IsWarning)
	require.Equal(t, 16, state.UserCurrent)
}

func TestLimiter_Defaults(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil)
	state := l.State("anyone")
	require.Equal(t, DefaultGlobalMax, state.GlobalMax)
	require.Equal(t, DefaultUserMax, state.UserMax)
	require.False(t, state.IsWarning)
}
