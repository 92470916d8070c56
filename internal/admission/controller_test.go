package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitWithinLimits(t *testing.T) {
	c := NewController(Limits{MaxConcurrent: 2, MaxPerWindow: 10}, time.Minute)

	d := c.Admit("acme")
	assert.True(t, d.Admitted)
	d = c.Admit("acme")
	assert.True(t, d.Admitted)
	assert.Equal(t, 2, c.Concurrent("acme"))
}

func TestConcurrencyLimit(t *testing.T) {
	c := NewController(Limits{MaxConcurrent: 1, MaxPerWindow: 100}, time.Minute)

	require.True(t, c.Admit("acme").Admitted)

	d := c.Admit("acme")
	assert.False(t, d.Admitted)
	assert.Equal(t, ReasonConcurrencyLimit, d.Reason)

	// Releasing the slot admits the next session.
	c.Release("acme")
	assert.True(t, c.Admit("acme").Admitted)
}

func TestRateLimitFixedWindow(t *testing.T) {
	now := time.Now()
	c := NewController(Limits{MaxConcurrent: 100, MaxPerWindow: 2}, time.Minute)
	c.now = func() time.Time { return now }

	require.True(t, c.Admit("acme").Admitted)
	c.Release("acme")
	require.True(t, c.Admit("acme").Admitted)
	c.Release("acme")

	d := c.Admit("acme")
	assert.False(t, d.Admitted)
	assert.Equal(t, ReasonRateLimit, d.Reason)

	// A new window resets the count.
	now = now.Add(61 * time.Second)
	assert.True(t, c.Admit("acme").Admitted)
}

func TestTenantsIsolated(t *testing.T) {
	c := NewController(Limits{MaxConcurrent: 1, MaxPerWindow: 100}, time.Minute)

	require.True(t, c.Admit("acme").Admitted)
	assert.False(t, c.Admit("acme").Admitted)
	assert.True(t, c.Admit("globex").Admitted, "one tenant's ceiling must not affect another")
}

func TestSetLimitsOverridesDefaults(t *testing.T) {
	c := NewController(Limits{MaxConcurrent: 1, MaxPerWindow: 1}, time.Minute)
	c.SetLimits("acme", Limits{MaxConcurrent: 3, MaxPerWindow: 10})

	assert.Equal(t, Limits{MaxConcurrent: 3, MaxPerWindow: 10}, c.GetLimits("acme"))

	for range 3 {
		require.True(t, c.Admit("acme").Admitted)
	}
	assert.False(t, c.Admit("acme").Admitted)
}

func TestPartialLimitsFallBackToDefaults(t *testing.T) {
	c := NewController(Limits{MaxConcurrent: 5, MaxPerWindow: 50}, time.Minute)
	c.SetLimits("acme", Limits{MaxConcurrent: 2})

	lim := c.GetLimits("acme")
	assert.Equal(t, 2, lim.MaxConcurrent)
	assert.Equal(t, 50, lim.MaxPerWindow)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	c := NewController(Limits{MaxConcurrent: 1, MaxPerWindow: 10}, time.Minute)
	c.Release("acme")
	c.Release("acme")
	assert.Equal(t, 0, c.Concurrent("acme"))
}

func TestSlotConservationUnderConcurrency(t *testing.T) {
	c := NewController(Limits{MaxConcurrent: 8, MaxPerWindow: 100000}, time.Minute)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if c.Admit("acme").Admitted {
					c.Release("acme")
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, c.Concurrent("acme"), "every admit was paired with a release")
}

func TestSnapshot(t *testing.T) {
	c := NewController(Limits{MaxConcurrent: 5, MaxPerWindow: 100}, time.Minute)
	c.Admit("acme")
	c.Admit("acme")
	c.Admit("globex")

	snap := c.Snapshot()
	assert.Equal(t, 2, snap["acme"])
	assert.Equal(t, 1, snap["globex"])
}
