package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoubles(t *testing.T) {
	base := 5 * time.Second
	cap := 30 * time.Second

	assert.Equal(t, 5*time.Second, Backoff(base, cap, 1))
	assert.Equal(t, 10*time.Second, Backoff(base, cap, 2))
	assert.Equal(t, 20*time.Second, Backoff(base, cap, 3))
}

func TestBackoffCapped(t *testing.T) {
	base := 5 * time.Second
	cap := 30 * time.Second

	assert.Equal(t, cap, Backoff(base, cap, 4))
	assert.Equal(t, cap, Backoff(base, cap, 10))
	assert.Equal(t, cap, Backoff(base, cap, 100))
}

func TestBackoffMonotonic(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 5 * time.Second

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := Backoff(base, cap, attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, cap)
		prev = d
	}
}

func TestBackoffAttemptClamped(t *testing.T) {
	base := time.Second
	assert.Equal(t, base, Backoff(base, 30*time.Second, 0))
	assert.Equal(t, base, Backoff(base, 30*time.Second, -3))
}
