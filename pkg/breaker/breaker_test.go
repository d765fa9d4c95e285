package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Now()}
	b := New("billing", threshold, cooldown, nil)
	b.clock = clock.Now
	return b, clock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenShortCircuits(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	require.NoError(t, b.Allow())
	b.Failure()

	err := b.Allow()
	var unavailable *ErrNodeUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "billing", unavailable.Slug)
	assert.Greater(t, unavailable.RetryAfter, time.Duration(0))

	// Still short-circuiting just before the cool-down expires.
	clock.Advance(59 * time.Second)
	assert.Error(t, b.Allow())
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	require.NoError(t, b.Allow())
	b.Failure()
	clock.Advance(time.Minute)

	// The first call after the cool-down is the probe.
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Concurrent calls are rejected while the probe is in flight.
	assert.Error(t, b.Allow())
	assert.Error(t, b.Allow())
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	require.NoError(t, b.Allow())
	b.Failure()
	clock.Advance(time.Minute)

	require.NoError(t, b.Allow())
	b.Success()

	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	require.NoError(t, b.Allow())
	b.Failure()
	clock.Advance(time.Minute)

	require.NoError(t, b.Allow())
	b.Failure()

	assert.Error(t, b.Allow())

	// A full cool-down later the next probe may close it again.
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	require.NoError(t, b.Allow())
	b.Failure()
	require.NoError(t, b.Allow())
	b.Failure()
	require.NoError(t, b.Allow())
	b.Success()

	// The streak restarts, so two more failures do not trip it.
	require.NoError(t, b.Allow())
	b.Failure()
	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ExpiredOpenReportsHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestRegistry_SharedTuningPerSlug(t *testing.T) {
	r := NewRegistry(1, time.Minute, nil)

	mail := r.For("mail")
	billing := r.For("billing")
	assert.NotSame(t, mail, billing)
	assert.Same(t, mail, r.For("mail"))

	require.NoError(t, mail.Allow())
	mail.Failure()

	assert.Equal(t, StateOpen, r.StateOf("mail"))
	assert.Equal(t, StateClosed, r.StateOf("billing"))
	assert.Equal(t, StateClosed, r.StateOf("unknown"), "unknown slugs report closed without creating a breaker")
	assert.NoError(t, billing.Allow())
}
