package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_EnforcesBudget(t *testing.T) {
	l := New(true, 3, NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx, "mail"))
	}

	err := l.Acquire(ctx, "mail")
	var limited *ErrLimited
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "mail", limited.Slug)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))
}

func TestLimiter_BudgetsArePerNode(t *testing.T) {
	l := New(true, 1, NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "mail"))
	assert.Error(t, l.Acquire(ctx, "mail"))
	assert.NoError(t, l.Acquire(ctx, "billing"))
}

func TestLimiter_DisabledIsNoOp(t *testing.T) {
	ctx := context.Background()

	l := New(false, 1, NewMemoryStore())
	for i := 0; i < 10; i++ {
		assert.NoError(t, l.Acquire(ctx, "mail"))
	}

	l = New(true, 1, nil)
	for i := 0; i < 10; i++ {
		assert.NoError(t, l.Acquire(ctx, "mail"))
	}
}

func TestMemoryStore_WindowRollsOver(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	count, _, err := s.Incr(ctx, "mail", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, _, err = s.Incr(ctx, "mail", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	time.Sleep(15 * time.Millisecond)

	count, _, err = s.Incr(ctx, "mail", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "expired windows restart the count")
}
