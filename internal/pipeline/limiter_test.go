package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterCeiling(t *testing.T) {
	l := NewLimiter(10, time.Minute)
	assert.Equal(t, 10, l.Ceiling())
}

func TestLimiterDefaults(t *testing.T) {
	l := NewLimiter(0, 0)
	assert.Equal(t, 10, l.Ceiling())
}

func TestLimiterAllowsBurstUpToCeiling(t *testing.T) {
	l := NewLimiter(5, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
}

func TestLimiterBlocksPastBudget(t *testing.T) {
	l := NewLimiter(2, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))
	assert.Error(t, l.Acquire(ctx))
}
