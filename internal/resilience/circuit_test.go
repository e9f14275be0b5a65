package resilience

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(eris.New("boom"))
	}

	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.Record(eris.New("boom"))
	cb.Record(eris.New("boom"))
	cb.Record(nil)
	cb.Record(eris.New("boom"))
	cb.Record(eris.New("boom"))

	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }

	cb.Record(eris.New("boom"))
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	// After the reset timeout a probe is allowed; success closes the circuit.
	now = now.Add(20 * time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.Record(nil)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }

	cb.Record(eris.New("boom"))
	now = now.Add(20 * time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.Record(eris.New("still down"))

	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
}
