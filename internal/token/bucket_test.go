package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryTakeDrainsBurst(t *testing.T) {
	b := NewBucket(0, 2)

	// Burst capacity is available immediately; with a zero refill rate the
	// bucket then stays empty.
	assert.True(t, b.TryTake())
	assert.True(t, b.TryTake())
	assert.False(t, b.TryTake())
}

func TestZeroRatePausesConsumption(t *testing.T) {
	b := NewBucket(100, 1)
	require.NoError(t, b.SetRate(0))
	b.TryTake()
	assert.False(t, b.TryTake())
	assert.Equal(t, 0.0, b.Rate())
}

func TestSetRateRejectsNegative(t *testing.T) {
	b := NewBucket(1, 1)
	assert.Error(t, b.SetRate(-0.5))
	assert.Equal(t, 1.0, b.Rate())
}

func TestDefaultCapacity(t *testing.T) {
	b := NewBucket(0, 0)
	for i := 0; i < DefaultCapacity; i++ {
		assert.True(t, b.TryTake(), "token %d", i)
	}
	assert.False(t, b.TryTake())
}
