package deid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShiftDateTimePair(t *testing.T) {
	da, tm, err := shiftDateTime("20230101", "230000", 5*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "20230102", da)
	assert.Equal(t, "040000", tm)
}

func TestShiftDateTimeNegativeOffsetCrossesMidnight(t *testing.T) {
	da, tm, err := shiftDateTime("20230101", "020000", -5*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "20221231", da)
	assert.Equal(t, "210000", tm)
}

func TestShiftDateTimeDateOnly(t *testing.T) {
	da, tm, err := shiftDateTime("20230101", "", 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "20230103", da)
	assert.Empty(t, tm)
}

func TestShiftDateTimePreservesFractionalSeconds(t *testing.T) {
	da, tm, err := shiftDateTime("20230101", "120000.123456", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "20230101", da)
	assert.Equal(t, "130000.123456", tm)
}

func TestShiftDateTimeMalformedDate(t *testing.T) {
	_, _, err := shiftDateTime("2023-01-01", "", time.Hour)
	assert.Error(t, err)
}
