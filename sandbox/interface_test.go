package sandbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleStatus(t *testing.T) {
	tests := []struct {
		state    string
		expected Status
	}{
		{"running", StatusRunning},
		{"Running", StatusRunning},
		{"created", StatusStopped},
		{"exited", StatusStopped},
		{"paused", StatusStopped},
		{"stopped", StatusStopped},
		{"configured", StatusStopped},
		{"restarting", StatusCreating},
		{"dead", StatusError},
		{"removing", StatusError},
		{"", StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			assert.Equal(t, tt.expected, Handle{State: tt.state}.Status())
		})
	}
}

func TestHandleShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", Handle{ID: "0123456789abcdef0123"}.ShortID())
	assert.Equal(t, "abc", Handle{ID: "abc"}.ShortID())
}

func TestParseLimits(t *testing.T) {
	tests := []struct {
		memory   string
		expected int64
		hasError bool
	}{
		{"256m", 256 * 1024 * 1024, false},
		{"1g", 1024 * 1024 * 1024, false},
		{"512MB", 512 * 1024 * 1024, false},
		{"0", 0, true},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.memory, func(t *testing.T) {
			limits, err := ParseLimits(tt.memory, 100000, 50000)
			if tt.hasError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, limits.MemoryBytes)
			assert.Equal(t, int64(100000), limits.CPUPeriod)
			assert.Equal(t, int64(50000), limits.CPUQuota)
		})
	}
}

func TestUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	err := unavailable(cause)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, cause)
}
