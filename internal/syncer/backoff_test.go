package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextAttemptDelay(t *testing.T) {
	testCases := []struct {
		attempts int
		expected time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour},
		{12, time.Hour},
		{100, time.Hour},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, NextAttemptDelay(tc.attempts), "attempts=%d", tc.attempts)
	}

	t.Run("negative attempts treated as zero", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, NextAttemptDelay(-1))
	})

	t.Run("delay never decreases with more attempts", func(t *testing.T) {
		prev := time.Duration(0)
		for attempts := 0; attempts < 20; attempts++ {
			delay := NextAttemptDelay(attempts)
			assert.GreaterOrEqual(t, delay, prev)
			assert.LessOrEqual(t, delay, time.Hour)
			prev = delay
		}
	})
}
