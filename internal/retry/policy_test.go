package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_NextDelayRespectsCap(t *testing.T) {
	p := New(Config{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 2 * time.Second})

	for attempt := 1; attempt <= 10; attempt++ {
		d := p.NextDelay(attempt)
		assert.LessOrEqual(t, d, 2*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestPolicy_MaxAttempts(t *testing.T) {
	p := New(Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	assert.Equal(t, 3, p.MaxAttempts())
}
