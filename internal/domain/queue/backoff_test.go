package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Doubles(t *testing.T) {
	b := DefaultBackoff

	assert.Equal(t, 30*time.Second, b.Delay(1))
	assert.Equal(t, time.Minute, b.Delay(2))
	assert.Equal(t, 2*time.Minute, b.Delay(3))
	assert.Equal(t, 16*time.Minute, b.Delay(6))
}

func TestBackoff_Caps(t *testing.T) {
	b := DefaultBackoff

	assert.Equal(t, time.Hour, b.Delay(8))
	assert.Equal(t, time.Hour, b.Delay(50))
}

func TestBackoff_Monotonic(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: time.Minute}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestBackoff_ClampsBadInput(t *testing.T) {
	b := DefaultBackoff

	assert.Equal(t, 30*time.Second, b.Delay(0))
	assert.Equal(t, 30*time.Second, b.Delay(-3))
}
