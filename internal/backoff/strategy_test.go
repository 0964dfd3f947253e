package backoff

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampFraction(t *testing.T) {
	assert.Equal(t, 0.0, ClampFraction(-0.5))
	assert.Equal(t, 0.25, ClampFraction(0.25))
	assert.Equal(t, 1.0, ClampFraction(3))
}

func TestJitter(t *testing.T) {
	half := func() float64 { return 0.5 }

	tests := []struct {
		name     string
		delay    time.Duration
		fraction float64
		rnd      func() float64
		expected time.Duration
	}{
		{"adds fraction of delay", time.Second, 0.2, half, 1100 * time.Millisecond},
		{"zero fraction", time.Second, 0, half, time.Second},
		{"negative fraction", time.Second, -1, half, time.Second},
		{"fraction above one is clamped", time.Second, 4, half, 1500 * time.Millisecond},
		{"zero delay", 0, 0.5, half, 0},
		{"nil source", time.Second, 0.5, nil, time.Second},
		{"zero draw", time.Second, 0.5, func() float64 { return 0 }, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Jitter(tt.delay, tt.fraction, tt.rnd))
		})
	}
}

func TestJitterSaturates(t *testing.T) {
	d := time.Duration(math.MaxInt64 - 10)
	assert.Equal(t, time.Duration(math.MaxInt64), Jitter(d, 0.5, func() float64 { return 0.5 }))
}
