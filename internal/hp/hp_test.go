package hp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name      string
		turnInput int64
		denom     int64
		want      int
	}{
		{"fresh", 0, 200_000, 100},
		{"half", 100_000, 200_000, 50},
		{"exhausted", 200_000, 200_000, 0},
		{"overflow saturates", 250_000, 200_000, 0},
		{"negative input", -5, 200_000, 100},
		{"zero denom", 1000, 0, 0},
		{"rounding", 1, 3, 67}, // 100 - round(33.3)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compute(tt.turnInput, tt.denom))
		})
	}
}

func TestStateBuckets(t *testing.T) {
	assert.Equal(t, StateHealthy, State(100))
	assert.Equal(t, StateHealthy, State(51))
	assert.Equal(t, StateWounded, State(50))
	assert.Equal(t, StateWounded, State(26))
	assert.Equal(t, StateCritical, State(25))
	assert.Equal(t, StateCritical, State(0))
}
