package mathhelp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapIntegral(t *testing.T) {
	tests := []struct {
		in       float64
		want     float64
		integral bool
	}{
		{3.0, 3.0, true},
		{2.9999999999999996, 3.0, true},
		{3.000000099812809, 3.000000099812809, false},
		{-1.0000000000001, -1.0, true},
		{0.5, 0.5, false},
	}
	for _, tt := range tests {
		got, integral := SnapIntegral(tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.integral, integral)
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0, Clamp(-1, 0, 3))
	assert.Equal(t, 3, Clamp(4, 0, 3))
	assert.Equal(t, 2, Clamp(2, 0, 3))
	assert.Equal(t, 1.5, Clamp(1.5, 0., 3.))
}

func TestBetweenInc(t *testing.T) {
	assert.True(t, BetweenInc(2, 1, 3))
	assert.True(t, BetweenInc(2, 3, 1))
	assert.False(t, BetweenInc(4, 3, 1))
}
