package reward

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-melee-rl/internal/game"
)

func steadyFrames(n int) []game.Frame {
	frames := make([]game.Frame, n)
	for i := range frames {
		frames[i].Tick = uint32(i)
		for p := range frames[i].Players {
			frames[i].Players[p].Stock = 4
		}
	}
	return frames
}

func newComputer(t *testing.T) *Computer {
	t.Helper()
	c, err := NewComputer(DefaultConfig())
	require.NoError(t, err)
	return c
}

func TestDiscount(t *testing.T) {
	d := Discount(20, 2.0)
	assert.InDelta(t, math.Pow(0.5, 1.0/40), d, 1e-12)
	assert.InDelta(t, 0.98282, d, 1e-5)
}

func TestComputeLength(t *testing.T) {
	c := newComputer(t)
	assert.Len(t, c.Compute(steadyFrames(20)), 19)
	assert.Empty(t, c.Compute(steadyFrames(1)))
	assert.Empty(t, c.Compute(nil))
}

func TestStockLossLandsOnTransition(t *testing.T) {
	c := newComputer(t)
	frames := steadyFrames(20)
	for i := 10; i < len(frames); i++ {
		frames[i].Players[1].Stock = 3
	}

	rewards := c.Compute(frames)
	for i, r := range rewards {
		if i == 9 {
			assert.InDelta(t, -1.0, r, 1e-6)
			continue
		}
		assert.Zero(t, r, "reward %d", i)
	}
}

func TestOpponentStockLossIsPositive(t *testing.T) {
	c := newComputer(t)
	frames := steadyFrames(5)
	frames[3].Players[0].Stock = 3
	frames[4].Players[0].Stock = 3

	rewards := c.Compute(frames)
	assert.InDelta(t, 1.0, rewards[2], 1e-6)
	assert.Zero(t, rewards[3])
}

func TestSimultaneousEventsAdd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Opponents = []int{0, 2}
	c, err := NewComputer(cfg)
	require.NoError(t, err)

	frames := steadyFrames(2)
	frames[1].Players[0].Stock = 3
	frames[1].Players[2].Stock = 3
	frames[1].Players[1].Stock = 3

	rewards := c.Compute(frames)
	assert.InDelta(t, 1.0, rewards[0], 1e-6)
}

func TestDamagePenalty(t *testing.T) {
	c := newComputer(t)
	frames := steadyFrames(4)
	frames[1].Players[1].Percent = 12
	frames[2].Players[1].Percent = 12
	frames[3].Players[1].Percent = 0
	frames[3].Players[0].Percent = 50

	rewards := c.Compute(frames)
	assert.InDelta(t, -0.12, rewards[0], 1e-6)
	assert.Zero(t, rewards[1])
	assert.Zero(t, rewards[2], "healing and opponent damage are not penalized")
}

func TestComputeIsDeterministic(t *testing.T) {
	c := newComputer(t)
	frames := steadyFrames(30)
	for i := range frames {
		frames[i].Players[1].Percent = uint32(i * 3 % 17)
		frames[i].Players[0].Stock = uint32(4 - i/10)
	}

	a := c.Compute(frames)
	b := c.Compute(frames)
	assert.Equal(t, a, b)
}

func TestNewComputerValidatesPorts(t *testing.T) {
	tests := []Config{
		{Controlled: -1, Opponents: []int{0}},
		{Controlled: 4, Opponents: []int{0}},
		{Controlled: 1},
		{Controlled: 1, Opponents: []int{1}},
		{Controlled: 1, Opponents: []int{7}},
	}
	for _, cfg := range tests {
		_, err := NewComputer(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestNStepReturns(t *testing.T) {
	rewards := []float32{1, 0, 0, -1}
	got := NStepReturns(rewards, 0.5, 2)
	assert.InDeltaSlice(t, []float64{1, 0, -0.5, -1}, got, 1e-9)

	assert.Equal(t, []float64{0, 0, 0, 0}, NStepReturns(rewards, 0.5, 0))
	assert.InDeltaSlice(t, []float64{1, 0, 0, -1}, NStepReturns(rewards, 0.9, 1), 1e-9)
}
