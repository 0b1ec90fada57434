package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-melee-rl/internal/experience"
	"distributed-melee-rl/internal/game"
)

func TestNewSpaceDefaultSize(t *testing.T) {
	s, err := NewSpace(DefaultGranularity)
	require.NoError(t, err)
	assert.Equal(t, 54, s.Size())
}

func TestNewSpaceRejectsTinyGranularity(t *testing.T) {
	_, err := NewSpace(1)
	assert.Error(t, err)
}

func TestSpaceBijection(t *testing.T) {
	for _, g := range []int{2, 3, 5} {
		s, err := NewSpace(g)
		require.NoError(t, err)
		for i := 0; i < s.Size(); i++ {
			c, err := s.ToControl(i)
			require.NoError(t, err)
			back, err := s.ToIndex(c)
			require.NoError(t, err)
			assert.Equal(t, i, back, "granularity %d index %d", g, i)
		}
	}
}

func TestSpaceOrderIsStable(t *testing.T) {
	a, err := NewSpace(3)
	require.NoError(t, err)
	b, err := NewSpace(3)
	require.NoError(t, err)

	for i := 0; i < a.Size(); i++ {
		ca, _ := a.ToControl(i)
		cb, _ := b.ToControl(i)
		assert.Equal(t, ca, cb)
	}

	first, _ := a.ToControl(0)
	assert.Equal(t, game.Button(0), first.Buttons)
	assert.Equal(t, game.Stick{X: 0, Y: 0}, first.Main)

	second, _ := a.ToControl(1)
	assert.Equal(t, game.Stick{X: 0, Y: 0.5}, second.Main)

	tenth, _ := a.ToControl(9)
	assert.True(t, tenth.Pressed(game.ButtonA))
	assert.Equal(t, game.Stick{X: 0, Y: 0}, tenth.Main)
	assert.Equal(t, game.NeutralStick(), tenth.C)
}

func TestToControlOutOfRange(t *testing.T) {
	s, err := NewSpace(3)
	require.NoError(t, err)

	for _, i := range []int{-1, s.Size(), s.Size() + 10} {
		_, err := s.ToControl(i)
		assert.ErrorIs(t, err, experience.ErrIndexOutOfRange)
	}
}

func TestToIndexRequiresExactMatch(t *testing.T) {
	s, err := NewSpace(3)
	require.NoError(t, err)

	c := game.NeutralController()
	c.Main.X = 0.51
	_, err = s.ToIndex(c)
	assert.ErrorIs(t, err, ErrNotEnumerated)

	c = game.NeutralController()
	c.Buttons = game.ButtonA | game.ButtonB
	_, err = s.ToIndex(c)
	assert.ErrorIs(t, err, ErrNotEnumerated)
}

func TestNeutral(t *testing.T) {
	s, err := NewSpace(3)
	require.NoError(t, err)

	c, err := s.ToControl(s.Neutral())
	require.NoError(t, err)
	assert.Equal(t, game.NeutralController(), c)
}
