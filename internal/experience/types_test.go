package experience

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutBinary(t *testing.T) {
	l := NewLayout(1200, 54)
	data, err := l.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, LayoutSize)

	var got Layout
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, l, got)
	assert.NoError(t, l.Check(got))
}

func TestLayoutRejectsGarbage(t *testing.T) {
	var l Layout
	assert.ErrorIs(t, l.UnmarshalBinary([]byte("nope")), ErrSchemaMismatch)

	data, _ := NewLayout(10, 54).MarshalBinary()
	data[0] = 'X'
	assert.ErrorIs(t, l.UnmarshalBinary(data), ErrSchemaMismatch)
}

func TestLayoutCheck(t *testing.T) {
	base := NewLayout(1200, 54)
	assert.ErrorIs(t, base.Check(NewLayout(600, 54)), ErrSchemaMismatch)
	assert.ErrorIs(t, base.Check(NewLayout(1200, 27)), ErrSchemaMismatch)

	other := base
	other.Version++
	assert.ErrorIs(t, base.Check(other), ErrSchemaMismatch)
}

func TestWindowClone(t *testing.T) {
	w := Window{Steps: make([]Step, 3), Rewards: []float32{1, 2}}
	c := w.Clone()
	c.Rewards[0] = 9
	c.Steps[0].Action = 4
	assert.Equal(t, float32(1), w.Rewards[0])
	assert.Equal(t, uint32(0), w.Steps[0].Action)
	assert.Len(t, w.Frames(), 3)
}
