package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-melee-rl/internal/experience"
)

const recordSize = 8

func record(id byte) []byte {
	return bytes.Repeat([]byte{id}, recordSize)
}

func TestNewCircularBufferValidates(t *testing.T) {
	_, err := NewCircularBuffer(0, recordSize)
	assert.Error(t, err)
	_, err = NewCircularBuffer(4, 0)
	assert.Error(t, err)
}

func TestOverflowEvictsOldest(t *testing.T) {
	b, err := NewCircularBuffer(4, recordSize)
	require.NoError(t, err)

	for id := byte(1); id <= 6; id++ {
		require.NoError(t, b.Push(record(id)))
	}

	assert.Equal(t, 4, b.Len())
	assert.Equal(t, [][]byte{record(3), record(4), record(5), record(6)}, b.DrainAll())

	stats := b.Stats()
	assert.Equal(t, uint64(6), stats.Pushed)
	assert.Equal(t, uint64(2), stats.Evicted)
}

func TestBoundHoldsForAnyPushCount(t *testing.T) {
	const capacity = 5
	for total := 0; total <= 17; total++ {
		b, err := NewCircularBuffer(capacity, recordSize)
		require.NoError(t, err)
		for i := 0; i < total; i++ {
			require.NoError(t, b.Push(record(byte(i))))
		}

		keep := total
		if keep > capacity {
			keep = capacity
		}
		want := make([][]byte, 0, keep)
		for i := total - keep; i < total; i++ {
			want = append(want, record(byte(i)))
		}

		got := b.DrainAll()
		assert.Len(t, got, keep)
		assert.Equal(t, want, got, "total=%d", total)
		assert.LessOrEqual(t, b.Len(), capacity)
	}
}

func TestDrainAllIsIsolated(t *testing.T) {
	b, err := NewCircularBuffer(2, recordSize)
	require.NoError(t, err)
	require.NoError(t, b.Push(record(1)))
	require.NoError(t, b.Push(record(2)))

	snapshot := b.DrainAll()
	require.NoError(t, b.Push(record(3)))
	require.NoError(t, b.Push(record(4)))

	assert.Equal(t, [][]byte{record(1), record(2)}, snapshot)

	snapshot[0][0] = 99
	assert.Equal(t, [][]byte{record(3), record(4)}, b.DrainAll())
}

func TestDrainAllDoesNotConsume(t *testing.T) {
	b, err := NewCircularBuffer(3, recordSize)
	require.NoError(t, err)
	require.NoError(t, b.Push(record(1)))

	assert.Len(t, b.DrainAll(), 1)
	assert.Len(t, b.DrainAll(), 1)
	assert.Equal(t, 1, b.Len())
}

func TestPushCopiesInput(t *testing.T) {
	b, err := NewCircularBuffer(1, recordSize)
	require.NoError(t, err)

	in := record(7)
	require.NoError(t, b.Push(in))
	in[0] = 0
	assert.Equal(t, [][]byte{record(7)}, b.DrainAll())
}

func TestPushRejectsWrongSize(t *testing.T) {
	b, err := NewCircularBuffer(3, recordSize)
	require.NoError(t, err)
	require.NoError(t, b.Push(record(1)))

	err = b.Push([]byte{1, 2, 3})
	assert.ErrorIs(t, err, experience.ErrSchemaMismatch)
	err = b.Push(append(record(2), 0))
	assert.ErrorIs(t, err, experience.ErrSchemaMismatch)

	assert.Equal(t, [][]byte{record(1)}, b.DrainAll())
	assert.Equal(t, uint64(1), b.Stats().Pushed)
}
