package buffer

import (
	"errors"
	"fmt"
	"sync"

	"distributed-melee-rl/internal/experience"
)

// CircularBuffer holds the most recent encoded windows. Once full, every push
// evicts exactly one oldest record.
type CircularBuffer struct {
	mu         sync.Mutex
	records    [][]byte
	head       int
	size       int
	recordSize int
	pushed     uint64
	evicted    uint64
}

type Stats struct {
	Len      int    `json:"len"`
	Capacity int    `json:"capacity"`
	Pushed   uint64 `json:"pushed"`
	Evicted  uint64 `json:"evicted"`
}

func NewCircularBuffer(capacity, recordSize int) (*CircularBuffer, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity must be greater than zero")
	}
	if recordSize <= 0 {
		return nil, errors.New("record size must be greater than zero")
	}
	return &CircularBuffer{
		records:    make([][]byte, capacity),
		recordSize: recordSize,
	}, nil
}

// Push stores a copy of record. It never blocks on capacity.
func (b *CircularBuffer) Push(record []byte) error {
	if len(record) != b.recordSize {
		return fmt.Errorf("%w: record has %d bytes, buffer holds %d", experience.ErrSchemaMismatch, len(record), b.recordSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	slot := (b.head + b.size) % len(b.records)
	if b.size == len(b.records) {
		slot = b.head
		b.head = (b.head + 1) % len(b.records)
		b.evicted++
	} else {
		b.size++
	}

	dst := b.records[slot]
	if dst == nil {
		dst = make([]byte, b.recordSize)
		b.records[slot] = dst
	}
	copy(dst, record)
	b.pushed++
	return nil
}

// DrainAll returns independent copies of every held record, oldest first.
// The buffer itself is left unchanged.
func (b *CircularBuffer) DrainAll() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, b.size)
	backing := make([]byte, b.size*b.recordSize)
	for i := 0; i < b.size; i++ {
		dst := backing[i*b.recordSize : (i+1)*b.recordSize : (i+1)*b.recordSize]
		copy(dst, b.records[(b.head+i)%len(b.records)])
		out[i] = dst
	}
	return out
}

func (b *CircularBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.size
}

func (b *CircularBuffer) Capacity() int {
	return len(b.records)
}

func (b *CircularBuffer) RecordSize() int {
	return b.recordSize
}

func (b *CircularBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Len:      b.size,
		Capacity: len(b.records),
		Pushed:   b.pushed,
		Evicted:  b.evicted,
	}
}
