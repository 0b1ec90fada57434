package transport

import (
	"context"
	"errors"
	"sync"

	"distributed-melee-rl/internal/codec"
)

// Inbox is the bounded queue between the network sources and the training
// loop. Sources never block on it: when it is full the record is dropped.
type Inbox struct {
	codec    *codec.Codec
	ch       chan Delivery
	done     chan struct{}
	once     sync.Once
	recorder Recorder
}

func NewInbox(c *codec.Codec, size int, rec Recorder) (*Inbox, error) {
	if size <= 0 {
		return nil, errors.New("inbox size must be greater than zero")
	}
	return &Inbox{
		codec:    c,
		ch:       make(chan Delivery, size),
		done:     make(chan struct{}),
		recorder: recorderOrNop(rec),
	}, nil
}

// Offer queues d without blocking and reports whether it was accepted.
func (in *Inbox) Offer(d Delivery) bool {
	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.ch <- d:
		return true
	default:
		in.recorder.Dropped(DropBackpressure)
		return false
	}
}

func (in *Inbox) Receive(ctx context.Context) (Delivery, error) {
	select {
	case d := <-in.ch:
		return in.check(d)
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-in.done:
		return Delivery{}, ErrClosed
	}
}

func (in *Inbox) TryReceive() (Delivery, error) {
	select {
	case d := <-in.ch:
		return in.check(d)
	default:
		return Delivery{}, ErrEmpty
	}
}

// check validates the record. A malformed record is returned together with
// the ErrMalformedRecord so the caller can attribute it, then forgotten.
func (in *Inbox) check(d Delivery) (Delivery, error) {
	if err := in.codec.Validate(d.Record); err != nil {
		in.recorder.Dropped(DropMalformed)
		return d, err
	}
	return d, nil
}

func (in *Inbox) Len() int {
	return len(in.ch)
}

func (in *Inbox) Close() {
	in.once.Do(func() { close(in.done) })
}
