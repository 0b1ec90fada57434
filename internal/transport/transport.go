// Package transport moves encoded experience windows from many producers to a
// single consumer. Delivery is at-most-once; records from one producer
// connection arrive in send order.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmpty is the non-blocking receive's "nothing queued" signal. It is
	// not a failure.
	ErrEmpty = errors.New("no experience queued")

	ErrClosed = errors.New("transport closed")
)

const (
	KindWebsocket = "websocket"
	KindNATS      = "nats"
)

// Delivery is one record as it arrived from a producer. Record has not been
// validated until it is returned by Receive or TryReceive.
type Delivery struct {
	Producer string
	Record   []byte
	Received time.Time
}

// Source is the consumer side seen by the training loop.
type Source interface {
	// Receive blocks until a record arrives or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
	// TryReceive returns ErrEmpty instead of blocking.
	TryReceive() (Delivery, error)
}

// Producer ships encoded records to the consumer.
type Producer interface {
	Send(ctx context.Context, record []byte) error
	Close() error
}

// Recorder receives transport events for operational metrics.
type Recorder interface {
	ProducerConnected()
	ProducerDisconnected()
	Dropped(reason string)
}

const (
	DropBackpressure = "backpressure"
	DropSchema       = "schema"
	DropMalformed    = "malformed"
)

type nopRecorder struct{}

func (nopRecorder) ProducerConnected()    {}
func (nopRecorder) ProducerDisconnected() {}
func (nopRecorder) Dropped(string)        {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}
