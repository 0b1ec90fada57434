package transport

import (
	"context"
	"sync"
)

// DialFunc opens a new producer connection.
type DialFunc func(ctx context.Context) (Producer, error)

// Redialer is a Producer that drops its connection after a failed send and
// dials again on the next one. The caller paces retries.
type Redialer struct {
	dial DialFunc

	mu  sync.Mutex
	cur Producer
}

func NewRedialer(dial DialFunc) *Redialer {
	return &Redialer{dial: dial}
}

func (r *Redialer) Send(ctx context.Context, record []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur == nil {
		p, err := r.dial(ctx)
		if err != nil {
			return err
		}
		r.cur = p
	}
	if err := r.cur.Send(ctx, record); err != nil {
		_ = r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

func (r *Redialer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}
