package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyProducer struct {
	fail   bool
	sent   int
	closed bool
}

func (p *flakyProducer) Send(ctx context.Context, record []byte) error {
	if p.fail {
		return errors.New("broken pipe")
	}
	p.sent++
	return nil
}

func (p *flakyProducer) Close() error {
	p.closed = true
	return nil
}

func TestRedialerReconnectsAfterFailure(t *testing.T) {
	var dialed []*flakyProducer
	dialErr := error(nil)
	r := NewRedialer(func(ctx context.Context) (Producer, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		p := &flakyProducer{}
		dialed = append(dialed, p)
		return p, nil
	})
	ctx := context.Background()

	require.NoError(t, r.Send(ctx, []byte{1}))
	require.Len(t, dialed, 1)

	dialed[0].fail = true
	assert.Error(t, r.Send(ctx, []byte{2}))
	assert.True(t, dialed[0].closed)

	dialErr = errors.New("connection refused")
	assert.ErrorIs(t, r.Send(ctx, []byte{3}), dialErr)

	dialErr = nil
	require.NoError(t, r.Send(ctx, []byte{4}))
	require.Len(t, dialed, 2)
	assert.Equal(t, 1, dialed[1].sent)

	require.NoError(t, r.Close())
	assert.True(t, dialed[1].closed)
	require.NoError(t, r.Close())
}
