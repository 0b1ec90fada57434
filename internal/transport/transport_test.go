package transport

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-melee-rl/internal/codec"
	"distributed-melee-rl/internal/experience"
	"distributed-melee-rl/internal/experience/experiencetest"
)

const (
	testLength  = 4
	testActions = 54
)

type countingRecorder struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	dropped      map[string]int
}

func (r *countingRecorder) ProducerConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *countingRecorder) ProducerDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *countingRecorder) Dropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped == nil {
		r.dropped = make(map[string]int)
	}
	r.dropped[reason]++
}

func (r *countingRecorder) droppedFor(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped[reason]
}

func testCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New(experience.NewLayout(testLength, testActions))
	require.NoError(t, err)
	return c
}

func encoded(t *testing.T, c *codec.Codec, seed int64) []byte {
	t.Helper()
	data, err := c.Encode(experiencetest.Window(testLength, testActions, seed))
	require.NoError(t, err)
	return data
}

func testLogger() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func TestInboxModes(t *testing.T) {
	c := testCodec(t)
	inbox, err := NewInbox(c, 4, nil)
	require.NoError(t, err)

	_, err = inbox.TryReceive()
	assert.ErrorIs(t, err, ErrEmpty)

	record := encoded(t, c, 1)
	require.True(t, inbox.Offer(Delivery{Producer: "p1", Record: record}))

	d, err := inbox.TryReceive()
	require.NoError(t, err)
	assert.Equal(t, "p1", d.Producer)
	assert.Equal(t, record, d.Record)

	go func() {
		time.Sleep(20 * time.Millisecond)
		inbox.Offer(Delivery{Producer: "p2", Record: record})
	}()
	d, err = inbox.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p2", d.Producer)
}

func TestInboxReceiveHonorsContext(t *testing.T) {
	inbox, err := NewInbox(testCodec(t), 1, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = inbox.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInboxMalformedIsDroppedNotFatal(t *testing.T) {
	c := testCodec(t)
	rec := &countingRecorder{}
	inbox, err := NewInbox(c, 4, rec)
	require.NoError(t, err)

	good := encoded(t, c, 2)
	inbox.Offer(Delivery{Producer: "bad", Record: good[:10]})
	inbox.Offer(Delivery{Producer: "good", Record: good})

	d, err := inbox.TryReceive()
	assert.ErrorIs(t, err, experience.ErrMalformedRecord)
	assert.NotErrorIs(t, err, ErrEmpty)
	assert.Equal(t, "bad", d.Producer)

	d, err = inbox.TryReceive()
	require.NoError(t, err)
	assert.Equal(t, "good", d.Producer)
	assert.Equal(t, 1, rec.droppedFor(DropMalformed))
}

func TestInboxDropsUnderBackpressure(t *testing.T) {
	c := testCodec(t)
	rec := &countingRecorder{}
	inbox, err := NewInbox(c, 1, rec)
	require.NoError(t, err)

	assert.True(t, inbox.Offer(Delivery{Record: encoded(t, c, 1)}))
	assert.False(t, inbox.Offer(Delivery{Record: encoded(t, c, 2)}))
	assert.Equal(t, 1, rec.droppedFor(DropBackpressure))

	inbox.Close()
	assert.False(t, inbox.Offer(Delivery{Record: encoded(t, c, 3)}))
	_, err = inbox.Receive(context.Background())
	if err != nil {
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func startServer(t *testing.T, c *codec.Codec, rec Recorder) (*Inbox, string) {
	t.Helper()
	inbox, err := NewInbox(c, 16, rec)
	require.NoError(t, err)
	server := NewServer(inbox, c.Layout(), c.RecordSize(), testLogger(), rec)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return inbox, "ws" + strings.TrimPrefix(ts.URL, "http") + ExperiencePath
}

func receiveWithin(t *testing.T, inbox *Inbox) (Delivery, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return inbox.Receive(ctx)
}

func TestWebsocketDeliversInOrder(t *testing.T) {
	c := testCodec(t)
	rec := &countingRecorder{}
	inbox, url := startServer(t, c, rec)

	producer, err := DialWebsocket(context.Background(), url, "agent-1", c.Layout())
	require.NoError(t, err)
	defer producer.Close()

	var sent [][]byte
	for seed := int64(0); seed < 5; seed++ {
		record := encoded(t, c, seed)
		sent = append(sent, record)
		require.NoError(t, producer.Send(context.Background(), record))
	}

	for _, want := range sent {
		d, err := receiveWithin(t, inbox)
		require.NoError(t, err)
		assert.Equal(t, "agent-1", d.Producer)
		assert.Equal(t, want, d.Record)
	}
}

func TestWebsocketBadRecordKeepsConnection(t *testing.T) {
	c := testCodec(t)
	inbox, url := startServer(t, c, nil)

	producer, err := DialWebsocket(context.Background(), url, "agent-2", c.Layout())
	require.NoError(t, err)
	defer producer.Close()

	good := encoded(t, c, 11)
	oversized := append(append([]byte{}, good...), good...)
	require.NoError(t, producer.Send(context.Background(), []byte{1, 2, 3}))
	require.NoError(t, producer.Send(context.Background(), oversized))
	require.NoError(t, producer.Send(context.Background(), good))

	_, err = receiveWithin(t, inbox)
	assert.ErrorIs(t, err, experience.ErrMalformedRecord)
	_, err = receiveWithin(t, inbox)
	assert.ErrorIs(t, err, experience.ErrMalformedRecord)

	d, err := receiveWithin(t, inbox)
	require.NoError(t, err)
	assert.Equal(t, good, d.Record)
}

func TestWebsocketRejectsLayoutMismatch(t *testing.T) {
	c := testCodec(t)
	rec := &countingRecorder{}
	inbox, url := startServer(t, c, rec)

	producer, err := DialWebsocket(context.Background(), url, "old-agent", experience.NewLayout(testLength+1, testActions))
	assert.ErrorIs(t, err, experience.ErrSchemaMismatch)
	assert.Nil(t, producer)

	assert.Equal(t, 1, rec.droppedFor(DropSchema))
	_, err = inbox.TryReceive()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestWebsocketSendFailsAfterConsumerCloses(t *testing.T) {
	c := testCodec(t)
	inbox, err := NewInbox(c, 16, nil)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- NewServer(inbox, c.Layout(), c.RecordSize(), testLogger(), nil).Serve(ctx, ln)
	}()

	producer, err := DialWebsocket(context.Background(), ln.Addr().String(), "agent-3", c.Layout())
	require.NoError(t, err)
	defer producer.Close()

	cancel()
	require.NoError(t, <-served)

	select {
	case <-producer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not notice the closed connection")
	}
	assert.Error(t, producer.Send(context.Background(), encoded(t, c, 1)))
}

func TestWebsocketOversizedLayoutFrameIsRejected(t *testing.T) {
	c := testCodec(t)
	rec := &countingRecorder{}
	_, url := startServer(t, c, rec)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1<<16))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 1, rec.droppedFor(DropSchema))
}

func TestManyProducers(t *testing.T) {
	c := testCodec(t)
	inbox, url := startServer(t, c, nil)

	const producers, perProducer = 4, 3
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := DialWebsocket(context.Background(), url, "agent", c.Layout())
			if !assert.NoError(t, err) {
				return
			}
			defer p.Close()
			for j := 0; j < perProducer; j++ {
				assert.NoError(t, p.Send(context.Background(), encoded(t, c, int64(i*10+j))))
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < producers*perProducer; i++ {
		_, err := receiveWithin(t, inbox)
		require.NoError(t, err)
	}
}

func TestExperienceURL(t *testing.T) {
	got, err := experienceURL("127.0.0.1:7557", "a b")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:7557/experience?producer=a+b", got)

	got, err = experienceURL("ws://trainer:9000/custom", "x")
	require.NoError(t, err)
	assert.Equal(t, "ws://trainer:9000/custom?producer=x", got)
}

func TestNATSSourceChecksLayoutHeader(t *testing.T) {
	c := testCodec(t)
	rec := &countingRecorder{}
	inbox, err := NewInbox(c, 4, rec)
	require.NoError(t, err)
	source := NewNATSSource(inbox, c.Layout(), testLogger(), rec)

	record := encoded(t, c, 4)
	good := nats.Header{}
	good.Set(headerLayout, c.Layout().String())
	good.Set(headerProducer, "agent-n")
	source.handle(&nats.Msg{Subject: DefaultSubject, Header: good, Data: record})

	bad := nats.Header{}
	bad.Set(headerLayout, experience.NewLayout(99, testActions).String())
	source.handle(&nats.Msg{Subject: DefaultSubject, Header: bad, Data: record})
	source.handle(&nats.Msg{Subject: DefaultSubject, Data: record})

	d, err := inbox.TryReceive()
	require.NoError(t, err)
	assert.Equal(t, "agent-n", d.Producer)
	assert.Equal(t, record, d.Record)

	_, err = inbox.TryReceive()
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Equal(t, 2, rec.droppedFor(DropSchema))
}
