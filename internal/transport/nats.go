package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"distributed-melee-rl/internal/experience"
)

const (
	DefaultSubject = "melee.experience"

	headerLayout   = "Experience-Layout"
	headerProducer = "Experience-Producer"
)

// ConnectNATS dials a NATS server with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// NATSSource feeds an Inbox from a NATS subject. NATS has no connection
// handshake, so every message carries the producer's layout in a header.
type NATSSource struct {
	inbox    *Inbox
	layout   string
	log      *logrus.Entry
	recorder Recorder
	sub      *nats.Subscription
}

func NewNATSSource(inbox *Inbox, layout experience.Layout, log *logrus.Entry, rec Recorder) *NATSSource {
	return &NATSSource{
		inbox:    inbox,
		layout:   layout.String(),
		log:      log.WithField("component", "transport"),
		recorder: recorderOrNop(rec),
	}
}

func (s *NATSSource) Subscribe(conn *nats.Conn, subject string) error {
	sub, err := conn.Subscribe(subject, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.log.WithField("subject", subject).Info("experience transport subscribed")
	return nil
}

func (s *NATSSource) handle(msg *nats.Msg) {
	producer := msg.Header.Get(headerProducer)
	if got := msg.Header.Get(headerLayout); got != s.layout {
		s.recorder.Dropped(DropSchema)
		s.log.WithFields(logrus.Fields{
			"producer": producer,
			"layout":   got,
		}).WithError(experience.ErrSchemaMismatch).Error("rejecting window")
		return
	}
	if !s.inbox.Offer(Delivery{Producer: producer, Record: msg.Data, Received: time.Now()}) {
		s.log.WithField("producer", producer).Debug("inbox full, dropping window")
	}
}

func (s *NATSSource) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

type NATSProducer struct {
	conn    *nats.Conn
	subject string
	header  nats.Header
	owned   bool
}

// NewNATSProducer publishes on subject over conn. The producer closes conn on
// Close only when owned is true.
func NewNATSProducer(conn *nats.Conn, subject, producerID string, layout experience.Layout, owned bool) *NATSProducer {
	header := nats.Header{}
	header.Set(headerLayout, layout.String())
	header.Set(headerProducer, producerID)
	return &NATSProducer{conn: conn, subject: subject, header: header, owned: owned}
}

func (p *NATSProducer) Send(ctx context.Context, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.conn.PublishMsg(&nats.Msg{
		Subject: p.subject,
		Header:  p.header,
		Data:    record,
	})
}

func (p *NATSProducer) Close() error {
	err := p.conn.Flush()
	if p.owned {
		p.conn.Close()
	}
	return err
}
