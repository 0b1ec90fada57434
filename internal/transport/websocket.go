package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"distributed-melee-rl/internal/experience"
)

const (
	ExperiencePath = "/experience"

	handshakeTimeout = 10 * time.Second
)

// Server is the bound consumer endpoint. Each producer connection starts with
// a layout frame, answered by the server's own layout on success or a
// policy-violation close on mismatch. Every later binary frame is one encoded
// window.
type Server struct {
	inbox    *Inbox
	layout   experience.Layout
	maxFrame int64
	log      *logrus.Entry
	recorder Recorder
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewServer(inbox *Inbox, layout experience.Layout, recordSize int, log *logrus.Entry, rec Recorder) *Server {
	return &Server{
		inbox:    inbox,
		layout:   layout,
		maxFrame: int64(recordSize),
		log:      log.WithField("component", "transport"),
		recorder: recorderOrNop(rec),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	producer := r.URL.Query().Get("producer")
	if producer == "" {
		producer = uuid.NewString()
	}
	log := s.log.WithField("producer", producer)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("upgrade failed")
		return
	}
	s.track(conn)
	defer s.untrack(conn)

	if err := s.handshake(conn); err != nil {
		s.recorder.Dropped(DropSchema)
		log.WithError(err).Error("rejecting producer")
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, truncateReason(err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		return
	}

	ack, _ := s.layout.MarshalBinary()
	if err := conn.WriteMessage(websocket.BinaryMessage, ack); err != nil {
		log.WithError(err).Warn("layout ack failed")
		return
	}

	s.recorder.ProducerConnected()
	defer s.recorder.ProducerDisconnected()
	log.Info("producer connected")

	for {
		kind, r, err := conn.NextReader()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("producer connection lost")
			} else {
				log.Info("producer disconnected")
			}
			return
		}
		if kind != websocket.BinaryMessage {
			_, _ = io.Copy(io.Discard, r)
			s.recorder.Dropped(DropMalformed)
			log.Warn("discarding non-binary frame")
			continue
		}

		// Read one byte past the record size so an oversized frame still
		// fails validation, then drain the rest without aborting.
		payload, err := io.ReadAll(io.LimitReader(r, s.maxFrame+1))
		if err == nil {
			_, err = io.Copy(io.Discard, r)
		}
		if err != nil {
			log.WithError(err).Warn("producer connection lost")
			return
		}

		if !s.inbox.Offer(Delivery{Producer: producer, Record: payload, Received: time.Now()}) {
			log.Debug("inbox full, dropping window")
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	conn.SetReadLimit(experience.LayoutSize)
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: no layout frame: %v", experience.ErrSchemaMismatch, err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	// Window frames are bounded by the LimitReader in ServeHTTP; oversized
	// ones are drained so the connection survives.
	conn.SetReadLimit(0)
	if kind != websocket.BinaryMessage {
		return fmt.Errorf("%w: layout frame is not binary", experience.ErrSchemaMismatch)
	}
	var got experience.Layout
	if err := got.UnmarshalBinary(data); err != nil {
		return err
	}
	return s.layout.Check(got)
}

func (s *Server) track(conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// ListenAndServe binds addr and serves producers until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(ExperiencePath, s)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.closeConns()
	}()

	s.log.WithField("addr", ln.Addr().String()).Info("experience transport listening")
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func truncateReason(reason string) string {
	// Close frame payloads are limited to 125 bytes including the code.
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}

// WebsocketProducer is a single producer connection. Send is safe for
// concurrent use.
type WebsocketProducer struct {
	mu   sync.Mutex
	conn *websocket.Conn

	// done is closed once the consumer ends the connection; err says why.
	done chan struct{}
	err  error
}

// DialWebsocket connects to a consumer at addr (host:port or ws:// URL),
// announces layout and waits for the consumer to accept it. A rejected layout
// is reported as experience.ErrSchemaMismatch.
func DialWebsocket(ctx context.Context, addr, producerID string, layout experience.Layout) (*WebsocketProducer, error) {
	target, err := experienceURL(addr, producerID)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		WriteBufferSize:  64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	hello, _ := layout.MarshalBinary()
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send layout: %w", err)
	}
	if err := awaitAck(ctx, conn, layout); err != nil {
		conn.Close()
		return nil, err
	}

	p := &WebsocketProducer{conn: conn, done: make(chan struct{})}
	go p.watch()
	return p, nil
}

func awaitAck(ctx context.Context, conn *websocket.Conn, layout experience.Layout) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	conn.SetReadLimit(experience.LayoutSize)

	kind, data, err := conn.ReadMessage()
	if err != nil {
		return consumerClosed(err)
	}
	if kind != websocket.BinaryMessage {
		return fmt.Errorf("%w: layout ack is not binary", experience.ErrSchemaMismatch)
	}
	var got experience.Layout
	if err := got.UnmarshalBinary(data); err != nil {
		return err
	}
	if err := got.Check(layout); err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})
	return nil
}

// consumerClosed maps a read error to the reason the consumer hung up.
func consumerClosed(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
		return fmt.Errorf("%w: consumer rejected layout: %s", experience.ErrSchemaMismatch, closeErr.Text)
	}
	return fmt.Errorf("consumer connection: %w", err)
}

// watch reads control frames so a close from the consumer is noticed before
// the next Send writes into a dead connection.
func (p *WebsocketProducer) watch() {
	for {
		if _, _, err := p.conn.NextReader(); err != nil {
			p.err = consumerClosed(err)
			close(p.done)
			return
		}
	}
}

func experienceURL(addr, producerID string) (string, error) {
	raw := addr
	if u, err := url.Parse(addr); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		raw = "ws://" + addr
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse consumer address %q: %w", addr, err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = ExperiencePath
	}
	q := u.Query()
	q.Set("producer", producerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *WebsocketProducer) Send(ctx context.Context, record []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return p.err
	default:
	}

	deadline, _ := ctx.Deadline()
	_ = p.conn.SetWriteDeadline(deadline)
	if err := p.conn.WriteMessage(websocket.BinaryMessage, record); err != nil {
		select {
		case <-p.done:
			return p.err
		default:
			return err
		}
	}
	return nil
}

func (p *WebsocketProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = p.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return p.conn.Close()
}
