package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PDHeisenberg/spark-voice/internal/config"
)

// State is the connection lifecycle of one Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const writeTimeout = 10 * time.Second

// Conn is the subset of *websocket.Conn the session uses. Tests inject
// in-memory fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens one Conn to a backend endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer is the production dialer over gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(512 * 1024)
	return conn, nil
}

// Session owns exactly one socket to one backend endpoint and one codec
// variant, fixed for its lifetime. Connect is asynchronous: a dial
// failure lands in StateClosed with an error on the state observer,
// never as a synchronous return. Close marks the shutdown intentional
// so the supervisor does not retry, and lands in StateIdle.
type Session struct {
	cfg    config.TransportConfig
	codec  Codec
	dialer Dialer
	logger *slog.Logger

	onMessage func(Message)
	onState   func(State, error)

	mu          sync.Mutex
	state       State
	conn        Conn
	intentional bool
	wg          sync.WaitGroup

	writeMu sync.Mutex
}

func NewSession(cfg config.TransportConfig, codec Codec, dialer Dialer, log *slog.Logger) *Session {
	if dialer == nil {
		dialer = WSDialer{HandshakeTimeout: time.Duration(cfg.ConnectTimeout) * time.Millisecond}
	}
	return &Session{
		cfg:    cfg,
		codec:  codec,
		dialer: dialer,
		state:  StateIdle,
		logger: log.With(slog.String("component", "transport"), slog.String("variant", codec.Variant())),
	}
}

// Codec exposes the session's wire variant to the controller.
func (s *Session) Codec() Codec { return s.codec }

// OnMessage registers the single consumer of normalized messages.
// Register before Connect.
func (s *Session) OnMessage(fn func(Message)) { s.onMessage = fn }

// OnStateChange registers the single state observer. The error is
// non-nil only for unintentional StateClosed transitions.
func (s *Session) OnStateChange(fn func(State, error)) { s.onState = fn }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Healthy() bool {
	st := s.State()
	return st == StateOpen || st == StateIdle
}

// Connect dials asynchronously. Calling it while connecting or open is
// a no-op; reconnecting after a close is fine.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateOpen {
		s.mu.Unlock()
		return
	}
	s.intentional = false
	s.state = StateConnecting
	s.mu.Unlock()
	s.notify(StateConnecting, nil)

	s.wg.Add(1)
	go s.dial(ctx)
}

func (s *Session) dial(ctx context.Context) {
	defer s.wg.Done()

	timeout := time.Duration(s.cfg.ConnectTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx, s.cfg.URL)
	if err != nil {
		s.mu.Lock()
		intentional := s.intentional
		s.mu.Unlock()
		if intentional {
			return
		}
		s.logger.Warn("dial failed", slog.String("url", s.cfg.URL), slogError(err))
		s.setState(StateClosed, err)
		return
	}

	s.mu.Lock()
	if s.intentional {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()
	s.notify(StateOpen, nil)
	s.logger.Info("session open", slog.String("url", s.cfg.URL))

	s.wg.Add(1)
	go s.readLoop(conn)
}

func (s *Session) readLoop(conn Conn) {
	defer s.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			intentional := s.intentional
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			if intentional {
				return
			}
			s.logger.Warn("socket closed", slogError(err))
			s.setState(StateClosed, err)
			return
		}

		msgs, err := s.codec.Decode(raw)
		if err != nil {
			s.logger.Warn("dropping malformed wire frame",
				slog.Int("bytes", len(raw)), slogError(err))
			continue
		}
		if s.onMessage == nil {
			continue
		}
		for _, msg := range msgs {
			s.onMessage(msg)
		}
	}
}

// SendFrame ships one capture frame. Frames are time-sensitive: when
// the session is not open the frame is dropped with a Warn rather than
// blocking or erroring.
func (s *Session) SendFrame(samples []float64) {
	data, err := s.codec.EncodeFrame(samples)
	if err != nil {
		s.logger.Warn("failed to encode frame", slogError(err))
		return
	}
	s.write("audio frame", data)
}

// SendControl ships one control message, same drop semantics as
// SendFrame.
func (s *Session) SendControl(name string, fields map[string]any) {
	data, err := s.codec.EncodeControl(name, fields)
	if err != nil {
		s.logger.Warn("failed to encode control", slog.String("control", name), slogError(err))
		return
	}
	s.write(name, data)
}

func (s *Session) write(what string, data []byte) {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open || conn == nil {
		s.logger.Warn("dropping outbound payload, session not open",
			slog.String("payload", what), slog.String("state", s.State().String()))
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("write failed", slog.String("payload", what), slogError(err))
	}
}

// Close tears down intentionally: a best-effort goodbye control goes
// out, the read loop exits without a StateClosed event, and the session
// lands in StateIdle.
func (s *Session) Close() {
	s.mu.Lock()
	if s.intentional && s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.intentional = true
	conn := s.conn
	s.conn = nil
	s.state = StateIdle
	s.mu.Unlock()

	if conn != nil {
		if data, err := s.codec.EncodeControl(endControl(s.codec.Variant()), nil); err == nil {
			s.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.TextMessage, data)
			s.writeMu.Unlock()
		}
		_ = conn.Close()
	}
	s.notify(StateIdle, nil)
	s.wg.Wait()
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.notify(state, err)
}

func (s *Session) notify(state State, err error) {
	if s.onState != nil {
		s.onState(state, err)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
