package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/PDHeisenberg/spark-voice/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	in chan []byte

	mu     sync.Mutex
	writes [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-c.in:
		return 1, raw, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(raw string) { c.in <- []byte(raw) }

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeDialer consumes a script of per-dial errors; nil means success and
// an exhausted script keeps succeeding.
type fakeDialer struct {
	mu     sync.Mutex
	script []error
	conns  []*fakeConn
	dials  int
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.script) > 0 {
		err := d.script[0]
		d.script = d.script[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
	errs   []error
	ch     chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan State, 32)}
}

func (r *stateRecorder) observe(state State, err error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.ch <- state
}

func (r *stateRecorder) await(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func newTestSession(t *testing.T, dialer Dialer) *Session {
	t.Helper()
	codec, err := NewCodec("realtime")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	cfg := config.TransportConfig{Variant: "realtime", URL: "ws://backend.test/voice", ConnectTimeout: 1000}
	return NewSession(cfg, codec, dialer, testLogger())
}

func TestSessionConnectOpens(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer)
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)

	s.Connect(context.Background())
	rec.await(t, StateOpen)
	defer s.Close()

	if s.State() != StateOpen {
		t.Fatalf("state = %v", s.State())
	}
}

func TestSessionDialFailureLandsInClosed(t *testing.T) {
	dialer := &fakeDialer{script: []error{errors.New("refused")}}
	s := newTestSession(t, dialer)
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)

	s.Connect(context.Background())
	rec.await(t, StateClosed)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	last := len(rec.states) - 1
	if rec.errs[last] == nil {
		t.Fatal("closed transition must carry the dial error")
	}
}

func TestSessionSendsFramesInOrder(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer)
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)
	s.Connect(context.Background())
	rec.await(t, StateOpen)
	defer s.Close()

	f1 := []float64{0.1}
	f2 := []float64{0.2}
	f3 := []float64{0.3}
	s.SendFrame(f1)
	s.SendFrame(f2)
	s.SendFrame(f3)

	writes := dialer.conn(0).written()
	if len(writes) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(writes))
	}
	for i, raw := range writes {
		msgs, err := s.codec.Decode(raw)
		if err != nil || msgs[0].Kind != KindAudio {
			t.Fatalf("write %d is not an audio frame: %v", i, err)
		}
	}
}

func TestSessionDropsSendWhenNotOpen(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer)

	s.SendFrame([]float64{0.5})
	s.SendControl(ControlStop, nil)

	if dialer.dials != 0 {
		t.Fatal("sending while idle must not dial")
	}
}

func TestSessionDeliversNormalizedMessages(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer)
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)

	got := make(chan Message, 8)
	s.OnMessage(func(m Message) { got <- m })

	s.Connect(context.Background())
	rec.await(t, StateOpen)
	defer s.Close()

	conn := dialer.conn(0)
	conn.deliver(`this is not json`) // dropped, must not kill the loop
	conn.deliver(`{"type":"transcript","text":"hi"}`)

	select {
	case m := <-got:
		if m.Name != ControlTranscript || m.Text() != "hi" {
			t.Fatalf("got %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestSessionCloseIsIntentional(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer)
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)
	s.Connect(context.Background())
	rec.await(t, StateOpen)

	s.Close()
	rec.await(t, StateIdle)

	writes := dialer.conn(0).written()
	if len(writes) == 0 {
		t.Fatal("expected a goodbye control before closing")
	}
	if got := string(writes[len(writes)-1]); got != `{"type":"end"}` {
		t.Fatalf("goodbye = %s", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, st := range rec.states {
		if st == StateClosed {
			t.Fatalf("intentional close produced a closed event at %d", i)
		}
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v", s.State())
	}
}

func TestSessionRemoteDropLandsInClosed(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer)
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)
	s.Connect(context.Background())
	rec.await(t, StateOpen)

	dialer.conn(0).Close()
	rec.await(t, StateClosed)
}

func newTestSupervisor(t *testing.T, dialer Dialer, maxAttempts, baseDelayMS int) (*Supervisor, *stateRecorder, *[]time.Duration, *sync.Mutex, chan struct{}) {
	t.Helper()
	s := newTestSession(t, dialer)
	cfg := config.ReconnectConfig{MaxAttempts: maxAttempts, BaseDelayMS: baseDelayMS}
	sup := NewSupervisor(context.Background(), s, cfg, testLogger())

	var mu sync.Mutex
	delays := &[]time.Duration{}
	sup.OnRetry(func(_ int, d time.Duration) {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
	})
	gaveUp := make(chan struct{})
	sup.OnGaveUp(func() { close(gaveUp) })
	sup.timeAfter = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}

	rec := newStateRecorder()
	sup.OnStateChange(rec.observe)
	return sup, rec, delays, &mu, gaveUp
}

func TestSupervisorLinearBackoffThenGaveUp(t *testing.T) {
	// One good connection, then every redial fails.
	dialer := &fakeDialer{script: []error{
		nil,
		errors.New("fail 1"), errors.New("fail 2"), errors.New("fail 3"),
		errors.New("fail 4"), errors.New("fail 5"),
	}}
	sup, rec, delays, mu, gaveUp := newTestSupervisor(t, dialer, 5, 2000)
	defer sup.Close()

	sup.Connect()
	rec.await(t, StateOpen)
	dialer.conn(0).Close() // unintentional drop

	select {
	case <-gaveUp:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never gave up")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{2000, 4000, 6000, 8000, 10000}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v", *delays)
	}
	for i, w := range want {
		if (*delays)[i] != w*time.Millisecond {
			t.Fatalf("delay %d = %v, want %v", i, (*delays)[i], w*time.Millisecond)
		}
	}
}

func TestSupervisorResetsAttemptOnSuccess(t *testing.T) {
	// Connect, drop, one failed redial, then a good one; a later drop
	// must start the backoff over at the base delay.
	dialer := &fakeDialer{script: []error{nil, errors.New("fail")}}
	sup, rec, delays, mu, _ := newTestSupervisor(t, dialer, 5, 2000)
	defer sup.Close()

	sup.Connect()
	rec.await(t, StateOpen)
	dialer.conn(0).Close()
	rec.await(t, StateOpen) // reconnected on the second retry

	if got := sup.Attempt(); got != 0 {
		t.Fatalf("attempt not reset: %d", got)
	}

	dialer.conn(1).Close()
	rec.await(t, StateOpen)

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 2 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v", *delays)
	}
	for i, w := range want {
		if (*delays)[i] != w {
			t.Fatalf("delay %d = %v, want %v", i, (*delays)[i], w)
		}
	}
}

func TestSupervisorDoesNotRetryInitialFailure(t *testing.T) {
	dialer := &fakeDialer{script: []error{errors.New("refused")}}
	sup, rec, delays, mu, _ := newTestSupervisor(t, dialer, 5, 2000)
	defer sup.Close()

	sup.Connect()
	rec.await(t, StateClosed)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(*delays) != 0 {
		t.Fatalf("initial failure must not be retried: %v", *delays)
	}
}

func TestSupervisorStopsRetryingAfterClose(t *testing.T) {
	dialer := &fakeDialer{}
	sup, rec, delays, mu, _ := newTestSupervisor(t, dialer, 5, 2000)

	sup.Connect()
	rec.await(t, StateOpen)
	sup.Close()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(*delays) != 0 {
		t.Fatalf("intentional close must not schedule retries: %v", *delays)
	}
}
