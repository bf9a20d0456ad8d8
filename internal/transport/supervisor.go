package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/PDHeisenberg/spark-voice/internal/config"
)

// Supervisor wraps a Session with bounded linear-backoff reconnection.
// After an unintentional close the next attempt is scheduled at
// baseDelay*attempt; a successful open resets the counter; once
// maxAttempts consecutive attempts fail it emits a terminal gave-up
// signal and stops retrying. The first connect is the controller's to
// fail: retries only arm after the session has been open once.
type Supervisor struct {
	session *Session
	cfg     config.ReconnectConfig
	logger  *slog.Logger

	// timeAfter is swapped for a fake in tests.
	timeAfter func(time.Duration) <-chan time.Time

	onState  func(State, error)
	onRetry  func(attempt int, delay time.Duration)
	onGaveUp func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	attempt int
	armed   bool
	stopped bool
}

func NewSupervisor(parent context.Context, session *Session, cfg config.ReconnectConfig, log *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		session:   session,
		cfg:       cfg,
		logger:    log.With(slog.String("component", "reconnect")),
		timeAfter: time.After,
		ctx:       ctx,
		cancel:    cancel,
	}
	session.OnStateChange(s.observe)
	return s
}

// Session returns the wrapped session for sends and codec access.
func (s *Supervisor) Session() *Session { return s.session }

// Send and codec accessors forwarded so the controller only ever talks
// to the supervisor.
func (s *Supervisor) SendFrame(samples []float64) { s.session.SendFrame(samples) }

func (s *Supervisor) SendControl(name string, fields map[string]any) {
	s.session.SendControl(name, fields)
}

func (s *Supervisor) OnMessage(fn func(Message)) { s.session.OnMessage(fn) }

func (s *Supervisor) SampleRate() int { return s.session.codec.SampleRate() }

func (s *Supervisor) WantsPlaybackAck() bool { return s.session.codec.WantsPlaybackAck() }

// OnStateChange registers the downstream state observer; the supervisor
// forwards every session transition after its own bookkeeping.
func (s *Supervisor) OnStateChange(fn func(State, error)) { s.onState = fn }

// OnRetry observes each scheduled reconnect, for UI and tests.
func (s *Supervisor) OnRetry(fn func(attempt int, delay time.Duration)) { s.onRetry = fn }

// OnGaveUp observes the terminal signal after the retry budget is
// exhausted. The controller surfaces it as a persistent error.
func (s *Supervisor) OnGaveUp(fn func()) { s.onGaveUp = fn }

// Connect starts the initial dial.
func (s *Supervisor) Connect() { s.session.Connect(s.ctx) }

// Attempt reports the current consecutive-failure count.
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Supervisor) Healthy() bool { return s.session.Healthy() }

// Close stops retrying and closes the session.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.session.Close()
	s.wg.Wait()
}

func (s *Supervisor) observe(state State, err error) {
	switch state {
	case StateOpen:
		s.mu.Lock()
		s.attempt = 0
		s.armed = true
		s.mu.Unlock()
	case StateClosed:
		s.scheduleRetry()
	}
	if s.onState != nil {
		s.onState(state, err)
	}
}

func (s *Supervisor) scheduleRetry() {
	s.mu.Lock()
	if s.stopped || !s.armed {
		s.mu.Unlock()
		return
	}
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	if attempt > s.cfg.MaxAttempts {
		s.logger.Warn("reconnect budget exhausted",
			slog.Int("max_attempts", s.cfg.MaxAttempts))
		if s.onGaveUp != nil {
			s.onGaveUp()
		}
		return
	}

	delay := time.Duration(s.cfg.BaseDelayMS) * time.Millisecond * time.Duration(attempt)
	s.logger.Info("scheduling reconnect",
		slog.Int("attempt", attempt), slog.Duration("delay", delay))
	if s.onRetry != nil {
		s.onRetry(attempt, delay)
	}

	s.wg.Add(1)
	go s.retryAfter(delay)
}

func (s *Supervisor) retryAfter(delay time.Duration) {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
		return
	case <-s.timeAfter(delay):
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.session.Connect(s.ctx)
}
