// Package voice holds the session controller: the single state machine
// coordinating capture, transport, and playback for one conversation.
// Every component pushes typed events into the controller's channel and
// one goroutine owns all turn state.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/PDHeisenberg/spark-voice/internal/capture"
	"github.com/PDHeisenberg/spark-voice/internal/config"
	"github.com/PDHeisenberg/spark-voice/internal/playback"
	"github.com/PDHeisenberg/spark-voice/internal/protocol"
	"github.com/PDHeisenberg/spark-voice/internal/transport"
)

// TurnState is the controller's conversation phase.
type TurnState int

const (
	StateIdle TurnState = iota
	StateConnecting
	StateListening
	StateUserSpeaking
	StateProcessing
	StateSpeaking
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateUserSpeaking:
		return "userSpeaking"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// ErrAlreadyStarted is returned by a second concurrent Start on the same
// controller instance. A stopped controller is terminal; build a new one.
var ErrAlreadyStarted = errors.New("voice: controller already started")

// Frames above the VAD threshold required before the controller treats
// local amplitude as speech.
const vadSustainFrames = 3

// CaptureSource is the slice of capture.Source the controller drives.
type CaptureSource interface {
	OnFrame(fn func([]float64))
	OnAmplitude(fn func(float64))
	Start() error
	Stop()
}

// PlaybackQueue is the slice of playback.Queue the controller drives.
type PlaybackQueue interface {
	Enqueue(item playback.Item)
	Flush()
	OnAmplitude(fn func(float64))
	OnPlaybackEnd(fn func())
}

// Transport is the supervisor facade: connect/close plus sends, message
// delivery, and reconnect observers.
type Transport interface {
	Connect()
	Close()
	SendFrame(samples []float64)
	SendControl(name string, fields map[string]any)
	OnMessage(fn func(transport.Message))
	OnStateChange(fn func(transport.State, error))
	OnRetry(fn func(attempt int, delay time.Duration))
	OnGaveUp(fn func())
	SampleRate() int
	WantsPlaybackAck() bool
}

// ToolRunner executes one backend-requested tool call.
type ToolRunner interface {
	Run(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// Signals is the bus-facing publisher for UI consumers.
type Signals interface {
	PublishUISignal(sig protocol.UISignal)
	PublishTranscript(ev protocol.TranscriptEvent)
	PublishSessionEvent(ev protocol.SessionEvent)
}

type eventKind int

const (
	evFrame eventKind = iota
	evCaptureAmp
	evPlaybackAmp
	evPlaybackEnd
	evTransportMsg
	evTransportState
	evRetry
	evGaveUp
	evStop
)

type event struct {
	kind    eventKind
	samples []float64
	amp     float64
	msg     transport.Message
	state   transport.State
	err     error
	attempt int
	delay   time.Duration
}

type controllerMetrics struct {
	framesSent metric.Int64Counter
	payloads   metric.Int64Counter
	bargeIns   metric.Int64Counter
	reconnects metric.Int64Counter
}

func newControllerMetrics() controllerMetrics {
	meter := otel.Meter("github.com/PDHeisenberg/spark-voice/internal/voice")
	framesSent, _ := meter.Int64Counter("spark.voice.frames_sent",
		metric.WithDescription("Capture frames forwarded to the backend"))
	payloads, _ := meter.Int64Counter("spark.voice.payloads_enqueued",
		metric.WithDescription("Audio payloads enqueued for playback"))
	bargeIns, _ := meter.Int64Counter("spark.voice.barge_ins",
		metric.WithDescription("Interruptions of assistant playback"))
	reconnects, _ := meter.Int64Counter("spark.voice.reconnect_attempts",
		metric.WithDescription("Scheduled transport reconnect attempts"))
	return controllerMetrics{framesSent: framesSent, payloads: payloads, bargeIns: bargeIns, reconnects: reconnects}
}

// Controller runs one voice session. All fields below the events channel
// are owned by the loop goroutine and never touched from outside it.
type Controller struct {
	cfg       config.VoiceConfig
	capture   CaptureSource
	queue     PlaybackQueue
	transport Transport
	tools     ToolRunner
	signals   Signals
	logger    *slog.Logger
	metrics   controllerMetrics

	sessionID string
	events    chan event
	uiTick    time.Duration
	clock     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool

	// loop-owned
	state         TurnState
	assistantText string
	captureAmp    float64
	playbackAmp   float64
	vadRun        int
	lastActivity  time.Time
	graceUntil    time.Time
}

func NewController(parent context.Context, cfg config.VoiceConfig, cap CaptureSource, queue PlaybackQueue, tr Transport, tools ToolRunner, signals Signals, log *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Controller{
		cfg:       cfg,
		capture:   cap,
		queue:     queue,
		transport: tr,
		tools:     tools,
		signals:   signals,
		logger:    log.With(slog.String("component", "voice"), slog.String("session_id", id)),
		metrics:   newControllerMetrics(),
		sessionID: id,
		events:    make(chan event, 256),
		uiTick:    50 * time.Millisecond,
		clock:     time.Now,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
	}
}

// SessionID identifies this controller instance in bus traffic.
func (c *Controller) SessionID() string { return c.sessionID }

// Start acquires the capture device, then dials the backend. A capture
// failure is synchronous and leaves the controller in idle; a dial
// failure arrives as a state event and aborts back to idle from inside
// the loop.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.capture.OnFrame(func(samples []float64) { c.push(event{kind: evFrame, samples: samples}) })
	c.capture.OnAmplitude(func(a float64) { c.offer(event{kind: evCaptureAmp, amp: a}) })
	// Queue callbacks run inside its delivery fence and must not block,
	// or a Flush from this loop could wait on a full event channel.
	c.queue.OnAmplitude(func(a float64) { c.offer(event{kind: evPlaybackAmp, amp: a}) })
	c.queue.OnPlaybackEnd(func() { c.offer(event{kind: evPlaybackEnd}) })
	c.transport.OnMessage(func(m transport.Message) { c.push(event{kind: evTransportMsg, msg: m}) })
	c.transport.OnStateChange(func(st transport.State, err error) {
		c.push(event{kind: evTransportState, state: st, err: err})
	})
	c.transport.OnRetry(func(attempt int, delay time.Duration) {
		c.push(event{kind: evRetry, attempt: attempt, delay: delay})
	})
	c.transport.OnGaveUp(func() { c.push(event{kind: evGaveUp}) })

	if err := c.capture.Start(); err != nil {
		c.cancel()
		c.publishSessionEvent(protocol.EventError, captureFailureMessage(err), 0, true)
		return fmt.Errorf("start capture: %w", err)
	}

	c.setState(StateConnecting)
	c.transport.Connect()

	c.wg.Add(1)
	go c.loop()
	return nil
}

// Stop tears the session down: capture released, transport closed
// intentionally, playback flushed. Idempotent; the instance is terminal
// afterwards.
func (c *Controller) Stop() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	c.push(event{kind: evStop})
	c.wg.Wait()
}

// Close implements the service convention.
func (c *Controller) Close() { c.Stop() }

func (c *Controller) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.started || c.ctx.Err() == nil
}

// push delivers control-plane events and never drops them.
func (c *Controller) push(ev event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// offer delivers audio-rate events. When the loop is saturated the event
// is dropped so a hardware callback can never stall on the controller.
func (c *Controller) offer(ev event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	default:
	}
}

func (c *Controller) loop() {
	defer c.wg.Done()
	defer c.cancel()

	ticker := time.NewTicker(c.uiTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			if c.handle(ev) {
				return
			}
		case <-ticker.C:
			c.tick()
		}
	}
}

// handle processes one event; true means the loop must exit.
func (c *Controller) handle(ev event) bool {
	switch ev.kind {
	case evFrame:
		c.handleFrame(ev.samples)
	case evCaptureAmp:
		c.handleCaptureAmplitude(ev.amp)
	case evPlaybackAmp:
		c.playbackAmp = ev.amp
		c.lastActivity = c.clock()
	case evPlaybackEnd:
		c.playbackAmp = 0
		if c.transport.WantsPlaybackAck() {
			c.transport.SendControl(transport.ControlPlaybackEnded, nil)
		}
	case evTransportMsg:
		c.handleMessage(ev.msg)
	case evTransportState:
		return c.handleTransportState(ev.state, ev.err)
	case evRetry:
		c.metrics.reconnects.Add(c.ctx, 1)
		c.publishSessionEvent(protocol.EventReconnecting,
			fmt.Sprintf("connection lost, retrying in %s", ev.delay), ev.attempt, false)
	case evGaveUp:
		c.shutdown(false)
		c.publishSessionEvent(protocol.EventGaveUp,
			"connection lost and could not be re-established", 0, true)
		return true
	case evStop:
		c.shutdown(true)
		c.publishSessionEvent(protocol.EventStopped, "", 0, false)
		return true
	}
	return false
}

func (c *Controller) handleFrame(samples []float64) {
	switch c.state {
	case StateListening, StateUserSpeaking, StateProcessing, StateSpeaking:
		c.transport.SendFrame(samples)
		c.metrics.framesSent.Add(c.ctx, 1)
	}
}

func (c *Controller) handleCaptureAmplitude(a float64) {
	c.captureAmp = a
	if a >= c.cfg.VADThreshold {
		c.vadRun++
	} else {
		c.vadRun = 0
	}
	if c.vadRun < vadSustainFrames {
		return
	}
	if c.state == StateListening || c.state == StateSpeaking {
		c.interrupt("local VAD")
	}
}

func (c *Controller) handleMessage(msg transport.Message) {
	c.lastActivity = c.clock()

	if msg.Kind == transport.KindAudio {
		// Audio outside an active assistant turn is stale, typically
		// sent before the backend processed our interruption.
		if c.state != StateProcessing && c.state != StateSpeaking {
			c.logger.Debug("dropping stale audio payload", slog.Int("bytes", len(msg.Audio)))
			return
		}
		c.queue.Enqueue(playback.Item{PCM: msg.Audio, SampleRate: c.transport.SampleRate()})
		c.metrics.payloads.Add(c.ctx, 1)
		if c.state == StateProcessing {
			c.setState(StateSpeaking)
		}
		return
	}

	switch msg.Name {
	case transport.ControlReady:
		if c.state == StateConnecting {
			c.setState(StateListening)
			c.publishSessionEvent(protocol.EventReady, "", 0, false)
		}

	case transport.ControlUserSpeaking, transport.ControlInterruption:
		c.interrupt(msg.Name)

	case transport.ControlUserStopped:
		if c.state == StateUserSpeaking {
			c.setState(StateProcessing)
		}

	case transport.ControlTranscript:
		c.publishTranscript("user", msg.Text(), true)
		if c.state == StateUserSpeaking {
			c.setState(StateProcessing)
		}

	case transport.ControlInterim:
		c.publishTranscript("user", msg.Text(), false)

	case transport.ControlProcessing:
		if c.state == StateUserSpeaking {
			c.setState(StateProcessing)
		}

	case transport.ControlTextDelta:
		// Deltas append; full-text controls replace.
		c.assistantText += msg.Text()
		c.publishTranscript("assistant", c.assistantText, false)
		if c.state == StateProcessing {
			c.setState(StateSpeaking)
		}

	case transport.ControlText, transport.ControlAgentResponse:
		c.assistantText = msg.Text()
		c.publishTranscript("assistant", c.assistantText, false)
		if c.state == StateProcessing {
			c.setState(StateSpeaking)
		}

	case transport.ControlTTSStart:
		// Audio fragments follow; nothing to do yet.

	case transport.ControlAudioDone:
		// Playback completion drives the ack, not this marker.

	case transport.ControlToolCall:
		c.dispatchToolCall(msg.Fields)

	case transport.ControlDone, transport.ControlConversationEnded, transport.ControlSessionEnded:
		c.finishAssistantTurn()

	case transport.ControlError:
		c.publishSessionEvent(protocol.EventError, msg.Text(), 0, false)
		if c.state != StateSpeaking {
			grace := time.Duration(c.cfg.ErrorGraceMS) * time.Millisecond
			c.graceUntil = c.clock().Add(grace)
		}

	case transport.ControlDisconnected:
		// The socket close that follows carries the real transition.
		c.logger.Info("backend announced disconnect")

	default:
		c.logger.Debug("ignoring control", slog.String("control", msg.Name))
	}
}

func (c *Controller) handleTransportState(st transport.State, err error) bool {
	switch st {
	case transport.StateOpen:
		if c.state != StateConnecting {
			// Reconnected mid-session; frames resume live capture.
			c.publishSessionEvent(protocol.EventConnected, "", 0, false)
		}
	case transport.StateClosed:
		if c.state == StateConnecting {
			// Initial dial failed; abort the whole start.
			c.shutdown(false)
			c.publishSessionEvent(protocol.EventError,
				"could not reach the voice backend", 0, true)
			return true
		}
		if c.state == StateIdle {
			return false
		}
		c.queue.Flush()
		c.assistantText = ""
		c.playbackAmp = 0
		c.setState(StateListening)
		msg := "connection lost"
		if err != nil {
			msg = fmt.Sprintf("connection lost: %v", err)
		}
		c.publishSessionEvent(protocol.EventError, msg, 0, false)
	}
	return false
}

// interrupt performs the barge-in exactly once: a second signal while
// already in userSpeaking is a no-op.
func (c *Controller) interrupt(reason string) {
	switch c.state {
	case StateListening, StateProcessing, StateSpeaking:
	default:
		return
	}
	if c.state != StateListening {
		c.metrics.bargeIns.Add(c.ctx, 1)
		c.logger.Info("barge-in", slog.String("reason", reason))
	}
	c.queue.Flush()
	c.assistantText = ""
	c.playbackAmp = 0
	c.vadRun = 0
	c.setState(StateUserSpeaking)
}

func (c *Controller) finishAssistantTurn() {
	if c.assistantText != "" {
		c.publishTranscript("assistant", c.assistantText, true)
		c.assistantText = ""
	}
	if c.state == StateSpeaking || c.state == StateProcessing {
		c.setState(StateListening)
	}
}

func (c *Controller) dispatchToolCall(fields map[string]any) {
	name, _ := fields["name"].(string)
	args, _ := fields["arguments"].(map[string]any)
	reply := map[string]any{"name": name}
	if id, ok := fields["id"]; ok {
		reply["id"] = id
	}
	if c.tools == nil || name == "" {
		reply["error"] = "no such tool"
		c.transport.SendControl("tool_result", reply)
		return
	}
	// Tool execution must not block the loop.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		result, err := c.tools.Run(c.ctx, name, args)
		if err != nil {
			c.logger.Warn("tool call failed", slog.String("tool", name), slogError(err))
			reply["error"] = err.Error()
		} else {
			reply["result"] = result
		}
		c.transport.SendControl("tool_result", reply)
	}()
}

func (c *Controller) tick() {
	now := c.clock()

	if !c.graceUntil.IsZero() && now.After(c.graceUntil) {
		c.graceUntil = time.Time{}
		if c.state == StateUserSpeaking || c.state == StateProcessing {
			c.setState(StateListening)
		}
	}

	timeout := time.Duration(c.cfg.InactivityTimeoutMS) * time.Millisecond
	if timeout > 0 && (c.state == StateProcessing || c.state == StateSpeaking) &&
		now.Sub(c.lastActivity) > timeout {
		c.logger.Warn("backend went quiet, returning to listening")
		c.queue.Flush()
		c.assistantText = ""
		c.playbackAmp = 0
		c.setState(StateListening)
		c.publishSessionEvent(protocol.EventInactivity,
			"the assistant stopped responding", 0, false)
	}

	c.publishUISignal()
}

func (c *Controller) setState(next TurnState) {
	if c.state == next {
		return
	}
	c.logger.Info("turn state",
		slog.String("from", c.state.String()), slog.String("to", next.String()))
	c.state = next
	if next == StateProcessing || next == StateSpeaking {
		c.lastActivity = c.clock()
	}
	c.publishUISignal()
}

func (c *Controller) shutdown(intentional bool) {
	// Cancelling first unblocks any component callback still trying to
	// deliver an event.
	c.cancel()
	c.capture.Stop()
	c.queue.Flush()
	if intentional {
		c.transport.Close()
	}
	c.assistantText = ""
	c.captureAmp = 0
	c.playbackAmp = 0
	c.state = StateIdle
	c.publishUISignal()
}

// amplitude picks the authoritative source: playback while the assistant
// speaks, capture otherwise. Capture keeps metering during speech for
// barge-in detection but is suppressed from the UI.
func (c *Controller) amplitude() float64 {
	if c.state == StateSpeaking {
		return c.playbackAmp
	}
	return c.captureAmp
}

func (c *Controller) publishUISignal() {
	if c.signals == nil {
		return
	}
	c.signals.PublishUISignal(protocol.UISignal{
		SessionID: c.sessionID,
		State:     c.state.String(),
		Amplitude: c.amplitude(),
		Timestamp: c.clock(),
	})
}

func (c *Controller) publishTranscript(role, text string, final bool) {
	if c.signals == nil || text == "" {
		return
	}
	c.signals.PublishTranscript(protocol.TranscriptEvent{
		SessionID: c.sessionID,
		Role:      role,
		Text:      text,
		Final:     final,
		Timestamp: c.clock(),
	})
}

func (c *Controller) publishSessionEvent(kind, message string, attempt int, persistent bool) {
	if c.signals == nil {
		return
	}
	c.signals.PublishSessionEvent(protocol.SessionEvent{
		SessionID:  c.sessionID,
		Kind:       kind,
		Message:    message,
		Attempt:    attempt,
		Persistent: persistent,
		Timestamp:  c.clock(),
	})
}

func captureFailureMessage(err error) string {
	switch {
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return "no audio input device available"
	case errors.Is(err, capture.ErrPermissionDenied):
		return "microphone access was denied"
	default:
		return "the audio device failed to start"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
