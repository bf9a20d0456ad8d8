package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/PDHeisenberg/spark-voice/internal/capture"
	"github.com/PDHeisenberg/spark-voice/internal/config"
	"github.com/PDHeisenberg/spark-voice/internal/playback"
	"github.com/PDHeisenberg/spark-voice/internal/protocol"
	"github.com/PDHeisenberg/spark-voice/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCapture struct {
	mu       sync.Mutex
	frameFn  func([]float64)
	ampFn    func(float64)
	startErr error
	starts   int
	stops    int
}

func (f *fakeCapture) OnFrame(fn func([]float64)) { f.frameFn = fn }
func (f *fakeCapture) OnAmplitude(fn func(float64)) {
	f.ampFn = fn
}
func (f *fakeCapture) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	return nil
}
func (f *fakeCapture) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}
func (f *fakeCapture) stopped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeQueue struct {
	mu      sync.Mutex
	items   []playback.Item
	flushes int
	ampFn   func(float64)
	endFn   func()
}

func (f *fakeQueue) Enqueue(item playback.Item) {
	f.mu.Lock()
	f.items = append(f.items, item)
	f.mu.Unlock()
}
func (f *fakeQueue) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}
func (f *fakeQueue) OnAmplitude(fn func(float64)) { f.ampFn = fn }
func (f *fakeQueue) OnPlaybackEnd(fn func())      { f.endFn = fn }
func (f *fakeQueue) flushed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}
func (f *fakeQueue) enqueued() []playback.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]playback.Item(nil), f.items...)
}

type sentControl struct {
	name   string
	fields map[string]any
}

type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]float64
	controls []sentControl
	connects int
	closes   int

	rate     int
	ack      bool
	msgFn    func(transport.Message)
	stateFn  func(transport.State, error)
	retryFn  func(int, time.Duration)
	gaveUpFn func()
}

func (f *fakeTransport) Connect() {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}
func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
}
func (f *fakeTransport) SendFrame(samples []float64) {
	f.mu.Lock()
	f.frames = append(f.frames, samples)
	f.mu.Unlock()
}
func (f *fakeTransport) SendControl(name string, fields map[string]any) {
	f.mu.Lock()
	f.controls = append(f.controls, sentControl{name: name, fields: fields})
	f.mu.Unlock()
}
func (f *fakeTransport) OnMessage(fn func(transport.Message))            { f.msgFn = fn }
func (f *fakeTransport) OnStateChange(fn func(transport.State, error))   { f.stateFn = fn }
func (f *fakeTransport) OnRetry(fn func(int, time.Duration))             { f.retryFn = fn }
func (f *fakeTransport) OnGaveUp(fn func())                              { f.gaveUpFn = fn }
func (f *fakeTransport) SampleRate() int                                 { return f.rate }
func (f *fakeTransport) WantsPlaybackAck() bool                          { return f.ack }
func (f *fakeTransport) sentFrames() [][]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]float64(nil), f.frames...)
}
func (f *fakeTransport) sentControls() []sentControl {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentControl(nil), f.controls...)
}
func (f *fakeTransport) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeSignals struct {
	mu          sync.Mutex
	signals     []protocol.UISignal
	transcripts []protocol.TranscriptEvent
	events      []protocol.SessionEvent
}

func (f *fakeSignals) PublishUISignal(sig protocol.UISignal) {
	f.mu.Lock()
	f.signals = append(f.signals, sig)
	f.mu.Unlock()
}
func (f *fakeSignals) PublishTranscript(ev protocol.TranscriptEvent) {
	f.mu.Lock()
	f.transcripts = append(f.transcripts, ev)
	f.mu.Unlock()
}
func (f *fakeSignals) PublishSessionEvent(ev protocol.SessionEvent) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}
func (f *fakeSignals) lastState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.signals) == 0 {
		return ""
	}
	return f.signals[len(f.signals)-1].State
}
func (f *fakeSignals) sawState(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.signals {
		if s.State == name {
			return true
		}
	}
	return false
}
func (f *fakeSignals) eventOfKind(kind string) (protocol.SessionEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return protocol.SessionEvent{}, false
}
func (f *fakeSignals) assistantTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, tr := range f.transcripts {
		if tr.Role == "assistant" {
			out = append(out, tr.Text)
		}
	}
	return out
}

type harness struct {
	ctrl *Controller
	cap  *fakeCapture
	q    *fakeQueue
	tr   *fakeTransport
	sig  *fakeSignals
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cap: &fakeCapture{},
		q:   &fakeQueue{},
		tr:  &fakeTransport{rate: 24000},
		sig: &fakeSignals{},
	}
	cfg := config.VoiceConfig{VADThreshold: 0.12, ErrorGraceMS: 40, InactivityTimeoutMS: 60000}
	h.ctrl = NewController(context.Background(), cfg, h.cap, h.q, h.tr, nil, h.sig, testLogger())
	h.ctrl.uiTick = 10 * time.Millisecond
	return h
}

func (h *harness) awaitState(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.sig.lastState() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state never reached %q (last %q)", want, h.sig.lastState())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// start + open + ready: the controller ends in listening.
func (h *harness) listen(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.tr.stateFn(transport.StateOpen, nil)
	h.tr.msgFn(transport.Message{Kind: transport.KindControl, Name: transport.ControlReady})
	h.awaitState(t, "listening")
}

// speak drives listening -> userSpeaking -> processing -> speaking.
func (h *harness) speak(t *testing.T) {
	t.Helper()
	h.listen(t)
	h.tr.msgFn(transport.Message{Kind: transport.KindControl, Name: transport.ControlUserSpeaking})
	h.awaitState(t, "userSpeaking")
	h.tr.msgFn(transport.Message{Kind: transport.KindControl, Name: transport.ControlUserStopped})
	h.awaitState(t, "processing")
	h.tr.msgFn(transport.Message{Kind: transport.KindAudio, Audio: []byte{0x00, 0x40}})
	h.awaitState(t, "speaking")
}

func TestStartCaptureFailureLeavesIdle(t *testing.T) {
	h := newHarness(t)
	h.cap.startErr = capture.ErrDeviceUnavailable

	err := h.ctrl.Start()
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if h.sig.sawState("connecting") {
		t.Fatal("controller must never reach connecting when the device is unavailable")
	}
	if h.tr.connects != 0 {
		t.Fatal("transport must not be dialed")
	}
	ev, ok := h.sig.eventOfKind(protocol.EventError)
	if !ok || !ev.Persistent {
		t.Fatalf("expected a persistent error event, got %+v", ev)
	}
}

func TestSecondStartRejected(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	defer h.ctrl.Stop()

	if err := h.ctrl.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("err = %v", err)
	}
}

func TestFramesForwardedInOrder(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	defer h.ctrl.Stop()

	f1, f2, f3 := []float64{0.1}, []float64{0.2}, []float64{0.3}
	h.cap.frameFn(f1)
	h.cap.frameFn(f2)
	h.cap.frameFn(f3)

	waitFor(t, func() bool { return len(h.tr.sentFrames()) == 3 })
	frames := h.tr.sentFrames()
	for i, want := range []float64{0.1, 0.2, 0.3} {
		if frames[i][0] != want {
			t.Fatalf("frame %d = %v, want %v", i, frames[i][0], want)
		}
	}
}

func TestBargeInFlushesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.speak(t)
	defer h.ctrl.Stop()

	before := h.q.flushed()
	// Backend and local VAD may both report the interruption; only the
	// first one counts.
	h.tr.msgFn(transport.Message{Kind: transport.KindControl, Name: transport.ControlUserSpeaking})
	h.tr.msgFn(transport.Message{Kind: transport.KindControl, Name: transport.ControlUserSpeaking})
	h.awaitState(t, "userSpeaking")

	if got := h.q.flushed() - before; got != 1 {
		t.Fatalf("flush called %d times, want exactly 1", got)
	}
}

func TestTextDeltaAppendsFullTextReplaces(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	defer h.ctrl.Stop()

	h.tr.msgFn(transport.Message{Kind: transport.KindControl, Name: transport.ControlUserSpeaking})
	h.tr.msgFn(transport.Message{Kind: transport.KindControl, Name: transport.ControlUserStopped})
	h.awaitState(t, "processing")

	delta := func(text string) transport.Message {
		return transport.Message{Kind: transport.KindControl, Name: transport.ControlTextDelta,
			Fields: map[string]any{"text": text}}
	}
	h.tr.msgFn(delta("Hel"))
	h.tr.msgFn(delta("lo"))
	waitFor(t, func() bool { return len(h.sig.assistantTexts()) >= 2 })

	texts := h.sig.assistantTexts()
	if texts[0] != "Hel" || texts[1] != "Hello" {
		t.Fatalf("deltas must append: %v", texts)
	}

	h.tr.msgFn(transport.Message{Kind: transport.KindControl, Name: transport.ControlAgentResponse,
		Fields: map[string]any{"text": "Goodbye"}})
	waitFor(t, func() bool { return len(h.sig.assistantTexts()) >= 3 })
	if got := h.sig.assistantTexts()[2]; got != "Goodbye" {
		t.Fatalf("full text must replace, got %q", got)
	}
}

func TestAudioEnqueuedAtVariantRate(t *testing.T) {
	h := newHarness(t)
	h.speak(t)
	defer h.ctrl.Stop()

	waitFor(t, func() bool { return len(h.q.enqueued()) == 1 })
	item := h.q.enqueued()[0]
	if item.SampleRate != 24000 {
		t.Fatalf("sample rate = %d", item.SampleRate)
	}
	if len(item.PCM) != 2 {
		t.Fatalf("pcm bytes = %d", len(item.PCM))
	}
}

func TestStaleAudioDroppedWhileListening(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	defer h.ctrl.Stop()

	h.tr.msgFn(transport.Message{Kind: transport.KindAudio, Audio: []byte{0x00, 0x40}})
	time.Sleep(30 * time.Millisecond)
	if len(h.q.enqueued()) != 0 {
		t.Fatal("audio outside an assistant turn must be dropped")
	}
}

func TestPlaybackEndAcksBufferedVariant(t *testing.T) {
	h := newHarness(t)
	h.tr.ack = true
	h.speak(t)
	defer h.ctrl.Stop()

	h.q.endFn()
	waitFor(t, func() bool {
		for _, c := range h.tr.sentControls() {
			if c.name == transport.ControlPlaybackEnded {
				return true
			}
		}
		return false
	})
}

func TestDoneReturnsToListening(t *testing.T) {
	h := newHarness(t)
	h.speak(t)
	defer h.ctrl.Stop()

	h.tr.msgFn(transport.Message{Kind: transport.KindControl, Name: transport.ControlTextDelta,
		Fields: map[string]any{"text": "final words"}})
	h.tr.msgFn(transport.Message{Kind: transport.KindControl, Name: transport.ControlDone})
	h.awaitState(t, "listening")

	texts := h.sig.assistantTexts()
	if len(texts) == 0 || texts[len(texts)-1] != "final words" {
		t.Fatalf("final transcript not published: %v", texts)
	}
}

func TestUnintentionalCloseFallsBackToListening(t *testing.T) {
	h := newHarness(t)
	h.speak(t)
	defer h.ctrl.Stop()

	h.tr.stateFn(transport.StateClosed, errors.New("reset by peer"))
	h.awaitState(t, "listening")

	if h.cap.stopped() != 0 {
		t.Fatal("capture must keep running across a transient disconnect")
	}
	if _, ok := h.sig.eventOfKind(protocol.EventError); !ok {
		t.Fatal("expected a transient error event")
	}
}

func TestGaveUpIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.speak(t)

	h.tr.gaveUpFn()
	h.awaitState(t, "idle")

	ev, ok := h.sig.eventOfKind(protocol.EventGaveUp)
	if !ok || !ev.Persistent {
		t.Fatalf("expected persistent gave-up event, got %+v", ev)
	}
	waitFor(t, func() bool { return h.cap.stopped() == 1 })
}

func TestStopReleasesEverything(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	h.ctrl.Stop()

	if h.cap.stopped() != 1 {
		t.Fatalf("capture stops = %d", h.cap.stopped())
	}
	if h.tr.closedCount() != 1 {
		t.Fatalf("transport closes = %d", h.tr.closedCount())
	}
	if h.sig.lastState() != "idle" {
		t.Fatalf("last state = %q", h.sig.lastState())
	}
	// Idempotent.
	h.ctrl.Stop()
}

func TestLocalVADEntersUserSpeaking(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	defer h.ctrl.Stop()

	for i := 0; i < vadSustainFrames; i++ {
		h.cap.ampFn(0.5)
		time.Sleep(2 * time.Millisecond)
	}
	h.awaitState(t, "userSpeaking")
}

func TestDialFailureDuringStartAborts(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.tr.stateFn(transport.StateClosed, errors.New("refused"))
	h.awaitState(t, "idle")

	ev, ok := h.sig.eventOfKind(protocol.EventError)
	if !ok || !ev.Persistent {
		t.Fatalf("expected persistent connect error, got %+v", ev)
	}
	waitFor(t, func() bool { return h.cap.stopped() == 1 })
}

func TestInactivityWatchdogReturnsToListening(t *testing.T) {
	h := newHarness(t)
	h.ctrl.cfg.InactivityTimeoutMS = 40
	h.speak(t)
	defer h.ctrl.Stop()

	h.awaitState(t, "listening")
	if _, ok := h.sig.eventOfKind(protocol.EventInactivity); !ok {
		t.Fatal("expected an inactivity event")
	}
}

func TestBackendErrorGraceFallsBack(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	defer h.ctrl.Stop()

	h.tr.msgFn(transport.Message{Kind: transport.KindControl, Name: transport.ControlUserSpeaking})
	h.awaitState(t, "userSpeaking")
	h.tr.msgFn(transport.Message{Kind: transport.KindControl, Name: transport.ControlError,
		Fields: map[string]any{"message": "backend hiccup"}})
	h.awaitState(t, "listening")

	if _, ok := h.sig.eventOfKind(protocol.EventError); !ok {
		t.Fatal("expected a transient error event")
	}
}
