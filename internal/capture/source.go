package capture

import (
	"log/slog"
	"sync"

	"github.com/PDHeisenberg/spark-voice/internal/pcm"
)

// Source owns one Device exclusively and pushes its frames, plus a
// derived RMS amplitude, to callbacks registered before Start.
type Source struct {
	dev        Device
	sampleRate int
	frameSize  int
	log        *slog.Logger

	onFrame     func([]float64)
	onAmplitude []func(float64)

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewSource(dev Device, sampleRate, frameSize int, log *slog.Logger) *Source {
	return &Source{
		dev:        dev,
		sampleRate: sampleRate,
		frameSize:  frameSize,
		log:        log.With(slog.String("component", "capture")),
	}
}

// OnFrame registers the single frame consumer. Must be called before Start.
func (s *Source) OnFrame(fn func([]float64)) {
	s.onFrame = fn
}

// OnAmplitude registers an amplitude subscriber. Multiple subscribers
// are allowed; each is invoked on every frame. Must be called before Start.
func (s *Source) OnAmplitude(fn func(float64)) {
	s.onAmplitude = append(s.onAmplitude, fn)
}

// SampleRate reports the rate frames are captured at.
func (s *Source) SampleRate() int { return s.sampleRate }

// Start opens the device and begins streaming. A second Start while
// streaming fails with ErrCaptureBusy; device failures propagate with
// their distinguishable cause (ErrDeviceUnavailable, ErrPermissionDenied
// or a DeviceError).
func (s *Source) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrCaptureBusy
	}
	if err := s.dev.Open(s.sampleRate, s.frameSize); err != nil {
		s.mu.Unlock()
		return err
	}
	s.started = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump()

	s.log.Info("capture started",
		slog.Int("sample_rate", s.sampleRate),
		slog.Int("frame_size", s.frameSize))
	return nil
}

func (s *Source) pump() {
	defer s.wg.Done()
	frames := s.dev.Frames()
	for {
		select {
		case <-s.stop:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if s.onFrame != nil {
				s.onFrame(frame)
			}
			amp := pcm.RMS(frame)
			for _, fn := range s.onAmplitude {
				fn(amp)
			}
		}
	}
}

// Stop releases the device. Idempotent; guarantees no callbacks are
// delivered after it returns.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	if err := s.dev.Close(); err != nil {
		s.log.Warn("device close failed", slog.String("error", err.Error()))
	}
	s.wg.Wait()
	s.log.Info("capture stopped")
}

// Healthy reports whether the source is currently streaming.
func (s *Source) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
