package capture

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// WAVDevice replays a WAV file as if it were a live microphone: frames
// are emitted at real-time pace and the file loops when exhausted. It
// stands in for a hardware device in development and tests.
type WAVDevice struct {
	path string

	mu      sync.Mutex
	frames  chan []float64
	stop    chan struct{}
	stopped sync.WaitGroup
	open    bool
}

func NewWAVDevice(path string) *WAVDevice {
	return &WAVDevice{path: path}
}

func (d *WAVDevice) Open(sampleRate, frameSize int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return ErrCaptureBusy
	}

	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrDeviceUnavailable, d.path)
		}
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, d.path)
		}
		return &DeviceError{Op: "open", Err: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return &DeviceError{Op: "open", Err: fmt.Errorf("not a wav file: %s", d.path)}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return &DeviceError{Op: "read", Err: err}
	}

	samples := normalize(buf.Data, int(dec.BitDepth), int(dec.NumChans))
	samples = resample(samples, int(dec.SampleRate), sampleRate)
	if len(samples) == 0 {
		return &DeviceError{Op: "read", Err: fmt.Errorf("empty wav file: %s", d.path)}
	}

	d.frames = make(chan []float64)
	d.stop = make(chan struct{})
	d.open = true

	interval := time.Duration(frameSize) * time.Second / time.Duration(sampleRate)
	d.stopped.Add(1)
	go d.pump(samples, frameSize, interval)
	return nil
}

func (d *WAVDevice) pump(samples []float64, frameSize int, interval time.Duration) {
	defer d.stopped.Done()
	defer close(d.frames)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}

		frame := make([]float64, frameSize)
		for i := range frame {
			frame[i] = samples[pos]
			pos++
			if pos >= len(samples) {
				pos = 0 // loop the file
			}
		}

		select {
		case <-d.stop:
			return
		case d.frames <- frame:
		}
	}
}

func (d *WAVDevice) Frames() <-chan []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

func (d *WAVDevice) Close() error {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return nil
	}
	d.open = false
	close(d.stop)
	d.mu.Unlock()

	d.stopped.Wait()
	return nil
}

// normalize converts interleaved integer samples to mono floats in [-1, 1].
func normalize(data []int, bitDepth, channels int) []float64 {
	if channels <= 0 {
		channels = 1
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))

	out := make([]float64, 0, len(data)/channels)
	for i := 0; i+channels <= len(data); i += channels {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(data[i+c]) / scale
		}
		out = append(out, sum/float64(channels))
	}
	return out
}

// resample performs linear interpolation between sample rates. Good
// enough for a development device; not a production resampler.
func resample(in []float64, from, to int) []float64 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}
	n := int(float64(len(in)) * float64(to) / float64(from))
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	ratio := float64(len(in)-1) / float64(n)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		frac := pos - float64(j)
		if j+1 < len(in) {
			out[i] = in[j]*(1-frac) + in[j+1]*frac
		} else {
			out[i] = in[j]
		}
	}
	return out
}
