package capture

import "sync"

// MockDevice is a scriptable device for tests. Frames pushed via Push
// are delivered to the consumer; OpenErr forces Open to fail.
type MockDevice struct {
	OpenErr error

	mu     sync.Mutex
	frames chan []float64
	open   bool
}

func NewMockDevice() *MockDevice {
	return &MockDevice{}
}

func (d *MockDevice) Open(sampleRate, frameSize int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return d.OpenErr
	}
	if d.open {
		return ErrCaptureBusy
	}
	d.frames = make(chan []float64, 16)
	d.open = true
	return nil
}

// Push delivers one frame to the consumer. Returns false once closed.
func (d *MockDevice) Push(frame []float64) bool {
	d.mu.Lock()
	ch := d.frames
	open := d.open
	d.mu.Unlock()
	if !open {
		return false
	}
	ch <- frame
	return true
}

func (d *MockDevice) Frames() <-chan []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.open = false
	close(d.frames)
	return nil
}
