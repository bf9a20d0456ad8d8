// Package playback serializes decoded audio buffers into a speaker sink,
// one at a time, with amplitude metering and immediate flush for barge-in.
package playback

import (
	"context"
	"sync"
	"time"
)

// Sink renders one decoded buffer. Play blocks until the buffer has
// been rendered in full or ctx is cancelled.
type Sink interface {
	Play(ctx context.Context, samples []float64, sampleRate int) error
}

// MockSink records plays for tests. When Realtime is true it paces the
// render to the buffer's duration so cancellation can be observed.
type MockSink struct {
	Realtime bool

	mu     sync.Mutex
	played [][]float64
	rates  []int
}

func (m *MockSink) Play(ctx context.Context, samples []float64, sampleRate int) error {
	if m.Realtime && sampleRate > 0 {
		d := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.played = append(m.played, samples)
	m.rates = append(m.rates, sampleRate)
	m.mu.Unlock()
	return nil
}

// Played returns the buffers rendered to completion, in order.
func (m *MockSink) Played() [][]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]float64, len(m.played))
	copy(out, m.played)
	return out
}

// Rates returns the sample rate of each completed render.
func (m *MockSink) Rates() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.rates...)
}
