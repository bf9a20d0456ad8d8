package playback

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/PDHeisenberg/spark-voice/internal/pcm"
)

// WAVSink renders buffers into a WAV file at real-time pace. It stands
// in for a hardware speaker in development and tests; pacing matters so
// flush and barge-in behave as they would against real output latency.
type WAVSink struct {
	path string

	mu   sync.Mutex
	file *os.File
	enc  *wav.Encoder
}

func NewWAVSink(path string) *WAVSink {
	return &WAVSink{path: path}
}

func (s *WAVSink) Play(ctx context.Context, samples []float64, sampleRate int) error {
	s.mu.Lock()
	if s.enc == nil {
		f, err := os.Create(s.path)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("create output file: %w", err)
		}
		s.file = f
		s.enc = wav.NewEncoder(f, sampleRate, 16, 1, 1)
	}
	enc := s.enc
	s.mu.Unlock()

	// Render in ~10ms slices so cancellation takes effect quickly.
	slice := sampleRate / 100
	if slice <= 0 {
		slice = len(samples)
	}
	for start := 0; start < len(samples); start += slice {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + slice
		if end > len(samples) {
			end = len(samples)
		}
		ints := make([]int, end-start)
		for i, v := range samples[start:end] {
			ints[i] = int(pcm.Quantize(v))
		}
		buf := &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
			Data:           ints,
			SourceBitDepth: 16,
		}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}

		d := time.Duration(end-start) * time.Second / time.Duration(sampleRate)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return nil
}

// Close finalizes the WAV header and closes the file.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return nil
	}
	if err := s.enc.Close(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
