package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/PDHeisenberg/spark-voice/internal/pcm"
)

// Item is one opaque audio payload awaiting playback. PCM holds raw
// little-endian PCM16 bytes, pre-joined for backends that fragment audio.
type Item struct {
	PCM        []byte
	SampleRate int
}

type queued struct {
	item  Item
	epoch uint64
}

// Queue plays items strictly in arrival order, one at a time, streaming
// RMS amplitude to subscribers while an item renders. Flush discards
// everything, including the in-flight item, and fences its callbacks.
type Queue struct {
	sink Sink
	tick time.Duration
	log  *slog.Logger

	onAmplitude   []func(float64)
	onPlaybackEnd func()

	mu         sync.Mutex
	pending    []queued
	draining   bool
	epoch      uint64
	playCancel context.CancelFunc
	closed     bool
	wg         sync.WaitGroup

	// cbMu fences callback delivery against Flush: a delivery holds it
	// while checking the epoch and invoking subscribers, and Flush bumps
	// the epoch under it. Subscribers must not block.
	cbMu sync.Mutex
}

func NewQueue(sink Sink, tick time.Duration, log *slog.Logger) *Queue {
	if tick <= 0 {
		tick = 16 * time.Millisecond
	}
	return &Queue{
		sink: sink,
		tick: tick,
		log:  log.With(slog.String("component", "playback")),
	}
}

// OnAmplitude registers an amplitude subscriber; multiple are allowed.
func (q *Queue) OnAmplitude(fn func(float64)) {
	q.onAmplitude = append(q.onAmplitude, fn)
}

// OnPlaybackEnd registers the single subscriber notified after each item
// renders to completion. Flushed or aborted items never notify.
func (q *Queue) OnPlaybackEnd(fn func()) {
	q.onPlaybackEnd = fn
}

// Enqueue appends an item; if the queue is idle it begins draining.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, queued{item: item, epoch: q.epoch})
	if !q.draining {
		q.draining = true
		q.wg.Add(1)
		go q.drain()
	}
}

// Pending reports how many items await playback.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		if next.epoch != q.epoch {
			q.mu.Unlock()
			continue // flushed while queued
		}
		ctx, cancel := context.WithCancel(context.Background())
		q.playCancel = cancel
		q.mu.Unlock()

		q.playItem(ctx, next.item, next.epoch)

		q.mu.Lock()
		q.playCancel = nil
		q.mu.Unlock()
		cancel()
	}
}

func (q *Queue) playItem(ctx context.Context, item Item, epoch uint64) {
	samples, err := pcm.DecodeBytes(item.PCM)
	if err != nil {
		// One bad chunk must not stall the queue.
		q.log.Warn("skipping undecodable payload",
			slog.Int("bytes", len(item.PCM)),
			slog.String("error", err.Error()))
		return
	}

	meterDone := make(chan struct{})
	go q.meter(ctx, samples, item.SampleRate, epoch, meterDone)

	err = q.sink.Play(ctx, samples, item.SampleRate)
	<-meterDone

	if err != nil {
		return // cancelled or sink failure; no completion callback
	}
	q.deliver(epoch, func() {
		if q.onPlaybackEnd != nil {
			q.onPlaybackEnd()
		}
	})
}

// deliver runs fn under the callback fence, only if epoch is still
// current. Reports whether fn ran.
func (q *Queue) deliver(epoch uint64, fn func()) bool {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()
	if !q.epochCurrent(epoch) {
		return false
	}
	fn()
	return true
}

// meter samples the buffer at the playback position once per tick and
// reports RMS amplitude, until the item finishes or is fenced off.
func (q *Queue) meter(ctx context.Context, samples []float64, sampleRate int, epoch uint64, done chan<- struct{}) {
	defer close(done)
	if sampleRate <= 0 || len(samples) == 0 {
		return
	}
	window := int(q.tick.Seconds() * float64(sampleRate))
	if window <= 0 {
		window = 1
	}
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pos := int(time.Since(start).Seconds() * float64(sampleRate))
		if pos >= len(samples) {
			return
		}
		end := pos + window
		if end > len(samples) {
			end = len(samples)
		}
		amp := pcm.RMS(samples[pos:end])
		delivered := q.deliver(epoch, func() {
			for _, fn := range q.onAmplitude {
				fn(amp)
			}
		})
		if !delivered {
			return
		}
	}
}

func (q *Queue) epochCurrent(epoch uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch == epoch
}

// Flush clears all pending items and aborts the in-flight one. No
// amplitude or playback-end callback fires for discarded items once
// Flush has returned: the epoch bump happens under the callback fence,
// so a delivery already in progress completes before Flush returns and
// any later one sees the stale epoch.
func (q *Queue) Flush() {
	q.cbMu.Lock()
	q.mu.Lock()
	q.pending = nil
	q.epoch++
	cancel := q.playCancel
	q.mu.Unlock()
	q.cbMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close flushes and waits for the drain goroutine to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Flush()
	q.wg.Wait()
}
