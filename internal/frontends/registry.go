// Package frontends tracks the UI consumers attached to the bus: the
// avatar renderer, the waveform visualizer, and anything else reading
// the voice.ui.* subjects. Consumers announce themselves and heartbeat;
// the registry only watches, it never answers.
package frontends

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/PDHeisenberg/spark-voice/internal/bus"
	"github.com/PDHeisenberg/spark-voice/internal/protocol"
)

// Frontend is one known UI consumer.
type Frontend struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Kinds    []string  `json:"kinds"`
	LastSeen time.Time `json:"last_seen"`
	Attached bool      `json:"attached"`
}

// Stale heartbeat cutoff before a frontend is considered detached.
const heartbeatTimeout = 15 * time.Second

type Registry struct {
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc

	mu        sync.RWMutex
	frontends map[string]*Frontend
	subs      []*nats.Subscription

	meter metric.Meter
}

func NewRegistry(ctx context.Context, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		log:       log.With(slog.String("component", "frontend-registry")),
		bus:       busClient,
		frontends: make(map[string]*Frontend),
		meter:     otel.Meter("github.com/PDHeisenberg/spark-voice/internal/frontends"),
		cancel:    cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitor(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

// Healthy is true as long as the subscriptions are live; a deployment
// with zero frontends is valid (headless testing).
func (r *Registry) Healthy() bool {
	for _, sub := range r.subs {
		if !sub.IsValid() {
			return false
		}
	}
	return true
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectFrontendAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectFrontendHeartbeat, r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) monitor(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluate()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var ann protocol.FrontendAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		r.log.Warn("invalid frontend announcement", slog.String("error", err.Error()))
		return
	}
	if ann.FrontendID == "" {
		return
	}
	if ann.Timestamp.IsZero() {
		ann.Timestamp = time.Now().UTC()
	}
	r.log.Info("frontend attached",
		slog.String("frontend", ann.Name), slog.String("id", ann.FrontendID))
	r.update(ann.FrontendID, ann.Name, ann.Kinds, ann.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.FrontendAnnouncement
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid frontend heartbeat", slog.String("error", err.Error()))
		return
	}
	if hb.FrontendID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.update(hb.FrontendID, hb.Name, hb.Kinds, hb.Timestamp)
}

func (r *Registry) update(id, name string, kinds []string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fe, ok := r.frontends[id]
	if !ok {
		fe = &Frontend{ID: id}
		r.frontends[id] = fe
	}
	if name != "" {
		fe.Name = name
	}
	if len(kinds) > 0 {
		fe.Kinds = kinds
	}
	fe.LastSeen = ts
	fe.Attached = true
}

func (r *Registry) evaluate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, fe := range r.frontends {
		if fe.Attached && now.Sub(fe.LastSeen) > heartbeatTimeout {
			fe.Attached = false
			r.log.Info("frontend went quiet", slog.String("frontend", fe.Name))
		}
	}
}

// Attached returns the frontends currently considered live, optionally
// filtered.
func (r *Registry) Attached(filter func(Frontend) bool) []Frontend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Frontend
	for _, fe := range r.frontends {
		copy := *fe
		if !copy.Attached {
			continue
		}
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	return results
}

// WithKind filters frontends consuming a given subject kind.
func WithKind(kind string) func(Frontend) bool {
	return func(fe Frontend) bool {
		for _, k := range fe.Kinds {
			if k == kind {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("spark.frontends.attached",
		metric.WithDescription("UI consumers currently heartbeating"))
	if err != nil {
		return err
	}
	known, err := r.meter.Int64ObservableGauge("spark.frontends.known",
		metric.WithDescription("UI consumers ever seen this process"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		attached, total := r.counts()
		obs.ObserveInt64(gauge, attached)
		obs.ObserveInt64(known, total)
		return nil
	}, gauge, known)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var attached, total int64
	for _, fe := range r.frontends {
		total++
		if fe.Attached {
			attached++
		}
	}
	return attached, total
}
