package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PDHeisenberg/spark-voice/internal/bus"
	"github.com/PDHeisenberg/spark-voice/internal/capture"
	"github.com/PDHeisenberg/spark-voice/internal/config"
	"github.com/PDHeisenberg/spark-voice/internal/frontends"
	"github.com/PDHeisenberg/spark-voice/internal/natsserver"
	"github.com/PDHeisenberg/spark-voice/internal/playback"
	"github.com/PDHeisenberg/spark-voice/internal/tools"
	"github.com/PDHeisenberg/spark-voice/internal/transport"
	"github.com/PDHeisenberg/spark-voice/internal/voice"
)

// Runtime wires the full pipeline: embedded bus, frontend registry,
// capture, playback, transport, tools, and the session controller. Start
// blocks until the context is cancelled, then tears everything down in
// reverse order.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded   *natsserver.EmbeddedServer
	busClient  *bus.Client
	registry   *frontends.Registry
	queue      *playback.Queue
	supervisor *transport.Supervisor
	controller *voice.Controller
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.embedded = embedded
	}

	busCtx, busCancel := context.WithTimeout(ctx, time.Duration(r.cfg.Bus.ConnectTimeout)*time.Millisecond)
	busClient, err := bus.Connect(busCtx, r.cfg.Bus, r.logger)
	busCancel()
	if err != nil {
		r.teardown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	registry, err := frontends.NewRegistry(ctx, busClient, r.logger)
	if err != nil {
		r.teardown()
		return fmt.Errorf("failed to start frontend registry: %w", err)
	}
	r.registry = registry

	codec, err := transport.NewCodec(r.cfg.Transport.Variant)
	if err != nil {
		r.teardown()
		return err
	}

	device, err := r.captureDevice()
	if err != nil {
		r.teardown()
		return err
	}
	source := capture.NewSource(device, codec.SampleRate(), r.cfg.Capture.FrameSize, r.logger)

	sink, err := r.playbackSink()
	if err != nil {
		r.teardown()
		return err
	}
	queue := playback.NewQueue(sink, time.Duration(r.cfg.Playback.TickMS)*time.Millisecond, r.logger)
	r.queue = queue

	session := transport.NewSession(r.cfg.Transport, codec, nil, r.logger)
	supervisor := transport.NewSupervisor(ctx, session, r.cfg.Reconnect, r.logger)
	r.supervisor = supervisor

	toolsSvc, err := tools.New(r.cfg.Tools, r.logger)
	if err != nil {
		r.teardown()
		return fmt.Errorf("failed to load tools: %w", err)
	}
	var runner voice.ToolRunner
	if toolsSvc != nil {
		runner = toolsSvc
	}

	publisher := bus.NewPublisher(busClient, r.logger)
	controller := voice.NewController(ctx, r.cfg.Voice, source, queue, supervisor, runner, publisher, r.logger)
	r.controller = controller

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if err := controller.Start(); err != nil {
		r.shutdownHTTP()
		r.teardown()
		return fmt.Errorf("failed to start voice session: %w", err)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("variant", r.cfg.Transport.Variant),
		slog.String("session_id", controller.SessionID()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	r.shutdownHTTP()
	r.teardown()

	if r.tracerClose != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) captureDevice() (capture.Device, error) {
	switch r.cfg.Capture.Device {
	case "wav":
		return capture.NewWAVDevice(r.cfg.Capture.Path), nil
	case "mock":
		return capture.NewMockDevice(), nil
	default:
		return nil, fmt.Errorf("unknown capture device %q", r.cfg.Capture.Device)
	}
}

func (r *Runtime) playbackSink() (playback.Sink, error) {
	switch r.cfg.Playback.Sink {
	case "wav":
		return playback.NewWAVSink(r.cfg.Playback.Path), nil
	case "mock":
		return &playback.MockSink{Realtime: true}, nil
	default:
		return nil, fmt.Errorf("unknown playback sink %q", r.cfg.Playback.Sink)
	}
}

func (r *Runtime) shutdownHTTP() {
	if r.httpServer == nil {
		return
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
}

// teardown releases everything built so far, newest first. Safe to call
// with a partially constructed runtime.
func (r *Runtime) teardown() {
	if r.controller != nil {
		r.controller.Stop()
	}
	if r.supervisor != nil {
		r.supervisor.Close()
	}
	if r.queue != nil {
		r.queue.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient != nil && r.busClient.Healthy() && r.controller.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
