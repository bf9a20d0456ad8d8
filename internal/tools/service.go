package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PDHeisenberg/spark-voice/internal/config"
)

// ErrUnknownTool is returned when the backend asks for a tool that is
// not installed. The controller turns it into an error result control,
// never a crash.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Service discovers tool manifests under one directory and executes
// calls with bounded concurrency. It satisfies the controller's
// ToolRunner.
type Service struct {
	cfg  config.ToolsConfig
	log  *slog.Logger
	sema chan struct{}

	mu    sync.RWMutex
	tools map[string]*binding
}

type binding struct {
	manifest   Manifest
	modulePath string
	directory  string
}

// New loads every tool under cfg.Directory. When cfg.Enabled is false,
// nil is returned and the controller answers tool calls with errors.
func New(cfg config.ToolsConfig, logger *slog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	svc := &Service{
		cfg:   cfg,
		log:   logger.With(slog.String("component", "tools")),
		sema:  make(chan struct{}, cfg.MaxConcurrency),
		tools: make(map[string]*binding),
	}
	if err := svc.discover(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) Healthy() bool { return s != nil }

// Names lists the installed tools.
func (s *Service) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

func (s *Service) discover() error {
	root := s.cfg.Directory
	if root == "" {
		return errors.New("tools directory not configured")
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(d.Name(), "tool.yaml") {
			if err := s.add(path); err != nil {
				s.log.Error("failed to load tool",
					slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(s.tools) == 0 {
		s.log.Warn("no tools discovered", slog.String("directory", root))
	} else {
		s.log.Info("tools discovered", slog.Int("count", len(s.tools)))
	}
	return nil
}

func (s *Service) add(manifestPath string) error {
	mf, err := LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if err := ValidateManifest(mf); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}
	name := mf.Metadata.Name

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[name]; exists {
		return fmt.Errorf("duplicate tool name %s", name)
	}

	baseDir := filepath.Dir(manifestPath)
	modulePath := mf.Runtime.Module
	if !filepath.IsAbs(modulePath) {
		modulePath = filepath.Join(baseDir, modulePath)
	}

	s.tools[name] = &binding{manifest: mf, modulePath: modulePath, directory: baseDir}
	return nil
}

// Run executes one tool call and returns its JSON result decoded into a
// map. A fresh runtime and module instance serve each call.
func (s *Service) Run(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	s.mu.RLock()
	b, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	select {
	case s.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sema }()

	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if b.manifest.Limits.TimeoutMS > 0 {
		timeout = time.Duration(b.manifest.Limits.TimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	invocationID := uuid.NewString()
	env := map[string]string{
		"SPARK_TOOL_NAME":      name,
		"SPARK_TOOL_ARGS":      string(argsJSON),
		"SPARK_INVOCATION_ID":  invocationID,
		"SPARK_TOOL_DIRECTORY": b.directory,
	}

	var (
		resultMu sync.Mutex
		result   []byte
	)
	host := HostBindings{
		Logger: s.log.With(
			slog.String("tool", name),
			slog.String("invocation_id", invocationID)),
		Result: func(data []byte) {
			resultMu.Lock()
			result = data
			resultMu.Unlock()
		},
	}

	runtime, err := NewRuntime(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("init runtime: %w", err)
	}
	defer runtime.Close(ctx)

	mf := b.manifest
	mf.Runtime.Module = b.modulePath

	tool, err := runtime.Load(ctx, mf, env)
	if err != nil {
		return nil, fmt.Errorf("load tool: %w", err)
	}
	defer tool.Close(ctx)

	start := time.Now()
	if err := tool.Invoke(ctx); err != nil {
		return nil, fmt.Errorf("invoke %s: %w", name, err)
	}
	s.log.Info("tool call complete",
		slog.String("tool", name),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	resultMu.Lock()
	defer resultMu.Unlock()
	if len(result) == 0 {
		return map[string]any{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return decoded, nil
}
