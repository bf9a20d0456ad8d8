package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// HostBindings are the functions a tool module may call back into.
type HostBindings struct {
	Logger *slog.Logger
	// Result receives the tool's JSON result, written once via
	// host_result before the entrypoint returns.
	Result func(data []byte)
}

// Runtime wraps a wazero runtime for executing tool modules. One
// runtime is created per invocation so a misbehaving tool cannot leak
// state into the next call.
type Runtime struct {
	rt wazero.Runtime
}

func NewRuntime(ctx context.Context, host HostBindings) (*Runtime, error) {
	rt := wazero.NewRuntime(ctx)
	if err := instantiateHostModule(ctx, rt, host); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &Runtime{rt: rt}, nil
}

func (r *Runtime) Close(ctx context.Context) error {
	if r == nil || r.rt == nil {
		return nil
	}
	return r.rt.Close(ctx)
}

// Tool is a loaded, instantiated module ready to invoke.
type Tool struct {
	Manifest Manifest
	module   api.Module
	entry    api.Function
	compiled wazero.CompiledModule
}

func (t *Tool) Close(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if t.module != nil {
		if err := t.module.Close(ctx); err != nil {
			return err
		}
	}
	if t.compiled != nil {
		if err := t.compiled.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Load compiles and instantiates a tool module. The call arguments are
// handed to the module through its environment.
func (r *Runtime) Load(ctx context.Context, m Manifest, env map[string]string) (*Tool, error) {
	if r == nil || r.rt == nil {
		return nil, fmt.Errorf("runtime not initialized")
	}
	if m.Runtime.Mode != "wasm" {
		return nil, fmt.Errorf("unsupported runtime mode %q", m.Runtime.Mode)
	}
	wasmBytes, err := os.ReadFile(m.Runtime.Module)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	moduleConfig := wazero.NewModuleConfig()
	for k, v := range env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}
	module, err := r.rt.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	entry := module.ExportedFunction(m.Runtime.Entrypoint)
	if entry == nil {
		module.Close(ctx)
		compiled.Close(ctx)
		return nil, fmt.Errorf("entrypoint %q not found", m.Runtime.Entrypoint)
	}
	return &Tool{
		Manifest: m,
		module:   module,
		entry:    entry,
		compiled: compiled,
	}, nil
}

// Invoke executes the tool entrypoint.
func (t *Tool) Invoke(ctx context.Context) error {
	if t == nil || t.entry == nil {
		return fmt.Errorf("tool entrypoint not available")
	}
	_, err := t.entry.Call(ctx)
	return err
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, host HostBindings) error {
	logger := host.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	builder := rt.NewHostModuleBuilder("env")

	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		if len(stack) < 2 {
			return
		}
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory",
				slog.Int("ptr", int(ptr)), slog.Int("len", int(length)))
			return
		}
		logger.Info("tool log", slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	hostResultFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		if len(stack) < 2 {
			stack[0] = api.EncodeI32(resultErrRuntime)
			return
		}
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		mem := mod.Memory()
		if mem == nil {
			stack[0] = api.EncodeI32(resultErrRuntime)
			return
		}
		var data []byte
		if length > 0 {
			read, ok := mem.Read(ptr, length)
			if !ok {
				stack[0] = api.EncodeI32(resultErrRuntime)
				return
			}
			data = append([]byte(nil), read...)
		}
		if host.Result != nil {
			host.Result(data)
		}
		stack[0] = api.EncodeI32(resultOK)
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostResultFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithName("host_result").
		WithResultNames("code").
		Export("host_result")

	_, err := builder.Instantiate(ctx)
	return err
}

const (
	resultOK         = 0
	resultErrRuntime = 2
)
