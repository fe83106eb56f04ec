// Package sandbox runs WebAssembly step modules under WASI with no
// filesystem, network or environment access. Input arrives on stdin and the
// result is read from stdout.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Limit names a bound a module ran into.
type Limit string

const (
	LimitTime   Limit = "time"
	LimitMemory Limit = "memory"
	LimitOutput Limit = "output"
)

// maxOutput caps stdout plus stderr of one execution.
const maxOutput = 1 << 20

const wasmPage = 1 << 16

// LimitError reports a module stopped for exceeding a Limit.
type LimitError struct {
	Module string
	Limit  Limit
	Detail string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("sandbox: module %s hit %s limit: %s", e.Module, e.Limit, e.Detail)
}

// Limits bound one execution. Zero values mean no limit.
type Limits struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
}

// Sandbox executes a named module.
type Sandbox interface {
	Run(ctx context.Context, module string, input []byte, limits Limits) ([]byte, error)
	Close(ctx context.Context) error
}

// WASISandbox implements Sandbox with wazero. Each run gets its own runtime so
// the memory ceiling can follow the step allocation; compiled code is shared
// through a compilation cache.
type WASISandbox struct {
	modules *ModuleRegistry
	cache   wazero.CompilationCache
}

// NewWASISandbox creates a sandbox that resolves module names in modules.
func NewWASISandbox(modules *ModuleRegistry) *WASISandbox {
	if modules == nil {
		modules = NewModuleRegistry()
	}
	return &WASISandbox{modules: modules, cache: wazero.NewCompilationCache()}
}

// Modules returns the registry the sandbox resolves names in.
func (s *WASISandbox) Modules() *ModuleRegistry { return s.modules }

// Run executes module with input on stdin and returns its stdout. Anything
// written to stderr fails the run.
func (s *WASISandbox) Run(ctx context.Context, module string, input []byte, limits Limits) ([]byte, error) {
	code, ok := s.modules.Get(module)
	if !ok {
		return nil, fmt.Errorf("sandbox: %w: %s", ErrModuleNotFound, module)
	}

	if limits.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.CPUTimeLimit)
		defer cancel()
	}

	rt := wazero.NewRuntimeWithConfig(ctx, s.runtimeConfig(limits))
	defer func() { _ = rt.Close(context.Background()) }()
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("sandbox: wasi imports: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile %s: %w", module, err)
	}

	// No mounts, env or args: the module only sees its stdio.
	var out, errOut bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName(module).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&out).
		WithStderr(&errOut)

	inst, err := rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, classifyRunError(ctx, module, err, limits)
	}
	defer func() { _ = inst.Close(context.Background()) }()

	if n := out.Len() + errOut.Len(); n > maxOutput {
		return nil, &LimitError{Module: module, Limit: LimitOutput, Detail: fmt.Sprintf("%d bytes written, %d allowed", n, maxOutput)}
	}
	if errOut.Len() > 0 {
		return out.Bytes(), fmt.Errorf("sandbox: module %s wrote to stderr: %s", module, strings.TrimSpace(errOut.String()))
	}
	return out.Bytes(), nil
}

func (s *WASISandbox) runtimeConfig(limits Limits) wazero.RuntimeConfig {
	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(s.cache).
		WithCloseOnContextDone(true)
	if limits.MemoryLimitBytes > 0 {
		cfg = cfg.WithMemoryLimitPages(uint32(max(limits.MemoryLimitBytes/wasmPage, 1))) //nolint:gosec // bounded by MaxMemoryMB
	}
	return cfg
}

func classifyRunError(ctx context.Context, module string, err error, limits Limits) error {
	if ctx.Err() != nil {
		return &LimitError{Module: module, Limit: LimitTime, Detail: fmt.Sprintf("ran past %s", limits.CPUTimeLimit)}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") && (strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded")) {
		return &LimitError{Module: module, Limit: LimitMemory, Detail: fmt.Sprintf("%d bytes allowed", limits.MemoryLimitBytes)}
	}
	return fmt.Errorf("sandbox: run %s: %w", module, err)
}

// Close releases the compilation cache.
func (s *WASISandbox) Close(ctx context.Context) error {
	return s.cache.Close(ctx)
}

// IsLimitError reports whether err is a sandbox limit violation.
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}
