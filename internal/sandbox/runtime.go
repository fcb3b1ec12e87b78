// Package sandbox compiles and runs applet modules on wazero.
//
// A Runtime holds one wazero runtime with WASI preview1 and the host module
// instantiated once. Compiled artifacts are shared between calls; every
// Invoke instantiates a fresh anonymous module so no guest state survives a
// call.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultEntryPoint is the export invoked for every request.
const DefaultEntryPoint = "run"

// initFunc is called after instantiation when the guest exports it (WASI
// reactor convention). _start is never run.
const initFunc = "_initialize"

// Result is the outcome of a successful invocation. Value is nil when the
// entry point returned no i32.
type Result struct {
	Value *int32 `json:"result"`
}

// Artifact is a validated, compiled applet module.
type Artifact struct {
	compiled wazero.CompiledModule
	closed   atomic.Bool
}

// Close releases the compiled code. Calls already running from this artifact
// are unaffected; later calls fail with ErrArtifactClosed.
func (a *Artifact) Close(ctx context.Context) error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.compiled.Close(ctx)
}

// Runtime compiles and invokes applet modules.
type Runtime struct {
	rt    wazero.Runtime
	cache wazero.CompilationCache
}

// NewRuntime creates the wazero runtime and instantiates WASI preview1 and
// the host module backed by sink.
//
// The runtime is not closed on context cancellation: an invocation runs to
// completion once started.
func NewRuntime(ctx context.Context, sink Sink) (*Runtime, error) {
	cache := wazero.NewCompilationCache()
	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(cache).
		WithCoreFeatures(api.CoreFeaturesV2)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, errors.Join(fmt.Errorf("instantiate wasi: %w", err), rt.Close(ctx), cache.Close(ctx))
	}
	if _, err := instantiateHost(ctx, rt, sink); err != nil {
		return nil, errors.Join(fmt.Errorf("instantiate host module: %w", err), rt.Close(ctx), cache.Close(ctx))
	}

	return &Runtime{rt: rt, cache: cache}, nil
}

// Compile validates and compiles binary. Modules whose imports cannot be
// satisfied by the host are rejected here rather than at instantiation.
func (r *Runtime) Compile(ctx context.Context, binary []byte) (*Artifact, error) {
	compiled, err := r.rt.CompileModule(ctx, binary)
	if err != nil {
		return nil, &CompileError{Diagnostic: err.Error(), Err: err}
	}
	if err := r.checkImports(compiled); err != nil {
		_ = compiled.Close(ctx)
		return nil, &CompileError{Diagnostic: err.Error(), Err: err}
	}
	return &Artifact{compiled: compiled}, nil
}

func (r *Runtime) checkImports(compiled wazero.CompiledModule) error {
	for _, def := range compiled.ImportedFunctions() {
		moduleName, name, _ := def.Import()
		provider := r.rt.Module(moduleName)
		if provider == nil {
			return fmt.Errorf("unresolved import %s.%s: unknown module", moduleName, name)
		}
		export, ok := provider.ExportedFunctionDefinitions()[name]
		if !ok {
			return fmt.Errorf("unresolved import %s.%s", moduleName, name)
		}
		if !slices.Equal(export.ParamTypes(), def.ParamTypes()) || !slices.Equal(export.ResultTypes(), def.ResultTypes()) {
			return fmt.Errorf("import %s.%s: signature mismatch", moduleName, name)
		}
	}
	for _, def := range compiled.ImportedMemories() {
		moduleName, name, _ := def.Import()
		return fmt.Errorf("unresolved memory import %s.%s", moduleName, name)
	}
	return nil
}

// Invoke instantiates a into a fresh execution context, calls entryPoint with
// args and discards the context. Guest traps, including faults and exits
// during _initialize, are returned as *TrapError. The result carries a value
// only when the entry point returns exactly one i32.
func (r *Runtime) Invoke(ctx context.Context, a *Artifact, entryPoint string, args ...uint64) (Result, error) {
	if a.closed.Load() {
		return Result{}, ErrArtifactClosed
	}
	cfg := wazero.NewModuleConfig().
		WithName(""). // anonymous so concurrent instances don't collide
		WithStartFunctions()

	mod, err := r.rt.InstantiateModule(ctx, a.compiled, cfg)
	if err != nil {
		return Result{}, instantiateError(a, err)
	}
	defer func() {
		_ = mod.Close(ctx)
	}()

	if setup := mod.ExportedFunction(initFunc); setup != nil {
		if _, err := setup.Call(ctx); err != nil {
			return Result{}, initError(err)
		}
	}

	fn := mod.ExportedFunction(entryPoint)
	if fn == nil {
		return Result{}, &EntryPointError{Symbol: entryPoint}
	}
	def := fn.Definition()
	if n := len(def.ParamTypes()); n != len(args) {
		return Result{}, &SignatureError{Symbol: entryPoint, Params: n, Args: len(args)}
	}

	results, err := fn.Call(ctx, args...)
	if err != nil {
		return Result{}, callError(err)
	}

	if types := def.ResultTypes(); len(types) == 1 && types[0] == api.ValueTypeI32 {
		v := api.DecodeI32(results[0])
		return Result{Value: &v}, nil
	}
	return Result{}, nil
}

// Close releases the runtime, every artifact compiled by it and the
// compilation cache.
func (r *Runtime) Close(ctx context.Context) error {
	return errors.Join(r.rt.Close(ctx), r.cache.Close(ctx))
}

// instantiateError classifies a failed InstantiateModule. With no start
// functions configured, only a module start section runs guest code here;
// wazero reports its failures as "start ...".
func instantiateError(a *Artifact, err error) error {
	var (
		hostErr *HostCallError
		exitErr *sys.ExitError
	)
	switch {
	case a.closed.Load():
		return fmt.Errorf("%w: %w", ErrArtifactClosed, err)
	case errors.As(err, &hostErr), errors.As(err, &exitErr):
		return initError(err)
	case strings.HasPrefix(err.Error(), "start "):
		return callError(err)
	default:
		return &InstantiateError{Err: err}
	}
}

// initError maps a failure while the guest initializes itself. Unlike the
// entry point, exiting with code 0 here is still a fault: the call never
// reaches the entry point.
func initError(err error) error {
	if cerr := callError(err); cerr != nil {
		return cerr
	}
	return &TrapError{Description: "module exited during initialization", Err: err}
}

func callError(err error) error {
	var hostErr *HostCallError
	if errors.As(err, &hostErr) {
		return hostErr
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			return nil
		}
		return &TrapError{Description: fmt.Sprintf("exit code %d", exitErr.ExitCode()), Err: err}
	}
	desc, _, _ := strings.Cut(err.Error(), "\n")
	return &TrapError{Description: desc, Err: err}
}
