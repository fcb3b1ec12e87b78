// Package gateway exposes applets over HTTP. The Adapter turns a captured
// request into a guest invocation and the outcome into a JSON response.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/substrate/internal/config"
	"github.com/lsm/substrate/internal/observability"
	"github.com/lsm/substrate/internal/registry"
	"github.com/lsm/substrate/internal/sandbox"
	"github.com/lsm/substrate/internal/tracing"
)

// Error kinds reported in the "kind" field of error responses.
const (
	KindAppletNotFound      = "AppletNotFound"
	KindCompileError        = "CompileError"
	KindEntryPointNotFound  = "EntryPointNotFound"
	KindSignatureMismatch   = "SignatureMismatch"
	KindGuestTrap           = "GuestTrap"
	KindMissingMemoryExport = "MissingMemoryExport"
	KindOutOfBounds         = "OutOfBounds"
	KindInvalidEncoding     = "InvalidEncoding"
	KindHostBindError       = "HostBindError"
	KindInternal            = "Internal"
)

// Kind classifies err into one of the error kinds.
func Kind(err error) string {
	var (
		notFound   *registry.NotFoundError
		compileErr *sandbox.CompileError
		entryErr   *sandbox.EntryPointError
		sigErr     *sandbox.SignatureError
		trapErr    *sandbox.TrapError
		bindErr    *config.BindError
	)
	switch {
	case errors.As(err, &notFound):
		return KindAppletNotFound
	case errors.As(err, &compileErr):
		return KindCompileError
	case errors.As(err, &entryErr):
		return KindEntryPointNotFound
	case errors.As(err, &sigErr):
		return KindSignatureMismatch
	case errors.Is(err, sandbox.ErrMissingMemoryExport):
		return KindMissingMemoryExport
	case errors.Is(err, sandbox.ErrOutOfBounds):
		return KindOutOfBounds
	case errors.Is(err, sandbox.ErrInvalidEncoding):
		return KindInvalidEncoding
	case errors.As(err, &trapErr):
		return KindGuestTrap
	case errors.As(err, &bindErr):
		return KindHostBindError
	default:
		return KindInternal
	}
}

// Resolver returns the compiled artifact for an applet handle.
type Resolver interface {
	GetOrCompile(ctx context.Context, handle uuid.UUID) (*sandbox.Artifact, error)
}

// Invoker runs an entry point of a compiled artifact.
type Invoker interface {
	Invoke(ctx context.Context, a *sandbox.Artifact, entryPoint string, args ...uint64) (sandbox.Result, error)
}

// Adapter bridges HTTP requests and applet invocations.
type Adapter struct {
	resolver   Resolver
	invoker    Invoker
	entryPoint string
	metrics    *observability.Metrics
	tracer     trace.Tracer
	logger     *observability.TraceLogger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithEntryPoint sets the export invoked for each request.
func WithEntryPoint(symbol string) AdapterOption {
	return func(a *Adapter) { a.entryPoint = symbol }
}

// WithMetrics records invocation metrics.
func WithMetrics(m *observability.Metrics) AdapterOption {
	return func(a *Adapter) { a.metrics = m }
}

// WithTracer records a span per invocation.
func WithTracer(t trace.Tracer) AdapterOption {
	return func(a *Adapter) { a.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = observability.NewTraceLogger(l) }
}

// NewAdapter creates an Adapter invoking sandbox.DefaultEntryPoint unless
// configured otherwise.
func NewAdapter(resolver Resolver, invoker Invoker, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		resolver:   resolver,
		invoker:    invoker,
		entryPoint: sandbox.DefaultEntryPoint,
		logger:     observability.NewTraceLogger(slog.Default()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle invokes the applet identified by handle for req. The guest receives
// the body length as its only argument. A successful call yields 200 with
// {"result": ...}; any failure yields 500 with an ErrorBody.
//
// Cancellation of ctx does not interrupt a running guest.
func (a *Adapter) Handle(ctx context.Context, handle uuid.UUID, req *Request) *Response {
	ctx = observability.ContextWithApplet(context.WithoutCancel(ctx), handle.String())
	ctx, span := tracing.StartSpan(ctx, a.tracer, tracing.SpanInvoke)
	defer span.End()
	span.SetAttributes(
		tracing.AppletAttr(handle.String()),
		tracing.EntryPointAttr(a.entryPoint),
		tracing.BodySizeAttr(len(req.Body)),
	)

	start := time.Now()
	result, err := a.invoke(ctx, handle, req)
	elapsed := time.Since(start)

	if err != nil {
		kind := Kind(err)
		a.observe(kind, elapsed)
		tracing.SetSpanError(span, err, kind)
		a.logger.Warn(ctx, "invocation failed", "kind", kind, "error", err, "duration", elapsed)
		return jsonResponse(http.StatusInternalServerError, ErrorBody{Error: err.Error(), Kind: kind})
	}

	a.observe("ok", elapsed)
	tracing.SetSpanOK(span)
	a.logger.Debug(ctx, "invocation complete", "method", req.Method, "path", req.Path, "duration", elapsed)
	return jsonResponse(http.StatusOK, result)
}

func (a *Adapter) invoke(ctx context.Context, handle uuid.UUID, req *Request) (sandbox.Result, error) {
	arg := api.EncodeI32(int32(len(req.Body)))
	artifact, err := a.resolver.GetOrCompile(ctx, handle)
	if err != nil {
		return sandbox.Result{}, err
	}
	result, err := a.invoker.Invoke(ctx, artifact, a.entryPoint, arg)
	if !errors.Is(err, sandbox.ErrArtifactClosed) {
		return result, err
	}

	// Evicted between resolve and invoke. Resolve again so a removed applet
	// reports not found.
	a.logger.Debug(ctx, "artifact evicted before invoke, resolving again")
	if artifact, err = a.resolver.GetOrCompile(ctx, handle); err != nil {
		return sandbox.Result{}, err
	}
	return a.invoker.Invoke(ctx, artifact, a.entryPoint, arg)
}

func (a *Adapter) observe(outcome string, d time.Duration) {
	if a.metrics == nil {
		return
	}
	a.metrics.Invocations.WithLabelValues(outcome).Inc()
	a.metrics.InvocationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
