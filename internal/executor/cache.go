// Package executor caches compiled applets so repeated invocations of one
// handle share a single compilation.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/lsm/substrate/internal/observability"
	"github.com/lsm/substrate/internal/registry"
	"github.com/lsm/substrate/internal/sandbox"
	"github.com/lsm/substrate/internal/tracing"
)

// Store is the subset of the applet registry used by the cache.
type Store interface {
	Lookup(handle uuid.UUID) (registry.Applet, error)
	Touch(handle uuid.UUID) error
}

// Compiler compiles applet binaries.
type Compiler interface {
	Compile(ctx context.Context, binary []byte) (*sandbox.Artifact, error)
}

// Cache maps applet handles to compiled artifacts. Entries are inserted once
// per handle and only removed by Evict.
type Cache struct {
	store    Store
	compiler Compiler
	metrics  *observability.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[uuid.UUID]*sandbox.Artifact
	group   singleflight.Group
}

// NewCache creates an empty cache. metrics, tracer and logger may be nil.
func NewCache(store Store, compiler Compiler, metrics *observability.Metrics, tracer trace.Tracer, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:    store,
		compiler: compiler,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger,
		entries:  make(map[uuid.UUID]*sandbox.Artifact),
	}
}

// GetOrCompile returns the artifact for handle, compiling the registered
// binary on a miss. Concurrent misses for one handle share one compilation.
// A failed compilation caches nothing.
func (c *Cache) GetOrCompile(ctx context.Context, handle uuid.UUID) (*sandbox.Artifact, error) {
	c.mu.RLock()
	a, ok := c.entries[handle]
	c.mu.RUnlock()

	if ok {
		c.lookup("hit")
		// Keeps the applet alive in the registry; a miss here means it
		// expired since it was cached.
		if err := c.store.Touch(handle); err != nil {
			c.Evict(ctx, handle)
			return nil, err
		}
		return a, nil
	}

	c.lookup("miss")
	v, err, _ := c.group.Do(handle.String(), func() (any, error) {
		return c.compile(ctx, handle)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sandbox.Artifact), nil
}

func (c *Cache) compile(ctx context.Context, handle uuid.UUID) (*sandbox.Artifact, error) {
	// A caller that lost the race to a finished flight lands here after the
	// entry was inserted.
	c.mu.RLock()
	a, ok := c.entries[handle]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}

	applet, err := c.store.Lookup(handle)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanCompile)
	defer span.End()
	span.SetAttributes(tracing.AppletAttr(handle.String()), tracing.BodySizeAttr(len(applet.Binary)))

	start := time.Now()
	a, err = c.compiler.Compile(ctx, applet.Binary)
	elapsed := time.Since(start)

	if err != nil {
		c.compiled("error", elapsed)
		tracing.SetSpanError(span, err, "CompileError")
		c.logger.Warn("applet compilation failed", "applet", handle.String(), "error", err)
		return nil, err
	}
	c.compiled("ok", elapsed)
	tracing.SetSpanOK(span)
	c.logger.Debug("applet compiled", "applet", handle.String(), "duration", elapsed)

	c.mu.Lock()
	c.entries[handle] = a
	n := len(c.entries)
	c.mu.Unlock()
	c.setEntries(n)

	// If the applet was removed while compiling, its removal callback may
	// have run before the insert above. Re-check so no entry outlives it.
	if err := c.store.Touch(handle); err != nil {
		c.Evict(ctx, handle)
		return nil, err
	}
	return a, nil
}

// Evict removes and closes the artifact for handle. It reports whether an
// entry existed.
func (c *Cache) Evict(ctx context.Context, handle uuid.UUID) bool {
	c.mu.Lock()
	a, ok := c.entries[handle]
	delete(c.entries, handle)
	n := len(c.entries)
	c.mu.Unlock()

	if !ok {
		return false
	}
	c.setEntries(n)
	if err := a.Close(ctx); err != nil {
		c.logger.Warn("close evicted artifact", "applet", handle.String(), "error", err)
	}
	return true
}

// Len returns the number of cached artifacts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close evicts every entry.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[uuid.UUID]*sandbox.Artifact)
	c.mu.Unlock()
	c.setEntries(0)

	var errs []error
	for _, a := range entries {
		errs = append(errs, a.Close(ctx))
	}
	return errors.Join(errs...)
}

func (c *Cache) lookup(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (c *Cache) compiled(outcome string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.Compilations.WithLabelValues(outcome).Inc()
		c.metrics.CompileDuration.Observe(d.Seconds())
	}
}

func (c *Cache) setEntries(n int) {
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(n))
	}
}
