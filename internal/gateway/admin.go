package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/substrate/internal/observability"
	"github.com/lsm/substrate/internal/registry"
)

// AppletStore is the registry surface used by the admin API.
type AppletStore interface {
	Register(binary []byte, name string, opts ...registry.Option) registry.Metadata
	Metadata(handle uuid.UUID) (registry.Metadata, error)
	List() []registry.Metadata
	Remove(handle uuid.UUID) bool
}

// AdminConfig holds admin server configuration.
type AdminConfig struct {
	ListenAddr   string
	MaxBodyBytes int64
}

// Admin serves applet management, metrics and health endpoints.
type Admin struct {
	store      AppletStore
	gatherer   prometheus.Gatherer
	health     *observability.HealthServer
	logger     *slog.Logger
	addr       string
	maxBody    int64
	onRegister func(registry.Metadata)

	server     *http.Server
	ListenAddr string
	ready      chan struct{}
}

// NewAdmin creates an admin server.
func NewAdmin(cfg AdminConfig, store AppletStore, gatherer prometheus.Gatherer, health *observability.HealthServer, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	if health == nil {
		health = observability.NewHealthServer()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Admin{
		store:    store,
		gatherer: gatherer,
		health:   health,
		logger:   logger,
		addr:     cfg.ListenAddr,
		maxBody:  maxBody,
		ready:    make(chan struct{}),
	}
}

// OnRegister registers a callback invoked for every uploaded applet.
func (a *Admin) OnRegister(fn func(registry.Metadata)) {
	a.onRegister = fn
}

// Ready is closed once the server is listening and ListenAddr is set.
func (a *Admin) Ready() <-chan struct{} {
	return a.ready
}

// Handler returns the admin routes.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /applets", a.handleUpload)
	mux.HandleFunc("GET /applets", a.handleList)
	mux.HandleFunc("GET /applets/{id}", a.handleGet)
	mux.HandleFunc("DELETE /applets/{id}", a.handleDelete)
	if a.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	a.health.Register(mux)
	return mux
}

func (a *Admin) handleUpload(w http.ResponseWriter, r *http.Request) {
	req, err := NewRequest(r, a.maxBody)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrBodyTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		jsonResponse(code, ErrorBody{Error: err.Error(), Kind: KindInternal}).Write(w)
		return
	}
	if len(req.Body) == 0 {
		jsonResponse(http.StatusBadRequest, ErrorBody{Error: "empty applet binary", Kind: KindInternal}).Write(w)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "Uploaded Applet"
	}
	meta := a.store.Register(req.Body, name)
	a.logger.Info("applet uploaded", "applet", meta.Handle.String(), "name", name, "size", meta.Size)
	if a.onRegister != nil {
		a.onRegister(meta)
	}

	w.Header().Set("Location", "/applets/"+meta.Handle.String())
	jsonResponse(http.StatusCreated, meta).Write(w)
}

func (a *Admin) handleList(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(http.StatusOK, a.store.List()).Write(w)
}

func (a *Admin) handleGet(w http.ResponseWriter, r *http.Request) {
	handle, ok := a.parseHandle(w, r)
	if !ok {
		return
	}
	meta, err := a.store.Metadata(handle)
	if err != nil {
		jsonResponse(http.StatusNotFound, ErrorBody{Error: err.Error(), Kind: Kind(err)}).Write(w)
		return
	}
	jsonResponse(http.StatusOK, meta).Write(w)
}

func (a *Admin) handleDelete(w http.ResponseWriter, r *http.Request) {
	handle, ok := a.parseHandle(w, r)
	if !ok {
		return
	}
	if !a.store.Remove(handle) {
		err := &registry.NotFoundError{Handle: handle}
		jsonResponse(http.StatusNotFound, ErrorBody{Error: err.Error(), Kind: KindAppletNotFound}).Write(w)
		return
	}
	a.logger.Info("applet deleted", "applet", handle.String())
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) parseHandle(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id := r.PathValue("id")
	handle, err := uuid.Parse(id)
	if err != nil {
		jsonResponse(http.StatusNotFound, ErrorBody{
			Error: fmt.Sprintf("invalid applet handle %q", id),
			Kind:  KindAppletNotFound,
		}).Write(w)
		return uuid.Nil, false
	}
	return handle, true
}

// Start serves the admin API until ctx is cancelled.
func (a *Admin) Start(ctx context.Context) error {
	if a.addr == "" {
		return fmt.Errorf("admin listen address is required")
	}
	lis, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.addr, err)
	}
	a.ListenAddr = lis.Addr().String()
	a.server = &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return serve(ctx, a.server, lis, a.ready, a.logger, "admin")
}
