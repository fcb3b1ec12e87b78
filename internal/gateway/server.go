package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 10 * time.Second

// Config holds gateway server configuration.
type Config struct {
	ListenAddr   string
	MaxBodyBytes int64
}

// Server routes /{handle}/... requests to the Adapter.
type Server struct {
	adapter    *Adapter
	logger     *slog.Logger
	addr       string
	maxBody    int64
	server     *http.Server
	ListenAddr string
	ready      chan struct{}
}

// NewServer creates a gateway server.
func NewServer(cfg Config, adapter *Adapter, logger *slog.Logger) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("gateway listen address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Server{
		adapter: adapter,
		logger:  logger,
		addr:    cfg.ListenAddr,
		maxBody: maxBody,
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once the server is listening and ListenAddr is set.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Handler returns the instrumented gateway handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(http.HandlerFunc(s.serveApplet), "gateway")
}

func (s *Server) serveApplet(w http.ResponseWriter, r *http.Request) {
	segment, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	handle, err := uuid.Parse(segment)
	if err != nil {
		jsonResponse(http.StatusNotFound, ErrorBody{
			Error: fmt.Sprintf("invalid applet handle %q", segment),
			Kind:  KindAppletNotFound,
		}).Write(w)
		return
	}

	req, err := NewRequest(r, s.maxBody)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrBodyTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		jsonResponse(code, ErrorBody{Error: err.Error(), Kind: KindInternal}).Write(w)
		return
	}

	s.adapter.Handle(r.Context(), handle, req).Write(w)
}

// Start serves the gateway until ctx is cancelled, then shuts down
// gracefully and returns ctx.Err().
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ListenAddr = lis.Addr().String()
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return serve(ctx, s.server, lis, s.ready, s.logger, "gateway")
}

// serve runs srv on lis until ctx is done. ready is closed once serving.
func serve(ctx context.Context, srv *http.Server, lis net.Listener, ready chan struct{}, logger *slog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(name+" server starting", "addr", lis.Addr().String())
		close(ready)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(name+" server shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
