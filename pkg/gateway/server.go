package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-coap/internal/governance"
	"github.com/polisai/polis-coap/pkg/config"
)

// ServerOptions configures the HTTP listener in front of a Gateway.
type ServerOptions struct {
	Addr       string
	ServerName string
	// SocketTimeout is the read and idle timeout of inbound connections.
	SocketTimeout time.Duration
	// SocketBufferSize sets SO_RCVBUF and SO_SNDBUF on accepted connections.
	SocketBufferSize int
	ShutdownTimeout  time.Duration
	// MetricsPath is served only when Metrics is set.
	MetricsPath string
	Metrics     *Metrics
	// RateLimiter and Reloader are reported on /health when set.
	RateLimiter *governance.RateLimiter
	Reloader    *config.Reloader
	Logger      *slog.Logger
}

// HealthStatus represents the health status of the gateway
type HealthStatus struct {
	Status     string                               `json:"status"`
	Reason     string                               `json:"reason,omitempty"`
	InFlight   int                                  `json:"in_flight"`
	RateLimits map[string]governance.RateLimitStats `json:"rate_limits,omitempty"`
	Reloads    *config.ReloadStats                  `json:"reloads,omitempty"`
}

// Server binds the listener and serves the gateway, the health endpoint and
// the metrics endpoint.
type Server struct {
	gw         *Gateway
	opts       ServerOptions
	logger     *slog.Logger
	requestLog *StructuredLogger
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	stopping bool
	stopOnce sync.Once
}

// NewServer creates a server for gw.
func NewServer(gw *Gateway, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServerName == "" {
		opts.ServerName = DefaultRootBody
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	s := &Server{
		gw:         gw,
		opts:       opts,
		logger:     opts.Logger,
		requestLog: NewStructuredLogger(opts.Logger),
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: opts.SocketTimeout,
		ReadTimeout:       opts.SocketTimeout,
		WriteTimeout:      opts.SocketTimeout,
		IdleTimeout:       opts.SocketTimeout,
		ErrorLog:          slog.NewLogLogger(opts.Logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the full handler chain: tracing, request logging, metrics,
// the Server header, then the fixed endpoints ahead of the gateway.
func (s *Server) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.route)
	h = serverHeader(s.opts.ServerName, h)
	if s.opts.Metrics != nil {
		h = s.opts.Metrics.MetricsMiddleware(h, s.endpointName)
	}
	h = s.logRequests(h)
	return otelhttp.NewHandler(h, "coap-gateway",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + s.endpointName(r.URL.Path)
		}),
	)
}

// route dispatches the health and metrics endpoints by exact path. Everything
// else goes to the gateway's own router so that embedded URIs such as
// /proxy/coap://host/x are never cleaned or redirected.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		switch {
		case r.URL.Path == "/health":
			s.handleHealth(w, r)
			return
		case s.opts.Metrics != nil && r.URL.Path == s.opts.MetricsPath:
			s.opts.Metrics.Handler().ServeHTTP(w, r)
			return
		}
	}
	s.gw.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.Health()

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if r.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Debug("Failed to write health status", "error", err)
	}
}

// Health returns the current health status of the server.
func (s *Server) Health() *HealthStatus {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	status := &HealthStatus{Status: "healthy", InFlight: s.gw.InFlight()}
	if stopping {
		status.Status = "unhealthy"
		status.Reason = "shutting down"
	}
	if s.opts.RateLimiter != nil {
		if stats := s.opts.RateLimiter.Stats(); len(stats) > 0 {
			status.RateLimits = stats
		}
	}
	if s.opts.Reloader != nil {
		reloads := s.opts.Reloader.Stats()
		status.Reloads = &reloads
	}
	return status
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.requestLog.LogHTTPRequest(r.Context(), r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
	})
}

func (s *Server) endpointName(path string) string {
	switch path {
	case "/health":
		return "health"
	case s.opts.MetricsPath:
		if s.opts.Metrics != nil {
			return "metrics"
		}
	}
	return s.gw.Router().Match(path).Name()
}

// Listen binds the listening socket. A bind failure is returned to the caller
// and nothing is served.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.opts.Addr, err)
	}
	if tcp, ok := ln.(*net.TCPListener); ok {
		ln = &socketListener{TCPListener: tcp, bufferSize: s.opts.SocketBufferSize, logger: s.logger}
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener if needed and serves until ctx is done or the
// server fails.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("HTTP server starting",
		"addr", ln.Addr().String(),
		"gateway_timeout", s.gw.Timeout(),
		"socket_timeout", s.opts.SocketTimeout)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			// Nothing will write the replies of in-flight exchanges now.
			s.gw.Close()
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop closes the gateway, which resolves in-flight exchanges as interrupted,
// then gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping CoAP gateway", "in_flight", s.gw.InFlight())

		s.mu.Lock()
		s.stopping = true
		ln := s.listener
		s.mu.Unlock()

		s.gw.Close()
		if stopErr := s.httpServer.Shutdown(ctx); stopErr != nil {
			s.logger.Error("Failed to shut down HTTP server", "error", stopErr)
			err = stopErr
		}
		// Shutdown only closes listeners it is serving.
		if ln != nil {
			_ = ln.Close()
		}
	})
	return err
}

func serverHeader(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", name)
		next.ServeHTTP(w, r)
	})
}

// socketListener applies the socket options to every accepted connection.
type socketListener struct {
	*net.TCPListener
	bufferSize int
	logger     *slog.Logger
}

func (l *socketListener) Accept() (net.Conn, error) {
	conn, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	if err := conn.SetNoDelay(true); err != nil {
		l.logger.Debug("Failed to set TCP_NODELAY", "error", err)
	}
	if l.bufferSize > 0 {
		if err := conn.SetReadBuffer(l.bufferSize); err != nil {
			l.logger.Debug("Failed to set read buffer", "error", err)
		}
		if err := conn.SetWriteBuffer(l.bufferSize); err != nil {
			l.logger.Debug("Failed to set write buffer", "error", err)
		}
	}
	return conn, nil
}
