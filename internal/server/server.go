// Package server exposes reservoir over HTTP.
//
// Routes:
//
//	GET  /healthz             health checks
//	GET  /metrics             Prometheus exposition
//	GET  /stats               every component's Stats as JSON
//	GET  /version             build information
//	GET  /ws                  websocket subscription (?keys=a,b)
//	POST /publish             append an event and fan it out
//	GET  /events              recent events (?limit=n)
//	GET  /events/{id}         one event
//	POST /events/prune        prune old events in the background (?older_than=1h)
//	GET  /events/prune        status of the last prune
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/conneroisu/reservoir/internal/di"
	"github.com/conneroisu/reservoir/internal/logging"
)

// Server serves the container's components.
type Server struct {
	container *di.Container
	logger    logging.Logger
	handler   http.Handler

	serverMutex sync.Mutex
	httpServer  *http.Server
	addr        net.Addr
}

// New builds the router. Nothing listens until Serve.
func New(c *di.Container) *Server {
	s := &Server{
		container: c,
		logger:    c.Logger.WithComponent("server"),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.container.Health.HTTPHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.container.Registry, promhttp.HandlerOpts{
		ErrorLog: promLogger{s.logger},
	}))
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /ws", s.container.Hub.ServeWS(s.container.Config.Hub.AllowedOrigins...))
	mux.HandleFunc("POST /publish", s.handlePublish)
	mux.HandleFunc("GET /events", s.handleRecent)
	mux.HandleFunc("GET /events/{id}", s.handleGetEvent)
	mux.HandleFunc("POST /events/prune", s.handlePrune)
	mux.HandleFunc("GET /events/prune", s.handlePruneStatus)

	return Chain(mux,
		RecoverMiddleware(s.logger),
		LoggingMiddleware(s.logger),
		CORSMiddleware(s.container.Config.Hub.AllowedOrigins),
	)
}

// Handler returns the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.container.Config.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.container.Config.Server.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. At most
// server.max_connections connections are served at once.
func (s *Server) Serve(ln net.Listener) error {
	if max := s.container.Config.Server.MaxConnections; max > 0 {
		ln = netutil.LimitListener(ln, max)
	}

	s.serverMutex.Lock()
	if s.httpServer != nil {
		s.serverMutex.Unlock()
		return fmt.Errorf("server already started")
	}
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = ln.Addr()
	server := s.httpServer
	s.serverMutex.Unlock()

	s.logger.Info(context.Background(), "HTTP server listening", "addr", ln.Addr().String())

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.serverMutex.Lock()
	defer s.serverMutex.Unlock()
	return s.addr
}

// Shutdown stops accepting connections and waits for active requests.
// Hijacked websocket connections are closed when the hub stops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMutex.Lock()
	server := s.httpServer
	s.serverMutex.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// promLogger adapts the logger to promhttp.Logger.
type promLogger struct {
	logger logging.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.logger.Error(context.Background(), fmt.Errorf("%s", fmt.Sprint(v...)), "Metrics handler error")
}
