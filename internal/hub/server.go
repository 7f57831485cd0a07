package hub

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/benchlab/benchd/internal/config"
)

// ServerConfig configures the WebSocket endpoint.
type ServerConfig struct {
	// Addr is the listen address. Port 0 picks a free port.
	Addr string

	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler

	// Middleware, when set, wraps the plain HTTP endpoints. The
	// WebSocket route is not wrapped; upgraded connections outlive a
	// per-request span.
	Middleware func(http.Handler) http.Handler
}

// DefaultServerConfig returns the production listen settings.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{Addr: config.DefaultListenAddr}
}

// Server exposes a hub over HTTP: the WebSocket endpoint at /ws, a
// liveness probe at /healthz and optionally Prometheus metrics at
// /metrics.
type Server struct {
	cfg *ServerConfig
	hub *Hub

	upgrader   websocket.Upgrader
	listener   net.Listener
	httpServer *http.Server
	addr       string
}

// NewServer creates a server for hub. cfg may be nil for defaults.
func NewServer(cfg *ServerConfig, h *Hub) (*Server, error) {
	if h == nil {
		return nil, errNilHub
	}
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if cfg.Addr == "" {
		cfg.Addr = config.DefaultListenAddr
	}
	return &Server{
		cfg: cfg,
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Bench clients connect from file:// shells and local
			// tooling; origin enforcement would reject them all.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

const errNilHub = errorString("server requires a hub")

// Start binds the listener and begins serving. It does not block.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.addr = ln.Addr().String()

	wrap := func(h http.Handler) http.Handler {
		if s.cfg.Middleware != nil {
			return s.cfg.Middleware(h)
		}
		return h
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/healthz", wrap(http.HandlerFunc(s.handleHealthz)))
	if s.cfg.MetricsHandler != nil {
		mux.Handle("/metrics", wrap(s.cfg.MetricsHandler))
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	go func() {
		_ = s.httpServer.Serve(ln)
	}()

	return nil
}

// Stop disconnects all clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr reports the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if s.hub.closed.Load() {
		conn.Close()
		return
	}
	c := newClient(s.hub, conn)
	go c.run()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}
