// Package peerconnection implements the peerconnection_server signaling
// protocol that lets two WebRTC clients find each other, plus a Go client
// and a Pion peer that speak it.
//
// The server is importable so tests can start and stop it without a
// separate binary; cmd/peerconnection-server wraps it for subprocess use.
package peerconnection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultAddr is the fixed address test pages connect to.
const DefaultAddr = ":8888"

// Config holds server configuration options.
type Config struct {
	Addr         string        // Listen address (e.g., ":8888" or "127.0.0.1:0" for random port)
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout, must exceed WaitTimeout
	WaitTimeout  time.Duration // How long a /wait request is held open
}

// DefaultConfig returns the configuration the test pages expect.
func DefaultConfig() Config {
	return Config{
		Addr:         DefaultAddr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		WaitTimeout:  30 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// Server is an importable signaling server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	registry   *registry
	logger     *zap.Logger
	cfg        Config
	addr       string
	mu         sync.Mutex
	running    bool
	done       chan struct{}
}

// NewServer creates a new server with the given configuration.
// The server is not started until Start() is called.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if cfg.WaitTimeout <= 0 {
		return nil, errors.New("wait timeout must be positive")
	}
	if cfg.WriteTimeout != 0 && cfg.WriteTimeout <= cfg.WaitTimeout {
		return nil, fmt.Errorf("write timeout %v must exceed wait timeout %v", cfg.WriteTimeout, cfg.WaitTimeout)
	}

	s := &Server{
		registry: newRegistry(),
		logger:   zap.NewNop(),
		cfg:      cfg,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the protocol handler, for mounting in httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sign_in", s.handleSignIn)
	mux.HandleFunc("/sign_out", s.handleSignOut)
	mux.HandleFunc("/wait", s.handleWait)
	mux.HandleFunc("/message", s.handleMessage)
	return withCORS(mux)
}

// Start begins listening and serving HTTP requests.
// Returns the actual address the server is listening on (useful when port is 0).
// This method is non-blocking - the server runs in a goroutine.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.addr, nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = ln
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("signaling server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("signaling server listening", zap.String("addr", s.addr))
	return s.addr, nil
}

// Shutdown gracefully shuts down the server. Pending waits are released
// first so Shutdown does not block on long polls.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	close(s.done)
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server is listening on.
// Returns empty string if server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Peers returns the signed-in peers, sorted by id.
func (s *Server) Peers() []PeerInfo {
	return s.registry.list()
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Connection, Cache-Control")
		h.Set("Access-Control-Expose-Headers", "Content-Length, X-Peer-Id, Pragma")
		h.Set("Cache-Control", "no-cache")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
