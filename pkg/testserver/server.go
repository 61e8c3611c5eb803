// Package testserver serves the functional test pages over HTTP so they get
// a real origin, which the content-settings patterns are keyed by.
package testserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FilesPrefix is the URL prefix of the data directory.
const FilesPrefix = "/files/"

// Config holds server configuration options.
type Config struct {
	Addr         string        // Listen address (e.g., "127.0.0.1:0" for random port)
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout
	// DataDir, when set, serves extra files from disk under FilesPrefix.
	// Built-in pages take precedence.
	DataDir string
}

// DefaultConfig returns a configuration suitable for testing.
// Uses port 0 to bind to a random available port.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
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

// Server serves the test data directory.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
	addr       string
	mu         sync.Mutex
	running    bool
}

// NewServer creates a new server with the given configuration.
// The server is not started until Start() is called.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	s := &Server{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	var disk http.Handler
	if cfg.DataDir != "" {
		disk = http.StripPrefix(strings.TrimSuffix(FilesPrefix, "/"), http.FileServer(http.Dir(cfg.DataDir)))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(indexPage()))
	})
	mux.HandleFunc(FilesPrefix, func(w http.ResponseWriter, r *http.Request) {
		rel := strings.TrimPrefix(path.Clean(r.URL.Path), FilesPrefix)
		if page, ok := Pages[rel]; ok {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			_, _ = w.Write([]byte(page))
			return
		}
		if disk != nil {
			disk.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.logRequests(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

// Handler returns the server's handler, for mounting in httptest servers.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
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
			s.logger.Error("test server stopped", zap.Error(err))
		}
	}()

	return s.addr, nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server is listening on.
// Returns empty string if server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// HTTPURLForDataPath returns the URL of a file in the data directory.
// With no parts it returns the directory URL, ending in "/files/".
func (s *Server) HTTPURLForDataPath(parts ...string) string {
	return "http://" + s.Addr() + FilesPrefix + strings.Join(parts, "/")
}

// Origin returns the scheme, host and port pages are served from.
func (s *Server) Origin() string {
	return "http://" + s.Addr()
}
