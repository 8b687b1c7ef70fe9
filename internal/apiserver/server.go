// Package apiserver exposes the engine to local clients over HTTP.
//
// The server is the process boundary between the UI shell and the
// engine, not a public API: it binds loopback, speaks JSON under /v1,
// streams engine events over a websocket at /v1/events, and serves
// Prometheus metrics at /metrics. Record reads and writes map straight
// onto the engine facade, so every write queues durably and succeeds
// even while the clinic is offline.
package apiserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omrozmn/x-ear-sub010/internal/engine"
	"github.com/omrozmn/x-ear-sub010/internal/netmon"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on. Keep it loopback; the API is unauthenticated.
	Addr string

	// Logger for server activity. Nil logs to stderr.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr: "127.0.0.1:9180",
	}
}

// Server serves the local HTTP API and the event stream.
type Server struct {
	engine   engine.Engine
	monitor  *netmon.Monitor
	gatherer prometheus.Gatherer
	hub      *hub

	addr     string
	listener net.Listener
	httpSrv  *http.Server

	wg     sync.WaitGroup
	logger *log.Logger
}

// New creates a server over an assembled engine. The gatherer backs
// GET /metrics; nil uses the process-wide default registry.
func New(eng engine.Engine, mon *netmon.Monitor, gatherer prometheus.Gatherer, cfg *Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if mon == nil {
		return nil, fmt.Errorf("connectivity monitor is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}
	return &Server{
		engine:   eng,
		monitor:  mon,
		gatherer: gatherer,
		hub:      newHub(logger),
		addr:     addr,
		logger:   logger,
	}, nil
}

// Start binds the listener and begins serving. Non-blocking; use Stop
// to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.httpSrv = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.hub.start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("listening on %s", ln.Addr())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Warning: server error: %v", err)
		}
	}()
	return nil
}

// Stop closes client connections and shuts the server down.
func (s *Server) Stop() error {
	s.hub.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// Addr returns the bound address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Publish pushes an event to all stream subscribers. The daemon uses
// this to surface background activity (scheduled passes, intake).
func (s *Server) Publish(evt Event) {
	s.hub.publish(evt)
}

// ClientCount returns the number of connected event subscribers.
func (s *Server) ClientCount() int {
	return s.hub.clientCount()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Post("/connectivity", s.handleConnectivity)
		r.Get("/events", s.handleEvents)

		r.Route("/records/{kind}", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Get("/search", s.handleSearch)
			r.Get("/{id}", s.handleGet)
			r.Patch("/{id}", s.handlePatch)
			r.Delete("/{id}", s.handleDelete)
		})
	})
	return r
}
