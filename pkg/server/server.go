// Package server implements the chatboxd server: session handlers, the chat
// router, and the session registry.
package server

import (
	"context"
	"net"

	"chatboxd/pkg/auth"
	"chatboxd/pkg/boxstore"
	"chatboxd/pkg/store"
)

// Config holds server configuration.
type Config struct {
	Addr        string // TCP bind address (e.g. ":9700")
	DBPath      string // SQLite user database path
	DataDir     string // directory for the chatbox database
	MetricsAddr string // HTTP bind address for /metrics endpoint (empty = disabled)
	SeedFile    string // YAML file of users to register on startup

	// CLI-only actions (run and exit)
	ExportUsers     bool // export all users as YAML and exit
	ExportChatBoxes bool // export all chatboxes as YAML and exit
}

// Dependencies holds external dependencies for the server. The server
// assumes ownership of both stores and closes them on shutdown.
type Dependencies struct {
	Users store.UserStore
	Boxes boxstore.Store
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        ":9700",
		MetricsAddr: ":9702",
		DBPath:      "chatboxd.db",
		DataDir:     ".",
	}
}

// Server ties the pieces together: it accepts connections, hands each one to
// a ClientHandler, and owns the shared router, registry, and metrics.
type Server struct {
	cfg      Config
	users    store.UserStore
	boxes    boxstore.Store
	auth     *auth.Service
	registry *Registry
	router   *Router
	metrics  *Metrics

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		users:    deps.Users,
		boxes:    deps.Boxes,
		auth:     auth.NewService(deps.Users),
		registry: NewRegistry(),
		metrics:  NewMetrics(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.router = NewRouter(deps.Boxes, deps.Users, s.registry, s.metrics)
	return s
}

// Auth returns the authentication service.
func (s *Server) Auth() *auth.Service {
	return s.auth
}

// Router returns the chat router.
func (s *Server) Router() *Router {
	return s.router
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
