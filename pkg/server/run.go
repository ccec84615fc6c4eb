package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatboxd/pkg/model"
)

// Run starts the server and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	if s.users == nil || s.boxes == nil {
		return fmt.Errorf("server: missing store dependencies")
	}
	defer func() {
		_ = s.boxes.Close()
		_ = s.users.Close()
	}()

	// Make every persisted chatbox resident before accepting connections.
	if err := s.router.LoadAll(); err != nil {
		return fmt.Errorf("server: load chatboxes: %w", err)
	}

	// Register seed users if a seed file was provided.
	if s.cfg.SeedFile != "" {
		if err := LoadSeedFromYAML(s.cfg.SeedFile, s.auth); err != nil {
			slog.Error("failed to load seed file", "err", err)
		}
	}

	// Ensure at least one admin account exists.
	if err := s.ensureAdmin(); err != nil {
		return err
	}

	if err := s.Start(); err != nil {
		return err
	}
	slog.Info("chatboxd server running", "addr", s.cfg.Addr)

	if s.cfg.MetricsAddr != "" {
		metricsSrv := StartMetricsHTTP(s.cfg.MetricsAddr, s.metrics)
		defer func() { _ = metricsSrv.Close() }()
	}
	s.metrics.StartPeriodicLog(s.ctx, 60*time.Second)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Start binds the listener and launches the accept loop. Split from Run so
// tests can drive a server without signal handling.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept failed", "err", err)
			continue
		}
		s.metrics.TotalConnections.Add(1)
		s.metrics.ActiveConnections.Add(1)
		slog.Debug("client connected", "remote", conn.RemoteAddr())

		h := NewClientHandler(conn, s.auth, s.router, s.registry, s.metrics)
		go h.Run()
	}
}

// Shutdown stops accepting connections and cancels background work. Live
// sessions notice the closed listener only on their next I/O; the process is
// expected to exit shortly after.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// ensureAdmin creates an admin account on first run (no users exist) with a
// random password that is logged exactly once.
func (s *Server) ensureAdmin() error {
	users, err := s.users.ListUsers()
	if err != nil {
		return fmt.Errorf("server: check users: %w", err)
	}
	if len(users) > 0 {
		return nil
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("server: generate admin password: %w", err)
	}
	password := hex.EncodeToString(raw)

	admin, err := s.auth.RegisterUser("admin", password, model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("server: create admin: %w", err)
	}

	slog.Info("========================================")
	slog.Info("ADMIN PASSWORD (save this!):", "username", admin.Username, "password", password)
	slog.Info("========================================")
	return nil
}
