package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics tracks server counters with atomic operations. All fields are safe
// for concurrent use without locks.
type Metrics struct {
	TotalConnections  atomic.Int64
	ActiveConnections atomic.Int64
	TotalDisconnects  atomic.Int64
	SuccessfulAuths   atomic.Int64
	FailedAuths       atomic.Int64
	UsersRegistered   atomic.Int64
	MessagesRouted    atomic.Int64
	FanoutDelivered   atomic.Int64
	FanoutDropped     atomic.Int64
	ChatBoxesCreated  atomic.Int64
	MessagesHidden    atomic.Int64
	ChatBoxesHidden   atomic.Int64
	PersistFailures   atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot returns current values as a map for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"total_connections":  m.TotalConnections.Load(),
		"active_connections": m.ActiveConnections.Load(),
		"total_disconnects":  m.TotalDisconnects.Load(),
		"successful_auths":   m.SuccessfulAuths.Load(),
		"failed_auths":       m.FailedAuths.Load(),
		"users_registered":   m.UsersRegistered.Load(),
		"messages_routed":    m.MessagesRouted.Load(),
		"fanout_delivered":   m.FanoutDelivered.Load(),
		"fanout_dropped":     m.FanoutDropped.Load(),
		"chatboxes_created":  m.ChatBoxesCreated.Load(),
		"messages_hidden":    m.MessagesHidden.Load(),
		"chatboxes_hidden":   m.ChatBoxesHidden.Load(),
		"persist_failures":   m.PersistFailures.Load(),
	}
}

// JSON returns the metrics snapshot serialized as JSON.
func (m *Metrics) JSON() ([]byte, error) {
	return json.MarshalIndent(m.Snapshot(), "", "  ")
}

// LogSummary writes a one-line summary of key metrics at INFO level.
func (m *Metrics) LogSummary() {
	slog.Info("metrics summary",
		"active_connections", m.ActiveConnections.Load(),
		"total_connections", m.TotalConnections.Load(),
		"messages_routed", m.MessagesRouted.Load(),
		"fanout_dropped", m.FanoutDropped.Load(),
		"failed_auths", m.FailedAuths.Load(),
		"persist_failures", m.PersistFailures.Load(),
	)
}

// StartPeriodicLog logs a metrics summary at the given interval until the
// context is cancelled.
func (m *Metrics) StartPeriodicLog(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}

// StartMetricsHTTP serves /metrics (JSON counters) and /healthz on addr.
// Returns the http.Server so the caller can shut it down.
func StartMetricsHTTP(addr string, m *Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		data, err := m.JSON()
		if err != nil {
			http.Error(w, "metrics serialization failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "err", err)
		}
	}()
	slog.Info("metrics server listening", "addr", addr)
	return srv
}
