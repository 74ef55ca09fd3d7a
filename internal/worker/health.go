package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/exceptions/internal/broker"
)

// State tracks the liveness flags the health endpoints report.
type State struct {
	mu         sync.RWMutex
	running    bool
	subscribed bool
}

// NewState constructs a State with everything down.
func NewState() *State {
	return &State{}
}

// SetRunning flips the process-running flag.
func (s *State) SetRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = v
}

// SetSubscribed flips the consumer-subscribed flag.
func (s *State) SetSubscribed(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = v
}

// Running reports the process flag.
func (s *State) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Subscribed reports the consumer flag.
func (s *State) Subscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// NewHealthServer builds the per-worker HTTP server: /healthz, /readyz,
// / (worker metadata), and /metrics. The readiness probe deliberately does
// not touch the database; the pool was verified at startup and probing it
// here would contend with handlers for connections.
func NewHealthServer(workerType string, state *State, b broker.Broker) (*http.Server, error) {
	port, err := HealthPort(workerType)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := b.Health(ctx)
		if state.Running() && health.Connected {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if state.Running() && state.Subscribed() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"worker_type": workerType,
			"running":     state.Running(),
			"subscribed":  state.Subscribed(),
		})
	})

	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, nil
}
