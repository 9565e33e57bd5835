package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/honeypot-sentry/sentryd/internal/domain/feature"
)

// HealthResponse is the JSON body returned from /healthz.
type HealthResponse struct {
	Status       string                    `json:"status"` // "healthy" or "degraded"
	Dependencies map[string]DependencyInfo `json:"dependencies"`
	Version      string                    `json:"version,omitempty"`
}

// DependencyInfo reports one outbound dependency's last-known health.
type DependencyInfo struct {
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked"`
	LastError   string    `json:"last_error,omitempty"`
}

// Server serves the ambient /metrics and /healthz endpoints on their own
// listener, separate from the MCP transports (§9 ambient concerns).
type Server struct {
	addr     string
	registry *prometheus.Registry
	metrics  *Metrics
	features *feature.Manager
	version  string
	server   *http.Server
}

// NewServer creates a metrics/health server bound to addr, tracking deps
// through features.
func NewServer(addr string, features *feature.Manager, version string) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Server{
		addr:     addr,
		registry: reg,
		metrics:  New(reg),
		features: features,
		version:  version,
	}
}

// Metrics returns the registered instrument set for services to record against.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Run blocks serving /metrics and /healthz until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	mux.HandleFunc("/healthz", s.handleHealth)

	s.server = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	deps := make(map[string]DependencyInfo)
	healthy := true
	for dep, st := range s.features.AllStatuses() {
		deps[string(dep)] = DependencyInfo{Healthy: st.Healthy, LastChecked: st.LastChecked, LastError: st.LastError}
		if !st.Healthy {
			healthy = false
		}
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	resp := HealthResponse{Status: status, Dependencies: deps, Version: s.version}

	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusOK) // degraded dependencies don't fail liveness, per §4.5 graceful degradation
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		fmt.Fprintf(w, `{"status":"error"}`)
	}
}
