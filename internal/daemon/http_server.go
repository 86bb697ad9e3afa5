package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"git.home.luguber.info/inful/buildorch/internal/admission"
	"git.home.luguber.info/inful/buildorch/internal/logfields"
	"git.home.luguber.info/inful/buildorch/internal/metrics"
	"git.home.luguber.info/inful/buildorch/internal/version"
)

// maxAdminConns caps concurrent admin connections.
const maxAdminConns = 64

// HTTPServer serves the admin endpoints: health, readiness, status and metrics.
type HTTPServer struct {
	addr   string
	daemon *Daemon
	server *http.Server
	ln     net.Listener
}

// NewHTTPServer creates the admin server for d listening on addr.
func NewHTTPServer(addr string, d *Daemon) *HTTPServer {
	return &HTTPServer{addr: addr, daemon: d}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status     Status             `json:"status"`
	Version    string             `json:"version"`
	InstanceID string             `json:"instance_id"`
	Uptime     string             `json:"uptime"`
	Admission  admission.Snapshot `json:"admission"`
	Cleanups   []string           `json:"pending_cleanups"`
}

// Routes builds the admin router.
func (s *HTTPServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/status", s.handleStatus)
	if reg := s.daemon.deps.Registry; reg != nil {
		r.Method(http.MethodGet, "/metrics", metrics.HTTPHandler(reg))
	}
	return r
}

// Start binds the listener up front so an address conflict fails startup.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.addr, err)
	}
	s.ln = netutil.LimitListener(ln, maxAdminConns)
	s.server = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.server.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.daemon.logger.Error("Admin server failed", logfields.Error(err))
		}
	}()
	s.daemon.logger.Info("Admin server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *HTTPServer) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts the server down.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := s.daemon.GetStatus() == StatusRunning
	checks["daemon"] = string(s.daemon.GetStatus())

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.daemon.deps.Store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}
	if bus := s.daemon.deps.Bus; bus != nil {
		if bus.Connected() {
			checks["event_bus"] = "ok"
		} else {
			checks["event_bus"] = "disconnected"
			ready = false
		}
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": ready, "checks": checks})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	d := s.daemon
	resp := StatusResponse{
		Status:     d.GetStatus(),
		Version:    version.Current().Version,
		InstanceID: d.cfg.Service.InstanceID,
		Admission:  d.controller.Snapshot(),
		Cleanups:   []string{},
	}
	if !d.startTime.IsZero() {
		resp.Uptime = time.Since(d.startTime).Round(time.Second).String()
	}
	if d.sweeper != nil {
		resp.Cleanups = d.sweeper.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.daemon.logger.Debug("Admin request",
			logfields.Method(r.Method),
			logfields.URL(r.URL.Path),
			logfields.HTTPStatus(ww.Status()),
			logfields.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
