// Package bridge exposes the launcher's settings and control operations to the
// UI and to later command line invocations.
package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/UnitHan/TestGPT-Translator/internal/observability"
	"github.com/UnitHan/TestGPT-Translator/internal/secret"
)

const (
	// TokenHeader carries the bridge token on loopback TCP requests
	TokenHeader = "X-Bridge-Token"

	maxBodyBytes   = 64 << 10
	requestTimeout = 2 * time.Minute
)

// Settings is the answer to GET /settings
type Settings struct {
	HasAPIKey   bool `json:"has_api_key"`
	APIKeyValid bool `json:"api_key_valid"`
}

// Status is the answer to GET /status
type Status struct {
	State         string     `json:"state"`
	Message       string     `json:"message,omitempty"`
	LaunchID      string     `json:"launch_id,omitempty"`
	Port          int        `json:"port,omitempty"`
	PID           int        `json:"pid,omitempty"`
	URL           string     `json:"url,omitempty"`
	BackendStatus string     `json:"backend_status"`
	Mode          string     `json:"mode,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	HasAPIKey     bool       `json:"has_api_key"`
}

// Controller is implemented by the lifecycle coordinator
type Controller interface {
	Settings() Settings
	// SaveCredential stores the key and returns once the backend restart settles
	SaveCredential(ctx context.Context, apiKey string) error
	// DeleteCredential removes the key and returns once the backend restart settles
	DeleteCredential(ctx context.Context) error
	// MaskedCredential returns secret.ErrNotFound when no key is stored
	MaskedCredential() (string, error)
	Activate(ctx context.Context) error
	// RequestShutdown starts shutdown without waiting for it
	RequestShutdown()
	Status() Status
}

type credentialRequest struct {
	APIKey string `json:"api_key"`
}

type resultResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type maskedResponse struct {
	Masked *string `json:"masked"`
}

// Server serves the bridge router on the instance endpoint and on a loopback TCP port
type Server struct {
	controller Controller
	token      string
	logger     *zap.SugaredLogger
	metrics    *observability.Metrics
	router     *chi.Mux

	mu      sync.Mutex
	servers []*http.Server
	tcpAddr string
}

// NewServer creates a bridge server. token guards the TCP listener only.
func NewServer(controller Controller, token string, metrics *observability.Metrics, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		controller: controller,
		token:      token,
		logger:     logger,
		metrics:    metrics,
		router:     chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler without the token check (trusted transports)
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// TCPHandler returns the router behind CORS and the token check
func (s *Server) TCPHandler() http.Handler {
	return s.corsMiddleware(s.tokenMiddleware(s.router))
}

func (s *Server) setupRoutes() {
	s.router.Use(s.metrics.HTTPMiddleware())
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)

	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/settings", s.handleGetSettings)
		r.Get("/status", s.handleGetStatus)

		r.Route("/credential", func(r chi.Router) {
			r.Get("/", s.handleGetCredential)
			r.Put("/", s.handlePutCredential)
			r.Delete("/", s.handleDeleteCredential)
		})

		r.Post("/activate", s.handleActivate)
		r.Post("/quit", s.handleQuit)
	})
}

// Serve serves trusted requests on ln (the instance socket) until Close
func (s *Server) Serve(ln net.Listener) error {
	srv := s.newHTTPServer(s)
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenTCP binds a loopback port for the UI and serves token-guarded requests on it
func (s *Server) ListenTCP() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to bind bridge port: %w", err)
	}

	srv := s.newHTTPServer(s.TCPHandler())
	addr := "http://" + ln.Addr().String()

	s.mu.Lock()
	s.tcpAddr = addr
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warnw("Bridge TCP listener stopped", "error", err)
		}
	}()

	s.logger.Infow("Bridge listening", "url", addr)
	return addr, nil
}

// URL returns the loopback bridge URL, empty before ListenTCP
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpAddr
}

func (s *Server) newHTTPServer(handler http.Handler) *http.Server {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()
	return srv
}

// Close stops every listener, waiting for in-flight requests until ctx is done
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
			_ = srv.Close()
		}
	}
	return errors.Join(errs...)
}

// validToken compares in constant time. An empty expected token rejects everything.
func validToken(expected, got string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func (s *Server) tokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validToken(s.token, r.Header.Get(TokenHeader)) {
			s.logger.Warnw("Rejected bridge request with missing or invalid token",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr)
			s.writeJSON(w, http.StatusUnauthorized, resultResponse{Error: "invalid or missing bridge token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows the UI served by the backend on another loopback port
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); isLoopbackOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+TokenHeader)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isLoopbackOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme != "http" {
		return false
	}
	host := u.Hostname()
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugw("Bridge request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Settings())
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleGetCredential(w http.ResponseWriter, _ *http.Request) {
	masked, err := s.controller.MaskedCredential()
	if errors.Is(err, secret.ErrNotFound) {
		s.writeJSON(w, http.StatusOK, maskedResponse{})
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, resultResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, maskedResponse{Masked: &masked})
}

func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, resultResponse{Error: "invalid request body"})
		return
	}

	if strings.TrimSpace(req.APIKey) == "" {
		s.writeJSON(w, http.StatusBadRequest, resultResponse{Error: secret.ErrEmptyKey.Error()})
		return
	}

	if err := s.controller.SaveCredential(r.Context(), req.APIKey); err != nil {
		s.logger.Errorw("Failed to save API key", "error", err)
		s.writeJSON(w, statusFor(err), resultResponse{Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, resultResponse{Success: true})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.DeleteCredential(r.Context()); err != nil {
		s.logger.Errorw("Failed to delete API key", "error", err)
		s.writeJSON(w, statusFor(err), resultResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, resultResponse{Success: true})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Activate(r.Context()); err != nil {
		s.writeJSON(w, statusFor(err), resultResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, resultResponse{Success: true})
}

func (s *Server) handleQuit(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusAccepted, resultResponse{Success: true})
	s.controller.RequestShutdown()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, secret.ErrEmptyKey):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}
