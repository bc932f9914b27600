// Package api provides the local REST and WebSocket control surface of the
// tunnelctl daemon.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/rennerdo30/tunnelctl/internal/logging"
	"github.com/rennerdo30/tunnelctl/internal/settings"
	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

// Controller is the tunnel controller the API drives.
type Controller interface {
	Status() tunnelstate.TunnelStatus
	Subscribe() (<-chan tunnelstate.TunnelStatus, func())
	StartTunnel(ctx context.Context) error
	StopTunnel() error
	Reconnect(ctx context.Context) error
	DeviceState() settings.DeviceState
	Settings() settings.Settings
	SetSettings(st settings.Settings, persist bool) error
	Login(ctx context.Context, account string) error
	Logout(ctx context.Context) error
}

// DeviceChecker runs on-demand device checks.
type DeviceChecker interface {
	Trigger()
}

// RequestRecorder receives per-request metrics.
type RequestRecorder interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// Config holds API configuration.
type Config struct {
	Controller Controller
	Checker    DeviceChecker
	Token      string
	// Metrics serves /metrics when set.
	Metrics  http.Handler
	Recorder RequestRecorder
	Logger   *slog.Logger
	// RequestTimeout bounds non-streaming requests. Zero uses 30s.
	RequestTimeout time.Duration
}

// API provides the local control API.
type API struct {
	ctrl     Controller
	checker  DeviceChecker
	token    string
	metrics  http.Handler
	recorder RequestRecorder
	logger   *slog.Logger
	timeout  time.Duration

	// limiters throttle control-plane bound requests per client address.
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

const (
	accountRateLimit = rate.Limit(1.0 / 5)
	accountBurst     = 3
)

// New creates a new API server.
func New(cfg Config) *API {
	a := &API{
		ctrl:     cfg.Controller,
		checker:  cfg.Checker,
		token:    cfg.Token,
		metrics:  cfg.Metrics,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		timeout:  cfg.RequestTimeout,
		limiters: make(map[string]*rate.Limiter),
	}
	if a.logger == nil {
		a.logger = logging.WithComponent("api")
	}
	if a.timeout <= 0 {
		a.timeout = 30 * time.Second
	}
	return a
}

// Router returns the HTTP handler for the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)

	r.Get("/api/v1/health", a.handleHealth)

	r.Group(func(r chi.Router) {
		if a.token != "" {
			r.Use(a.authMiddleware)
		}

		r.Handle("/api/v1/ws", websocket.Handler(a.serveWS))
		if a.metrics != nil {
			r.Handle("/metrics", a.metrics)
		}

		// Tunnel starts are bounded by connectTimeout instead.
		r.Post("/api/v1/connect", a.handleConnect)
		r.Post("/api/v1/reconnect", a.handleReconnect)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(a.timeout))

			r.Get("/api/v1/version", a.handleVersion)
			r.Get("/api/v1/status", a.handleStatus)
			r.Post("/api/v1/disconnect", a.handleDisconnect)

			r.Get("/api/v1/device", a.handleGetDevice)
			r.With(a.rateLimit).Post("/api/v1/device/check", a.handleDeviceCheck)

			r.Get("/api/v1/settings", a.handleGetSettings)
			r.Put("/api/v1/settings", a.handlePutSettings)

			r.With(a.rateLimit).Post("/api/v1/account/login", a.handleLogin)
			r.Post("/api/v1/account/logout", a.handleLogout)
		})
	})

	return r
}

func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			// Browsers cannot set headers on WebSocket upgrades.
			token = r.URL.Query().Get("token")
		}
		token = strings.TrimPrefix(token, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			a.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimit throttles requests that reach the control plane.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter(clientKey(r)).Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(int(1/float64(accountRateLimit))))
			a.writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) limiter(key string) *rate.Limiter {
	a.limiterMu.Lock()
	defer a.limiterMu.Unlock()
	l, ok := a.limiters[key]
	if !ok {
		l = rate.NewLimiter(accountRateLimit, accountBurst)
		a.limiters[key] = l
	}
	return l
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		duration := time.Since(start)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		a.logger.Debug("api request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", duration,
			"request_id", middleware.GetReqID(r.Context()),
		)
		if a.recorder != nil {
			a.recorder.RecordRequest(r.Method, route, strconv.Itoa(status), duration)
		}
	})
}

// securityHeadersMiddleware adds common security headers to all responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error  string                    `json:"error"`
	Status *tunnelstate.TunnelStatus `json:"status,omitempty"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Debug("failed to write response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, errorResponse{Error: msg})
}

// Server runs the API on a listener.
type Server struct {
	api    *API
	http   *http.Server
	logger *slog.Logger
}

// NewServer creates an HTTP server for api on addr.
func NewServer(api *API, addr string) *Server {
	return &Server{
		api: api,
		http: &http.Server{
			Addr:              addr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: api.logger,
	}
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("api listening", "address", ln.Addr().String())
	err := s.http.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
