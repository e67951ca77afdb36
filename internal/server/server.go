package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/froggyxyz/archiverse-infra/internal/api"
	"github.com/froggyxyz/archiverse-infra/internal/serverutil"
)

// TLSConfig carries the certificate pair used to serve HTTPS. Both fields
// must be set for TLS to be enabled.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Config assembles everything the HTTP server needs: the bind address, TLS
// material, rate limits, CORS origins, security headers, and loggers.
type Config struct {
	Addr        string
	TLS         TLSConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Security    SecurityConfig
	Logger      *slog.Logger
	AuditLogger *slog.Logger
}

type Server struct {
	handler     *api.Handler
	logger      *slog.Logger
	auditLogger *slog.Logger
	limiter     *rateLimiter
	httpServer  *http.Server
	tls         TLSConfig
}

// New builds the route table and middleware chain around the API handler.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	srv := &Server{
		handler:     handler,
		logger:      logger,
		auditLogger: cfg.AuditLogger,
		limiter:     newRateLimiter(cfg.RateLimit),
		tls:         cfg.TLS,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.HandleFunc("/api/auth/signup", handler.Signup)
	mux.HandleFunc("/api/auth/login", handler.Login)
	mux.HandleFunc("/api/auth/session", handler.Session)
	mux.HandleFunc("/api/archive/tus", handler.TusCreate)
	mux.HandleFunc("/api/archive/tus/", handler.TusByID)
	mux.HandleFunc("/api/archive/media", handler.Media)
	mux.HandleFunc("/api/archive/media/", handler.MediaByID)
	mux.HandleFunc("/api/archive/storage", handler.StorageInfo)
	mux.HandleFunc("/api/archive/progress/ws", handler.ProgressWebsocket)

	var chain http.Handler = mux
	chain = srv.authMiddleware(chain)
	chain = corsMiddleware(policy, logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = srv.rateLimitMiddleware(chain)
	chain = srv.auditMiddleware(chain)
	chain = srv.loggingMiddleware(chain)
	chain = requestIDMiddleware(logger, chain)

	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           chain,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	if s.tls.enabled() {
		return s.httpServer.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS:    serverutil.TLSConfig{CertFile: s.tls.CertFile, KeyFile: s.tls.KeyFile},
	})
}

// Addr reports the configured bind address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		logger := loggerWithRequestContext(r.Context(), s.logger)
		if logger == nil {
			return
		}
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", extractClientIP(r),
		)
	})
}

func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	if s.auditLogger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		switch r.Method {
		case http.MethodPost, http.MethodPatch, http.MethodDelete:
		default:
			return
		}
		s.auditLogger.Info("mutation",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"remote_ip", extractClientIP(r),
		)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
			allowed, retryAfter, err := s.limiter.AllowLogin(extractClientIP(r))
			if err != nil {
				logger := loggerWithRequestContext(r.Context(), s.logger)
				if logger != nil {
					logger.Warn("login rate limit backend unavailable", "error", err)
				}
			} else if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many login attempts")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresSession(r) {
			next.ServeHTTP(w, r)
			return
		}

		user, err := s.handler.AuthenticateRequest(r)
		if err != nil {
			writeMiddlewareError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		next.ServeHTTP(w, r.WithContext(api.ContextWithUser(r.Context(), user)))
	})
}

// requiresSession reports whether the request must carry a valid session.
// Auth endpoints manage their own credentials, OPTIONS must stay open for
// preflight and tus discovery, and HLS playback is gated by scoped tokens
// checked inside the handler.
func requiresSession(r *http.Request) bool {
	path := r.URL.Path
	if !strings.HasPrefix(path, "/api/") {
		return false
	}
	if strings.HasPrefix(path, "/api/auth/") {
		return false
	}
	if r.Method == http.MethodOptions {
		return false
	}
	if rest, ok := strings.CutPrefix(path, "/api/archive/media/"); ok {
		if strings.Contains(rest, "/hls/") {
			return false
		}
	}
	return true
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func extractClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		candidate := strings.TrimSpace(parts[0])
		if candidate != "" {
			return candidate
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
