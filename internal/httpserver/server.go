package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quotaproxy/quota-proxy/internal/audit"
	"github.com/quotaproxy/quota-proxy/internal/config"
	"github.com/quotaproxy/quota-proxy/internal/health"
	"github.com/quotaproxy/quota-proxy/internal/metrics"
	"github.com/quotaproxy/quota-proxy/internal/quota"
	"github.com/quotaproxy/quota-proxy/internal/ratelimit"
	"github.com/quotaproxy/quota-proxy/internal/registry"
)

// Server exposes the proxy surface: public /v1 forwarding guarded by trial
// keys and daily quotas, plus the token-guarded /admin namespace.
type Server struct {
	registry registry.Store
	counters quota.Store

	cfg      config.Config
	upstream *http.Client

	metrics      *metrics.Collector
	audit        *audit.Logger
	adminLimiter *ratelimit.Limiter
	allowedIPs   []net.IP
	allowedNets  []*net.IPNet

	health *health.Checker

	logger   *log.Logger
	logLevel string
	now      func() time.Time
}

// New constructs a Server with the required dependencies. Optional pieces
// (audit sink, storage pinger) attach through setters.
func New(reg registry.Store, counters quota.Store, cfg config.Config, logger *log.Logger) *Server {
	s := &Server{
		registry: reg,
		counters: counters,
		cfg:      cfg,
		upstream: &http.Client{Timeout: cfg.UpstreamTimeout},
		metrics:  metrics.NewCollector(),
		logger:   logger,
		logLevel: cfg.LogLevel,
		now:      time.Now,
	}
	if cfg.AdminEnabled() {
		s.adminLimiter = ratelimit.NewLimiter(cfg.AdminRateLimit, cfg.AdminRateWindow)
	}
	for _, entry := range cfg.AdminAllowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			s.allowedNets = append(s.allowedNets, ipnet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			s.allowedIPs = append(s.allowedIPs, ip)
			continue
		}
		logger.Printf("WARN ignoring unparseable ADMIN_ALLOWED_IPS entry %q", entry)
	}
	return s
}

// SetAuditLogger wires in the admin audit sink.
func (s *Server) SetAuditLogger(a *audit.Logger) { s.audit = a }

// SetHealthChecker wires in dependency probes for /healthz.
func (s *Server) SetHealthChecker(c *health.Checker) { s.health = c }

// Close releases background resources held by the server.
func (s *Server) Close() {
	if s.adminLimiter != nil {
		s.adminLimiter.Close()
	}
}

// Router returns the configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Get("/v1/models", s.handleModels)
	r.HandleFunc("/v1/*", s.handleProxy)

	if s.cfg.AdminEnabled() {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(s.adminGuard)
			admin.Post("/keys", s.handleCreateKey)
			admin.Get("/keys", s.handleListKeys)
			admin.Put("/keys/{key}", s.handleUpdateKey)
			admin.Delete("/keys/{key}", s.handleDeleteKey)
			admin.Get("/usage", s.handleUsage)
			admin.Post("/usage/reset", s.handleResetUsage)
			admin.Get("/metrics", s.handleMetrics)
		})
	} else {
		s.logger.Printf("WARN ADMIN_TOKEN not set, /admin endpoints disabled")
	}

	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes the caller-facing error envelope. Internal detail
// stays in server logs; msg is what the client may see.
func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg},
	})
}

func (s *Server) logError(context string, err error) {
	if s.logger != nil && err != nil {
		s.logger.Printf("ERROR %s: %v", context, err)
	}
}

// trialKeyFrom extracts the trial key from Authorization: Bearer or the
// X-Trial-Key header.
func trialKeyFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Trial-Key"))
}

// adminTokenFrom extracts the admin token from Authorization: Bearer or
// the X-Admin-Token header.
func adminTokenFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Token"))
}

// clientIP returns the request's peer address without the port. The RealIP
// middleware has already folded in X-Forwarded-For when present.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// resolveUsable looks up the key and maps registry sentinels to HTTP
// statuses. A nil account means the response has been written.
func (s *Server) resolveUsable(w http.ResponseWriter, r *http.Request, key string) *registry.Account {
	acct, err := s.registry.Resolve(r.Context(), key)
	if err == nil {
		err = registry.CheckUsable(acct, s.now())
	}
	switch {
	case err == nil:
		return acct
	case errors.Is(err, registry.ErrNotFound):
		s.metrics.RecordAuthFailure()
		s.respondError(w, http.StatusUnauthorized, "Invalid trial key")
	case errors.Is(err, registry.ErrInactive):
		s.metrics.RecordAuthFailure()
		s.respondError(w, http.StatusForbidden, "Trial key is inactive")
	case errors.Is(err, registry.ErrExpired):
		s.metrics.RecordAuthFailure()
		s.respondError(w, http.StatusUnauthorized, "Trial key has expired")
	default:
		// Storage trouble fails closed: never admit on an unreadable registry.
		s.logError("resolve trial key", err)
		s.respondError(w, http.StatusInternalServerError, "Internal server error")
	}
	return nil
}
