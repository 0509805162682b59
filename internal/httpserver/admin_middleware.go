package httpserver

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
)

// adminGuard protects the /admin namespace: source IP allowlist first,
// then the per-client rate limit, then the static bearer token. The order
// keeps unauthenticated scanners from burning rate-limit budget for
// legitimate callers behind the same NAT only after they pass the
// allowlist.
func (s *Server) adminGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.ipAllowed(ip) {
			s.logger.Printf("WARN admin request from disallowed IP %s", ip)
			s.respondError(w, http.StatusForbidden, "Forbidden")
			return
		}
		if s.adminLimiter != nil {
			if ok, retry := s.adminLimiter.Allow(ip); !ok {
				s.metrics.RecordAdminRateLimited()
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
				s.respondError(w, http.StatusTooManyRequests, "Too many admin requests")
				return
			}
		}
		token := adminTokenFrom(r)
		if !s.adminTokenValid(token) {
			s.metrics.RecordAuthFailure()
			s.respondError(w, http.StatusUnauthorized, "Unauthorized: Admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminTokenValid compares in constant time and always denies when no
// token is configured.
func (s *Server) adminTokenValid(token string) bool {
	if s.cfg.AdminToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) == 1
}

// ipAllowed checks the client address against ADMIN_ALLOWED_IPS. An empty
// allowlist admits everyone.
func (s *Server) ipAllowed(addr string) bool {
	if len(s.allowedIPs) == 0 && len(s.allowedNets) == 0 {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, allowed := range s.allowedIPs {
		if allowed.Equal(ip) {
			return true
		}
	}
	for _, ipnet := range s.allowedNets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}
