package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quotaproxy/quota-proxy/internal/health"
	"github.com/quotaproxy/quota-proxy/internal/quota"
	"github.com/quotaproxy/quota-proxy/internal/version"
)

// Headers that must not be copied between hops.
var hopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"content-length":      {},
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	status := "ok"
	code := http.StatusOK
	payload := map[string]any{
		"service":   "quota-proxy",
		"version":   version.Info(),
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	if s.health != nil {
		report := s.health.Check(r.Context())
		payload["components"] = report.Components
		if report.Status == health.StatusUnhealthy {
			status = string(report.Status)
			code = http.StatusServiceUnavailable
		} else if report.Status == health.StatusDegraded {
			status = string(report.Status)
		}
	}
	payload["status"] = status
	payload["ok"] = code == http.StatusOK
	s.metrics.RecordRequest("/healthz", time.Since(start))
	s.respondJSON(w, code, payload)
}

// handleModels serves the configured model list to any holder of a usable
// trial key. The call does not count against the daily quota.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	key := trialKeyFrom(r)
	if key == "" {
		s.metrics.RecordAuthFailure()
		s.respondError(w, http.StatusUnauthorized, "Missing trial key in Authorization header or X-Trial-Key")
		return
	}
	if s.resolveUsable(w, r, key) == nil {
		return
	}

	now := s.now().Unix()
	data := make([]map[string]any, 0, len(s.cfg.Models))
	for _, id := range s.cfg.Models {
		data = append(data, map[string]any{
			"id":       id,
			"object":   "model",
			"created":  now,
			"owned_by": "quota-proxy",
		})
	}
	s.metrics.RecordRequest("/v1/models", time.Since(start))
	s.respondJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// handleProxy admits a request against the key's daily quota and forwards
// it to the upstream API. The quota increment commits before the upstream
// call; an upstream failure after admission still consumes one request.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	endpoint := r.URL.Path

	key := trialKeyFrom(r)
	if key == "" {
		s.metrics.RecordAuthFailure()
		s.respondError(w, http.StatusUnauthorized, "Missing trial key in Authorization header or X-Trial-Key")
		return
	}
	acct := s.resolveUsable(w, r, key)
	if acct == nil {
		return
	}

	limit := acct.Limit(s.cfg.DailyReqLimit)
	dec, err := s.counters.TryAdmit(r.Context(), key, limit, s.now())
	if err != nil {
		// Fail closed: an unavailable ledger must not admit requests.
		s.logError("quota admit", err)
		s.metrics.RecordError(endpoint)
		s.respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.setRateLimitHeaders(w, dec)
	if !dec.Admitted {
		s.metrics.RecordQuotaDenial()
		retry := secondsToMidnight(s.now())
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		s.respondJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{
				"message": "Daily request limit exceeded",
			},
			"limit":     dec.Limit,
			"used":      dec.Used,
			"remaining": dec.Remaining,
		})
		return
	}
	s.metrics.RecordAdmission()
	s.debugf("proxy: key=%s...%s endpoint=%s used=%d/%d", key[:min(10, len(key))], key[max(0, len(key)-4):], endpoint, dec.Used, dec.Limit)

	s.forward(w, r)
	s.metrics.RecordRequest(endpoint, time.Since(start))
}

// forward relays the request to the upstream base URL, substituting the
// operator's API key for the caller's trial key.
func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	url := s.cfg.UpstreamBaseURL + strings.TrimPrefix(r.URL.Path, "/v1")
	if q := r.URL.RawQuery; q != "" {
		url += "?" + q
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		s.logError("build upstream request", err)
		s.respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Del("X-Trial-Key")
	req.Header.Set("Authorization", "Bearer "+s.cfg.UpstreamAPIKey)

	upstreamStart := s.now()
	resp, err := s.upstream.Do(req)
	if err != nil {
		s.metrics.RecordUpstream(0, time.Since(upstreamStart))
		s.logError("upstream request", err)
		s.respondError(w, http.StatusInternalServerError, "Upstream request failed")
		return
	}
	defer resp.Body.Close()
	s.metrics.RecordUpstream(resp.StatusCode, time.Since(upstreamStart))

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	// Flush as chunks arrive so SSE streams reach the client promptly.
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 8192)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

func (s *Server) setRateLimitHeaders(w http.ResponseWriter, dec quota.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(nextMidnight(s.now()).Unix(), 10))
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if _, hop := hopHeaders[strings.ToLower(k)]; hop {
			continue
		}
		dst[http.CanonicalHeaderKey(k)] = vals
	}
}

// nextMidnight is the moment the current quota day rolls over, in the
// server's local time zone to match quota.DayKey.
func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

func secondsToMidnight(now time.Time) int {
	secs := int(nextMidnight(now).Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
