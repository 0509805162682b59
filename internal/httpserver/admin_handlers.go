package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quotaproxy/quota-proxy/internal/audit"
	"github.com/quotaproxy/quota-proxy/internal/metrics"
	"github.com/quotaproxy/quota-proxy/internal/quota"
	"github.com/quotaproxy/quota-proxy/internal/registry"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// keyView is an account plus its consumption for the current day.
type keyView struct {
	registry.Account
	TodayRequests int64 `json:"today_requests"`
	Remaining     int64 `json:"remaining"`
}

type pageResponse struct {
	Items   any  `json:"items"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

func (s *Server) recordAudit(r *http.Request, action, keyAffected string, details map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(audit.Entry{
		IP:          clientIP(r),
		Method:      r.Method,
		Path:        r.URL.Path,
		Action:      action,
		KeyAffected: keyAffected,
		TokenHash:   audit.HashToken(adminTokenFrom(r)),
		Details:     details,
	})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label      string     `json:"label"`
		DailyLimit *int       `json:"daily_limit"`
		ExpiresAt  *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	now := s.now()
	if err := registry.ValidateIssue(req.DailyLimit, req.ExpiresAt, now); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	acct, err := s.registry.Issue(r.Context(), strings.TrimSpace(req.Label), req.DailyLimit, req.ExpiresAt)
	if err != nil {
		s.logError("issue trial key", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to generate trial key")
		return
	}
	s.logger.Printf("issued trial key label=%q limit=%d", acct.Label, acct.Limit(s.cfg.DailyReqLimit))
	s.recordAudit(r, audit.ActionCreateKey, acct.Key, map[string]any{"label": acct.Label})

	s.respondJSON(w, http.StatusCreated, keyView{
		Account:       *acct,
		TodayRequests: 0,
		Remaining:     int64(acct.Limit(s.cfg.DailyReqLimit)),
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	activeOnly := queryBool(r, "active_only")
	limit, offset := pageParams(r)

	accounts, total, err := s.registry.List(r.Context(), activeOnly, limit, offset)
	if err != nil {
		s.logError("list trial keys", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to list trial keys")
		return
	}

	today := quota.DayKey(s.now())
	items := make([]keyView, 0, len(accounts))
	for i := range accounts {
		acct := accounts[i]
		view := keyView{Account: acct, Remaining: int64(acct.Limit(s.cfg.DailyReqLimit))}
		counters, _, err := s.counters.Usage(r.Context(), quota.Filter{Key: acct.Key, Day: today, Limit: 1})
		if err != nil {
			s.logError("read today usage", err)
		} else if len(counters) > 0 {
			view.TodayRequests = counters[0].Requests
			view.Remaining = int64(acct.Limit(s.cfg.DailyReqLimit)) - counters[0].Requests
			if view.Remaining < 0 {
				view.Remaining = 0
			}
		}
		items = append(items, view)
	}
	s.recordAudit(r, audit.ActionListKeys, "", nil)

	s.respondJSON(w, http.StatusOK, pageResponse{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(items) < total,
	})
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req struct {
		Label      *string    `json:"label"`
		DailyLimit *int       `json:"daily_limit"`
		ExpiresAt  *time.Time `json:"expires_at"`
		Active     *bool      `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	patch := registry.Patch{
		Label:      req.Label,
		DailyLimit: req.DailyLimit,
		ExpiresAt:  req.ExpiresAt,
		Active:     req.Active,
	}
	if err := registry.ValidatePatch(patch); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	acct, err := s.registry.Update(r.Context(), key, patch)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "Trial key not found")
		return
	default:
		s.logError("update trial key", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to update trial key")
		return
	}
	s.recordAudit(r, audit.ActionUpdateKey, key, map[string]any{
		"label_changed":  req.Label != nil,
		"limit_changed":  req.DailyLimit != nil,
		"active_changed": req.Active != nil,
	})

	s.respondJSON(w, http.StatusOK, acct)
}

// handleDeleteKey removes the account and purges its usage counters so a
// reissued key never inherits stale consumption.
func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	deleted, err := s.registry.Delete(r.Context(), key)
	if err != nil {
		s.logError("delete trial key", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to delete trial key")
		return
	}
	if !deleted {
		s.respondError(w, http.StatusNotFound, "Trial key not found")
		return
	}
	if err := s.counters.PurgeKey(r.Context(), key); err != nil {
		// The account is gone; counter cleanup failing is log-worthy but
		// not caller-visible.
		s.logError("purge usage for deleted key", err)
	}
	s.recordAudit(r, audit.ActionDeleteKey, key, nil)

	s.respondJSON(w, http.StatusOK, map[string]any{"deleted": true, "key": key})
}

// handleUsage reports usage counters with labels joined in from the
// registry. Filters: key, day (exact) or days (lookback window).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	f := quota.Filter{
		Key:    strings.TrimSpace(r.URL.Query().Get("key")),
		Day:    strings.TrimSpace(r.URL.Query().Get("day")),
		Limit:  limit,
		Offset: offset,
	}
	if f.Day == "" {
		if days, err := strconv.Atoi(r.URL.Query().Get("days")); err == nil && days > 0 {
			f.Since = quota.DayKey(s.now().AddDate(0, 0, -(days - 1)))
		}
	}

	counters, total, err := s.counters.Usage(r.Context(), f)
	if err != nil {
		s.logError("query usage", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to fetch usage statistics")
		return
	}

	type usageRow struct {
		quota.Counter
		Label string `json:"label,omitempty"`
	}
	labels := make(map[string]string)
	items := make([]usageRow, 0, len(counters))
	for _, c := range counters {
		row := usageRow{Counter: c}
		if label, ok := labels[c.Key]; ok {
			row.Label = label
		} else if acct, _ := s.registry.Resolve(r.Context(), c.Key); acct != nil {
			// Inactive and expired keys still carry a useful label.
			labels[c.Key] = acct.Label
			row.Label = acct.Label
		} else {
			labels[c.Key] = ""
		}
		items = append(items, row)
	}
	s.recordAudit(r, audit.ActionViewUsage, f.Key, nil)

	s.respondJSON(w, http.StatusOK, pageResponse{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(items) < total,
	})
}

// handleResetUsage zeroes counters for a key, a day, or both. An empty
// body resets today's counters for every key.
func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
		Day string `json:"day"`
		All bool   `json:"all_days"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}
	day := strings.TrimSpace(req.Day)
	if day == "" && !req.All {
		day = quota.DayKey(s.now())
	}

	n, err := s.counters.Reset(r.Context(), strings.TrimSpace(req.Key), day, s.now())
	if err != nil {
		s.logError("reset usage", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to reset usage")
		return
	}
	s.logger.Printf("reset usage key=%q day=%q rows=%d", req.Key, day, n)
	s.recordAudit(r, audit.ActionResetUsage, req.Key, map[string]any{"day": day, "rows": n})

	s.respondJSON(w, http.StatusOK, map[string]any{"reset": n})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.recordAudit(r, audit.ActionViewMetrics, "", nil)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
