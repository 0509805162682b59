// Package health probes the proxy's dependencies: the quota database and
// the upstream API endpoint.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health of a component or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component holds one probe's outcome.
type Component struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms"`
	Error   string `json:"error,omitempty"`
}

// Report is the aggregate of all probes.
type Report struct {
	Status     Status      `json:"status"`
	Components []Component `json:"components"`
}

// Config holds checker configuration. A nil DB and an empty UpstreamURL
// disable the respective probe.
type Config struct {
	DB          *sql.DB
	UpstreamURL string

	DBTimeout    time.Duration
	HTTPTimeout  time.Duration
	MaxDBLatency time.Duration
}

// Checker runs the probes. Safe for concurrent use.
type Checker struct {
	db          *sql.DB
	upstreamURL string

	dbTimeout    time.Duration
	httpTimeout  time.Duration
	maxDBLatency time.Duration

	client *http.Client
}

// New creates a checker with sensible probe timeouts.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxDBLatency == 0 {
		cfg.MaxDBLatency = 100 * time.Millisecond
	}
	return &Checker{
		db:           cfg.DB,
		upstreamURL:  cfg.UpstreamURL,
		dbTimeout:    cfg.DBTimeout,
		httpTimeout:  cfg.HTTPTimeout,
		maxDBLatency: cfg.MaxDBLatency,
		client:       &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// Check runs all configured probes concurrently and aggregates them.
func (c *Checker) Check(ctx context.Context) Report {
	var wg sync.WaitGroup
	results := make(chan Component, 2)

	if c.db != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkDatabase(ctx)
		}()
	}
	if c.upstreamURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkUpstream(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, 2)
	for comp := range results {
		components = append(components, comp)
	}
	return Report{Status: overall(components), Components: components}
}

func (c *Checker) checkDatabase(ctx context.Context) Component {
	comp := Component{Name: "database", Type: "database"}

	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()

	start := time.Now()
	err := c.db.PingContext(dbCtx)
	latency := time.Since(start)
	comp.Latency = latency.Milliseconds()

	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
	case latency > c.maxDBLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

// checkUpstream reports whether the upstream API answers HTTP at all. Any
// status counts as reachable; without valid credentials the endpoint is
// expected to return 401.
func (c *Checker) checkUpstream(ctx context.Context) Component {
	comp := Component{Name: "upstream", Type: "http"}

	httpCtx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(httpCtx, http.MethodGet, c.upstreamURL+"/models", nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		return comp
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	comp.Latency = time.Since(start).Milliseconds()
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Upstream unreachable"
		return comp
	}
	resp.Body.Close()

	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

// overall is unhealthy when any component is, else degraded when any
// component is, else healthy.
func overall(components []Component) Status {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}
