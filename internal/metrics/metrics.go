package metrics

import (
	"sync"
	"time"
)

// Collector tracks proxy counters for the admin metrics endpoint. Manual
// tracking keeps the exposition dependency-free; the output format is
// Prometheus text (see FormatPrometheus).
type Collector struct {
	mu sync.RWMutex

	// Request metrics by endpoint
	totalRequests    map[string]int64
	totalRequestsDur map[string]int64 // total duration in ms
	requestErrors    map[string]int64

	// Admission metrics
	admitted     int64
	quotaDenials int64
	authFailures int64

	// Upstream metrics by status class ("2xx", "4xx", "5xx", "error")
	upstreamResponses map[string]int64
	upstreamLatency   int64 // total ms

	// Admin endpoint protection
	adminRateLimited int64

	startTime time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:     make(map[string]int64),
		totalRequestsDur:  make(map[string]int64),
		requestErrors:     make(map[string]int64),
		upstreamResponses: make(map[string]int64),
		startTime:         time.Now(),
	}
}

// RecordRequest records a completed request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records a failed request to an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// RecordAdmission counts an admitted proxy request.
func (c *Collector) RecordAdmission() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.admitted++
}

// RecordQuotaDenial counts a request denied for exhausted quota.
func (c *Collector) RecordQuotaDenial() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.quotaDenials++
}

// RecordAuthFailure counts a missing or invalid trial key.
func (c *Collector) RecordAuthFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authFailures++
}

// RecordUpstream records the outcome of one upstream call. A zero status
// means the call itself failed.
func (c *Collector) RecordUpstream(status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.upstreamResponses[statusClass(status)]++
	c.upstreamLatency += duration.Milliseconds()
}

// RecordAdminRateLimited counts a rate-limited admin request.
func (c *Collector) RecordAdminRateLimited() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.adminRateLimited++
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime            int64
	TotalRequests     map[string]int64
	TotalRequestsDur  map[string]int64
	RequestErrors     map[string]int64
	Admitted          int64
	QuotaDenials      int64
	AuthFailures      int64
	UpstreamResponses map[string]int64
	UpstreamLatency   int64
	AdminRateLimited  int64
}

// GetSnapshot copies the current counters.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:            int64(time.Since(c.startTime).Seconds()),
		TotalRequests:     copyMap(c.totalRequests),
		TotalRequestsDur:  copyMap(c.totalRequestsDur),
		RequestErrors:     copyMap(c.requestErrors),
		Admitted:          c.admitted,
		QuotaDenials:      c.quotaDenials,
		AuthFailures:      c.authFailures,
		UpstreamResponses: copyMap(c.upstreamResponses),
		UpstreamLatency:   c.upstreamLatency,
		AdminRateLimited:  c.adminRateLimited,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
