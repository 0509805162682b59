package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus renders a snapshot in the Prometheus text exposition
// format, suitable for scraping from the admin metrics endpoint.
func FormatPrometheus(s Snapshot) string {
	var b strings.Builder

	b.WriteString("# HELP quotaproxy_uptime_seconds Time since the proxy started.\n")
	b.WriteString("# TYPE quotaproxy_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "quotaproxy_uptime_seconds %d\n", s.Uptime)
	b.WriteString("\n")

	b.WriteString("# HELP quotaproxy_requests_total Requests handled, by endpoint.\n")
	b.WriteString("# TYPE quotaproxy_requests_total counter\n")
	for _, endpoint := range sortedKeys(s.TotalRequests) {
		fmt.Fprintf(&b, "quotaproxy_requests_total{endpoint=%q} %d\n", endpoint, s.TotalRequests[endpoint])
	}
	b.WriteString("\n")

	b.WriteString("# HELP quotaproxy_request_duration_ms_total Cumulative request duration in milliseconds, by endpoint.\n")
	b.WriteString("# TYPE quotaproxy_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(s.TotalRequestsDur) {
		fmt.Fprintf(&b, "quotaproxy_request_duration_ms_total{endpoint=%q} %d\n", endpoint, s.TotalRequestsDur[endpoint])
	}
	b.WriteString("\n")

	b.WriteString("# HELP quotaproxy_request_errors_total Failed requests, by endpoint.\n")
	b.WriteString("# TYPE quotaproxy_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(s.RequestErrors) {
		fmt.Fprintf(&b, "quotaproxy_request_errors_total{endpoint=%q} %d\n", endpoint, s.RequestErrors[endpoint])
	}
	b.WriteString("\n")

	b.WriteString("# HELP quotaproxy_quota_admitted_total Proxy requests admitted against a daily quota.\n")
	b.WriteString("# TYPE quotaproxy_quota_admitted_total counter\n")
	fmt.Fprintf(&b, "quotaproxy_quota_admitted_total %d\n", s.Admitted)
	b.WriteString("\n")

	b.WriteString("# HELP quotaproxy_quota_denied_total Proxy requests denied for exhausted quota.\n")
	b.WriteString("# TYPE quotaproxy_quota_denied_total counter\n")
	fmt.Fprintf(&b, "quotaproxy_quota_denied_total %d\n", s.QuotaDenials)
	b.WriteString("\n")

	b.WriteString("# HELP quotaproxy_auth_failures_total Requests rejected for a missing or invalid trial key.\n")
	b.WriteString("# TYPE quotaproxy_auth_failures_total counter\n")
	fmt.Fprintf(&b, "quotaproxy_auth_failures_total %d\n", s.AuthFailures)
	b.WriteString("\n")

	b.WriteString("# HELP quotaproxy_upstream_responses_total Upstream responses, by status class.\n")
	b.WriteString("# TYPE quotaproxy_upstream_responses_total counter\n")
	for _, class := range sortedKeys(s.UpstreamResponses) {
		fmt.Fprintf(&b, "quotaproxy_upstream_responses_total{class=%q} %d\n", class, s.UpstreamResponses[class])
	}
	b.WriteString("\n")

	b.WriteString("# HELP quotaproxy_upstream_latency_ms_total Cumulative upstream latency in milliseconds.\n")
	b.WriteString("# TYPE quotaproxy_upstream_latency_ms_total counter\n")
	fmt.Fprintf(&b, "quotaproxy_upstream_latency_ms_total %d\n", s.UpstreamLatency)
	b.WriteString("\n")

	b.WriteString("# HELP quotaproxy_admin_rate_limited_total Admin requests rejected by the rate limiter.\n")
	b.WriteString("# TYPE quotaproxy_admin_rate_limited_total counter\n")
	fmt.Fprintf(&b, "quotaproxy_admin_rate_limited_total %d\n", s.AdminRateLimited)

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
