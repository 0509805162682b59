package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestSnapshotCopiesState(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("/v1/chat/completions", 120*time.Millisecond)
	c.RecordRequest("/v1/chat/completions", 80*time.Millisecond)
	c.RecordRequest("/healthz", time.Millisecond)
	c.RecordError("/v1/chat/completions")
	c.RecordAdmission()
	c.RecordAdmission()
	c.RecordQuotaDenial()
	c.RecordAuthFailure()
	c.RecordUpstream(200, 50*time.Millisecond)
	c.RecordUpstream(502, 10*time.Millisecond)
	c.RecordUpstream(0, time.Millisecond)
	c.RecordAdminRateLimited()

	s := c.GetSnapshot()
	if s.TotalRequests["/v1/chat/completions"] != 2 {
		t.Fatalf("request count: %d", s.TotalRequests["/v1/chat/completions"])
	}
	if s.TotalRequestsDur["/v1/chat/completions"] != 200 {
		t.Fatalf("duration total: %d", s.TotalRequestsDur["/v1/chat/completions"])
	}
	if s.Admitted != 2 || s.QuotaDenials != 1 || s.AuthFailures != 1 {
		t.Fatalf("admission counters: %+v", s)
	}
	if s.UpstreamResponses["2xx"] != 1 || s.UpstreamResponses["5xx"] != 1 || s.UpstreamResponses["error"] != 1 {
		t.Fatalf("upstream classes: %v", s.UpstreamResponses)
	}
	if s.AdminRateLimited != 1 {
		t.Fatalf("admin rate limited: %d", s.AdminRateLimited)
	}

	// The snapshot must be detached from the live collector.
	s.TotalRequests["/healthz"] = 99
	if c.GetSnapshot().TotalRequests["/healthz"] != 1 {
		t.Fatalf("snapshot mutation leaked into the collector")
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		0:   "error",
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		500: "5xx",
	}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Fatalf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("/v1/chat/completions", 40*time.Millisecond)
	c.RecordQuotaDenial()
	c.RecordUpstream(200, 5*time.Millisecond)

	out := FormatPrometheus(c.GetSnapshot())
	for _, want := range []string{
		"# TYPE quotaproxy_uptime_seconds gauge",
		`quotaproxy_requests_total{endpoint="/v1/chat/completions"} 1`,
		"quotaproxy_quota_denied_total 1",
		"quotaproxy_quota_admitted_total 0",
		`quotaproxy_upstream_responses_total{class="2xx"} 1`,
		"quotaproxy_admin_rate_limited_total 0",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
