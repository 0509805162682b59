package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"QUOTAPROXY_CONFIG", "PORT", "UPSTREAM_BASE_URL", "UPSTREAM_API_KEY",
		"UPSTREAM_TIMEOUT", "DAILY_REQ_LIMIT", "ADMIN_TOKEN", "ADMIN_ALLOWED_IPS",
		"ADMIN_RATE_LIMIT", "ADMIN_RATE_WINDOW", "DB_DRIVER", "DB_PATH", "DB_DSN",
		"LOG_FILE", "LOG_LEVEL", "AUDIT_LOG_FILE", "MODELS",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("UPSTREAM_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8787" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.UpstreamBaseURL != DefaultUpstreamBase {
		t.Fatalf("unexpected upstream base %q", cfg.UpstreamBaseURL)
	}
	if cfg.DailyReqLimit != DefaultDailyLimit {
		t.Fatalf("unexpected daily limit %d", cfg.DailyReqLimit)
	}
	if cfg.DBDriver != "sqlite" || cfg.DBPath != DefaultDBPath {
		t.Fatalf("unexpected db defaults: %q %q", cfg.DBDriver, cfg.DBPath)
	}
	if cfg.AdminEnabled() {
		t.Fatalf("admin must be disabled without ADMIN_TOKEN")
	}
	if len(cfg.Models) == 0 {
		t.Fatalf("expected a default model list")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("UPSTREAM_API_KEY", "sk-test")
	t.Setenv("PORT", "9000")
	t.Setenv("UPSTREAM_BASE_URL", "https://api.example.com/v1/")
	t.Setenv("UPSTREAM_TIMEOUT", "90")
	t.Setenv("DAILY_REQ_LIMIT", "10")
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("ADMIN_ALLOWED_IPS", "10.0.0.1, 192.168.0.0/16")
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("MODELS", "model-a,model-b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("PORT not applied: %q", cfg.ListenAddr)
	}
	if cfg.UpstreamBaseURL != "https://api.example.com/v1" {
		t.Fatalf("base URL should be trimmed: %q", cfg.UpstreamBaseURL)
	}
	if cfg.UpstreamTimeout != 90*time.Second {
		t.Fatalf("bare seconds timeout not parsed: %v", cfg.UpstreamTimeout)
	}
	if cfg.DailyReqLimit != 10 {
		t.Fatalf("daily limit not applied: %d", cfg.DailyReqLimit)
	}
	if !cfg.AdminEnabled() {
		t.Fatalf("admin should be enabled")
	}
	if len(cfg.AdminAllowedIPs) != 2 || cfg.AdminAllowedIPs[1] != "192.168.0.0/16" {
		t.Fatalf("allowlist not parsed: %v", cfg.AdminAllowedIPs)
	}
	if strings.Join(cfg.Models, ",") != "model-a,model-b" {
		t.Fatalf("models not parsed: %v", cfg.Models)
	}
}

func TestLoadYAMLFileWithEnvPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "quota-proxy.yaml")
	data := []byte(`
port: 9100
upstream_api_key: sk-from-file
daily_req_limit: 77
db_driver: memory
log_level: debug
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("QUOTAPROXY_CONFIG", path)
	t.Setenv("DAILY_REQ_LIMIT", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9100" {
		t.Fatalf("file port not applied: %q", cfg.ListenAddr)
	}
	if cfg.UpstreamAPIKey != "sk-from-file" {
		t.Fatalf("file api key not applied: %q", cfg.UpstreamAPIKey)
	}
	if cfg.DailyReqLimit != 5 {
		t.Fatalf("env must win over file: %d", cfg.DailyReqLimit)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("file log level not applied: %q", cfg.LogLevel)
	}
}

func TestLoadValidation(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without UPSTREAM_API_KEY")
	}

	t.Setenv("UPSTREAM_API_KEY", "sk-test")
	t.Setenv("DB_DRIVER", "postgres")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for postgres without DB_DSN")
	}

	t.Setenv("DB_DRIVER", "oracle")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown driver")
	}

	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("DAILY_REQ_LIMIT", "-3")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for non-positive limit")
	}
}
