package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the environment nor the config file say
// otherwise. DefaultDailyLimit matches the historical proxy deployments.
const (
	DefaultPort         = 8787
	DefaultUpstreamBase = "https://api.deepseek.com/v1"
	DefaultDailyLimit   = 200
	DefaultDBPath       = "./quota-proxy.db"
	DefaultTimeout      = 60 * time.Second
	DefaultAdminRate    = 30
	DefaultAdminWindow  = 15 * time.Minute
)

// Config describes runtime options for the proxy daemon. Values come from an
// optional YAML file (QUOTAPROXY_CONFIG) with environment variables taking
// precedence.
type Config struct {
	ListenAddr      string
	UpstreamBaseURL string
	UpstreamAPIKey  string
	UpstreamTimeout time.Duration
	DailyReqLimit   int

	// AdminToken guards the /admin namespace; when empty the namespace
	// always denies.
	AdminToken      string
	AdminAllowedIPs []string
	AdminRateLimit  int
	AdminRateWindow time.Duration

	// DBDriver selects the persistence backend: sqlite, postgres or memory.
	DBDriver string
	DBPath   string
	DBDSN    string

	LogFile      string
	LogLevel     string
	AuditLogFile string

	// Models served by GET /v1/models without an upstream round trip.
	Models []string
}

type fileConfig struct {
	Port            int      `yaml:"port"`
	UpstreamBaseURL string   `yaml:"upstream_base_url"`
	UpstreamAPIKey  string   `yaml:"upstream_api_key"`
	UpstreamTimeout string   `yaml:"upstream_timeout"`
	DailyReqLimit   int      `yaml:"daily_req_limit"`
	AdminToken      string   `yaml:"admin_token"`
	AdminAllowedIPs []string `yaml:"admin_allowed_ips"`
	AdminRateLimit  int      `yaml:"admin_rate_limit"`
	AdminRateWindow string   `yaml:"admin_rate_window"`
	DBDriver        string   `yaml:"db_driver"`
	DBPath          string   `yaml:"db_path"`
	DBDSN           string   `yaml:"db_dsn"`
	LogFile         string   `yaml:"log_file"`
	LogLevel        string   `yaml:"log_level"`
	AuditLogFile    string   `yaml:"audit_log_file"`
	Models          []string `yaml:"models"`
}

// Load builds the configuration from the optional YAML file named by
// QUOTAPROXY_CONFIG and the process environment. UPSTREAM_API_KEY is the one
// hard requirement; without it the proxy cannot forward anything.
func Load() (Config, error) {
	var fc fileConfig
	if path := strings.TrimSpace(os.Getenv("QUOTAPROXY_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	port := parseInt(firstNonEmpty(os.Getenv("PORT"), intString(fc.Port)), DefaultPort)
	cfg := Config{
		ListenAddr:      fmt.Sprintf(":%d", port),
		UpstreamBaseURL: strings.TrimRight(firstNonEmpty(os.Getenv("UPSTREAM_BASE_URL"), fc.UpstreamBaseURL, DefaultUpstreamBase), "/"),
		UpstreamAPIKey:  firstNonEmpty(os.Getenv("UPSTREAM_API_KEY"), fc.UpstreamAPIKey),
		UpstreamTimeout: parseDuration(firstNonEmpty(os.Getenv("UPSTREAM_TIMEOUT"), fc.UpstreamTimeout), DefaultTimeout),
		DailyReqLimit:   parseInt(firstNonEmpty(os.Getenv("DAILY_REQ_LIMIT"), intString(fc.DailyReqLimit)), DefaultDailyLimit),
		AdminToken:      firstNonEmpty(os.Getenv("ADMIN_TOKEN"), fc.AdminToken),
		AdminAllowedIPs: parseList(firstNonEmpty(os.Getenv("ADMIN_ALLOWED_IPS"), strings.Join(fc.AdminAllowedIPs, ","))),
		AdminRateLimit:  parseInt(firstNonEmpty(os.Getenv("ADMIN_RATE_LIMIT"), intString(fc.AdminRateLimit)), DefaultAdminRate),
		AdminRateWindow: parseDuration(firstNonEmpty(os.Getenv("ADMIN_RATE_WINDOW"), fc.AdminRateWindow), DefaultAdminWindow),
		DBDriver:        strings.ToLower(firstNonEmpty(os.Getenv("DB_DRIVER"), fc.DBDriver, "sqlite")),
		DBPath:          firstNonEmpty(os.Getenv("DB_PATH"), fc.DBPath, DefaultDBPath),
		DBDSN:           firstNonEmpty(os.Getenv("DB_DSN"), fc.DBDSN),
		LogFile:         firstNonEmpty(os.Getenv("LOG_FILE"), fc.LogFile),
		LogLevel:        strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), fc.LogLevel, "info")),
		AuditLogFile:    firstNonEmpty(os.Getenv("AUDIT_LOG_FILE"), fc.AuditLogFile),
		Models:          parseList(firstNonEmpty(os.Getenv("MODELS"), strings.Join(fc.Models, ","))),
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"deepseek-chat", "deepseek-reasoner"}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.UpstreamAPIKey) == "" {
		return errors.New("UPSTREAM_API_KEY is required")
	}
	switch c.DBDriver {
	case "sqlite", "memory":
	case "postgres":
		if strings.TrimSpace(c.DBDSN) == "" {
			return errors.New("DB_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want sqlite, postgres or memory)", c.DBDriver)
	}
	if c.DailyReqLimit <= 0 {
		return fmt.Errorf("DAILY_REQ_LIMIT must be positive, got %d", c.DailyReqLimit)
	}
	return nil
}

// AdminEnabled reports whether the admin namespace can ever authorize.
func (c Config) AdminEnabled() bool {
	return strings.TrimSpace(c.AdminToken) != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseInt(raw string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return v
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	// Accept bare seconds for parity with the historical env files.
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intString(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}
