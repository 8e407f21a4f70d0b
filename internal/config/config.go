package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Repository RepositoryConfig `yaml:"repository"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Auth       AuthConfig       `yaml:"auth"`
}

type ListenConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	TrustedProxies     []string `yaml:"trusted_proxies"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// RepositoryConfig locates the on-disk store of bare repositories. A
// request for repository name is served from "<Root>/<name>" or, failing
// that, "<Root>/<name>.git"; name may contain "/"-separated segments.
type RepositoryConfig struct {
	Root string `yaml:"root"`
}

// ProtocolConfig toggles the two Smart HTTP services and advertises the
// server identity in capability lines.
type ProtocolConfig struct {
	EnableUploadPack  bool   `yaml:"enable_upload_pack"`
	EnableReceivePack bool   `yaml:"enable_receive_pack"`
	Agent             string `yaml:"agent"`
	// RoutePrefix is prepended to the Smart HTTP routes (e.g. "/git" makes
	// the advertisement endpoint "/git/<repo>/info/refs"). Empty serves
	// repositories directly off the root.
	RoutePrefix string `yaml:"route_prefix"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// AuthConfig selects the authorization predicate applied to both
// upload-pack (read) and receive-pack (write) requests. Mode "none" authorizes every
// request; "basic" checks HTTP Basic credentials against BasicUsers;
// "jwt" validates a bearer token signed with JWTSecret.
type AuthConfig struct {
	Mode          string            `yaml:"mode"`
	JWTSecret     string            `yaml:"jwt_secret"`
	TokenDuration string            `yaml:"token_duration"`
	BasicUsers    map[string]string `yaml:"basic_users"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Host, c.Listen.Port)
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Repository.Root == "" {
		return fmt.Errorf("repository.root must be configured")
	}
	switch c.Auth.Mode {
	case "", "none":
	case "basic":
		if len(c.Auth.BasicUsers) == 0 {
			return fmt.Errorf("auth.basic_users must be configured when auth.mode is \"basic\"")
		}
	case "jwt":
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "change-me-in-production" {
			return fmt.Errorf("GITCELLAR_JWT_SECRET must be set to a non-default value when auth.mode is \"jwt\"")
		}
		if len(c.Auth.JWTSecret) < 16 {
			return fmt.Errorf("GITCELLAR_JWT_SECRET must be at least 16 characters (current length: %d)", len(c.Auth.JWTSecret))
		}
	default:
		return fmt.Errorf("unsupported auth.mode: %s", c.Auth.Mode)
	}
	return nil
}

func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Repository: RepositoryConfig{
			Root: "data/repos",
		},
		Protocol: ProtocolConfig{
			EnableUploadPack:  true,
			EnableReceivePack: true,
			Agent:             "gitcellar/1.0",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "gitcellar",
		},
		Auth: AuthConfig{
			Mode:          "none",
			JWTSecret:     "change-me-in-production",
			TokenDuration: "24h",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GITCELLAR_HOST"); v != "" {
		cfg.Listen.Host = v
	}
	if v := os.Getenv("GITCELLAR_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Listen.Port = p
		}
	}
	if v := os.Getenv("GITCELLAR_TRUSTED_PROXIES"); v != "" {
		cfg.Listen.TrustedProxies = parseCSV(v)
	}
	if v := os.Getenv("GITCELLAR_CORS_ALLOW_ORIGINS"); v != "" {
		cfg.Listen.CORSAllowedOrigins = parseCSV(v)
	}
	if v := os.Getenv("GITCELLAR_REPOSITORY_ROOT"); v != "" {
		cfg.Repository.Root = v
	}
	if v := os.Getenv("GITCELLAR_ENABLE_UPLOAD_PACK"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Protocol.EnableUploadPack = enabled
		}
	}
	if v := os.Getenv("GITCELLAR_ENABLE_RECEIVE_PACK"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Protocol.EnableReceivePack = enabled
		}
	}
	if v := os.Getenv("GITCELLAR_AGENT"); v != "" {
		cfg.Protocol.Agent = v
	}
	if v := os.Getenv("GITCELLAR_ROUTE_PREFIX"); v != "" {
		cfg.Protocol.RoutePrefix = v
	}
	if v := os.Getenv("GITCELLAR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GITCELLAR_METRICS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = enabled
		}
	}
	if v := os.Getenv("GITCELLAR_TRACING_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Enabled = enabled
		}
	}
	if v := os.Getenv("GITCELLAR_OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
	}
	if v := os.Getenv("GITCELLAR_OTEL_SERVICE_NAME"); v != "" {
		cfg.Tracing.ServiceName = v
	}
	if v := os.Getenv("GITCELLAR_AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}
	if v := os.Getenv("GITCELLAR_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("GITCELLAR_TOKEN_DURATION"); v != "" {
		cfg.Auth.TokenDuration = v
	}
	if v := os.Getenv("GITCELLAR_BASIC_USERS"); v != "" {
		cfg.Auth.BasicUsers = parseBasicUsers(v)
	}
}

func parseCSV(v string) []string {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// parseBasicUsers parses "user1:hash1,user2:hash2" into a map. Each value
// is used as a bcrypt hash, exactly like auth.basic_users in a config file;
// entries without a ':' are skipped.
func parseBasicUsers(v string) map[string]string {
	pairs := parseCSV(v)
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		user, pass, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		out[user] = pass
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
