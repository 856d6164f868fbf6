package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/cuemby/nexus-proxy/pkg/log"
	"github.com/cuemby/nexus-proxy/pkg/render"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// Issuer names accepted by ACME_ISSUER
const (
	IssuerCertbot = "certbot"
	IssuerLego    = "lego"
)

// Config is the process configuration read from the environment
type Config struct {
	// Store
	EtcdHost        string        `env:"ETCD_HOST"`
	ALBID           string        `env:"ALB_ID" envDefault:"vhost"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	NoServicesDelay time.Duration `env:"NO_SERVICES_TIMEOUT" envDefault:"5s"`
	StoreMaxRetries int           `env:"STORE_MAX_RETRIES" envDefault:"3"`

	// Certificate issuance
	Email              string        `env:"EMAIL"`
	HostName           string        `env:"HOST_NAME"`
	HostPort           int           `env:"HOST_PORT"`
	CertbotWaitTimeout time.Duration `env:"CERTBOT_WAIT_TIMEOUT" envDefault:"3m"`
	ACMEIssuer         string        `env:"ACME_ISSUER" envDefault:"certbot"`
	ACMEDirectoryURL   string        `env:"ACME_DIRECTORY_URL"`

	// Paths
	TemplatePath     string `env:"TEMPLATE_PATH"`
	ConfigPath       string `env:"CONFIG_PATH" envDefault:"/etc/haproxy.cfg"`
	StagedConfigPath string `env:"STAGED_CONFIG_PATH" envDefault:"/etc/haproxy.new.cfg"`
	CertsPath        string `env:"CERTS_PATH" envDefault:"/etc/ssl/crt"`
	TempCertsPath    string `env:"TEMP_CERTS_PATH" envDefault:"/tmp/crt"`

	// Proxy commands
	ValidateCommand string `env:"VALIDATE_COMMAND" envDefault:"./configtest-haproxy.sh"`
	ReloadCommand   string `env:"RELOAD_COMMAND" envDefault:"./reload-haproxy.sh"`

	// SyncCommand names an rsync binary. Empty copies certificates in-process.
	SyncCommand string `env:"SYNC_COMMAND"`

	// Template extras
	LogSidecar        string `env:"LOG_SIDECAR"`
	LogSidecarPath    string `env:"LOG_SIDECAR_PATH"`
	StatsEnabled      bool   `env:"STATS_ENABLED" envDefault:"false"`
	StatsPort         int    `env:"STATS_PORT" envDefault:"1936"`
	StatsAuthUser     string `env:"STATS_AUTH_USER"`
	StatsAuthPassword string `env:"STATS_AUTH_PASSWORD"`
	StatsPath         string `env:"STATS_PATH" envDefault:"/stats"`

	// Logging and metrics
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON     bool   `env:"LOG_JSON" envDefault:"false"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// Load reads dotenv files into the environment, then parses it. Missing
// files are skipped; variables already set win over file values. With no
// files given, ./.env is tried.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, cfg.validate()
}

// LoadEnvironment parses an explicit variable set, ignoring the process
// environment
func LoadEnvironment(environment map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.ACMEIssuer {
	case IssuerCertbot, IssuerLego:
	default:
		return &types.ConfigurationError{
			Setting: "ACME_ISSUER",
			Reason:  fmt.Sprintf("unknown issuer %q, want %s or %s", c.ACMEIssuer, IssuerCertbot, IssuerLego),
		}
	}
	if c.StoreMaxRetries < 0 {
		return &types.ConfigurationError{Setting: "STORE_MAX_RETRIES", Reason: "must not be negative"}
	}
	if c.HostPort < 0 || c.HostPort > 65535 {
		return &types.ConfigurationError{Setting: "HOST_PORT", Reason: "out of range"}
	}
	return nil
}

// StoreAddress returns the store address, failing when none is configured
func (c *Config) StoreAddress() (string, error) {
	addr := strings.TrimSpace(c.EtcdHost)
	if addr == "" {
		return "", &types.ConfigurationError{Setting: "ETCD_HOST", Reason: "store address not set"}
	}
	return addr, nil
}

// Extras returns the optional template settings
func (c *Config) Extras() render.Extras {
	return render.Extras{
		LogSidecar:        c.LogSidecar,
		LogSidecarPath:    c.LogSidecarPath,
		StatsEnabled:      c.StatsEnabled,
		StatsPort:         c.StatsPort,
		StatsAuthUser:     c.StatsAuthUser,
		StatsAuthPassword: c.StatsAuthPassword,
		StatsPath:         c.StatsPath,
	}
}

// Log returns the logger settings
func (c *Config) Log() log.Config {
	return log.Config{
		Level:      log.Level(strings.ToLower(c.LogLevel)),
		JSONOutput: c.LogJSON,
	}
}
