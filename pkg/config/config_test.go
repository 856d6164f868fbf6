package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nexus-proxy/pkg/log"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

func TestLoadEnvironment_Defaults(t *testing.T) {
	cfg, err := LoadEnvironment(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "vhost", cfg.ALBID)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.NoServicesDelay)
	assert.Equal(t, 3, cfg.StoreMaxRetries)
	assert.Equal(t, 3*time.Minute, cfg.CertbotWaitTimeout)
	assert.Equal(t, IssuerCertbot, cfg.ACMEIssuer)
	assert.Equal(t, "/etc/haproxy.cfg", cfg.ConfigPath)
	assert.Equal(t, "/etc/haproxy.new.cfg", cfg.StagedConfigPath)
	assert.Equal(t, "/etc/ssl/crt", cfg.CertsPath)
	assert.Equal(t, "/tmp/crt", cfg.TempCertsPath)
	assert.Equal(t, "./configtest-haproxy.sh", cfg.ValidateCommand)
	assert.Equal(t, "./reload-haproxy.sh", cfg.ReloadCommand)
	assert.Empty(t, cfg.SyncCommand)
	assert.Empty(t, cfg.TemplatePath)
	assert.False(t, cfg.StatsEnabled)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoadEnvironment(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg *Config)
		setting string
	}{
		{
			name: "overrides",
			env: map[string]string{
				"ALB_ID":              "edge",
				"ETCD_HOST":           "etcd-1,etcd-2",
				"POLL_INTERVAL":       "250ms",
				"NO_SERVICES_TIMEOUT": "1m",
				"HOST_PORT":           "8888",
				"ACME_ISSUER":         "lego",
				"STATS_ENABLED":       "true",
				"STATS_AUTH_USER":     "admin",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "edge", cfg.ALBID)
				assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
				assert.Equal(t, time.Minute, cfg.NoServicesDelay)
				assert.Equal(t, 8888, cfg.HostPort)
				assert.Equal(t, IssuerLego, cfg.ACMEIssuer)
				assert.True(t, cfg.StatsEnabled)

				addr, err := cfg.StoreAddress()
				require.NoError(t, err)
				assert.Equal(t, "etcd-1,etcd-2", addr)
			},
		},
		{
			name:    "unknown issuer",
			env:     map[string]string{"ACME_ISSUER": "manual"},
			setting: "ACME_ISSUER",
		},
		{
			name:    "negative retries",
			env:     map[string]string{"STORE_MAX_RETRIES": "-1"},
			setting: "STORE_MAX_RETRIES",
		},
		{
			name:    "port out of range",
			env:     map[string]string{"HOST_PORT": "70000"},
			setting: "HOST_PORT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadEnvironment(tt.env)
			if tt.setting != "" {
				var cfgErr *types.ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, tt.setting, cfgErr.Setting)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadEnvironment_BadValue(t *testing.T) {
	_, err := LoadEnvironment(map[string]string{"POLL_INTERVAL": "soon"})
	assert.Error(t, err)
}

func TestStoreAddress_Missing(t *testing.T) {
	cfg, err := LoadEnvironment(map[string]string{"ETCD_HOST": "  "})
	require.NoError(t, err)

	_, err = cfg.StoreAddress()
	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "ETCD_HOST", cfgErr.Setting)
}

// unsetenv clears key for the test and restores it afterwards
func unsetenv(t *testing.T, key string) {
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoad_DotenvFile(t *testing.T) {
	unsetenv(t, "LOG_SIDECAR")
	unsetenv(t, "STATS_PATH")
	t.Setenv("ALB_ID", "from-env")

	file := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(file, []byte("ALB_ID=from-file\nLOG_SIDECAR=fluentd:24224\nSTATS_PATH=/metrics-ui\n"), 0644))

	cfg, err := Load(file, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.ALBID)
	assert.Equal(t, "fluentd:24224", cfg.LogSidecar)

	extras := cfg.Extras()
	assert.Equal(t, "fluentd:24224", extras.LogSidecar)
	assert.Equal(t, "/metrics-ui", extras.StatsPath)
	assert.Equal(t, 1936, extras.StatsPort)
}

func TestLog(t *testing.T) {
	cfg, err := LoadEnvironment(map[string]string{"LOG_LEVEL": "DEBUG", "LOG_JSON": "true"})
	require.NoError(t, err)
	assert.Equal(t, log.Config{Level: log.DebugLevel, JSONOutput: true}, cfg.Log())
}
