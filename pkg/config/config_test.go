package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
)

type testHubConfig struct {
	ListenAddr   string                 `json:"listen_addr"`
	PollInterval models.Duration        `json:"poll_interval"`
	NATS         models.NATSConfig      `json:"nats"`
	Security     *models.SecurityConfig `json:"security,omitempty"`
	Tags         []string               `json:"tags,omitempty"`

	validateCalls int
}

var errListenAddrMissing = errors.New("listen_addr is required")

func (c *testHubConfig) Validate() error {
	c.validateCalls++

	if c.ListenAddr == "" {
		return errListenAddrMissing
	}

	if c.PollInterval == 0 {
		c.PollInterval = models.Duration(30 * time.Second)
	}

	return nil
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hub.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	return path
}

func TestFileConfigLoader(t *testing.T) {
	path := writeConfigFile(t, `{
		"listen_addr": ":8090",
		"poll_interval": "45s",
		"nats": {"url": "nats://127.0.0.1:4222"}
	}`)

	var cfg testHubConfig

	loader := &FileConfigLoader{}
	if err := loader.Load(context.Background(), path, &cfg); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr != ":8090" {
		t.Errorf("Expected listen_addr :8090, got %s", cfg.ListenAddr)
	}

	if time.Duration(cfg.PollInterval) != 45*time.Second {
		t.Errorf("Expected poll_interval 45s, got %v", cfg.PollInterval)
	}

	if cfg.NATS.URL != "nats://127.0.0.1:4222" {
		t.Errorf("Expected nats url, got %s", cfg.NATS.URL)
	}
}

func TestFileConfigLoaderMissingFile(t *testing.T) {
	var cfg testHubConfig

	loader := &FileConfigLoader{}

	err := loader.Load(context.Background(), "/nonexistent/hub.json", &cfg)
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestLoadAndValidateAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{
		"listen_addr": ":8090",
		"nats": {"url": "nats://127.0.0.1:4222"}
	}`)

	var cfg testHubConfig

	c := NewConfig(logger.NewTestLogger())
	if err := c.LoadAndValidate(context.Background(), path, &cfg); err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	if cfg.validateCalls != 1 {
		t.Errorf("Expected Validate to be called once, got %d", cfg.validateCalls)
	}

	if time.Duration(cfg.PollInterval) != 30*time.Second {
		t.Errorf("Expected defaulted poll_interval 30s, got %v", cfg.PollInterval)
	}
}

func TestLoadAndValidateValidationError(t *testing.T) {
	path := writeConfigFile(t, `{"nats": {"url": "nats://127.0.0.1:4222"}}`)

	var cfg testHubConfig

	c := NewConfig(logger.NewTestLogger())

	err := c.LoadAndValidate(context.Background(), path, &cfg)
	if !errors.Is(err, errListenAddrMissing) {
		t.Fatalf("Expected listen addr validation error, got %v", err)
	}
}

func TestLoadAndValidateNormalizesSecurity(t *testing.T) {
	path := writeConfigFile(t, `{
		"listen_addr": ":8090",
		"nats": {"url": "nats://127.0.0.1:4222"},
		"security": {
			"mode": "mtls",
			"cert_dir": "/etc/hearth/certs",
			"tls": {
				"cert_file": "hub.pem",
				"key_file": "hub-key.pem",
				"ca_file": "root.pem"
			}
		}
	}`)

	var cfg testHubConfig

	c := NewConfig(logger.NewTestLogger())
	if err := c.LoadAndValidate(context.Background(), path, &cfg); err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	tls := cfg.Security.TLS
	if tls.CertFile != "/etc/hearth/certs/hub.pem" {
		t.Errorf("Expected normalized cert path, got %s", tls.CertFile)
	}

	if tls.ClientCAFile != "/etc/hearth/certs/root.pem" {
		t.Errorf("Expected client CA to fall back to CA file, got %s", tls.ClientCAFile)
	}
}

func TestEnvConfigLoader(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("HEARTH_LISTEN_ADDR", ":9090")
	t.Setenv("HEARTH_POLL_INTERVAL", "1m")
	t.Setenv("HEARTH_NATS_URL", "nats://envhost:4222")
	t.Setenv("HEARTH_TAGS", "alpha, beta")

	var cfg testHubConfig

	c := NewConfig(logger.NewTestLogger())
	if err := c.LoadAndValidate(context.Background(), "/ignored.json", &cfg); err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("Expected listen_addr :9090, got %s", cfg.ListenAddr)
	}

	if time.Duration(cfg.PollInterval) != time.Minute {
		t.Errorf("Expected poll_interval 1m, got %v", cfg.PollInterval)
	}

	if cfg.NATS.URL != "nats://envhost:4222" {
		t.Errorf("Expected nested nats url from env, got %s", cfg.NATS.URL)
	}

	if len(cfg.Tags) != 2 || cfg.Tags[0] != "alpha" || cfg.Tags[1] != "beta" {
		t.Errorf("Expected tags [alpha beta], got %v", cfg.Tags)
	}
}

func TestEnvConfigLoaderConfigJSON(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("HEARTH_CONFIG_JSON", `{"listen_addr": ":7070", "nats": {"url": "nats://json:4222"}}`)

	var cfg testHubConfig

	c := NewConfig(logger.NewTestLogger())
	if err := c.LoadAndValidate(context.Background(), "/ignored.json", &cfg); err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	if cfg.ListenAddr != ":7070" {
		t.Errorf("Expected listen_addr :7070, got %s", cfg.ListenAddr)
	}

	if cfg.NATS.URL != "nats://json:4222" {
		t.Errorf("Expected nats url from CONFIG_JSON, got %s", cfg.NATS.URL)
	}
}

func TestInvalidConfigSource(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "consul")

	var cfg testHubConfig

	c := NewConfig(logger.NewTestLogger())

	err := c.LoadAndValidate(context.Background(), "/ignored.json", &cfg)
	if !errors.Is(err, errInvalidConfigSource) {
		t.Fatalf("Expected invalid config source error, got %v", err)
	}
}

func TestNormalizeTLSPathsKeepsAbsolute(t *testing.T) {
	tls := &models.TLSConfig{
		CertFile: "/abs/cert.pem",
		KeyFile:  "key.pem",
		CAFile:   "/abs/root.pem",
	}

	NormalizeTLSPaths(tls, "/etc/hearth/certs")

	if tls.CertFile != "/abs/cert.pem" {
		t.Errorf("Absolute cert path should be untouched, got %s", tls.CertFile)
	}

	if tls.KeyFile != "/etc/hearth/certs/key.pem" {
		t.Errorf("Relative key path should be joined, got %s", tls.KeyFile)
	}
}
