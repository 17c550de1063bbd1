package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the data directory.
const FileName = "pavillion.yml"

// Config models pavillion.yml.
type Config struct {
	Federation struct {
		Domain        string `yaml:"domain"`
		KeygenWorkers int    `yaml:"keygen_workers"`
		// KeyBits is the RSA modulus size for new local actors.
		KeyBits int `yaml:"key_bits"`
	} `yaml:"federation"`
	Netguard struct {
		DNSTimeout            time.Duration `yaml:"dns_timeout"`
		FailureAlertThreshold int           `yaml:"failure_alert_threshold"`
		// AllowPrivate disables SSRF blocking. Only for local development.
		AllowPrivate bool `yaml:"allow_private"`
	} `yaml:"netguard"`
	Fetch struct {
		Timeout   time.Duration `yaml:"timeout"`
		UserAgent string        `yaml:"user_agent"`
	} `yaml:"fetch"`
	Delivery struct {
		Enabled     *bool         `yaml:"enabled"`
		Interval    time.Duration `yaml:"interval"`
		Timeout     time.Duration `yaml:"timeout"`
		MaxAttempts int           `yaml:"max_attempts"`
	} `yaml:"delivery"`
	Server struct {
		Addr         string        `yaml:"addr"`
		BasePath     string        `yaml:"base_path"`
		MaxClockSkew time.Duration `yaml:"max_clock_skew"`
	} `yaml:"server"`
}

// DeliveryEnabled reports whether the delivery worker should run. It
// defaults to true.
func (c *Config) DeliveryEnabled() bool {
	return c.Delivery.Enabled == nil || *c.Delivery.Enabled
}

// Load reads and validates config from the data directory.
func Load(dir string) (*Config, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pavillion config init --domain <host>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(dir string) (*Config, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	domain := strings.TrimSpace(c.Federation.Domain)
	if domain == "" {
		return fmt.Errorf("config.federation.domain is required")
	}
	if strings.Contains(domain, "/") || strings.Contains(domain, "://") {
		return fmt.Errorf("config.federation.domain must be a bare host, got %q", domain)
	}
	if c.Federation.KeygenWorkers < 0 {
		return fmt.Errorf("config.federation.keygen_workers must not be negative")
	}
	if b := c.Federation.KeyBits; b != 0 && b < 1024 {
		return fmt.Errorf("config.federation.key_bits must be at least 1024")
	}
	for name, d := range map[string]time.Duration{
		"netguard.dns_timeout":  c.Netguard.DNSTimeout,
		"fetch.timeout":         c.Fetch.Timeout,
		"delivery.interval":     c.Delivery.Interval,
		"delivery.timeout":      c.Delivery.Timeout,
		"server.max_clock_skew": c.Server.MaxClockSkew,
	} {
		if d < 0 {
			return fmt.Errorf("config.%s must not be negative", name)
		}
	}
	if c.Netguard.FailureAlertThreshold < 0 {
		return fmt.Errorf("config.netguard.failure_alert_threshold must not be negative")
	}
	if c.Delivery.MaxAttempts < 0 {
		return fmt.Errorf("config.delivery.max_attempts must not be negative")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Path returns the config file path for a data directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName)
}

// GenerateDefault returns default config YAML for a federation domain.
func GenerateDefault(domain string) string {
	return fmt.Sprintf(defaultTemplate, domain)
}

// Default returns the default Config for a federation domain.
func Default(domain string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(domain))).Decode(&cfg)
	cfg.Federation.Domain = domain
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `federation:
  domain: %s
  keygen_workers: 2
  key_bits: 2048

netguard:
  dns_timeout: 5s
  failure_alert_threshold: 3
  allow_private: false

fetch:
  timeout: 10s
  user_agent: pavillion

delivery:
  enabled: true
  interval: 30s
  timeout: 10s
  max_attempts: 5

server:
  addr: ":8080"
  base_path: ""
  max_clock_skew: 12h
`
