// Package config loads the AS4 server configuration.
//
// Configuration comes from a YAML file with environment variable
// expansion (${VAR} or $VAR), so credentials and endpoints can be
// injected at runtime.
//
// # Example Configuration
//
//	server:
//	  port: 8080
//	  endpointPath: /as4
//	  tls:
//	    enabled: true
//	    certFile: /etc/ssl/server.crt
//	    keyFile: /etc/ssl/server.key
//
//	storage:
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: as4
//
//	security:
//	  signingCert: /etc/as4/sign.crt
//	  signingKey: /etc/as4/sign.key
//	  peerCertDir: /etc/as4/peers
//
//	dedup:
//	  window: 10m
//	  sweepInterval: 1m
//
//	profile: cef
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Security  SecurityConfig  `yaml:"security"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Profile selects the conformance profile stamped on generated
	// processing modes: cef, peppol, entsog or bdew.
	Profile string `yaml:"profile"`

	// UseDefaultPMode lets the resolver synthesize a default processing
	// mode for unknown party pairs instead of rejecting them.
	UseDefaultPMode bool `yaml:"useDefaultPMode"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port         int    `yaml:"port"`
	EndpointPath string `yaml:"endpointPath"`
	TLS          struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`

	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// StorageConfig holds persistence settings. An empty MongoDB URI runs
// the server on in-memory stores.
type StorageConfig struct {
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// SecurityConfig holds key material locations
type SecurityConfig struct {
	// SigningCert and SigningKey are PEM files holding the local
	// signing identity.
	SigningCert string `yaml:"signingCert"`
	SigningKey  string `yaml:"signingKey"`

	// PeerCertDir holds one PEM certificate per trusted counterparty,
	// named by certificate reference.
	PeerCertDir string `yaml:"peerCertDir"`
}

// DedupConfig holds duplicate detection settings
type DedupConfig struct {
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// DiscoveryConfig holds BDXL endpoint discovery settings. A non-empty
// Zone enables DNS-based endpoint resolution for processing modes that
// name no literal endpoint address.
type DiscoveryConfig struct {
	Zone             string `yaml:"zone"`
	EnvironmentLabel string `yaml:"environmentLabel"`
	DNSServer        string `yaml:"dnsServer"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{UseDefaultPMode: true}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.EndpointPath == "" {
		c.Server.EndpointPath = "/as4"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "as4"
	}
	if c.Dedup.Window == 0 {
		c.Dedup.Window = 10 * time.Minute
	}
	if c.Dedup.SweepInterval == 0 {
		c.Dedup.SweepInterval = time.Minute
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Profile == "" {
		c.Profile = "cef"
	}
}

func (c *Config) validate() error {
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls requires certFile and keyFile")
		}
	}
	if (c.Security.SigningCert == "") != (c.Security.SigningKey == "") {
		return fmt.Errorf("security.signingCert and security.signingKey must be set together")
	}
	switch c.Profile {
	case "cef", "peppol", "entsog", "bdew":
	default:
		return fmt.Errorf("profile must be 'cef', 'peppol', 'entsog' or 'bdew', got '%s'", c.Profile)
	}
	return nil
}
