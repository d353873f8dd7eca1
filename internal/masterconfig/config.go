// Package masterconfig loads the master's environment-variable
// configuration, the coordinator-side counterpart of agentconfig.
package masterconfig

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds all master configuration.
type Config struct {
	Broker    string // MQTT broker URL the coordinator connects to
	SecretKey string // shared secret agents must present at register_req

	HTTPAddr      string // address the viewer HTTP surface listens on
	HTTPAuthToken string // bearer token viewers and operators must present
	DatabasePath  string // SQLite database file path

	LivenessInterval time.Duration // how often the liveness sweeper runs
	OfflineThreshold time.Duration // heartbeat age past which a node is offline
	LogLevel         string

	TLSCACert     string
	TLSClientCert string
	TLSClientKey  string
}

func defaultConfig() *Config {
	return &Config{
		HTTPAddr:         ":8080",
		DatabasePath:     "/var/lib/edgefleet-master/edgefleet.db",
		LivenessInterval: 30 * time.Second,
		OfflineThreshold: 60 * time.Second,
		LogLevel:         "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := defaultConfig()

	cfg.Broker = os.Getenv("EDGEFLEET_BROKER")
	if cfg.Broker == "" {
		return nil, errors.New("EDGEFLEET_BROKER is required")
	}

	cfg.SecretKey = os.Getenv("EDGEFLEET_SECRET_KEY")
	if cfg.SecretKey == "" {
		return nil, errors.New("EDGEFLEET_SECRET_KEY is required")
	}

	cfg.HTTPAuthToken = os.Getenv("EDGEFLEET_HTTP_AUTH_TOKEN")
	if cfg.HTTPAuthToken == "" {
		return nil, errors.New("EDGEFLEET_HTTP_AUTH_TOKEN is required")
	}

	if addr := os.Getenv("EDGEFLEET_HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if path := os.Getenv("EDGEFLEET_DB_PATH"); path != "" {
		cfg.DatabasePath = path
	}
	if interval := os.Getenv("EDGEFLEET_LIVENESS_SECONDS"); interval != "" {
		seconds, err := strconv.Atoi(interval)
		if err != nil {
			return nil, errors.New("EDGEFLEET_LIVENESS_SECONDS must be a number (seconds)")
		}
		cfg.LivenessInterval = time.Duration(seconds) * time.Second
	}
	if threshold := os.Getenv("EDGEFLEET_OFFLINE_THRESHOLD_SECONDS"); threshold != "" {
		seconds, err := strconv.Atoi(threshold)
		if err != nil {
			return nil, errors.New("EDGEFLEET_OFFLINE_THRESHOLD_SECONDS must be a number (seconds)")
		}
		cfg.OfflineThreshold = time.Duration(seconds) * time.Second
	}
	if level := os.Getenv("EDGEFLEET_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	cfg.TLSCACert = os.Getenv("EDGEFLEET_TLS_CA_CERT")
	cfg.TLSClientCert = os.Getenv("EDGEFLEET_TLS_CLIENT_CERT")
	cfg.TLSClientKey = os.Getenv("EDGEFLEET_TLS_CLIENT_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Broker == "" {
		return errors.New("broker is required")
	}
	if c.SecretKey == "" {
		return errors.New("secret key is required")
	}
	if c.HTTPAuthToken == "" {
		return errors.New("http auth token is required")
	}
	if c.LivenessInterval < time.Second {
		return errors.New("liveness interval must be at least 1 second")
	}
	if c.OfflineThreshold < c.LivenessInterval {
		return errors.New("offline threshold must be at least the liveness interval")
	}
	return nil
}
