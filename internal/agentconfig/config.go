// Package agentconfig loads the agent's environment-variable
// configuration, generalizing the teacher's internal/config package
// from a dashboard WebSocket URL/token pair to a bus broker address and
// shared secret key.
package agentconfig

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all agent configuration.
type Config struct {
	Broker    string // MQTT broker URL, e.g. tcp://master:1883
	SecretKey string // pre-shared key presented at register_req

	NodeName        string        // human-readable name sent at registration
	IdentityFile    string        // path the assigned node_id is persisted to
	HeartbeatPeriod time.Duration // how often to publish heartbeats
	LogLevel        string

	TLSCACert     string
	TLSClientCert string
	TLSClientKey  string
}

func defaultConfig() *Config {
	hostname, _ := os.Hostname()
	if idx := strings.Index(hostname, "."); idx != -1 {
		hostname = hostname[:idx]
	}
	return &Config{
		NodeName:        hostname,
		IdentityFile:    "/var/lib/edgefleet-agent/node_id",
		HeartbeatPeriod: 15 * time.Second,
		LogLevel:        "info",
	}
}

// LoadFromEnv loads configuration from environment variables, applying
// the teacher's required-vs-optional split (EDGEFLEET_BROKER/SECRET_KEY
// are required, everything else has a sane default).
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

	if name := os.Getenv("EDGEFLEET_NODE_NAME"); name != "" {
		cfg.NodeName = name
	}
	if path := os.Getenv("EDGEFLEET_IDENTITY_FILE"); path != "" {
		cfg.IdentityFile = path
	}
	if period := os.Getenv("EDGEFLEET_HEARTBEAT_SECONDS"); period != "" {
		seconds, err := strconv.Atoi(period)
		if err != nil {
			return nil, errors.New("EDGEFLEET_HEARTBEAT_SECONDS must be a number (seconds)")
		}
		cfg.HeartbeatPeriod = time.Duration(seconds) * time.Second
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
	if c.HeartbeatPeriod < time.Second {
		return errors.New("heartbeat period must be at least 1 second")
	}
	if c.NodeName == "" {
		return errors.New("node name could not be determined and was not overridden")
	}
	return nil
}
