package agent

import (
	"github.com/markus-barta/edgefleet/internal/agentconfig"
	"github.com/markus-barta/edgefleet/internal/bus"
)

// buildTLSConfig returns nil when no TLS material is configured, so the
// bus client falls back to a plain TCP connection.
func buildTLSConfig(cfg *agentconfig.Config) *bus.TLSConfig {
	if cfg.TLSCACert == "" && cfg.TLSClientCert == "" {
		return nil
	}
	return &bus.TLSConfig{
		CACertPath:     cfg.TLSCACert,
		ClientCertPath: cfg.TLSClientCert,
		ClientKeyPath:  cfg.TLSClientKey,
	}
}
