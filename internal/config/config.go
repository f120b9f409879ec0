// Package config holds pqi configuration: defaults, KDL loading and
// validation, plus conversion into the runtime configs of each component.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/standardbeagle/pqi/internal/daemon"
	"github.com/standardbeagle/pqi/internal/protocol"
	"github.com/standardbeagle/pqi/internal/session"
)

// Config holds the complete pqi configuration.
type Config struct {
	// Role selects the transport side: "server" listens on the inspector
	// address and "client" dials it. Empty keeps each command's usual side:
	// the inspector listens and an agent dials.
	Role string `json:"role"`

	Inspector InspectorConfig `json:"inspector"`
	Transport TransportConfig `json:"transport"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Feed      FeedConfig      `json:"feed"`
	EventLog  EventLogConfig  `json:"event_log"`

	// Verbose turns on per-command trace logging.
	Verbose bool `json:"verbose"`
}

// InspectorConfig holds the address both sides meet on, plus the listening
// side's limits.
type InspectorConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	ReusePort  bool   `json:"reuse_port"`
	MaxClients int    `json:"max_clients"`
	// AutoDisable turns inspect mode off once a widget has been picked.
	AutoDisable bool `json:"auto_disable"`
}

// TransportConfig configures every connection endpoint.
type TransportConfig struct {
	MaxRecordSize int           `json:"max_record_size"`
	QueueSize     int           `json:"queue_size"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	CloseGrace    time.Duration `json:"close_grace"`
}

// ReconnectConfig configures the agent's resilient client.
type ReconnectConfig struct {
	// MaxAttempts per connect cycle; 0 retries forever.
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	DialTimeout time.Duration `json:"dial_timeout"`
}

// FeedConfig configures the WebSocket event feed. An empty Addr disables it.
type FeedConfig struct {
	Addr string `json:"addr"`
}

// EventLogConfig configures the SQLite event journal. An empty Path disables it.
type EventLogConfig struct {
	Path string `json:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	ep := session.DefaultEndpointConfig()
	dc := daemon.DefaultDaemonConfig()
	rc := daemon.DefaultResilientClientConfig()
	return &Config{
		Inspector: InspectorConfig{
			Host:        dc.Host,
			Port:        dc.Port,
			MaxClients:  dc.MaxClients,
			AutoDisable: true,
		},
		Transport: TransportConfig{
			MaxRecordSize: ep.MaxRecordSize,
			QueueSize:     ep.QueueSize,
			WriteTimeout:  ep.WriteTimeout,
			CloseGrace:    ep.CloseGrace,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: rc.MaxReconnectAttempts,
			Backoff:     rc.ReconnectBackoff,
			DialTimeout: rc.DialTimeout,
		},
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Role {
	case "", string(protocol.RoleServer), string(protocol.RoleClient):
	default:
		errs = append(errs, fmt.Errorf("role must be %q or %q, got %q", protocol.RoleServer, protocol.RoleClient, c.Role))
	}
	if c.Inspector.Port < 1 || c.Inspector.Port > 65535 {
		errs = append(errs, fmt.Errorf("inspector port %d out of range 1-65535", c.Inspector.Port))
	}
	if c.Inspector.MaxClients < 0 {
		errs = append(errs, errors.New("inspector max-clients must be >= 0"))
	}
	if c.Transport.MaxRecordSize < 0 || c.Transport.QueueSize < 0 {
		errs = append(errs, errors.New("transport sizes must be >= 0"))
	}
	if c.Transport.WriteTimeout < 0 || c.Transport.CloseGrace < 0 {
		errs = append(errs, errors.New("transport timeouts must be >= 0"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect max-attempts must be >= 0"))
	}
	if c.Reconnect.Backoff < 0 || c.Reconnect.DialTimeout < 0 {
		errs = append(errs, errors.New("reconnect backoff and dial-timeout must be >= 0"))
	}
	return errors.Join(errs...)
}

// TransportRole returns the configured transport side, or def when unset.
func (c *Config) TransportRole(def protocol.Role) protocol.Role {
	if c.Role == "" {
		return def
	}
	return protocol.Role(c.Role)
}

// Address returns the inspector's host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Inspector.Host, strconv.Itoa(c.Inspector.Port))
}

// Endpoint returns the per-connection transport settings.
func (c *Config) Endpoint() session.EndpointConfig {
	return session.EndpointConfig{
		MaxRecordSize: c.Transport.MaxRecordSize,
		QueueSize:     c.Transport.QueueSize,
		WriteTimeout:  c.Transport.WriteTimeout,
		CloseGrace:    c.Transport.CloseGrace,
	}
}

// Daemon returns the listener settings for whichever side listens.
func (c *Config) Daemon() daemon.DaemonConfig {
	dc := daemon.DefaultDaemonConfig()
	dc.Host = c.Inspector.Host
	dc.Port = c.Inspector.Port
	dc.ReusePort = c.Inspector.ReusePort
	dc.MaxClients = c.Inspector.MaxClients
	dc.Endpoint = c.Endpoint()
	dc.Verbose = c.Verbose
	return dc
}

// Client returns the resilient client settings for whichever side dials.
func (c *Config) Client() daemon.ResilientClientConfig {
	rc := daemon.DefaultResilientClientConfig()
	rc.Addr = c.Address()
	rc.MaxReconnectAttempts = c.Reconnect.MaxAttempts
	rc.ReconnectBackoff = c.Reconnect.Backoff
	rc.DialTimeout = c.Reconnect.DialTimeout
	rc.Session.Endpoint = c.Endpoint()
	rc.Session.Verbose = c.Verbose
	return rc
}

// ExpandPath replaces a leading "~" with the user's home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
