package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// KDL configuration file names
const (
	GlobalConfigFile  = "config.kdl"
	ProjectConfigFile = ".pqi.kdl"
)

// KDLConfig is the on-disk shape of a config file.
type KDLConfig struct {
	Role      string       `kdl:"role"`
	Verbose   bool         `kdl:"verbose"`
	Inspector KDLInspector `kdl:"inspector"`
	Transport KDLTransport `kdl:"transport"`
	Reconnect KDLReconnect `kdl:"reconnect"`
	Feed      KDLFeed      `kdl:"feed"`
	EventLog  KDLEventLog  `kdl:"event-log"`
}

// KDLInspector is the inspector block.
type KDLInspector struct {
	Host        string `kdl:"host"`
	Port        int    `kdl:"port"`
	ReusePort   bool   `kdl:"reuse-port"`
	MaxClients  int    `kdl:"max-clients"`
	AutoDisable *bool  `kdl:"auto-disable"`
}

// KDLTransport is the transport block. Timeouts are seconds, close-grace is
// milliseconds.
type KDLTransport struct {
	MaxRecordSize int `kdl:"max-record-size"`
	QueueSize     int `kdl:"queue-size"`
	WriteTimeout  int `kdl:"write-timeout"`
	CloseGrace    int `kdl:"close-grace"`
}

// KDLReconnect is the reconnect block. Backoff is milliseconds, dial-timeout
// is seconds.
type KDLReconnect struct {
	MaxAttempts *int `kdl:"max-attempts"`
	Backoff     int  `kdl:"backoff"`
	DialTimeout int  `kdl:"dial-timeout"`
}

// KDLFeed is the feed block.
type KDLFeed struct {
	Addr string `kdl:"addr"`
}

// KDLEventLog is the event-log block.
type KDLEventLog struct {
	Path string `kdl:"path"`
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "pqi", GlobalConfigFile)
}

// LoadGlobalConfig loads the global configuration from the default location.
// A missing file yields the defaults.
func LoadGlobalConfig() (*Config, error) {
	path := GlobalConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfigFile(path)
}

// LoadConfigFile loads configuration from a specific file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseKDLConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseKDLConfig parses KDL configuration data over the defaults.
func ParseKDLConfig(data string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyKDL(cfg, data); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load resolves the effective configuration for dir: defaults, then the
// global file, then the nearest .pqi.kdl in dir or its parents.
func Load(dir string) (*Config, error) {
	cfg, err := LoadGlobalConfig()
	if err != nil {
		return nil, err
	}
	path := FindProjectConfigFile(dir)
	if path == "" {
		return cfg, nil
	}
	log.Printf("[Config] using %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := applyKDL(cfg, string(data)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FindProjectConfigFile searches for .pqi.kdl starting from dir and walking up.
func FindProjectConfigFile(dir string) string {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(absDir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(absDir)
		if parent == absDir {
			return ""
		}
		absDir = parent
	}
}

// applyKDL overlays the settings present in data onto cfg.
func applyKDL(cfg *Config, data string) error {
	var k KDLConfig
	if err := kdl.Unmarshal([]byte(data), &k); err != nil {
		return err
	}

	if k.Role != "" {
		cfg.Role = k.Role
	}
	if k.Verbose {
		cfg.Verbose = true
	}

	if k.Inspector.Host != "" {
		cfg.Inspector.Host = k.Inspector.Host
	}
	if k.Inspector.Port != 0 {
		cfg.Inspector.Port = k.Inspector.Port
	}
	if k.Inspector.ReusePort {
		cfg.Inspector.ReusePort = true
	}
	if k.Inspector.MaxClients != 0 {
		cfg.Inspector.MaxClients = k.Inspector.MaxClients
	}
	if k.Inspector.AutoDisable != nil {
		cfg.Inspector.AutoDisable = *k.Inspector.AutoDisable
	}

	if k.Transport.MaxRecordSize != 0 {
		cfg.Transport.MaxRecordSize = k.Transport.MaxRecordSize
	}
	if k.Transport.QueueSize != 0 {
		cfg.Transport.QueueSize = k.Transport.QueueSize
	}
	if k.Transport.WriteTimeout != 0 {
		cfg.Transport.WriteTimeout = time.Duration(k.Transport.WriteTimeout) * time.Second
	}
	if k.Transport.CloseGrace != 0 {
		cfg.Transport.CloseGrace = time.Duration(k.Transport.CloseGrace) * time.Millisecond
	}

	if k.Reconnect.MaxAttempts != nil {
		cfg.Reconnect.MaxAttempts = *k.Reconnect.MaxAttempts
	}
	if k.Reconnect.Backoff != 0 {
		cfg.Reconnect.Backoff = time.Duration(k.Reconnect.Backoff) * time.Millisecond
	}
	if k.Reconnect.DialTimeout != 0 {
		cfg.Reconnect.DialTimeout = time.Duration(k.Reconnect.DialTimeout) * time.Second
	}

	if k.Feed.Addr != "" {
		cfg.Feed.Addr = k.Feed.Addr
	}
	if k.EventLog.Path != "" {
		cfg.EventLog.Path = ExpandPath(k.EventLog.Path)
	}
	return nil
}

// WriteDefaultConfig writes a documented default config file.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// pqi configuration

// Transport side: "server" listens, "client" dials. Unset, the inspector
// listens and agents dial.
// role "server"

inspector {
    host "127.0.0.1"
    port 19394
    max-clients 100
    // Turn inspect mode off on every target once a widget is picked
    auto-disable true
}

transport {
    // Largest accepted record in bytes
    max-record-size 1048576
    // Outbound commands buffered per connection
    queue-size 1024
    // Seconds
    write-timeout 10
    // Milliseconds the writer gets to flush on close
    close-grace 1000
}

reconnect {
    // 0 retries forever
    max-attempts 10
    // Milliseconds between attempts
    backoff 500
    // Seconds
    dial-timeout 5
}

// feed { addr "127.0.0.1:19395"; }
// event-log { path "~/.local/share/pqi/events.db"; }
`
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0644)
}
