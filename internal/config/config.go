// Package config handles configuration loading and validation for casmesh.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/casmesh/casmesh/pkg/bytesize"
	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // console or json
	// File, if set, receives logs through a rotating writer.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// CompressionConfig controls how content is stored.
type CompressionConfig struct {
	Enabled bool `yaml:"enabled"`
	Level   int  `yaml:"level"` // zstd level, 1-4
}

// TransportConfig is shared by servers, clients and proxies.
type TransportConfig struct {
	PSK         string        `yaml:"psk"`          // Enables frame encryption when set
	SendRate    bytesize.Rate `yaml:"send_rate"`    // e.g. "100Mbps"; empty is unlimited
	CallTimeout string        `yaml:"call_timeout"` // Duration string, e.g. "5m"
}

// TracingConfig controls the transfer flight recorder.
type TracingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BufferSize bytesize.Size `yaml:"buffer_size"`
}

// WaitConfig bounds waits on content another writer is producing.
type WaitConfig struct {
	CheckInterval string `yaml:"check_interval"`
	Timeout       string `yaml:"timeout"`
}

// ServerConfig holds configuration for the storage server.
type ServerConfig struct {
	Listen   string `yaml:"listen"`
	DataDir  string `yaml:"data_dir"`
	Zone     string `yaml:"zone"`
	HintRoot string `yaml:"hint_root"` // Resolves relative fetch hints when content must be recomputed

	Capacity         bytesize.Size `yaml:"capacity"`
	MaxObjectSize    bytesize.Size `yaml:"max_object_size"`
	MessageSize      bytesize.Size `yaml:"message_size"`
	MemoryWriteLimit bytesize.Size `yaml:"memory_write_limit"`
	Workers          int           `yaml:"workers"`
	MaxTransfers     int           `yaml:"max_transfers"`

	SnapshotInterval string   `yaml:"snapshot_interval"`
	DisallowedKeys   []string `yaml:"disallowed_keys"`

	Compression CompressionConfig `yaml:"compression"`
	Transport   TransportConfig   `yaml:"transport"`
	Wait        WaitConfig        `yaml:"wait"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Log         LogConfig         `yaml:"log"`
}

// ProxyConfig makes a client relay traffic for its zone.
type ProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Port is announced to the server; defaults to the listen port.
	Port int `yaml:"port"`
	// Advertise is the host zone peers dial; defaults to the first
	// non-loopback interface address.
	Advertise string `yaml:"advertise"`
}

// AdvertisedPort returns the proxy port announced to the server.
func (p *ProxyConfig) AdvertisedPort() int {
	if p.Port > 0 {
		return p.Port
	}
	_, port, err := net.SplitHostPort(p.Listen)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// ScanConfig controls directory scans that seed the local index.
type ScanConfig struct {
	Dirs    []string `yaml:"dirs"`
	Workers int      `yaml:"workers"`
}

// ClientConfig holds configuration for a storage client.
type ClientConfig struct {
	Name    string `yaml:"name"`
	Server  string `yaml:"server"`
	Zone    string `yaml:"zone"`
	DataDir string `yaml:"data_dir"`

	// Compression is "auto" (follow the server), "on" or "off".
	Compression      string        `yaml:"compression"`
	ParallelSegments int           `yaml:"parallel_segments"`
	AllowProxy       *bool         `yaml:"allow_proxy"`
	MemoryWriteLimit bytesize.Size `yaml:"memory_write_limit"`

	// ProxyConnectTimeout bounds each attempt to reach a zone proxy.
	ProxyConnectTimeout string `yaml:"proxy_connect_timeout"`
	ProxyRetries        int    `yaml:"proxy_retries"`
	BadProxyCache       int    `yaml:"bad_proxy_cache"`

	Proxy     ProxyConfig     `yaml:"proxy"`
	Scan      ScanConfig      `yaml:"scan"`
	Transport TransportConfig `yaml:"transport"`
	Wait      WaitConfig      `yaml:"wait"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Log       LogConfig       `yaml:"log"`
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (l *LogConfig) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "console"
	}
	if l.File != "" {
		l.File = expandHome(l.File)
		if l.MaxSizeMB == 0 {
			l.MaxSizeMB = 100
		}
		if l.MaxBackups == 0 {
			l.MaxBackups = 5
		}
		if l.MaxAgeDays == 0 {
			l.MaxAgeDays = 28
		}
	}
}

func (t *TransportConfig) applyDefaults() {
	if t.CallTimeout == "" {
		t.CallTimeout = "5m"
	}
}

func (w *WaitConfig) applyDefaults() {
	if w.CheckInterval == "" {
		w.CheckInterval = "5s"
	}
	if w.Timeout == "" {
		w.Timeout = "5m"
	}
}

// DefaultServerConfig returns a server configuration with every default applied.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadServerConfig loads server configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":7070"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/casmesh"
	}
	c.DataDir = expandHome(c.DataDir)
	c.HintRoot = expandHome(c.HintRoot)
	if c.MessageSize == 0 {
		c.MessageSize = proto.DefaultMessageSize
	}
	if c.MemoryWriteLimit == 0 {
		c.MemoryWriteLimit = 1 << 20
	}
	if c.MaxObjectSize == 0 {
		c.MaxObjectSize = 16 << 30
	}
	if c.Workers == 0 {
		c.Workers = 64
	}
	if c.SnapshotInterval == "" {
		c.SnapshotInterval = "5m"
	}
	if c.Compression.Level == 0 {
		c.Compression.Level = 3
	}
	c.Transport.applyDefaults()
	c.Wait.applyDefaults()
	c.Log.applyDefaults()
}

// StoreDir is where content files live.
func (c *ServerConfig) StoreDir() string { return filepath.Join(c.DataDir, "cas") }

// SnapshotPath is the table snapshot file.
func (c *ServerConfig) SnapshotPath() string { return filepath.Join(c.DataDir, "table.snapshot") }

// Validate checks the configuration for errors.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if len(c.Zone) > proto.MaxZoneLen {
		return fmt.Errorf("zone must be at most %d bytes", proto.MaxZoneLen)
	}
	if err := validateMessageSize(c.MessageSize); err != nil {
		return err
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.MaxTransfers < 0 {
		return fmt.Errorf("max_transfers must not be negative")
	}
	if c.Capacity < 0 {
		return fmt.Errorf("capacity must not be negative")
	}
	if c.MaxObjectSize < 0 {
		return fmt.Errorf("max_object_size must not be negative")
	}
	if c.Compression.Level < 1 || c.Compression.Level > 4 {
		return fmt.Errorf("compression.level must be between 1 and 4")
	}
	if _, err := c.DisallowedKeyList(); err != nil {
		return err
	}
	for name, d := range map[string]string{
		"snapshot_interval":      c.SnapshotInterval,
		"transport.call_timeout": c.Transport.CallTimeout,
		"wait.check_interval":    c.Wait.CheckInterval,
		"wait.timeout":           c.Wait.Timeout,
	} {
		if err := validateDuration(name, d); err != nil {
			return err
		}
	}
	return validateLog(&c.Log)
}

// DisallowedKeyList parses DisallowedKeys.
func (c *ServerConfig) DisallowedKeyList() ([]cas.Key, error) {
	keys := make([]cas.Key, 0, len(c.DisallowedKeys))
	for _, s := range c.DisallowedKeys {
		k, err := cas.ParseKey(s)
		if err != nil {
			return nil, fmt.Errorf("invalid disallowed key %q: %w", s, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// LoadClientConfig loads client configuration from a YAML file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// DefaultClientConfig returns a client configuration with every default applied.
func DefaultClientConfig() *ClientConfig {
	cfg := &ClientConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *ClientConfig) applyDefaults() {
	if c.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Name = host
		}
	}
	if c.DataDir == "" {
		c.DataDir = "~/.cache/casmesh"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Compression == "" {
		c.Compression = "auto"
	}
	if c.ParallelSegments == 0 {
		c.ParallelSegments = 8
	}
	if c.AllowProxy == nil {
		allow := true
		c.AllowProxy = &allow
	}
	if c.MemoryWriteLimit == 0 {
		c.MemoryWriteLimit = 1 << 20
	}
	if c.ProxyConnectTimeout == "" {
		c.ProxyConnectTimeout = "10s"
	}
	if c.ProxyRetries == 0 {
		c.ProxyRetries = 3
	}
	if c.BadProxyCache == 0 {
		c.BadProxyCache = 64
	}
	if c.Proxy.Enabled && c.Proxy.Listen == "" {
		c.Proxy.Listen = ":7071"
	}
	if c.Scan.Workers == 0 {
		c.Scan.Workers = 8
	}
	for i, d := range c.Scan.Dirs {
		c.Scan.Dirs[i] = expandHome(d)
	}
	c.Transport.applyDefaults()
	c.Wait.applyDefaults()
	c.Log.applyDefaults()
}

// StoreDir is the local content cache.
func (c *ClientConfig) StoreDir() string { return filepath.Join(c.DataDir, "cas") }

// ScanIndexPath is where scan results are remembered between runs.
func (c *ClientConfig) ScanIndexPath() string { return filepath.Join(c.DataDir, "scan-index.json") }

// ProxyAllowed reports whether fetches may be redirected to a zone proxy.
func (c *ClientConfig) ProxyAllowed() bool { return c.AllowProxy == nil || *c.AllowProxy }

// Validate checks the configuration for errors.
func (c *ClientConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Name) > proto.MaxNameLen {
		return fmt.Errorf("name must be at most %d bytes", proto.MaxNameLen)
	}
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if len(c.Zone) > proto.MaxZoneLen {
		return fmt.Errorf("zone must be at most %d bytes", proto.MaxZoneLen)
	}
	switch c.Compression {
	case "auto", "on", "off":
	default:
		return fmt.Errorf("compression must be auto, on or off")
	}
	if c.ParallelSegments < 1 {
		return fmt.Errorf("parallel_segments must be at least 1")
	}
	if c.ProxyRetries < 1 {
		return fmt.Errorf("proxy_retries must be at least 1")
	}
	if c.BadProxyCache < 1 {
		return fmt.Errorf("bad_proxy_cache must be at least 1")
	}
	if c.Scan.Workers < 1 {
		return fmt.Errorf("scan.workers must be at least 1")
	}
	if c.Proxy.Enabled {
		if c.Proxy.Listen == "" {
			return fmt.Errorf("proxy.listen is required when the proxy is enabled")
		}
		if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
			return fmt.Errorf("proxy.port must be between 1 and 65535")
		}
	}
	for name, d := range map[string]string{
		"proxy_connect_timeout":  c.ProxyConnectTimeout,
		"transport.call_timeout": c.Transport.CallTimeout,
		"wait.check_interval":    c.Wait.CheckInterval,
		"wait.timeout":           c.Wait.Timeout,
	} {
		if err := validateDuration(name, d); err != nil {
			return err
		}
	}
	return validateLog(&c.Log)
}

func validateMessageSize(s bytesize.Size) error {
	if s < proto.MinMessageSize || s > proto.MaxMessageSize {
		return fmt.Errorf("message_size must be between %s and %s",
			bytesize.Format(proto.MinMessageSize), bytesize.Format(proto.MaxMessageSize))
	}
	return nil
}

func validateDuration(name, s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	return nil
}

func validateLog(l *LogConfig) error {
	switch l.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json")
	}
	return nil
}

// Duration parses a duration already checked by Validate, falling back to def.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
