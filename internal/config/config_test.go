package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/testutil"
)

func TestLoadServerConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	key := cas.ComputeKey([]byte("blocked")).Canonical()
	content := `
listen: ":9000"
data_dir: "` + dir + `"
zone: "eu-west"
capacity: 10GiB
message_size: 256KiB
workers: 16
disallowed_keys:
  - "` + key.String() + `"
compression:
  enabled: true
  level: 2
transport:
  psk: "secret"
  send_rate: 100Mbps
tracing:
  enabled: true
  buffer_size: 4MiB
log:
  level: debug
  format: json
`
	cfg, err := LoadServerConfig(testutil.TempFile(t, dir, "server.yaml", content))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "eu-west", cfg.Zone)
	assert.Equal(t, int64(10<<30), cfg.Capacity.Bytes())
	assert.Equal(t, int64(256<<10), cfg.MessageSize.Bytes())
	assert.Equal(t, 16, cfg.Workers)
	assert.True(t, cfg.Compression.Enabled)
	assert.Equal(t, 2, cfg.Compression.Level)
	assert.Equal(t, "secret", cfg.Transport.PSK)
	assert.Equal(t, int64(12_500_000), cfg.Transport.SendRate.BytesPerSecond())
	assert.Equal(t, int64(4<<20), cfg.Tracing.BufferSize.Bytes())
	assert.Equal(t, "json", cfg.Log.Format)

	keys, err := cfg.DisallowedKeyList()
	require.NoError(t, err)
	assert.Equal(t, []cas.Key{key}, keys)
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfg, err := LoadServerConfig(testutil.TempFile(t, dir, "server.yaml", "zone: us\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "/var/lib/casmesh", cfg.DataDir)
	assert.Equal(t, int64(64<<10), cfg.MessageSize.Bytes())
	assert.Equal(t, 64, cfg.Workers)
	assert.Equal(t, int64(16<<30), cfg.MaxObjectSize.Bytes())
	assert.Equal(t, 3, cfg.Compression.Level)
	assert.True(t, cfg.Transport.SendRate.Unlimited())
	assert.Equal(t, "5m", cfg.SnapshotInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "/var/lib/casmesh/cas", cfg.StoreDir())
	assert.Equal(t, "/var/lib/casmesh/table.snapshot", cfg.SnapshotPath())
}

func TestLoadServerConfig_FileNotFound(t *testing.T) {
	_, err := LoadServerConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadServerConfig_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := LoadServerConfig(testutil.TempFile(t, dir, "bad.yaml", "listen: [unclosed"))
	assert.Error(t, err)

	_, err = LoadServerConfig(testutil.TempFile(t, dir, "size.yaml", "capacity: lots"))
	assert.Error(t, err)
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr string
	}{
		{"valid", func(*ServerConfig) {}, ""},
		{"message size too small", func(c *ServerConfig) { c.MessageSize = 1024 }, "message_size"},
		{"message size too large", func(c *ServerConfig) { c.MessageSize = 32 << 20 }, "message_size"},
		{"no workers", func(c *ServerConfig) { c.Workers = 0 }, "workers"},
		{"bad level", func(c *ServerConfig) { c.Compression.Level = 9 }, "compression.level"},
		{"bad key", func(c *ServerConfig) { c.DisallowedKeys = []string{"zz"} }, "disallowed key"},
		{"bad duration", func(c *ServerConfig) { c.Wait.Timeout = "soon" }, "wait.timeout"},
		{"negative duration", func(c *ServerConfig) { c.SnapshotInterval = "-1s" }, "snapshot_interval"},
		{"bad log format", func(c *ServerConfig) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadClientConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
name: builder-7
server: "cas.internal:7070"
zone: "eu-west/b"
data_dir: "` + dir + `"
compression: "off"
allow_proxy: false
proxy:
  enabled: true
  listen: ":9100"
scan:
  dirs: ["` + dir + `/src"]
  workers: 4
`
	cfg, err := LoadClientConfig(testutil.TempFile(t, dir, "client.yaml", content))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "builder-7", cfg.Name)
	assert.Equal(t, "cas.internal:7070", cfg.Server)
	assert.Equal(t, "off", cfg.Compression)
	assert.False(t, cfg.ProxyAllowed())
	assert.True(t, cfg.Proxy.Enabled)
	assert.Equal(t, ":9100", cfg.Proxy.Listen)
	assert.Equal(t, 4, cfg.Scan.Workers)
	assert.Equal(t, dir+"/scan-index.json", cfg.ScanIndexPath())
}

func TestLoadClientConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfg, err := LoadClientConfig(testutil.TempFile(t, dir, "client.yaml", "server: localhost:7070\nproxy:\n  enabled: true\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.NotEmpty(t, cfg.Name)
	assert.Equal(t, "auto", cfg.Compression)
	assert.Equal(t, 8, cfg.ParallelSegments)
	assert.True(t, cfg.ProxyAllowed())
	assert.Equal(t, ":7071", cfg.Proxy.Listen)
	assert.Equal(t, 3, cfg.ProxyRetries)
	assert.Equal(t, 64, cfg.BadProxyCache)
	assert.Equal(t, 10*time.Second, Duration(cfg.ProxyConnectTimeout, 0))
}

func TestClientConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ClientConfig)
		wantErr string
	}{
		{"valid", func(*ClientConfig) {}, ""},
		{"no server", func(c *ClientConfig) { c.Server = "" }, "server is required"},
		{"no name", func(c *ClientConfig) { c.Name = "" }, "name is required"},
		{"bad compression", func(c *ClientConfig) { c.Compression = "maybe" }, "compression"},
		{"no segments", func(c *ClientConfig) { c.ParallelSegments = 0 }, "parallel_segments"},
		{"bad proxy port", func(c *ClientConfig) {
			c.Proxy.Enabled = true
			c.Proxy.Listen = ":1"
			c.Proxy.Port = 70000
		}, "proxy.port"},
		{"bad timeout", func(c *ClientConfig) { c.ProxyConnectTimeout = "x" }, "proxy_connect_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultClientConfig()
			cfg.Name = "worker"
			cfg.Server = "localhost:7070"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, Duration("3s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("bogus", time.Minute))
}

func TestProxyConfig_AdvertisedPort(t *testing.T) {
	assert.Equal(t, 7071, (&ProxyConfig{Listen: ":7071"}).AdvertisedPort())
	assert.Equal(t, 9000, (&ProxyConfig{Listen: ":7071", Port: 9000}).AdvertisedPort())
	assert.Equal(t, 0, (&ProxyConfig{Listen: "bogus"}).AdvertisedPort())
}
