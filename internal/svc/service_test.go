package svc

import (
	"context"
	"errors"
	"testing"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Mode: ModeProxy}.WithDefaults()
	assert.Equal(t, "casmesh-proxy", cfg.Name)
	assert.Contains(t, cfg.ConfigPath, "client.yaml")

	cfg = Config{Mode: ModeServe, Name: "cas", ConfigPath: "/srv/cas.yaml"}.WithDefaults()
	assert.Equal(t, "cas", cfg.Name)
	assert.Equal(t, "/srv/cas.yaml", cfg.ConfigPath)
}

func TestValidMode(t *testing.T) {
	assert.True(t, ValidMode(ModeServe))
	assert.True(t, ValidMode(ModeProxy))
	assert.False(t, ValidMode("join"))
}

func TestServiceConfig(t *testing.T) {
	cfg := Config{Name: "casmesh-server", Mode: ModeServe, ConfigPath: "/etc/casmesh/server.yaml", UserName: "cas"}

	sc := serviceConfig(cfg, "linux")
	assert.Equal(t, []string{"serve", "--config", "/etc/casmesh/server.yaml", RunFlag}, sc.Arguments)
	assert.Equal(t, "cas", sc.UserName)
	assert.Equal(t, "on-failure", sc.Option["Restart"])
	assert.Contains(t, sc.Dependencies, "After=network-online.target")

	sc = serviceConfig(cfg, "windows")
	assert.Empty(t, sc.UserName)
	assert.Equal(t, "restart", sc.Option["OnFailure"])
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", statusString(service.StatusRunning))
	assert.Equal(t, "stopped", statusString(service.StatusStopped))
	assert.Equal(t, "unknown", statusString(service.StatusUnknown))
}

func TestLogCommand(t *testing.T) {
	name, args, err := logCommand("linux", LogOptions{Name: "casmesh-server", Lines: 20, Follow: true})
	require.NoError(t, err)
	assert.Equal(t, "journalctl", name)
	assert.Equal(t, []string{"-u", "casmesh-server", "-n", "20", "--no-pager", "-f"}, args)

	name, args, err = logCommand("darwin", LogOptions{Name: "casmesh-proxy", Lines: 5})
	require.NoError(t, err)
	assert.Equal(t, "tail", name)
	assert.Equal(t, "-n", args[0])
	assert.Contains(t, args, "/var/log/casmesh-proxy.out.log")

	_, _, err = logCommand("plan9", LogOptions{Name: "x"})
	assert.Error(t, err)
}

func TestProgram_StartStop(t *testing.T) {
	started := make(chan string, 1)
	p := &Program{
		ConfigPath: "/etc/casmesh/server.yaml",
		Run: func(ctx context.Context, path string) error {
			started <- path
			<-ctx.Done()
			return ctx.Err()
		},
	}
	require.NoError(t, p.Start(nil))
	assert.Equal(t, "/etc/casmesh/server.yaml", <-started)
	assert.NoError(t, p.Stop(nil))
}

func TestProgram_StopReportsFailure(t *testing.T) {
	boom := errors.New("boom")
	p := &Program{Run: func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return boom
	}}
	require.NoError(t, p.Start(nil))
	assert.ErrorIs(t, p.Stop(nil), boom)
}

func TestProgram_NoRunFunc(t *testing.T) {
	assert.Error(t, (&Program{}).Start(nil))
}
