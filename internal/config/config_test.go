package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "architect.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, warnings, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRecognizedKeys(t *testing.T) {
	p := writeConfig(t, `
mode: Expand
interval: 7200
jitter: 10m
max_iterations: 5
autonomy_enabled: "yes"
federation_peer_name: node-a
federation_peers: [node-b, node-c, node-b, " "]
federate_reflections: on
trajectory_interval: 4
ci_commands:
  - [make, test]
  - "make lint"
integrity_command: ./verify --strict
backend: anthropic
pulse_hooks:
  - id: forward
    command: [logger, -t, architect]
    events: ["*"]
`)
	cfg, warnings, err := Load(p)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, ModeExpand, cfg.Mode)
	assert.Equal(t, 2*time.Hour, cfg.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Jitter)
	assert.Equal(t, 5, cfg.MaxIterations)
	assert.True(t, cfg.AutonomyEnabled)
	assert.Equal(t, "node-a", cfg.PeerName)
	assert.Equal(t, []string{"node-b", "node-c"}, cfg.Peers)
	assert.True(t, cfg.FederateReflections)
	assert.Equal(t, 4, cfg.TrajectoryInterval)
	assert.Equal(t, [][]string{{"make", "test"}, {"make", "lint"}}, cfg.CICommands)
	assert.Equal(t, []string{"./verify", "--strict"}, cfg.IntegrityCommand)
	assert.Equal(t, BackendAnthropic, cfg.Backend)
	require.Len(t, cfg.PulseHooks, 1)
	assert.Equal(t, "forward", cfg.PulseHooks[0].ID)
	assert.Equal(t, []string{"logger", "-t", "architect"}, cfg.PulseHooks[0].Command)
}

func TestLoadAliases(t *testing.T) {
	p := writeConfig(t, `
codex_mode: repair
codex_interval: 3600
codex_max_iterations: 2
architect_autonomy: true
federation_addresses: "a, b"
architect_trajectory_interval: 3
`)
	cfg, _, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ModeRepair, cfg.Mode)
	assert.Equal(t, time.Hour, cfg.Interval)
	assert.Equal(t, 2, cfg.MaxIterations)
	assert.True(t, cfg.AutonomyEnabled)
	assert.Equal(t, []string{"a", "b"}, cfg.Peers)
	assert.Equal(t, 3, cfg.TrajectoryInterval)
}

func TestMalformedValuesFallBack(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		check func(t *testing.T, cfg Config)
	}{
		{"bad mode", "mode: turbo", func(t *testing.T, cfg Config) { assert.Equal(t, ModeObserve, cfg.Mode) }},
		{"bad interval", "interval: soon", func(t *testing.T, cfg Config) { assert.Equal(t, 6*time.Hour, cfg.Interval) }},
		{"negative interval", "interval: -5", func(t *testing.T, cfg Config) { assert.Equal(t, 6*time.Hour, cfg.Interval) }},
		{"zero iterations", "max_iterations: 0", func(t *testing.T, cfg Config) { assert.Equal(t, 3, cfg.MaxIterations) }},
		{"bad bool", "autonomy_enabled: maybe", func(t *testing.T, cfg Config) { assert.False(t, cfg.AutonomyEnabled) }},
		{"bad backend", "backend: carrier-pigeon", func(t *testing.T, cfg Config) { assert.Equal(t, BackendCommand, cfg.Backend) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, warnings, err := Load(writeConfig(t, tt.body))
			require.NoError(t, err)
			assert.Len(t, warnings, 1)
			tt.check(t, cfg)
		})
	}
}

func TestIntervalFloor(t *testing.T) {
	v := viper.New()
	v.Set("interval", 5)
	cfg, warnings := FromViper(v)
	assert.Empty(t, warnings)
	assert.Equal(t, MinInterval, cfg.Interval)
}

func TestCoerceBool(t *testing.T) {
	tests := []struct {
		in      any
		want    bool
		wantErr bool
	}{
		{true, true, false},
		{"TRUE", true, false},
		{"on", true, false},
		{"off", false, false},
		{1, true, false},
		{0, false, false},
		{"maybe", false, true},
	}
	for _, tt := range tests {
		got, err := CoerceBool(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "CoerceBool(%v)", tt.in)
			continue
		}
		require.NoError(t, err, "CoerceBool(%v)", tt.in)
		assert.Equal(t, tt.want, got, "CoerceBool(%v)", tt.in)
	}
}

func TestDiff(t *testing.T) {
	prev := Default()
	cur := Default()
	assert.Empty(t, Diff(prev, cur))

	cur.Mode = ModeFull
	cur.Interval = time.Hour
	cur.Peers = []string{"b"}
	changes := Diff(prev, cur)
	assert.Equal(t, []string{"federation_peers", "interval", "mode"}, ChangedKeys(changes))
	assert.Equal(t, Change{Previous: "observe", Current: "full"}, changes["mode"])
	assert.Equal(t, Change{Previous: float64(21600), Current: float64(3600)}, changes["interval"])
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "architect.yaml")
	require.NoError(t, WriteDefault(p))
	assert.Error(t, WriteDefault(p), "second write must refuse to overwrite")

	cfg, warnings, err := Load(p)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, Default(), cfg)
}
