// Package config loads architect.yaml through viper and normalizes it into a
// typed Config. Malformed values never fail a load: they fall back to the
// default and are reported as warnings.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/architect/internal/eventbus"
)

// Mode is the operating mode of the daemon.
type Mode string

const (
	ModeObserve Mode = "observe"
	ModeRepair  Mode = "repair"
	ModeFull    Mode = "full"
	ModeExpand  Mode = "expand"
)

var validModes = map[Mode]bool{
	ModeObserve: true,
	ModeRepair:  true,
	ModeFull:    true,
	ModeExpand:  true,
}

// BackendKind selects the conflict-resolution backend.
type BackendKind string

const (
	BackendCommand   BackendKind = "command"
	BackendAnthropic BackendKind = "anthropic"
)

var validBackends = map[BackendKind]bool{
	BackendCommand:   true,
	BackendAnthropic: true,
}

// MinInterval is the floor applied to the cycle interval.
const MinInterval = 60 * time.Second

// Config is the normalized daemon configuration.
type Config struct {
	Mode                Mode          `yaml:"mode"`
	Interval            time.Duration `yaml:"-"`
	Jitter              time.Duration `yaml:"-"`
	MaxIterations       int           `yaml:"max_iterations"`
	AutonomyEnabled     bool          `yaml:"autonomy_enabled"`
	PeerName            string        `yaml:"federation_peer_name"`
	Peers               []string      `yaml:"federation_peers,omitempty"`
	FederateReflections bool          `yaml:"federate_reflections"`
	FederatePriorities  bool          `yaml:"federate_priorities"`
	FederationSecret    string        `yaml:"federation_secret,omitempty"`

	ReflectionInterval int           `yaml:"reflection_interval"`
	TrajectoryInterval int           `yaml:"trajectory_interval"`
	CooldownPeriod     time.Duration `yaml:"-"`
	MaxFailures        int           `yaml:"max_failures"`
	AnomalyThreshold   int           `yaml:"anomaly_threshold"`

	RepoDir          string     `yaml:"repo_dir"`
	BaseBranch       string     `yaml:"base_branch"`
	CICommands       [][]string `yaml:"ci_commands"`
	IntegrityCommand []string   `yaml:"integrity_command"`

	Backend        BackendKind `yaml:"backend"`
	BackendCommand []string    `yaml:"backend_command"`
	AnthropicModel string      `yaml:"anthropic_model"`
	ResolutionRate float64     `yaml:"resolution_rate"`

	PulseHooks []eventbus.ExternalHandlerConfig `yaml:"pulse_hooks,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Mode:               ModeObserve,
		Interval:           6 * time.Hour,
		Jitter:             30 * time.Minute,
		MaxIterations:      3,
		FederatePriorities: true,
		ReflectionInterval: 10,
		TrajectoryInterval: 10,
		CooldownPeriod:     24 * time.Hour,
		MaxFailures:        3,
		AnomalyThreshold:   3,
		RepoDir:            ".",
		BaseBranch:         "main",
		CICommands: [][]string{
			{"go", "test", "./..."},
			{"go", "vet", "./..."},
		},
		IntegrityCommand: []string{"git", "fsck", "--no-dangling"},
		Backend:          BackendCommand,
		BackendCommand:   []string{"codex", "exec"},
		AnthropicModel:   "claude-haiku-4-5",
		ResolutionRate:   6,
	}
}

// Load reads path and normalizes it. A missing file yields the defaults.
func Load(path string) (Config, []string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
			return Default(), nil, nil
		}
		return Default(), nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, warnings := FromViper(v)
	return cfg, warnings, nil
}

// FromViper normalizes the keys present in v over the defaults.
func FromViper(v *viper.Viper) (Config, []string) {
	cfg := Default()
	var warnings []string
	warn := func(key string, raw any, fallback any) {
		warnings = append(warnings, fmt.Sprintf("invalid %s %v in config, using default %v", key, raw, fallback))
	}

	if raw, key, ok := lookup(v, "mode", "codex_mode"); ok {
		mode := Mode(strings.ToLower(strings.TrimSpace(cast.ToString(raw))))
		if validModes[mode] {
			cfg.Mode = mode
		} else {
			warn(key, raw, cfg.Mode)
		}
	}
	if raw, key, ok := lookup(v, "interval", "architect_interval", "codex_interval"); ok {
		if d, err := parseSeconds(raw); err == nil && d > 0 {
			if d < MinInterval {
				d = MinInterval
			}
			cfg.Interval = d
		} else {
			warn(key, raw, cfg.Interval)
		}
	}
	if raw, key, ok := lookup(v, "jitter", "architect_jitter"); ok {
		if d, err := parseSeconds(raw); err == nil && d >= 0 {
			cfg.Jitter = d
		} else {
			warn(key, raw, cfg.Jitter)
		}
	}
	intKey(v, &cfg.MaxIterations, 1, warn, "max_iterations", "codex_max_iterations")
	intKey(v, &cfg.ReflectionInterval, 1, warn, "reflection_interval", "architect_reflection_interval")
	intKey(v, &cfg.TrajectoryInterval, 1, warn, "trajectory_interval", "architect_trajectory_interval")
	intKey(v, &cfg.MaxFailures, 1, warn, "max_failures", "architect_max_failures")
	intKey(v, &cfg.AnomalyThreshold, 1, warn, "anomaly_threshold", "architect_anomaly_threshold")
	if raw, key, ok := lookup(v, "cooldown_period", "architect_cooldown_period"); ok {
		if d, err := parseSeconds(raw); err == nil && d > 0 {
			cfg.CooldownPeriod = d
		} else {
			warn(key, raw, cfg.CooldownPeriod)
		}
	}

	boolKey(v, &cfg.AutonomyEnabled, warn, "autonomy_enabled", "architect_autonomy")
	boolKey(v, &cfg.FederateReflections, warn, "federate_reflections")
	boolKey(v, &cfg.FederatePriorities, warn, "federate_priorities")

	if raw, _, ok := lookup(v, "federation_peer_name"); ok {
		cfg.PeerName = strings.TrimSpace(cast.ToString(raw))
	}
	if raw, key, ok := lookup(v, "federation_peers", "federation_addresses"); ok {
		if peers, err := stringList(raw); err == nil {
			cfg.Peers = peers
		} else {
			warn(key, raw, cfg.Peers)
		}
	}
	if raw, _, ok := lookup(v, "federation_secret"); ok {
		cfg.FederationSecret = cast.ToString(raw)
	}

	if raw, _, ok := lookup(v, "repo_dir"); ok {
		if s := strings.TrimSpace(cast.ToString(raw)); s != "" {
			cfg.RepoDir = s
		}
	}
	if raw, _, ok := lookup(v, "base_branch"); ok {
		if s := strings.TrimSpace(cast.ToString(raw)); s != "" {
			cfg.BaseBranch = s
		}
	}
	if raw, key, ok := lookup(v, "ci_commands"); ok {
		if cmds, err := commandList(raw); err == nil {
			cfg.CICommands = cmds
		} else {
			warn(key, raw, cfg.CICommands)
		}
	}
	argvKey(v, &cfg.IntegrityCommand, warn, "integrity_command")
	argvKey(v, &cfg.BackendCommand, warn, "backend_command")

	if raw, key, ok := lookup(v, "backend"); ok {
		kind := BackendKind(strings.ToLower(strings.TrimSpace(cast.ToString(raw))))
		if validBackends[kind] {
			cfg.Backend = kind
		} else {
			warn(key, raw, cfg.Backend)
		}
	}
	if raw, _, ok := lookup(v, "anthropic_model"); ok {
		if s := strings.TrimSpace(cast.ToString(raw)); s != "" {
			cfg.AnthropicModel = s
		}
	}
	if raw, key, ok := lookup(v, "resolution_rate"); ok {
		if f, err := cast.ToFloat64E(raw); err == nil && f > 0 {
			cfg.ResolutionRate = f
		} else {
			warn(key, raw, cfg.ResolutionRate)
		}
	}
	if v.IsSet("pulse_hooks") {
		var hooks []eventbus.ExternalHandlerConfig
		if err := v.UnmarshalKey("pulse_hooks", &hooks); err == nil {
			cfg.PulseHooks = hooks
		} else {
			warn("pulse_hooks", err, "[]")
		}
	}

	return cfg, warnings
}

// Change is one key's previous and current value.
type Change struct {
	Previous any `json:"previous"`
	Current  any `json:"current"`
}

// Diff returns the keys whose values differ between prev and cur.
func Diff(prev, cur Config) map[string]Change {
	a, b := prev.fields(), cur.fields()
	changes := make(map[string]Change)
	for key, pv := range a {
		cv := b[key]
		if !reflect.DeepEqual(pv, cv) {
			changes[key] = Change{Previous: pv, Current: cv}
		}
	}
	return changes
}

// ChangedKeys returns the sorted keys of a Diff result.
func ChangedKeys(changes map[string]Change) []string {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fields flattens the change-tracked keys into JSON-friendly values.
func (c Config) fields() map[string]any {
	peers := c.Peers
	if peers == nil {
		peers = []string{}
	}
	return map[string]any{
		"mode":                 string(c.Mode),
		"interval":             c.Interval.Seconds(),
		"jitter":               c.Jitter.Seconds(),
		"max_iterations":       c.MaxIterations,
		"autonomy_enabled":     c.AutonomyEnabled,
		"federation_peer_name": c.PeerName,
		"federation_peers":     peers,
		"federate_reflections": c.FederateReflections,
		"federate_priorities":  c.FederatePriorities,
		"reflection_interval":  c.ReflectionInterval,
		"trajectory_interval":  c.TrajectoryInterval,
		"cooldown_period":      c.CooldownPeriod.Seconds(),
		"max_failures":         c.MaxFailures,
		"anomaly_threshold":    c.AnomalyThreshold,
		"backend":              string(c.Backend),
	}
}

// YAML renders the configuration with durations in their string form.
func (c Config) YAML() ([]byte, error) {
	type view struct {
		Config   `yaml:",inline"`
		Interval string `yaml:"interval"`
		Jitter   string `yaml:"jitter"`
		Cooldown string `yaml:"cooldown_period"`
	}
	out := view{Config: c, Interval: c.Interval.String(), Jitter: c.Jitter.String(), Cooldown: c.CooldownPeriod.String()}
	return yaml.Marshal(out)
}

// WriteDefault writes the default configuration to path unless it exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	data, err := Default().YAML()
	if err != nil {
		return fmt.Errorf("config: encode defaults: %w", err)
	}
	// #nosec G306 - config is not secret by default
	return os.WriteFile(path, data, 0644)
}

func lookup(v *viper.Viper, keys ...string) (any, string, bool) {
	for _, k := range keys {
		if v.IsSet(k) {
			return v.Get(k), k, true
		}
	}
	return nil, "", false
}

func intKey(v *viper.Viper, dst *int, min int, warn func(string, any, any), keys ...string) {
	raw, key, ok := lookup(v, keys...)
	if !ok {
		return
	}
	n, err := cast.ToIntE(raw)
	if err != nil || n < min {
		warn(key, raw, *dst)
		return
	}
	*dst = n
}

func boolKey(v *viper.Viper, dst *bool, warn func(string, any, any), keys ...string) {
	raw, key, ok := lookup(v, keys...)
	if !ok {
		return
	}
	b, err := CoerceBool(raw)
	if err != nil {
		warn(key, raw, *dst)
		return
	}
	*dst = b
}

func argvKey(v *viper.Viper, dst *[]string, warn func(string, any, any), key string) {
	raw, _, ok := lookup(v, key)
	if !ok {
		return
	}
	argv, err := argvOf(raw)
	if err != nil || len(argv) == 0 {
		warn(key, raw, *dst)
		return
	}
	*dst = argv
}

// CoerceBool accepts booleans, numbers and the usual string spellings.
func CoerceBool(raw any) (bool, error) {
	if s, ok := raw.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "yes", "y", "on", "enabled":
			return true, nil
		case "no", "n", "off", "disabled", "":
			return false, nil
		}
	}
	return cast.ToBoolE(raw)
}

// parseSeconds reads a bare number as seconds and a string with units as a
// Go duration.
func parseSeconds(raw any) (time.Duration, error) {
	if f, err := cast.ToFloat64E(raw); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	if s, ok := raw.(string); ok {
		return time.ParseDuration(strings.TrimSpace(s))
	}
	return 0, fmt.Errorf("not a duration: %v", raw)
}

// stringList accepts a list or a comma-separated string, trims entries and
// drops blanks and duplicates while keeping first-seen order.
func stringList(raw any) ([]string, error) {
	var items []string
	if s, ok := raw.(string); ok {
		items = strings.Split(s, ",")
	} else {
		var err error
		items, err = cast.ToStringSliceE(raw)
		if err != nil {
			return nil, err
		}
	}
	seen := make(map[string]bool, len(items))
	out := []string{}
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out, nil
}

func argvOf(raw any) ([]string, error) {
	if s, ok := raw.(string); ok {
		return strings.Fields(s), nil
	}
	argv, err := cast.ToStringSliceE(raw)
	if err != nil {
		return nil, err
	}
	out := argv[:0]
	for _, a := range argv {
		if a != "" {
			out = append(out, a)
		}
	}
	return out, nil
}

func commandList(raw any) ([][]string, error) {
	items, err := cast.ToSliceE(raw)
	if err != nil {
		return nil, err
	}
	out := make([][]string, 0, len(items))
	for _, item := range items {
		argv, err := argvOf(item)
		if err != nil {
			return nil, err
		}
		if len(argv) == 0 {
			return nil, errors.New("empty command")
		}
		out = append(out, argv)
	}
	return out, nil
}
