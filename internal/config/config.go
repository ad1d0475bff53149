// Package config loads and validates the bridge's JSON configuration file:
// the set of backend MCP servers to supervise and the bridge-wide policy
// for conflict resolution, aggregation, and failover.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/viper"

	"github.com/billyjbryant/mcp-foxxy-bridge/internal/bridgeerr"
)

// backendNamePattern is the required shape of a configured backend's name.
var backendNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ConflictResolution selects how the Capability Registry resolves two
// backends publishing the same public identifier.
type ConflictResolution string

const (
	ConflictPriority  ConflictResolution = "priority"
	ConflictNamespace ConflictResolution = "namespace"
	ConflictFirst     ConflictResolution = "first"
	ConflictError     ConflictResolution = "error"
)

// ProbeKind selects the operation the Health Supervisor uses to check a
// backend's liveness.
type ProbeKind string

const (
	ProbeListTools     ProbeKind = "list_tools"
	ProbeListResources ProbeKind = "list_resources"
	ProbeReadResource  ProbeKind = "read_resource"
	ProbeCallTool      ProbeKind = "call_tool"
	ProbePing          ProbeKind = "ping"
)

// HealthCheckConfig controls the Health Supervisor's probe cadence and
// restart policy for one backend.
type HealthCheckConfig struct {
	Enabled                bool
	Interval               time.Duration
	Timeout                time.Duration
	Probe                  ProbeKind
	ProbeParams            map[string]interface{}
	ExpectedStatus         int
	ExpectedContent        string
	AutoRestart            bool
	RestartDelay           time.Duration
	MaxRestartAttempts     int
	MaxConsecutiveFailures int
}

// BackendConfig is the immutable configuration of one backend MCP server.
type BackendConfig struct {
	Name              string
	Enabled           bool
	Command           string
	Args              []string
	Env               map[string]string
	Timeout           time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	HealthCheck       HealthCheckConfig
	ToolNamespace     string
	ResourceNamespace string
	PromptNamespace   string
	Priority          int
	Tags              []string
}

// FailoverConfig controls whether the Router retries an invocation against a
// different ready backend that advertises the same native id.
type FailoverConfig struct {
	Enabled          bool
	MaxFailures      int
	RecoveryInterval time.Duration
}

// AggregationConfig toggles which capability kinds are aggregated into the
// unified catalog.
type AggregationConfig struct {
	Tools     bool `mapstructure:"tools"`
	Resources bool `mapstructure:"resources"`
	Prompts   bool `mapstructure:"prompts"`
}

// BridgeConfig is the bridge-wide policy shared by every backend.
type BridgeConfig struct {
	ConflictResolution ConflictResolution
	DefaultNamespace   bool
	Aggregation        AggregationConfig
	Failover           FailoverConfig
}

// Config is the root of the configuration file: a named set of backends plus
// bridge-wide policy.
type Config struct {
	MCPServers map[string]BackendConfig
	Bridge     BridgeConfig
}

// seconds and milliseconds are the raw numeric units spec.md's config file
// uses for duration fields ("timeout" in seconds, health check "interval"
// and "timeout" in ms). viper decodes a JSON number straight into these
// float64-kinded types without a hook; duration() then applies the unit so
// "timeout": 30 becomes 30s, not 30ns.
type seconds float64

func (s seconds) duration() time.Duration { return time.Duration(float64(s) * float64(time.Second)) }

type milliseconds float64

func (m milliseconds) duration() time.Duration {
	return time.Duration(float64(m) * float64(time.Millisecond))
}

type rawHealthCheckConfig struct {
	Enabled                bool                   `mapstructure:"enabled"`
	Interval               milliseconds           `mapstructure:"interval"`
	Timeout                milliseconds           `mapstructure:"timeout"`
	Probe                  ProbeKind              `mapstructure:"probe"`
	ProbeParams            map[string]interface{} `mapstructure:"probe_params"`
	ExpectedStatus         int                    `mapstructure:"expected_status"`
	ExpectedContent        string                 `mapstructure:"expected_content"`
	AutoRestart            bool                   `mapstructure:"auto_restart"`
	RestartDelay           milliseconds           `mapstructure:"restart_delay"`
	MaxRestartAttempts     int                    `mapstructure:"max_restart_attempts"`
	MaxConsecutiveFailures int                    `mapstructure:"max_consecutive_failures"`
}

func (r rawHealthCheckConfig) toConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Enabled:                r.Enabled,
		Interval:               r.Interval.duration(),
		Timeout:                r.Timeout.duration(),
		Probe:                  r.Probe,
		ProbeParams:            r.ProbeParams,
		ExpectedStatus:         r.ExpectedStatus,
		ExpectedContent:        r.ExpectedContent,
		AutoRestart:            r.AutoRestart,
		RestartDelay:           r.RestartDelay.duration(),
		MaxRestartAttempts:     r.MaxRestartAttempts,
		MaxConsecutiveFailures: r.MaxConsecutiveFailures,
	}
}

type rawBackendConfig struct {
	Enabled           bool                 `mapstructure:"enabled"`
	Command           string               `mapstructure:"command"`
	Args              []string             `mapstructure:"args"`
	Env               map[string]string    `mapstructure:"env"`
	Timeout           seconds              `mapstructure:"timeout"`
	RetryAttempts     int                  `mapstructure:"retry_attempts"`
	RetryDelay        seconds              `mapstructure:"retry_delay"`
	HealthCheck       rawHealthCheckConfig `mapstructure:"health_check"`
	ToolNamespace     string               `mapstructure:"tool_namespace"`
	ResourceNamespace string               `mapstructure:"resource_namespace"`
	PromptNamespace   string               `mapstructure:"prompt_namespace"`
	Priority          int                  `mapstructure:"priority"`
	Tags              []string             `mapstructure:"tags"`
}

func (r rawBackendConfig) toConfig(name string) BackendConfig {
	return BackendConfig{
		Name:              name,
		Enabled:           r.Enabled,
		Command:           r.Command,
		Args:              r.Args,
		Env:               r.Env,
		Timeout:           r.Timeout.duration(),
		RetryAttempts:     r.RetryAttempts,
		RetryDelay:        r.RetryDelay.duration(),
		HealthCheck:       r.HealthCheck.toConfig(),
		ToolNamespace:     r.ToolNamespace,
		ResourceNamespace: r.ResourceNamespace,
		PromptNamespace:   r.PromptNamespace,
		Priority:          r.Priority,
		Tags:              r.Tags,
	}
}

type rawFailoverConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxFailures      int     `mapstructure:"max_failures"`
	RecoveryInterval seconds `mapstructure:"recovery_interval"`
}

type rawBridgeConfig struct {
	ConflictResolution ConflictResolution `mapstructure:"conflict_resolution"`
	DefaultNamespace   bool               `mapstructure:"default_namespace"`
	Aggregation        AggregationConfig  `mapstructure:"aggregation"`
	Failover           rawFailoverConfig  `mapstructure:"failover"`
}

const (
	defaultBackendTimeout = 30 * time.Second
	defaultRetryDelay     = 1 * time.Second
	defaultHealthInterval = 30 * time.Second
	defaultHealthTimeout  = 5 * time.Second
	defaultRestartDelay   = 2 * time.Second
	defaultMaxRestarts    = 5
	defaultMaxConsecFail  = 3
	defaultRetryAttempts  = 3
	defaultRecoveryWindow = 30 * time.Second
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("bridge.conflict_resolution", string(ConflictNamespace))
	v.SetDefault("bridge.default_namespace", true)
	v.SetDefault("bridge.aggregation.tools", true)
	v.SetDefault("bridge.aggregation.resources", true)
	v.SetDefault("bridge.aggregation.prompts", true)
	v.SetDefault("bridge.failover.enabled", false)
	v.SetDefault("bridge.failover.max_failures", defaultMaxConsecFail)
	v.SetDefault("bridge.failover.recovery_interval", int(defaultRecoveryWindow/time.Second))
}

// Load reads and validates the configuration file at path, the sole entry
// point collaborators outside the core use to obtain a validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "", fmt.Sprintf("reading %s", path), err)
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "", "unmarshaling configuration", err)
	}

	cfg := raw.toConfig()

	// viper drops a backend whose object is empty ({}) from Unmarshal's
	// result; re-add it by name so validate reports its missing command.
	for name := range v.GetStringMap("mcpServers") {
		if _, ok := cfg.MCPServers[name]; !ok {
			cfg.MCPServers[name] = BackendConfig{Name: name}
		}
	}

	applyBackendDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// rawConfig mirrors Config but keeps backend names as map keys and decodes
// duration fields as their raw configured unit (seconds or milliseconds)
// rather than time.Duration directly, since viper would otherwise treat a
// bare JSON number as a nanosecond count. toConfig applies the unit and
// copies each map key into its BackendConfig.Name.
type rawConfig struct {
	MCPServers map[string]rawBackendConfig `mapstructure:"mcpServers"`
	Bridge     rawBridgeConfig             `mapstructure:"bridge"`
}

func (r *rawConfig) toConfig() *Config {
	cfg := &Config{
		MCPServers: make(map[string]BackendConfig, len(r.MCPServers)),
		Bridge: BridgeConfig{
			ConflictResolution: r.Bridge.ConflictResolution,
			DefaultNamespace:   r.Bridge.DefaultNamespace,
			Aggregation:        r.Bridge.Aggregation,
			Failover: FailoverConfig{
				Enabled:          r.Bridge.Failover.Enabled,
				MaxFailures:      r.Bridge.Failover.MaxFailures,
				RecoveryInterval: r.Bridge.Failover.RecoveryInterval.duration(),
			},
		},
	}

	for name, backend := range r.MCPServers {
		cfg.MCPServers[name] = backend.toConfig(name)
	}

	return cfg
}

func applyBackendDefaults(cfg *Config) {
	for name, backend := range cfg.MCPServers {
		if backend.Timeout == 0 {
			backend.Timeout = defaultBackendTimeout
		}

		if backend.RetryDelay == 0 {
			backend.RetryDelay = defaultRetryDelay
		}

		if backend.RetryAttempts == 0 {
			backend.RetryAttempts = defaultRetryAttempts
		}

		applyHealthCheckDefaults(&backend.HealthCheck)
		cfg.MCPServers[name] = backend
	}
}

func applyHealthCheckDefaults(hc *HealthCheckConfig) {
	if hc.Interval == 0 {
		hc.Interval = defaultHealthInterval
	}

	if hc.Timeout == 0 {
		hc.Timeout = defaultHealthTimeout
	}

	if hc.Probe == "" {
		hc.Probe = ProbeListTools
	}

	if hc.RestartDelay == 0 {
		hc.RestartDelay = defaultRestartDelay
	}

	if hc.MaxRestartAttempts == 0 {
		hc.MaxRestartAttempts = defaultMaxRestarts
	}

	if hc.MaxConsecutiveFailures == 0 {
		hc.MaxConsecutiveFailures = defaultMaxConsecFail
	}
}

func validate(cfg *Config) error {
	for name, backend := range cfg.MCPServers {
		if !backendNamePattern.MatchString(name) {
			return bridgeerr.New(bridgeerr.KindConfig, name,
				fmt.Sprintf("backend name %q must match %s", name, backendNamePattern.String()), nil)
		}

		if backend.Command == "" {
			return bridgeerr.New(bridgeerr.KindConfig, name, "command is required", nil)
		}
	}

	switch cfg.Bridge.ConflictResolution {
	case ConflictPriority, ConflictNamespace, ConflictFirst, ConflictError:
	default:
		return bridgeerr.New(bridgeerr.KindConfig, "",
			fmt.Sprintf("unknown conflict_resolution %q", cfg.Bridge.ConflictResolution), nil)
	}

	return nil
}

// ExitCode maps a load error to the process exit code spec.md §6 assigns it.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	if bridgeerr.Is(err, bridgeerr.KindConfig) {
		return 2
	}

	return 70
}

// expandEnvPattern matches ${VAR} and ${VAR:default}.
var expandEnvPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:([^}]*))?\}`)

// ExpandEnv expands ${VAR} and ${VAR:default} references in s against the
// process environment, per spec.md §4.1 and §6. A missing variable with no
// default expands to the empty string; warn is invoked in that case so the
// caller can log it.
func ExpandEnv(s string, warn func(variable string)) string {
	return expandEnvPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := expandEnvPattern.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]

		if val, ok := os.LookupEnv(name); ok {
			return val
		}

		if hasDefault {
			return def
		}

		if warn != nil {
			warn(name)
		}

		return ""
	})
}

// ExpandBackendEnv expands environment references in a backend's env map and
// args against the process environment, returning the merged process
// environment to spawn the child with (os.Environ() plus the expanded
// overrides) and the expanded argument list, per spec.md §4.1.
func ExpandBackendEnv(backend *BackendConfig, warn func(variable string)) (env []string, args []string) {
	env = os.Environ()

	for key, val := range backend.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, ExpandEnv(val, warn)))
	}

	args = make([]string, len(backend.Args))
	for i, a := range backend.Args {
		args[i] = ExpandEnv(a, warn)
	}

	return env, args
}
