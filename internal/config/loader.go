// Package config loads the orchestrator configuration with layered
// precedence: runtime overrides > environment variables > config file >
// defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces all environment overrides (CONDUCTOR_SERVER_PORT,
// CONDUCTOR_LOGGING_LEVEL, ...).
const EnvPrefix = "CONDUCTOR"

// Config is the full orchestrator configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Substrate SubstrateConfig `mapstructure:"substrate"`
	Job       JobConfig       `mapstructure:"job"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Verify    VerifyConfig    `mapstructure:"verify"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`

	// Profile selects the output encoding: STRUCTURED (JSON) or CLI
	// (console, human readable).
	Profile string `mapstructure:"profile"`
}

// StoreConfig configures the durable workload store.
type StoreConfig struct {
	Root string `mapstructure:"root"`
}

// SubstrateConfig selects and configures the execution substrate.
type SubstrateConfig struct {
	// Mode is "kubernetes" or "local".
	Mode       string `mapstructure:"mode"`
	Namespace  string `mapstructure:"namespace"`
	Kubeconfig string `mapstructure:"kubeconfig"`

	// LocalRoot is the local provider's state directory.
	LocalRoot string `mapstructure:"local_root"`
}

// JobConfig describes the agent job container.
type JobConfig struct {
	Image    string        `mapstructure:"image"`
	Command  []string      `mapstructure:"command"`
	Deadline time.Duration `mapstructure:"deadline"`
}

// ReconcileConfig tunes the control loop.
type ReconcileConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	MaxConcurrent        int           `mapstructure:"max_concurrent"`
	PollRate             float64       `mapstructure:"poll_rate"`
	PollBurst            int           `mapstructure:"poll_burst"`
	TerminalTTL          time.Duration `mapstructure:"terminal_ttl"`
	AutomationMaxRetries int           `mapstructure:"automation_max_retries"`
}

// WorkspaceConfig tunes pre-submission repository sync.
type WorkspaceConfig struct {
	// LocalRepo is the submitter's docs working copy. Empty disables
	// pre-submission sync (server deployments).
	LocalRepo    string        `mapstructure:"local_repo"`
	Remote       string        `mapstructure:"remote"`
	SyncPatterns []string      `mapstructure:"sync_patterns"`
	PushAttempts int           `mapstructure:"push_attempts"`
	PushBackoff  time.Duration `mapstructure:"push_backoff"`
}

// VerifyConfig tunes content verification.
type VerifyConfig struct {
	TasksFile      string   `mapstructure:"tasks_file"`
	KnownBadTitles []string `mapstructure:"known_bad_titles"`
}

// GitHubConfig configures pull-request automation.
type GitHubConfig struct {
	Token   string `mapstructure:"token"`
	BaseURL string `mapstructure:"base_url"`
}

// ArtifactsConfig configures terminal-phase artifact archiving.
type ArtifactsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

var (
	configMu  sync.Mutex
	appConfig *Config
)

// Load builds the configuration. Optional runtime overrides (nested maps
// keyed like the config file) take precedence over environment variables
// and defaults. The result is cached for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("conductor")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conductor")
	if err := v.ReadInConfig(); err != nil {
		// Missing config files are fine; malformed ones are not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	for _, override := range overrides {
		if err := v.MergeConfigMap(override); err != nil {
			return nil, fmt.Errorf("merge runtime overrides: %w", err)
		}
	}

	var cfg Config
	decode := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil when
// Load has never run.
func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("store.root", "/var/lib/conductor")

	v.SetDefault("substrate.mode", "kubernetes")
	v.SetDefault("substrate.namespace", "default")
	v.SetDefault("substrate.local_root", "/var/lib/conductor/local")

	v.SetDefault("job.image", "")
	v.SetDefault("job.deadline", 2*time.Hour)

	v.SetDefault("reconcile.interval", 10*time.Second)
	v.SetDefault("reconcile.max_concurrent", 4)
	v.SetDefault("reconcile.poll_rate", 5.0)
	v.SetDefault("reconcile.poll_burst", 10)
	v.SetDefault("reconcile.terminal_ttl", 24*time.Hour)
	v.SetDefault("reconcile.automation_max_retries", 3)

	v.SetDefault("workspace.remote", "origin")
	v.SetDefault("workspace.sync_patterns", []string{".taskmaster/**"})
	v.SetDefault("workspace.push_attempts", 3)
	v.SetDefault("workspace.push_backoff", time.Second)

	v.SetDefault("verify.tasks_file", ".taskmaster/tasks/tasks.json")

	v.SetDefault("artifacts.enabled", false)
}

// bindEnvKeys registers every known key so AutomaticEnv sees variables even
// before the key appears in any other layer.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"server.host", "server.port",
		"server.read_timeout", "server.write_timeout",
		"server.idle_timeout", "server.shutdown_timeout",
		"logging.level", "logging.profile",
		"store.root",
		"substrate.mode", "substrate.namespace", "substrate.kubeconfig", "substrate.local_root",
		"job.image", "job.command", "job.deadline",
		"reconcile.interval", "reconcile.max_concurrent",
		"reconcile.poll_rate", "reconcile.poll_burst",
		"reconcile.terminal_ttl", "reconcile.automation_max_retries",
		"workspace.local_repo", "workspace.remote", "workspace.sync_patterns",
		"workspace.push_attempts", "workspace.push_backoff",
		"verify.tasks_file", "verify.known_bad_titles",
		"github.token", "github.base_url",
		"artifacts.enabled", "artifacts.bucket", "artifacts.prefix",
		"artifacts.region", "artifacts.endpoint", "artifacts.profile",
		"artifacts.access_key_id", "artifacts.secret_access_key",
		"artifacts.force_path_style",
	} {
		_ = v.BindEnv(key)
	}
}

// EnvVarNames lists the environment variables the loader honors, for
// doctor-style diagnostics.
func EnvVarNames() []string {
	names := []string{}
	for _, key := range []string{
		"SERVER_HOST", "SERVER_PORT", "LOGGING_LEVEL", "LOGGING_PROFILE",
		"STORE_ROOT", "SUBSTRATE_MODE", "SUBSTRATE_NAMESPACE",
		"JOB_IMAGE", "GITHUB_TOKEN", "ARTIFACTS_BUCKET",
	} {
		names = append(names, EnvPrefix+"_"+key)
	}
	return names
}
