// Package config loads and holds the engine's layered configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Fallback strategies for migration.mapping.fallback_strategy.
const (
	FallbackSkip              = "skip"
	FallbackAssignAdmin       = "assign_admin"
	FallbackCreatePlaceholder = "create_placeholder"
)

// Config holds all engine configuration, merged from (highest to lowest
// precedence): environment variables, a local env file, a shared env file,
// a YAML file, and code defaults.
type Config struct {
	Jira        JiraConfig        `mapstructure:"jira"`
	OpenProject OpenProjectConfig `mapstructure:"openproject"`
	Migration   MigrationConfig   `mapstructure:"migration"`

	mu sync.RWMutex
}

type JiraConfig struct {
	URL       string   `mapstructure:"url"`
	Username  string   `mapstructure:"username"`
	APIToken  string   `mapstructure:"api_token"`
	Projects  []string `mapstructure:"projects"`
	BatchSize int      `mapstructure:"batch_size"`
}

type OpenProjectConfig struct {
	URL            string `mapstructure:"url"`
	APIToken       string `mapstructure:"api_token"`
	Host           string `mapstructure:"host"`
	SSHPort        int    `mapstructure:"ssh_port"`
	User           string `mapstructure:"user"`
	PrivateKeyPath string `mapstructure:"ssh_private_key_path"`
	KnownHostsPath string `mapstructure:"ssh_known_hosts_path"`
	Container      string `mapstructure:"container"`
	TmuxSession    string `mapstructure:"tmux_session"`
}

type MappingConfig struct {
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	FallbackStrategy string        `mapstructure:"fallback_strategy"`
}

type MigrationConfig struct {
	ComponentOrder      []string      `mapstructure:"component_order"`
	BatchSize           int           `mapstructure:"batch_size"`
	SkipExisting        bool          `mapstructure:"skip_existing"`
	SSLVerify           bool          `mapstructure:"ssl_verify"`
	Mapping             MappingConfig `mapstructure:"mapping"`
	FallbackAdminUserID int           `mapstructure:"fallback_admin_user_id"`

	// EnableRunnerFallback permits the slow one-shot evaluator when the
	// console is unavailable. Both the config key and the
	// J2O_ENABLE_RUNNER_FALLBACK env var are read; the env var wins and
	// neither lookup assumes the other is present (spec.md §9).
	EnableRunnerFallback bool `mapstructure:"enable_runner_fallback"`

	TransformationComponentsRequireMapping bool `mapstructure:"transformation_components_require_mapping"`

	// Concurrency bounds how many records of one batch are mapped
	// concurrently; batches themselves run one after another.
	Concurrency int `mapstructure:"concurrency"`

	// ParentProjectIdentifier is the OpenProject project every migrated
	// Jira project is created as a sub-project under (spec.md §4.6.5).
	ParentProjectIdentifier string `mapstructure:"parent_project_identifier"`

	DataDir  string `mapstructure:"data_dir"`
	LogDir   string `mapstructure:"log_dir"`
	LogLevel string `mapstructure:"log_level"`
}

// Load builds a Config from defaults, an optional YAML file, a shared env
// file, a local env file, and the process environment, in that precedence
// order (later sources override earlier ones, and env vars always win).
func Load(yamlPath, sharedEnvPath, localEnvPath string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	if yamlPath != "" {
		v.SetConfigFile(yamlPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading yaml %s: %w", yamlPath, err)
			}
		}
	}

	for _, envFile := range []string{sharedEnvPath, localEnvPath} {
		if envFile == "" {
			continue
		}
		if err := mergeEnvFile(v, envFile); err != nil {
			return nil, fmt.Errorf("config: reading env file %s: %w", envFile, err)
		}
	}

	v.SetEnvPrefix("j2o")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// Read independently of viper's key replacer so a config key with no
	// env var counterpart (or vice versa) is never silently assumed
	// present; both sources are consulted, the env var wins.
	if raw, ok := os.LookupEnv("J2O_ENABLE_RUNNER_FALLBACK"); ok {
		cfg.Migration.EnableRunnerFallback = raw == "1" || strings.EqualFold(raw, "true")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("jira.batch_size", 100)
	v.SetDefault("migration.batch_size", 100)
	v.SetDefault("migration.skip_existing", true)
	v.SetDefault("migration.ssl_verify", true)
	v.SetDefault("migration.mapping.refresh_interval", 10*time.Minute)
	v.SetDefault("migration.mapping.fallback_strategy", FallbackSkip)
	v.SetDefault("migration.transformation_components_require_mapping", true)
	v.SetDefault("migration.data_dir", "data")
	v.SetDefault("migration.log_dir", "logs")
	v.SetDefault("migration.log_level", "info")
	v.SetDefault("openproject.tmux_session", "j2o-console")
	v.SetDefault("openproject.ssh_port", 22)
	v.SetDefault("migration.concurrency", 4)
	v.SetDefault("migration.parent_project_identifier", "jira-migration")
}

// mergeEnvFile loads a dotenv-style file (KEY=VALUE per line) and merges
// its entries into v as config overrides. A missing file is not an error:
// the shared/local env file layers are optional.
func mergeEnvFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(parts[0]), "_", "."))
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// v.Set outranks AutomaticEnv, so a process env var for the same
		// key is applied here to keep env vars above the env files.
		if envVal, ok := os.LookupEnv("J2O_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); ok {
			value = envVal
		}
		v.Set(key, value)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Jira.URL == "" {
		return &ConfigError{Field: "jira.url", Reason: "required"}
	}
	if c.OpenProject.Host == "" {
		return &ConfigError{Field: "openproject.host", Reason: "required"}
	}
	switch c.Migration.Mapping.FallbackStrategy {
	case FallbackSkip, FallbackAssignAdmin, FallbackCreatePlaceholder:
	default:
		return &ConfigError{Field: "migration.mapping.fallback_strategy", Reason: "unknown strategy " + c.Migration.Mapping.FallbackStrategy}
	}
	return nil
}

// ConfigError reports a fatal, startup-time configuration problem.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Redact returns a representation of the config safe to log: credentials
// are masked before anything touches a log line.
func (c *Config) Redact() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]any{
		"jira_url":          c.Jira.URL,
		"jira_username":     c.Jira.Username,
		"jira_api_token":    "***REDACTED***",
		"jira_projects":     c.Jira.Projects,
		"openproject_url":   c.OpenProject.URL,
		"openproject_host":  c.OpenProject.Host,
		"openproject_token": "***REDACTED***",
		"batch_size":        c.Migration.BatchSize,
		"skip_existing":     c.Migration.SkipExisting,
		"fallback_strategy": c.Migration.Mapping.FallbackStrategy,
	}
}
