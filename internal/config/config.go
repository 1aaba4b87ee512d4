// Package config loads Crankshaft's backend configuration, layered the
// way spec.md §6 requires: OS config dir -> current working directory ->
// CRANKSHAFT_-prefixed environment overlay. Grounded on CloudPasture's
// internal/config/config.go viper wiring (see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration document: a named list of backends a
// caller wires into an engine.Engine, one Runner per entry.
type Config struct {
	Backends []BackendConfig `mapstructure:"backends" yaml:"backends"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
}

// LogConfig controls internal/log.Init.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// BackendKind discriminates which of Docker/Generic/TES a BackendConfig
// populates (spec.md §6's kind-tagged backend union).
type BackendKind string

const (
	KindDocker  BackendKind = "docker"
	KindGeneric BackendKind = "generic"
	KindTES     BackendKind = "tes"
)

// BackendConfig is one named runner's configuration.
type BackendConfig struct {
	Name     string         `mapstructure:"name" yaml:"name"`
	Kind     BackendKind    `mapstructure:"kind" yaml:"kind"`
	MaxTasks int            `mapstructure:"max_tasks" yaml:"max_tasks"`
	Docker   *DockerConfig  `mapstructure:"docker,omitempty" yaml:"docker,omitempty"`
	Generic  *GenericConfig `mapstructure:"generic,omitempty" yaml:"generic,omitempty"`
	TES      *TESConfig     `mapstructure:"tes,omitempty" yaml:"tes,omitempty"`
}

// DockerConfig configures internal/backend/container.Backend (and, with
// Swarm: true, internal/backend/swarm.Backend).
type DockerConfig struct {
	SocketPath  string `mapstructure:"socket_path" yaml:"socket_path,omitempty"`
	Cleanup     bool   `mapstructure:"cleanup" yaml:"cleanup"`
	ForceRemove bool   `mapstructure:"force_remove" yaml:"force_remove"`
	Swarm       bool   `mapstructure:"swarm" yaml:"swarm"`
}

// GenericConfig configures internal/backend/generic.Backend.
type GenericConfig struct {
	Submit           string            `mapstructure:"submit" yaml:"submit"`
	Monitor          string            `mapstructure:"monitor" yaml:"monitor"`
	Kill             string            `mapstructure:"kill" yaml:"kill"`
	JobIDRegex       string            `mapstructure:"job_id_regex" yaml:"job_id_regex,omitempty"`
	MonitorFrequency time.Duration     `mapstructure:"monitor_frequency" yaml:"monitor_frequency,omitempty"`
	Attributes       map[string]string `mapstructure:"attributes" yaml:"attributes,omitempty"`
	Driver           string            `mapstructure:"driver" yaml:"driver"` // "local" or "ssh"
	SSH              *SSHConfig        `mapstructure:"ssh,omitempty" yaml:"ssh,omitempty"`
}

// SSHConfig configures internal/driver.SSH.
type SSHConfig struct {
	Host        string `mapstructure:"host" yaml:"host"`
	Username    string `mapstructure:"username" yaml:"username"`
	Port        int    `mapstructure:"port" yaml:"port"`
	MaxAttempts uint32 `mapstructure:"max_attempts" yaml:"max_attempts,omitempty"`
}

// TESConfig configures internal/backend/remote.Backend.
type TESConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	BearerToken    string        `mapstructure:"http_basic_auth_token" yaml:"http_basic_auth_token,omitempty"`
	Retries        int           `mapstructure:"retries" yaml:"retries,omitempty"`
	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency,omitempty"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval,omitempty"`
}

// Load reads configuration with spec.md §6's precedence: OS config dir
// (crankshaft/Crankshaft.*) -> current working directory (Crankshaft.*)
// -> CRANKSHAFT_-prefixed environment overlay, the last of which always
// wins regardless of file presence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("Crankshaft")

	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "crankshaft"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("CRANKSHAFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that every backend has a unique name, max_tasks >= 1,
// and the section its kind needs. Sections for other kinds are not
// rejected.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend entry missing name")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true

		if b.MaxTasks < 1 {
			return fmt.Errorf("backend %q: max_tasks must be >= 1, got %d", b.Name, b.MaxTasks)
		}

		switch b.Kind {
		case KindDocker:
			if b.Docker == nil {
				return fmt.Errorf("backend %q: kind docker requires a docker section", b.Name)
			}
		case KindGeneric:
			if b.Generic == nil {
				return fmt.Errorf("backend %q: kind generic requires a generic section", b.Name)
			}
		case KindTES:
			if b.TES == nil {
				return fmt.Errorf("backend %q: kind tes requires a tes section", b.Name)
			}
		default:
			return fmt.Errorf("backend %q: unknown kind %q", b.Name, b.Kind)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}
