package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/deskshell/internal/env"
	"github.com/loykin/deskshell/internal/launcher"
	"github.com/loykin/deskshell/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides, e.g. DESKSHELL_LAUNCHER_MODE.
const EnvPrefix = "DESKSHELL"

// Config is the shell configuration. Supervisor timing is deliberately absent.
type Config struct {
	Launcher launcher.Config `mapstructure:"launcher"`
	Log      logger.Config   `mapstructure:"log"`
	Backend  BackendConfig   `mapstructure:"backend"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	UI       UIConfig        `mapstructure:"ui"`
}

// BackendConfig holds extra environment for the child.
// Precedence: OS env (when UseOSEnv), env_files in order, then env entries.
type BackendConfig struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`
}

// MetricsConfig enables the prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// UIConfig is the health poll budget used by the UI client.
type UIConfig struct {
	HealthAttempts int           `mapstructure:"health_attempts"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

func setDefaults(v *viper.Viper) {
	lc := logger.DefaultConfig()
	v.SetDefault("launcher.mode", string(launcher.ModePackaged))
	v.SetDefault("launcher.name", launcher.DefaultBackendName)
	v.SetDefault("launcher.interpreter", "")
	v.SetDefault("launcher.script", "")
	v.SetDefault("launcher.resource_dir", "")
	v.SetDefault("launcher.work_dir", "")
	v.SetDefault("log.level", lc.Level)
	v.SetDefault("log.format", lc.Format)
	v.SetDefault("log.color", lc.Color)
	v.SetDefault("log.show_time", lc.ShowTime)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("backend.use_os_env", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sample_interval", 5*time.Second)
	v.SetDefault("ui.health_attempts", 20)
	v.SetDefault("ui.health_interval", 500*time.Millisecond)
}

// Load reads an optional config file (toml, yaml or json by extension) and
// applies DESKSHELL_* environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the shell cannot act on.
func (c *Config) Validate() error {
	switch launcher.Mode(strings.ToLower(string(c.Launcher.Mode))) {
	case launcher.ModePackaged, "":
	case launcher.ModeSource:
		if strings.TrimSpace(c.Launcher.Script) == "" {
			return launcher.ErrScriptRequired
		}
	default:
		return fmt.Errorf("%w: %q", launcher.ErrUnknownMode, c.Launcher.Mode)
	}
	if c.UI.HealthAttempts < 0 {
		return errors.New("ui.health_attempts must not be negative")
	}
	return nil
}

// BackendEnv builds the child environment for port from the backend section.
func (c *Config) BackendEnv(port int) (*env.Env, error) {
	e := env.ForBackend(port)
	if !c.Backend.UseOSEnv {
		e.FromVars(nil)
	}
	for _, p := range c.Backend.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			e.WithSet(k, v)
		}
	}
	for _, kv := range c.Backend.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.WithSet(kv[:i], kv[i+1:])
		}
	}
	// the port contract wins over user overrides
	e.WithSet(env.UnbufferedKey, "1").WithSet(env.PortKey, fmt.Sprint(port))
	return e, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
