package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/loykin/botrunner/internal/cron"
	"github.com/loykin/botrunner/internal/env"
	historyfactory "github.com/loykin/botrunner/internal/history/factory"
	"github.com/loykin/botrunner/internal/logger"
	"github.com/loykin/botrunner/internal/manager"
	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/process"
	"github.com/loykin/botrunner/internal/store"
	"github.com/loykin/botrunner/internal/tls"
)

// EnvPrefix prefixes environment variables overriding file settings,
// e.g. BOTRUNNER_SERVER_LISTEN or BOTRUNNER_SCHEDULER_WORKERS.
const EnvPrefix = "BOTRUNNER"

// Config represents the top-level TOML structure.
//
//	[store]       entity store (sqlite or postgres)
//	[scheduler]   worker pool and misfire handling
//	[supervisor]  script launching, timeout and bot environment
//	[log]         daemon logger
//	[bot_log]     rotation of bot output files
//	[history]     execution history sinks
//	[server]      HTTP API and daemon files
//	[metrics]     prometheus endpoint and process sampler
type Config struct {
	Store         store.Config          `toml:"store" mapstructure:"store"`
	Scheduler     cron.Config           `toml:"scheduler" mapstructure:"scheduler"`
	Supervisor    SupervisorConfig      `toml:"supervisor" mapstructure:"supervisor"`
	logger.Config `mapstructure:",squash"`
	History       historyfactory.Config `toml:"history" mapstructure:"history"`
	Server        ServerConfig          `toml:"server" mapstructure:"server"`
	Metrics       MetricsConfig         `toml:"metrics" mapstructure:"metrics"`
}

// SupervisorConfig extends the process settings with the kill wait and the
// env files merged into every bot's environment.
type SupervisorConfig struct {
	process.Config `mapstructure:",squash"`
	KillWait       time.Duration `toml:"kill_wait" mapstructure:"kill_wait"`
	EnvFiles       []string      `toml:"env_files" mapstructure:"env_files"`
}

type ServerConfig struct {
	Listen          string        `toml:"listen" mapstructure:"listen"`
	BasePath        string        `toml:"base_path" mapstructure:"base_path"`
	PidFile         string        `toml:"pid_file" mapstructure:"pid_file"`
	LogFile         string        `toml:"log_file" mapstructure:"log_file"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	TLS             tls.Config    `toml:"tls" mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled               bool `toml:"enabled" mapstructure:"enabled"`
	metrics.SamplerConfig `mapstructure:",squash"`
}

var defaults = map[string]any{
	"store.type": "sqlite",
	"store.path": "botrunner.db",

	"scheduler.workers":          cron.DefaultWorkers,
	"scheduler.queue_size":       cron.DefaultQueueSize,
	"scheduler.misfire_grace":    cron.DefaultMisfireGrace,
	"scheduler.cleanup_interval": cron.DefaultCleanupInterval,

	"supervisor.timeout":             time.Duration(0),
	"supervisor.default_interpreter": "python",
	"supervisor.shell":               "bash",
	"supervisor.batch_shell":         "cmd",
	"supervisor.wait_delay":          2 * time.Second,
	"supervisor.env":                 []string{},
	"supervisor.clean_env":           false,
	"supervisor.kill_wait":           manager.DefaultKillWait,
	"supervisor.env_files":           []string{},

	"log.level":      string(logger.LevelInfo),
	"log.format":     string(logger.FormatText),
	"log.color":      false,
	"log.timestamps": true,
	"log.source":     false,
	"log.file":       "",

	"bot_log.max_size_mb":  10,
	"bot_log.max_backups":  3,
	"bot_log.max_age_days": 7,
	"bot_log.compress":     false,
	"bot_log.location":     "",

	"history.enabled": false,
	"history.sinks":   []string{},
	"history.timeout": 5 * time.Second,

	"server.listen":           ":8080",
	"server.base_path":        "/api",
	"server.pid_file":         "",
	"server.log_file":         "",
	"server.shutdown_timeout": 30 * time.Second,
	"server.tls.enabled":       false,
	"server.tls.cert_file":     "",
	"server.tls.key_file":      "",
	"server.tls.dir":           "",
	"server.tls.auto_generate": false,
	"server.tls.min_version":   "",
	"server.tls.max_version":   "",

	"metrics.enabled":          false,
	"metrics.process_metrics":  false,
	"metrics.process_interval": 5 * time.Second,
}

// Load reads the TOML file at path, applies BOTRUNNER_* environment
// overrides and fills defaults. An empty path loads defaults and env only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.loadEnvFiles(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	// defaults always decode
	_ = newViper().Unmarshal(&cfg)
	return &cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	return v
}

// loadEnvFiles prepends the entries of every env file, in order, to the
// inline supervisor env so inline entries win.
func (c *Config) loadEnvFiles() error {
	if len(c.Supervisor.EnvFiles) == 0 {
		return nil
	}
	var merged []string
	for _, p := range c.Supervisor.EnvFiles {
		kvs, err := env.ReadFile(p)
		if err != nil {
			return err
		}
		merged = append(merged, kvs...)
	}
	c.Supervisor.Env = append(merged, c.Supervisor.Env...)
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Store.ResolveDSN(); err != nil {
		return errors.Wrap(err, "invalid [store]")
	}
	if c.Scheduler.Workers < 0 || c.Scheduler.QueueSize < 0 {
		return errors.Newf("invalid [scheduler]: workers=%d queue_size=%d", c.Scheduler.Workers, c.Scheduler.QueueSize)
	}
	if c.Scheduler.MisfireGrace < 0 || c.Scheduler.CleanupInterval < 0 {
		return errors.New("invalid [scheduler]: negative duration")
	}
	if c.Supervisor.Timeout < 0 || c.Supervisor.KillWait < 0 {
		return errors.New("invalid [supervisor]: negative duration")
	}
	switch logger.Level(strings.ToLower(string(c.Slog.Level))) {
	case "", logger.LevelDebug, logger.LevelInfo, logger.LevelWarn, logger.LevelError:
	default:
		return errors.Newf("invalid [log] level %q", c.Slog.Level)
	}
	switch logger.Format(strings.ToLower(string(c.Slog.Format))) {
	case "", logger.FormatText, logger.FormatJSON:
	default:
		return errors.Newf("invalid [log] format %q", c.Slog.Format)
	}
	if c.File.Location != "" {
		if _, err := time.LoadLocation(c.File.Location); err != nil {
			return errors.Wrapf(err, "invalid [bot_log] location %q", c.File.Location)
		}
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		return errors.New("invalid [history]: enabled without sinks")
	}
	if strings.TrimSpace(c.Server.Listen) == "" {
		return errors.New("invalid [server]: listen is required")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return errors.Wrap(err, "invalid [server.tls]")
	}
	return nil
}

// ManagerConfig returns the settings consumed by manager.New.
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		Scheduler:  c.Scheduler,
		Supervisor: c.Supervisor.Config,
		KillWait:   c.Supervisor.KillWait,
	}
}
