package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/blockvisor/internal/logger"
	"github.com/loykin/blockvisor/internal/process"
)

// EnvPrefix prefixes environment overrides: BLOCKVISOR_SERVER_LISTEN overrides server.listen.
const EnvPrefix = "BLOCKVISOR"

// Config is the supervisor configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Servers  ServersConfig  `mapstructure:"servers"`
	Sampling SamplingConfig `mapstructure:"sampling"`
	Stop     StopConfig     `mapstructure:"stop"`
	Log      logger.Config  `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	History  HistoryConfig  `mapstructure:"history"`
	Runtimes RuntimesConfig `mapstructure:"runtimes"`
	// Dotenv lists the dotenv files consulted after the real environment.
	Dotenv []string `mapstructure:"dotenv"`
}

type ServerConfig struct {
	Listen    string    `mapstructure:"listen"`
	BasePath  string    `mapstructure:"base_path"`
	StaticDir string    `mapstructure:"static_dir"`
	TLS       TLSConfig `mapstructure:"tls"`
}

// TLSConfig enables HTTPS on the API listener.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// Dir holds tls.crt and tls.key when no explicit files are given.
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"` // SANs of generated certificates
	MinVersion   string   `mapstructure:"min_version"`
}

// ServersConfig holds the defaults applied to every managed server.
type ServersConfig struct {
	Dir        string   `mapstructure:"dir"` // overrides base path resolution when set
	Java       string   `mapstructure:"java"`
	Jar        string   `mapstructure:"jar"`
	ServerArgs []string `mapstructure:"server_args"`
	Env        []string `mapstructure:"env"`
}

type SamplingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	History  int           `mapstructure:"history"`
}

type StopConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HistoryConfig lists lifecycle history sinks by DSN.
type HistoryConfig struct {
	DSN  string   `mapstructure:"dsn"`
	DSNs []string `mapstructure:"dsns"`
}

// All returns every configured DSN.
func (h HistoryConfig) All() []string {
	var out []string
	if strings.TrimSpace(h.DSN) != "" {
		out = append(out, h.DSN)
	}
	for _, d := range h.DSNs {
		if strings.TrimSpace(d) != "" {
			out = append(out, d)
		}
	}
	return out
}

type RuntimesConfig struct {
	Dirs []string `mapstructure:"dirs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8081")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.hosts", []string{"localhost", "127.0.0.1"})
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("servers.dir", "")
	v.SetDefault("servers.java", "java")
	v.SetDefault("servers.jar", "server.jar")
	v.SetDefault("servers.server_args", []string{"nogui"})
	v.SetDefault("servers.env", []string{})
	v.SetDefault("sampling.interval", 10*time.Second)
	v.SetDefault("sampling.history", 60)
	v.SetDefault("stop.timeout", process.DefaultStopTimeout)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.stdout", "")
	v.SetDefault("log.stderr", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("runtimes.dirs", []string{})
	v.SetDefault("dotenv", DefaultDotenvFiles)
}

// Load reads the config file at path (TOML, YAML or JSON by extension) on top
// of the defaults. An empty path uses defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	if c.Sampling.Interval <= 0 {
		return fmt.Errorf("sampling.interval must be positive, got %s", c.Sampling.Interval)
	}
	if c.Sampling.History <= 0 {
		return fmt.Errorf("sampling.history must be positive, got %d", c.Sampling.History)
	}
	if c.Stop.Timeout <= 0 {
		return fmt.Errorf("stop.timeout must be positive, got %s", c.Stop.Timeout)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /, got %q", c.Server.BasePath)
	}
	return nil
}

// ProcessDefaults converts the server defaults for process.SpecFromProperties.
func (c *Config) ProcessDefaults() process.Defaults {
	return process.Defaults{
		Java:        c.Servers.Java,
		Jar:         c.Servers.Jar,
		ServerArgs:  append([]string(nil), c.Servers.ServerArgs...),
		StopTimeout: c.Stop.Timeout,
		Env:         append([]string(nil), c.Servers.Env...),
		Log:         c.Log.File,
	}
}
