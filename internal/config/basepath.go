package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/loykin/blockvisor/internal/properties"
)

const (
	// ServerPathEnv names the directory holding the server directories.
	ServerPathEnv = "SERVER_PATH"
	// SettingsFile is the legacy settings file; its server-path key is still honoured.
	SettingsFile = "settings.properties"
	// DefaultServerPath is used when nothing else names the directory.
	DefaultServerPath = "servers"
)

// DefaultDotenvFiles are read in order; the first file defining a key wins.
var DefaultDotenvFiles = []string{"../.env", "../.env.local", ".env"}

// Source tells where the server base path came from.
type Source string

const (
	SourceConfig   Source = "config"
	SourceEnv      Source = "env"
	SourceDotenv   Source = "dotenv"
	SourceSettings Source = "settings.properties"
	SourceDefault  Source = "default"
)

// Dotenv holds variables read from dotenv files.
type Dotenv map[string]string

// LoadDotenv reads the dotenv files relative to root. Missing files are
// skipped; a file that exists but does not parse is an error. Keys keep the
// upper case convention of environment variables.
func LoadDotenv(root string, files []string) (Dotenv, error) {
	out := Dotenv{}
	for _, f := range files {
		p := f
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		v := viper.New()
		v.SetConfigFile(p)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read dotenv %s: %w", p, err)
		}
		for _, k := range v.AllKeys() {
			key := strings.ToUpper(k)
			if _, ok := out[key]; !ok {
				out[key] = v.GetString(k)
			}
		}
	}
	return out, nil
}

// ResolveBasePath picks the server base directory: servers.dir from config,
// then SERVER_PATH (environment, then dotenv), then server-path in
// settings.properties under root, then "servers". Relative results are joined
// to root.
func ResolveBasePath(cfg *Config, root string, env Dotenv) (string, Source) {
	path, src := pickBasePath(cfg, root, env)
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	return filepath.Clean(path), src
}

func pickBasePath(cfg *Config, root string, env Dotenv) (string, Source) {
	if cfg != nil && strings.TrimSpace(cfg.Servers.Dir) != "" {
		return cfg.Servers.Dir, SourceConfig
	}
	if v, ok := os.LookupEnv(ServerPathEnv); ok && v != "" {
		return v, SourceEnv
	}
	if v, ok := env[ServerPathEnv]; ok && v != "" {
		return v, SourceDotenv
	}
	if p, err := properties.Load(filepath.Join(root, SettingsFile)); err == nil {
		if v := p.String("server-path", ""); v != "" {
			return v, SourceSettings
		}
	}
	return DefaultServerPath, SourceDefault
}
