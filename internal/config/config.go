// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package config loads the process-wide configuration from file, environment
// and flags. The resulting Config is immutable after startup; request
// handlers receive it by shared read-only reference.
package config // import "github.com/toeirei/khm/internal/config"

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the application's configuration, loaded from file/env/flags.
type Config struct {
	Server struct {
		IP             string   `mapstructure:"ip"`
		Port           int      `mapstructure:"port"`
		Flows          []string `mapstructure:"flows"`
		StaticDir      string   `mapstructure:"static_dir"`
		BasicAuth      string   `mapstructure:"basic_auth"`
		DNSParallelism int      `mapstructure:"dns_parallelism"`
	} `mapstructure:"server"`
	Database struct {
		Type     string `mapstructure:"type"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Name     string `mapstructure:"name"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		// Dsn overrides the discrete connection fields when set. For sqlite
		// it is the database file path and defaults to ./khm.db; types
		// other than postgres and sqlite require it.
		Dsn string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Client struct {
		Host       string `mapstructure:"host"`
		Flow       string `mapstructure:"flow"`
		KnownHosts string `mapstructure:"known_hosts"`
		InPlace    bool   `mapstructure:"in_place"`
		BasicAuth  string `mapstructure:"basic_auth"`
	} `mapstructure:"client"`
	Language string `mapstructure:"language"`
}

// flowName restricts flow names to lowercase ASCII and dashes.
var flowName = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// ValidateFlows checks the configured flow allow-list. Flows are created by
// configuration only, never by API calls, so a bad name is a startup error.
func (c *Config) ValidateFlows() error {
	if len(c.Server.Flows) == 0 {
		return fmt.Errorf("no flows configured; pass --flows")
	}
	seen := make(map[string]bool, len(c.Server.Flows))
	for _, f := range c.Server.Flows {
		if !flowName.MatchString(f) {
			return fmt.Errorf("invalid flow name %q: must be lowercase ascii and dashes", f)
		}
		if seen[f] {
			return fmt.Errorf("duplicate flow name %q", f)
		}
		seen[f] = true
	}
	return nil
}

// HasFlow reports whether the flow is in the configured allow-list.
func (c *Config) HasFlow(flow string) bool {
	for _, f := range c.Server.Flows {
		if f == flow {
			return true
		}
	}
	return false
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "khm")
		default: // Linux, macOS, etc.
			configDir = "/etc/khm"
		}
	} else {
		// Allow XDG_CONFIG_HOME override for testing and cross-platform consistency
		if env := os.Getenv("XDG_CONFIG_HOME"); env != "" {
			configDir = env
		} else {
			configDir, err = os.UserConfigDir()
			if err != nil {
				return "", fmt.Errorf("could not get user config directory: %w", err)
			}
		}
		configDir = filepath.Join(configDir, "khm")
	}

	return filepath.Join(configDir, "khm.yaml"), nil
}

// LoadConfig resolves configuration with viper's precedence: flags over
// environment over config file over defaults. Candidate config files are
// checked explicitly instead of letting viper search the filesystem, so a
// stray non-YAML file in the working directory cannot break startup.
func LoadConfig(cmd *cobra.Command, defaults map[string]any, explicitPath string) (Config, error) {
	var c Config

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
	viper.SetConfigType("yaml")

	var candidates []string
	if explicitPath != "" {
		candidates = []string{explicitPath}
	} else {
		if userPath, err := GetConfigPath(false); err == nil {
			candidates = append(candidates, userPath)
		}
		if systemPath, err := GetConfigPath(true); err == nil {
			candidates = append(candidates, systemPath)
		}
		candidates = append(candidates, "./khm.yaml")
	}

	for _, p := range candidates {
		fi, err := os.Stat(p)
		if err != nil || fi.Size() == 0 {
			// Absent or empty candidates fall through to defaults.
			continue
		}
		viper.SetConfigFile(p)
		if err := viper.ReadInConfig(); err != nil {
			return c, fmt.Errorf("failed reading config %s: %w", p, err)
		}
		break
	}

	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvPrefix("khm")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Flags are bound under their own names. A flag named like a config
	// section (the --server mode switch) is left out, so that its value
	// cannot replace the whole section during Unmarshal.
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		switch f.Name {
		case "server", "database", "client":
			return
		}
		if err := viper.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return c, bindErr
	}

	if err := viper.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return c, nil
}
