// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface (CLI) for KHM using the Cobra
// library. One binary serves both roles: `khm --server` runs the key-store
// service, plain `khm` runs the sync client, and the backup/restore
// subcommands move the key table in and out of compressed archives.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/toeirei/khm/buildvars"
	"github.com/toeirei/khm/internal/client"
	"github.com/toeirei/khm/internal/config"
	"github.com/toeirei/khm/internal/db"
	"github.com/toeirei/khm/internal/engine"
	"github.com/toeirei/khm/internal/i18n"
	"github.com/toeirei/khm/internal/logging"
	"github.com/toeirei/khm/internal/scanner"
	"github.com/toeirei/khm/internal/server"
)

var cfgFile string

// cfg is the process-wide configuration, immutable after PersistentPreRunE.
var cfg config.Config

// main is the entry point of the application.
func main() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var exitErr *client.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Error())
			os.Exit(exitErr.Code)
		}
		// Cobra's own error output is silenced, so print the error here.
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewRootCmd creates and configures a new root cobra command. This function
// is used for the main application as well as fresh instances in tests.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "khm",
		Short: "KHM is a centralized known_hosts manager.",
		Long: `KHM collects SSH host-key fingerprints from many workstations,
deduplicates them per flow, tracks a deprecation lifecycle, and lets
clients rewrite their local known_hosts files from the canonical set.

With --server it runs the service; without it, it performs one client
sync exchange.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadConfig(cmd, map[string]any{
				"language":               "en",
				"server.ip":              "0.0.0.0",
				"server.port":            8080,
				"server.dns_parallelism": scanner.DefaultParallelism,
				"database.type":          "postgres",
				"database.port":          5432,
			}, cfgFile)
			if err != nil {
				return err
			}
			cfg = loaded

			i18n.Init(cfg.Language)
			debug, _ := cmd.Flags().GetBool("debug")
			logging.SetDebug(debug)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			isServer, _ := cmd.Flags().GetBool("server")
			if isServer {
				return runServer(cmd)
			}
			return runClient(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	cmd.PersistentFlags().String("language", "en", `message language ("en", "de")`)
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	// Database flags are persistent: the server and the backup/restore
	// subcommands all open the store.
	pflags := cmd.PersistentFlags()
	pflags.String("db-type", "postgres", "database type (postgres, sqlite, mysql)")
	pflags.String("db-host", "localhost", "database host")
	pflags.Int("db-port", 5432, "database port")
	pflags.String("db-name", "khm", "database name")
	pflags.String("db-user", "khm", "database user")
	pflags.String("db-password", "", "database password")
	pflags.String("db-dsn", "", "database DSN, overrides discrete fields (file path for sqlite)")

	flags := cmd.Flags()
	flags.Bool("server", false, "run the KHM server instead of the sync client")

	// Server mode
	flags.String("ip", "0.0.0.0", "server bind address")
	flags.Int("port", 8080, "server bind port")
	flags.StringSlice("flows", nil, "flow allow-list (comma-separated)")
	flags.String("static-dir", "", "directory with the web UI assets")
	flags.Int("dns-parallelism", scanner.DefaultParallelism, "concurrent DNS resolutions per scan")
	flags.String("server-basic-auth", "", "require HTTP basic auth (user:pass)")

	// Client mode
	flags.String("host", "", "KHM server URL, e.g. https://khm.example.com")
	flags.String("flow", "", "target flow")
	flags.String("known-hosts", "", "path to the local known_hosts file")
	flags.Bool("in-place", false, "rewrite the local file from the canonical set")
	flags.String("basic-auth", "", "HTTP basic auth credentials (user:pass)")

	bindConfigFlags(cmd)

	cmd.AddCommand(newVersionCmd(), newBackupCmd(), newRestoreCmd())
	return cmd
}

// bindConfigFlags maps the flat CLI flags onto the nested config keys, so
// `--ip` and `KHM_SERVER_IP` and the `server.ip` YAML key all meet in one
// place.
func bindConfigFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	for key, flag := range map[string]string{
		"server.ip":              "ip",
		"server.port":            "port",
		"server.flows":           "flows",
		"server.static_dir":      "static-dir",
		"server.dns_parallelism": "dns-parallelism",
		"server.basic_auth":      "server-basic-auth",
		"database.type":          "db-type",
		"database.host":          "db-host",
		"database.port":          "db-port",
		"database.name":          "db-name",
		"database.user":          "db-user",
		"database.password":      "db-password",
		"database.dsn":           "db-dsn",
		"client.host":            "host",
		"client.flow":            "flow",
		"client.known_hosts":     "known-hosts",
		"client.in_place":        "in-place",
		"client.basic_auth":      "basic-auth",
	} {
		f := flags.Lookup(flag)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(flag)
		}
		if f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}

// openStore resolves the configured DSN and opens the store, running
// migrations on the way.
func openStore() (db.Store, error) {
	dbType := cfg.Database.Type
	dsn := cfg.Database.Dsn
	if dsn == "" {
		switch dbType {
		case "postgres":
			dsn = db.PostgresDSN(cfg.Database.Host, cfg.Database.Port, cfg.Database.Name, cfg.Database.User, cfg.Database.Password)
		case "sqlite":
			dsn = "./khm.db"
		default:
			return nil, fmt.Errorf("database type %q requires --db-dsn", dbType)
		}
	}
	store, err := db.NewStoreFromDSN(dbType, dsn)
	if err != nil {
		return nil, err
	}
	logging.Infof("%s", i18n.T("db.connected", dbType))
	return store, nil
}

func runServer(cmd *cobra.Command) error {
	if err := cfg.ValidateFlows(); err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	eng := engine.New(store)
	scan := scanner.New(cfg.Server.DNSParallelism)
	return server.New(&cfg, eng, scan).Run(cmd.Context())
}

func runClient(cmd *cobra.Command) error {
	return client.New(&cfg).Run(cmd.Context())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the KHM version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildvars.VersionOrDefault("dev"))
		},
	}
}
