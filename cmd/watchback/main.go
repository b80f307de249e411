package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	envPrefix      = "WATCHBACK"
)

// cfg is loaded before every command runs.
var cfg *config.Config

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "watchback",
		Short:         "Keep versioned mirrors of your folders",
		Version:       version.Detailed(),
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
		// with no subcommand watchback runs the daemon for every profile
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, nil, daemonOptions{})
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", filepath.Join(config.DefaultConfigDir, configFileName+".yaml"), "watchback config file")
	flags.String("data-dir", config.DefaultDataDir, "directory for journals and logs")
	flags.StringP("profiles", "p", config.DefaultProfilesFile, "profiles file")
	flags.String("http-addr", config.DefaultHTTPAddr, "control plane address")
	flags.String("http-token", "", "control plane access token")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newDaemonCmd(),
		newStatusCmd(),
		newProfilesCmd(),
		newVersionsCmd(),
		newRestoreCmd(),
		newSnapshotsCmd(),
		newSnapshotCmd(),
		newEventsCmd(),
		newVersionCmd(),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, red.Render("error: ")+err.Error())
		}
		stop()
		os.Exit(1)
	}
}

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"data-dir":   "data_dir",
	"profiles":   "profiles_file",
	"http-addr":  "http.addr",
	"http-token": "http.token",
	"log-level":  "log_level",
}

// loadConfig merges defaults, the config file, .env files, WATCHBACK_*
// variables and flags, in increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loadDotEnv()

	v := viper.New()
	setDefaults(v, config.Default())

	if f := cmd.Flag("config"); f != nil && f.Changed {
		v.SetConfigFile(f.Value.String())
	} else if envPath := os.Getenv(envPrefix + "_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		v.AddConfigPath(config.DefaultConfigDir)
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	for flag, key := range flagKeys {
		if f := lookupFlag(cmd, flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	c := &config.Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfigInvalid, err)
	}
	c.Path = v.ConfigFileUsed()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper, def *config.Config) {
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("profiles_file", def.ProfilesFile)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("http.addr", def.HTTP.Addr)
	v.SetDefault("http.token", def.HTTP.Token)
	v.SetDefault("http.rate_limit", def.HTTP.RateLimit)
	v.SetDefault("engine.debounce", def.Engine.Debounce)
	v.SetDefault("engine.reconcile_interval", def.Engine.ReconcileInterval)
	v.SetDefault("engine.drain_timeout", def.Engine.DrainTimeout)
	v.SetDefault("engine.retry_interval", def.Engine.RetryInterval)
	v.SetDefault("engine.batch_size", def.Engine.BatchSize)
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f
	}
	return cmd.InheritedFlags().Lookup(name)
}

// loadDotEnv reads .env from the config directory and the working
// directory. Variables already set win.
func loadDotEnv() {
	for _, p := range []string{filepath.Join(config.DefaultConfigDir, ".env"), ".env"} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}
