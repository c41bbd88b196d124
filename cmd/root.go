// Package cmd is junkfs's command-line entry point: a cobra root command
// with `mkfs` and `mount` subcommands, and the same persistent-flags/viper
// binding pattern the teacher's own cmd/root.go uses for gcsfuse's much
// larger flag surface.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/abbycin/junkfs/cfg"
	"github.com/abbycin/junkfs/internal/logging"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	// MountConfig is the fully resolved configuration for the current
	// invocation, populated by initConfig from flags, an optional config
	// file, and compiled-in defaults, in that order of decreasing priority.
	MountConfig cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "junkfs",
	Short: "A user-space POSIX-like filesystem backed by a transactional KV store",
	Long: `junkfs exposes a mountable namespace through a kernel FUSE session,
persisting metadata in a transactional key-value store and file data as one
sharded host file per inode.

Use "junkfs mkfs <meta_path> <store_path>" to format a new filesystem, then
"junkfs mount <meta_path> <mount_point>" to mount it.`,
	SilenceUsage: true,
}

// Execute runs the root command, exiting the process with status 1 on
// error (spec.md §6: mkfs exits 0 on success, 1 on error; mount behaves
// the same for any error encountered before the FUSE session starts).
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "path to a YAML config file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(mountCmd)
}

func initConfig() {
	if bindErr != nil {
		return
	}
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		bindErr = err
		return
	}
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&MountConfig)
		return
	}
	resolved, err := resolvePath(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&MountConfig)
}

func checkConfigErrors() error {
	if bindErr != nil {
		return bindErr
	}
	if configFileErr != nil {
		return configFileErr
	}
	if unmarshalErr != nil {
		return unmarshalErr
	}
	return nil
}

// resolvePath canonicalizes p to an absolute path, the cobra-command
// analogue of the teacher's util.GetResolvedPath — important for mount
// points in particular, since daemonizing or changing the working
// directory later must not change what the argument refers to.
func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// newLogger builds the process-wide slog.Logger from MountConfig.Logging.
func newLogger() *slog.Logger {
	return logging.New(logging.Config{
		Path:       MountConfig.Logging.Path,
		MaxSizeMB:  MountConfig.Logging.MaxSizeMB,
		MaxBackups: MountConfig.Logging.MaxBackups,
		MaxAgeDays: MountConfig.Logging.MaxAgeDays,
		Level:      MountConfig.Logging.Level,
	})
}
