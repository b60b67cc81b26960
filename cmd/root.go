package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opentongchi/tongchi/internal/config"
)

var (
	cfgPath string
	envPath string
	verbose bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to HCL config (default ~/.config/tongchi/tongchi.hcl)")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", "", "Path to .env file carrying backend tokens")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

var rootCmd = &cobra.Command{
	Use:          "tongchi",
	Short:        "Tongchi: browse infra backends and run provisioning jobs",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the config path, seeds the environment from the
// .env file beside it (or the --env override), and parses the HCL.
func loadConfig() (*config.Config, error) {
	path := cfgPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, ".config", "tongchi", "tongchi.hcl")
	}

	env := envPath
	if env == "" {
		env = filepath.Join(filepath.Dir(path), ".env")
	}
	if err := config.LoadEnv(env); err != nil {
		return nil, err
	}
	return config.Load(path)
}
