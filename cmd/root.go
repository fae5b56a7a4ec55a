// Package cmd contains the compressor CLI.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/olivpeter/compressorPro/pkg/config"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  hclog.Logger
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "compressor",
	Short: "Batch image compressor",
	Long: `compressor loads images and keeps a set of re-encoded versions for each
one in step with the current quality, resize and format settings.

Example usage:
  compressor shell ./photos        # Start a session with a folder preloaded
  compressor profiles              # List resize profiles and output formats
  compressor version               # Print version information`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the root command with ctx, which is cancelled on shutdown
// signals.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func SetVersion(v string) {
	version = v
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func initConfig() error {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath
	}

	var err error
	cfg, err = config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = newLogger(cfg, verbose)
	logger.Debug("configuration loaded",
		"path", path,
		"quality", cfg.Defaults.Quality,
		"resize", cfg.Defaults.Resize,
		"format", cfg.Defaults.Format,
		"redis", cfg.Cache.RedisURL != "",
	)
	return nil
}

func newLogger(c *config.Config, debug bool) hclog.Logger {
	level := c.LogLevel()
	if debug {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "compressor",
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: c.Logging.JSON,
	})
}
