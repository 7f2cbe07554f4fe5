package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/config"
	"github.com/meshalign/alignd/internal/logging"
)

var (
	// Global flags
	configFile string
	debug      bool
	verbose    bool
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "alignd",
	Short: "alignd - autonomous alignment mediator",
	Long: `alignd is a standalone mediation daemon for content-addressed intent
ledgers. It watches the chain for pending intents, embeds them for
semantic matching, negotiates settlements between compatible parties
through a language model, and follows every settlement it proposes
until the chain closes it.`,
	Version: "0.1.0-dev",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output to console after startup")
}

// loadConfig resolves configuration for a subcommand, honouring --conf.
func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}

// buildLogger maps the verbosity flags onto the configured log level.
// --debug outranks --verbose, which outranks --quiet.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	switch {
	case debug:
		level = "debug"
	case verbose:
		level = "info"
	case quiet:
		level = "error"
	}
	return logging.New(level, cfg.Log.Format)
}
