package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meshalign/alignd/internal/engine"
	"github.com/meshalign/alignd/internal/health"
)

// runCmd represents the run command (default action)
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the mediation daemon",
	Long: `Start the alignd daemon, which continuously:
- ingests pending intents from the configured chain
- embeds and indexes them for semantic matching
- negotiates settlements between compatible intents
- monitors open settlements, claims payouts and audits other mediators

A local status server (/health, /status, /metrics) is exposed when
server.enabled is set.

This is the default command when no subcommand is specified.`,
	RunE:         runDaemon,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Run as the default action. Errors surface once, through Execute.
	rootCmd.RunE = runDaemon
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Build(ctx, cfg, nil, log)
	if err != nil {
		return err
	}

	if !quiet {
		fmt.Printf("alignd mediating as %s against %s\n", eng.MediatorID(), cfg.Chain.Endpoint)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gCtx) })
	if cfg.Server.Enabled {
		srv := health.New(cfg.Server, eng, eng.Metrics().Handler(), log)
		g.Go(func() error { return srv.Run(gCtx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
