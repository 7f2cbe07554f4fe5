package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshalign/alignd/internal/chain"
	"github.com/meshalign/alignd/internal/keys"
)

// validateCmd probes the chain the daemon would run against.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check chain health, integrity and this mediator's standing",
	Long: `Probe the configured chain node: liveness, full-chain validation,
and, when a mediator key is configured, this mediator's reputation
record. Exits non-zero if the node is unreachable or the chain does
not validate.`,
	RunE:         runValidate,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	// The key is optional here: without one the reputation check is
	// skipped, everything else still runs.
	identity, idErr := keys.Load(cfg)

	client := chain.New(cfg, identity, nil, log)

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	fmt.Printf("Chain endpoint: %s\n", client.Endpoint())

	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("node unhealthy: %w", err)
	}
	fmt.Println("Health:         ok")

	report, err := client.ValidateChain(ctx)
	if err != nil {
		return fmt.Errorf("chain validation request failed: %w", err)
	}
	if !report.Valid {
		fmt.Println("Chain:          INVALID")
		for _, issue := range report.Issues {
			fmt.Printf("  - %s\n", issue)
		}
		return fmt.Errorf("chain failed validation with %d issue(s)", len(report.Issues))
	}
	fmt.Println("Chain:          valid")

	if idErr != nil {
		fmt.Printf("Reputation:     skipped (no mediator key: %v)\n", idErr)
		return nil
	}

	rep, err := client.GetReputation(ctx, identity.MediatorID())
	if err != nil {
		return fmt.Errorf("fetching reputation for %s: %w", identity.MediatorID(), err)
	}
	fmt.Printf("Mediator id:    %s\n", rep.MediatorID)
	fmt.Printf("Reputation:     weight %.4f (closures %d, won challenges %d, lost challenges %d, forfeits %d)\n",
		rep.Weight, rep.SuccessfulClosures, rep.FailedChallenges,
		rep.UpheldChallengesAgainst, rep.ForfeitedFees)
	return nil
}
