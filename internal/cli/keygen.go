package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshalign/alignd/internal/keys"
)

var keygenType string

// keygenCmd mints a fresh mediator keypair. The private key is printed
// once and never stored; the caller puts it in the config file or the
// ALIGND_MEDIATOR_PRIVATE_KEY environment variable.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a mediator keypair",
	Long: `Generate a signing keypair and the mediator id derived from it.
The mediator id is what other chain participants see on every settlement
this daemon proposes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kt, err := keys.ParseKeyType(keygenType)
		if err != nil {
			return fmt.Errorf("key type %q: %w", keygenType, err)
		}
		kp, err := keys.Generate(kt)
		if err != nil {
			return err
		}

		fmt.Printf("Key type:    %s\n", kp.KeyType)
		fmt.Printf("Private key: %s\n", kp.PrivateKeyHex)
		fmt.Printf("Public key:  %s\n", kp.PublicKeyHex)
		fmt.Printf("Mediator id: %s\n", kp.AccountID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenType, "type", "ed25519", "key type (ed25519 or secp256k1)")
}
