package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/authz-server/security"
)

func (c *cli) newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing and encryption keys",
	}
	cmd.AddCommand(c.newKeysGenerateCmd())
	return cmd
}

func (c *cli) newKeysGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Print a new random key",
		Long: `Print a new random 32-byte key encoded as base64, suitable for
keys.signing, keys.jti_index and keys.encryption (AUTHZ_KEYS_SIGNING etc.).`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, security.KeyToBase64(key))
			return err
		},
	}
}
