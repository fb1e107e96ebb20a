package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bverify.dev/custody/keys"
)

func newKeyCmd(c *cli) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage local account signing keys",
		Long: `Keys are Ed25519 seeds stored one per account as <dir>/<account>.key
(mode 0600). The directory defaults to $BVERIFY_KEYS_DIR, then ~/.bverify/keys.`,
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "Key directory")
	store := func() (*keys.KeyStore, error) {
		if dir == "" {
			dir = os.Getenv("BVERIFY_KEYS_DIR")
		}
		return keys.OpenKeyStore(dir)
	}

	var (
		account, seedHex string
		force            bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the signing key of an account",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := keys.CheckKeyName(account); err != nil {
				return usageError{fmt.Errorf("invalid --account: %w", err)}
			}
			var seed []byte
			if seedHex != "" {
				var err error
				if seed, err = keys.ParseSeedHex(seedHex); err != nil {
					return usageError{fmt.Errorf("invalid --seed-hex: %w", err)}
				}
			}
			ks, err := store()
			if err != nil {
				return err
			}
			pub, err := ks.Create(account, seed, force)
			if errors.Is(err, os.ErrExist) {
				return fmt.Errorf("key for %s already exists (use --force to replace it)", account)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s %s\n", account, pub)
			return nil
		},
	}
	initCmd.Flags().StringVar(&account, "account", "", "Account id")
	initCmd.Flags().StringVar(&seedHex, "seed-hex", "", "Optional 32 byte seed as 64 hex chars, for reproducible setups")
	initCmd.Flags().BoolVar(&force, "force", false, "Replace an existing key")

	var rootHex string
	deriveCmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive an account key from an operator root seed",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			root, err := keys.ParseSeedHex(rootHex)
			if err != nil {
				return usageError{fmt.Errorf("invalid --root-seed-hex: %w", err)}
			}
			seed, err := keys.DeriveAccountSeed(root, account)
			if err != nil {
				return usageError{err}
			}
			ks, err := store()
			if err != nil {
				return err
			}
			pub, err := ks.Create(account, seed, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s %s\n", account, pub)
			return nil
		},
	}
	deriveCmd.Flags().StringVar(&account, "account", "", "Account id")
	deriveCmd.Flags().StringVar(&rootHex, "root-seed-hex", "", "Operator root seed as 64 hex chars")
	deriveCmd.Flags().BoolVar(&force, "force", false, "Replace an existing key")
	_ = deriveCmd.MarkFlagRequired("root-seed-hex")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored keys with their public keys and addresses",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ks, err := store()
			if err != nil {
				return err
			}
			entries, err := ks.List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(c.out, "%s\t%s\t%s\n", e.Account, keys.Address(e.PublicKey), e.PublicKey)
			}
			return nil
		},
	}

	cmd.AddCommand(initCmd, deriveCmd, listCmd)
	return cmd
}
