package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ademola21/nano-automation-suite/internal/nano"
	"github.com/Ademola21/nano-automation-suite/internal/rescue"
)

func newConsolidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate <seed> <destination>",
		Short: "Receive all pending transfers for a wallet and sweep it to destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := openNode(cfg)
			if err != nil {
				return err
			}
			res, err := newEngine(cfg, n).Consolidate(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "account:  %s\n", res.Address)
			fmt.Fprintf(out, "received: %d blocks\n", len(res.Received))
			if res.SweepHash == "" {
				fmt.Fprintln(out, "nothing to sweep")
				return nil
			}
			fmt.Fprintf(out, "swept:    %s Nano\n", nano.FormatNano(res.Swept))
			fmt.Fprintf(out, "hash:     %s\n", res.SweepHash)
			return nil
		},
	}
}

func newRescueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rescue",
		Short: "Inspect the ledger of wallets that failed to consolidate",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the rescue ledger as json or csv",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			repo, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")
			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return rescue.NewLedger(repo).Export(cmd.Context(), w, format)
		},
	}
	exportCmd.Flags().String("format", rescue.FormatJSON, "json or csv")
	exportCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every rescue ledger entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to clear the rescue ledger without --yes")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			repo, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer repo.Close()
			return rescue.NewLedger(repo).Clear(cmd.Context())
		},
	}
	clearCmd.Flags().Bool("yes", false, "confirm deletion")

	cmd.AddCommand(exportCmd, clearCmd)
	return cmd
}

func newWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Wallet utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Generate a new seed and print its first address",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := nano.GenerateSeed()
			if err != nil {
				return err
			}
			key, err := nano.DeriveKey(seed, 0)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"seed":       seed,
				"address":    key.Address(),
				"public_key": key.PublicKeyHex(),
			})
		},
	})
	return cmd
}
