package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/ferry/internal/accounts"
	"github.com/tanq16/ferry/internal/output"
)

func newStatsCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "stats [--all]",
		Short: "Show monthly traffic for the account the next upload would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateUpload(); err != nil {
				return err
			}
			client := newGofileClient(newHTTPClient())
			ctx := cmd.Context()

			var creds []accounts.Credential
			if all {
				for i, t := range cfg.Tokens {
					creds = append(creds, accounts.Credential{Index: i, Token: t})
				}
			} else {
				pool, err := accounts.NewPool(cfg.Tokens, client)
				if err != nil {
					return err
				}
				_, cred := pool.Pick(ctx)
				creds = append(creds, cred)
			}

			for _, cred := range creds {
				usage, err := client.Usage(ctx, cred.Token)
				if err != nil {
					output.PrintError(fmt.Sprintf("account #%d: %v", cred.Index+1, err))
					continue
				}
				fmt.Println(output.StatsReport(cred.Index, usage.AccountID, usage.Used, usage.Limit, usage.Known))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Report every configured account")
	return cmd
}
