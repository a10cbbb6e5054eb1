package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewShowCmd shows campaigns or the tests of a campaign
func NewShowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show imported campaigns or the tests of one campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			return cmd.Usage()
		},
	}

	cmd.AddCommand(newShowCampaignsCmd(a), newShowTestsCmd(a))
	return cmd
}

func newShowCampaignsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "campaigns",
		Short: "Show imported campaigns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()

			campaigns, err := a.inv.FindCampaigns(cmd.Context())
			if err != nil {
				return fmt.Errorf("Can't get campaigns from the database: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Found %d campaigns\n", len(campaigns))

			for i, c := range campaigns {
				fmt.Fprintf(out, "Campaign [%d]\n%s\n", i, c)
			}

			return nil
		},
	}
}

func newShowTestsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tests",
		Short: "Show tests of a campaign",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()

			ctx := cmd.Context()
			name, _ := cmd.Flags().GetString("campaign")
			full, _ := cmd.Flags().GetBool("full")

			c, err := a.inv.FindCampaign(ctx, name)
			if err != nil {
				return fmt.Errorf("Can't get campaign from the database: %w", err)
			}

			if c == nil {
				return fmt.Errorf("Campaign %s not found", name)
			}

			tests, err := a.inv.FindTests(ctx, c.ID)
			if err != nil {
				return fmt.Errorf("Can't get tests from the database: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Found %d tests in %s\n", len(tests), c.Name)

			for i, t := range tests {
				fmt.Fprintf(out, "Test [%d]\n%s", i, t)
				if !full {
					fmt.Fprintln(out)
					continue
				}

				results, err := a.inv.ResultsForTest(ctx, t.ID)
				if err != nil {
					return err
				}

				logs, err := a.inv.LogsForTest(ctx, t.ID)
				if err != nil {
					return err
				}

				failures, err := a.inv.FailuresForTest(ctx, t.ID)
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "Results:\t %d\nLogs:\t\t %d\n", len(results), len(logs))
				for _, f := range failures {
					fmt.Fprintf(out, "Failure:\t %s\n", f)
				}
				fmt.Fprintln(out)
			}

			return nil
		},
	}

	cmd.Flags().StringP("campaign", "c", "", "Campaign name")
	cmd.Flags().BoolP("full", "f", false, "Show row counts and failure messages")
	cmd.MarkFlagRequired("campaign")

	return cmd
}
