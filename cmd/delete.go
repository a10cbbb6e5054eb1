package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewDeleteCmd removes a campaign with all data associated
func NewDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a campaign with all its tests, results and logs",
		Long: `Delete a campaign with all its tests, results and logs.
Artefact records are kept and marked unprocessed, so the next import
of the output directory restores the campaign.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()

			name, err := cmd.Flags().GetString("campaign")
			if err != nil {
				return err
			}

			if err := a.inv.DeleteCampaign(cmd.Context(), name); err != nil {
				return fmt.Errorf("Can't remove campaign: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Campaign %s with all data removed\n", name)
			return nil
		},
	}

	cmd.Flags().StringP("campaign", "c", "", "Campaign name")
	cmd.MarkFlagRequired("campaign")

	return cmd
}
