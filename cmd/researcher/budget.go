package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func budgetCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect monthly spend",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show spend against the monthly budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.guard.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: $%.2f of $%.2f spent (%.1f%%), $%.2f remaining\n",
				st.Month, st.Spent, st.Budget, st.PercentUsed, st.Remaining)
			if st.AlertReached {
				fmt.Fprintf(cmd.OutOrStdout(), "alert threshold of %.0f%% reached\n", a.guard.Config().AlertThreshold*100)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "report",
		Short: "Break down this month's spend by stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := a.guard.MonthlyReport(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d entries, $%.4f spent\n", rep.Status.Month, rep.Entries, rep.Status.Spent)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tCALLS\tTOKENS\tCOST")
			for _, agent := range rep.Agents {
				u := rep.ByAgent[agent]
				fmt.Fprintf(tw, "%s\t%d\t%d\t$%.4f\n", agent, u.Calls, u.Tokens, u.CostUSD)
			}
			return tw.Flush()
		},
	})
	return cmd
}
