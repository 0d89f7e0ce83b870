package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var errNoDatabase = errors.New("DATABASE_URL is not configured")

func newUsageCmd(configPath *string) *cobra.Command {
	var (
		since time.Duration
		limit int
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show recorded spend and recent requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errNoDatabase
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			total, err := a.repo.TotalCost(ctx, time.Now().Add(-since))
			if err != nil {
				return err
			}
			records, err := a.repo.Recent(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Spend (last %s): $%.4f\n", since, total)
			if cfg.CostBudgetUSD > 0 {
				fmt.Fprintf(out, "Monthly budget:  $%.2f\n", cfg.CostBudgetUSD)
			}
			fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tREQUEST\tPROVIDER\tMODEL\tTOKENS\tCOST\tCACHED\tLATENCY")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t$%.6f\t%t\t%dms\n",
					r.Timestamp.Local().Format(time.DateTime), r.RequestID, r.Provider, r.Model,
					r.PromptTokens+r.CompletionTokens, r.CostUSD, r.Cached, r.LatencyMs)
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "spend window")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent requests to list")
	return cmd
}
