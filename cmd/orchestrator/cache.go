package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached response",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if a.redis == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No distributed cache configured; local entries live only inside a running server.")
				return nil
			}
			if err := a.redis.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			a.orch.ClearCache(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
			return nil
		},
	}

	cmd.AddCommand(clearCmd)
	return cmd
}
