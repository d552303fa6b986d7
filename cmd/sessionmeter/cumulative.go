package main

import (
	"context"
	"fmt"

	"github.com/janekbaraniewski/sessionmeter/internal/config"
	"github.com/janekbaraniewski/sessionmeter/internal/telemetry"
	"github.com/spf13/cobra"
)

func NewCumulativeCommand(cfg config.Config) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "cumulative <session-id> <tab-id>",
		Short: "Show the durable running totals for one (session, tab) pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := telemetry.OpenStore(resolveDBPath(cfg, dbPath))
			if err != nil {
				return err
			}
			defer store.Close()

			totals, err := store.Cumulative(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}

			fmt.Printf("session=%s tab=%s\n", totals.SessionID, totals.TabID)
			fmt.Printf("  cycles:           %d\n", totals.Cycles)
			fmt.Printf("  output tokens:    %d\n", totals.OutputTokens)
			fmt.Printf("  reasoning tokens: %d\n", totals.ReasoningTokens)
			fmt.Printf("  cost:             $%.4f\n", totals.CostUSD)
			if !totals.UpdatedAt.IsZero() {
				fmt.Printf("  updated:          %s\n", totals.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "override event store path")
	return cmd
}
