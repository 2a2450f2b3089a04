package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meterwise/cloudmeter/pkg/engine"
)

var (
	recalcSince   string
	recalcAccount string
	recalcUser    string
	recalcRuns    bool
	recalcUsage   bool
)

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recompute runs and daily concurrency for a historical window",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := time.Parse(time.DateOnly, recalcSince)
		if err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		e, err := engine.New(ctx, cfg)
		if err != nil {
			return err
		}

		if recalcRuns {
			if err := e.RecalcRuns(ctx, recalcAccount, since); err != nil {
				return err
			}
			e.Log.Info("runs recalculated", "since", recalcSince, "account", recalcAccount)
		}
		if recalcUsage {
			today := time.Now().UTC()
			if err := e.RecalcUsage(ctx, recalcUser, since, today); err != nil {
				return err
			}
			e.Log.Info("concurrency recalculated", "since", recalcSince, "user", recalcUser)
		}
		return nil
	},
}

func init() {
	recalcCmd.Flags().StringVar(&recalcSince, "since", "", "start of the recompute window (YYYY-MM-DD)")
	recalcCmd.Flags().StringVar(&recalcAccount, "account", "", "restrict run recompute to one account id")
	recalcCmd.Flags().StringVar(&recalcUser, "user", "", "restrict concurrency recompute to one user")
	recalcCmd.Flags().BoolVar(&recalcRuns, "runs", true, "recompute runs")
	recalcCmd.Flags().BoolVar(&recalcUsage, "usage", true, "recompute daily concurrency")
	recalcCmd.MarkFlagRequired("since")
}
