package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meterwise/cloudmeter/pkg/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the metering pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := engine.New(ctx, cfg)
		if err != nil {
			return err
		}
		return e.Run(ctx)
	},
}
