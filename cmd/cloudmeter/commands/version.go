package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meterwise/cloudmeter/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the engine version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", version.AppName, version.Current)
	},
}
