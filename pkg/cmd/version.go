package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-signature-trust/pkg/app"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printResult(cmd, app.GetVersion())
	},
}
