package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	hsmCmd.AddCommand(hsmListCmd)
	hsmCmd.AddCommand(hsmHealthCmd)
	rootCmd.AddCommand(hsmCmd)
}

var hsmCmd = &cobra.Command{
	Use:   "hsm",
	Short: "Hardware security module providers",
}

var hsmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the registered HSM providers and their connection state",
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := initApp(cmd.Context())
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		defer closeApp()

		providers, err := core.HSM.Providers(cmd.Context())
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		return printResult(cmd, providers)
	},
}

var hsmHealthCmd = &cobra.Command{
	Use:   "health [provider-id]",
	Short: "Probe the liveness of an HSM provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := initApp(cmd.Context())
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		defer closeApp()

		health, err := core.HSM.Health(cmd.Context(), args[0])
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		if !health.Alive {
			color.New(color.FgRed).Fprintf(cmd.ErrOrStderr(), "provider %s is not alive\n", health.ProviderID)
		}
		return printResult(cmd, health)
	},
}
