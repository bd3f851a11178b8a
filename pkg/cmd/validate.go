package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var validateParams struct {
	from        string
	to          string
	correlation string
}

func init() {
	validateCmd.Flags().StringVar(&validateParams.from, "from", "", "Jurisdiction the signature was created in")
	validateCmd.Flags().StringVar(&validateParams.to, "to", "", "Jurisdiction the signature is presented in")
	validateCmd.Flags().StringVar(&validateParams.correlation, "correlation-id", "", "Correlation id (generated when empty)")
	validateCmd.MarkFlagRequired("from")
	validateCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(artifactCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate [artifact-id]",
	Short: "Evaluate cross border recognition of a signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := initApp(cmd.Context())
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		defer closeApp()

		result, err := core.Orchestrator.ValidateCrossBorder(cmd.Context(),
			args[0], validateParams.from, validateParams.to, validateParams.correlation)
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		if result.Recognized {
			color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "recognized in %s\n", result.To)
		} else {
			color.New(color.FgRed).Fprintf(cmd.ErrOrStderr(), "not recognized in %s\n", result.To)
		}
		return printResult(cmd, result)
	},
}

var artifactCmd = &cobra.Command{
	Use:   "artifact [artifact-id]",
	Short: "Show a persisted signature artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := initApp(cmd.Context())
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		defer closeApp()

		artifact, err := core.Orchestrator.GetArtifact(cmd.Context(), args[0])
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		return printResult(cmd, artifact)
	},
}
