package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-signature-trust/pkg/container"
)

var policyVerbose bool

func init() {
	policyListCmd.Flags().BoolVarP(&policyVerbose, "verbose", "v", false, "Print the full policy definitions")
	policyCmd.AddCommand(policyListCmd)
	rootCmd.AddCommand(policyCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Signing policy catalog",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the signing policies",
	Long: `Lists the built-in signing policies and those loaded from the
policy file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := initApp(cmd.Context())
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		defer closeApp()

		policies := core.Catalog.List()
		if policyVerbose {
			return printResult(cmd, policies)
		}
		name := color.New(color.FgGreen, color.Bold)
		for _, p := range policies {
			name.Fprintf(cmd.OutOrStdout(), "%s", p.Name)
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  class>=%s  auth=%s  timestamp=%s  jurisdictions=%s\n",
				container.Name(p.Format, p.Profile),
				p.MinClass,
				p.AuthGrade,
				p.Timestamp,
				strings.Join(p.Jurisdictions, ","))
		}
		return nil
	},
}
