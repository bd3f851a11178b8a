package cmd

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/jeremyhahn/go-signature-trust/pkg/orchestrator"
)

var outputFormat string

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "Output format (yaml, json)")
}

// Prints v in the selected output format
func printResult(cmd *cobra.Command, v any) error {
	var (
		out []byte
		err error
	)
	if outputFormat == "json" {
		out, err = json.MarshalIndent(v, "", "  ")
		out = append(out, '\n')
	} else {
		out, err = yaml.Marshal(v)
	}
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// Prints a failure in red, including the orchestrator error kind and the
// step-up details when present
func printError(w io.Writer, err error) {
	red := color.New(color.FgRed)
	var e *orchestrator.Error
	if !errors.As(err, &e) {
		red.Fprintln(w, err)
		return
	}
	red.Fprintln(w, e)
	if e.CorrelationID != "" {
		color.New(color.FgYellow).Fprintf(w, "correlation id: %s\n", e.CorrelationID)
	}
	switch e.Kind {
	case orchestrator.KIND_AUTH_REQUIRED:
		color.New(color.FgYellow).Fprintf(w, "available methods: %v\n", e.AvailableMethods)
	case orchestrator.KIND_AUTH_FAILED:
		color.New(color.FgYellow).Fprintf(w, "attempts remaining: %d\n", e.AttemptsRemaining)
	}
}
