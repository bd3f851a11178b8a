package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-signature-trust/pkg/app"
	"github.com/jeremyhahn/go-signature-trust/pkg/cmd/prompt"
	"github.com/jeremyhahn/go-signature-trust/pkg/orchestrator"
	"github.com/jeremyhahn/go-signature-trust/pkg/policy"
)

var ErrNoPromptableMethod = errors.New("cmd: policy requires a step-up method that cannot be entered at the terminal")

var signParams struct {
	user          string
	certificate   string
	policy        string
	jurisdiction  string
	documents     []string
	documentIDs   []string
	proof         string
	method        string
	tsa           string
	omitTimestamp bool
	correlation   string
}

// Reads the one time code of a step-up method. Replaced in tests.
var readCode = func(cmd *cobra.Command, method policy.Method) (string, error) {
	return prompt.Code(cmd.ErrOrStderr(), string(method))
}

func init() {
	flags := signCmd.Flags()
	flags.StringVar(&signParams.user, "user", "", "Signing user")
	flags.StringVar(&signParams.certificate, "certificate", "", "Signing certificate id")
	flags.StringVar(&signParams.policy, "policy", "", "Signing policy")
	flags.StringVar(&signParams.jurisdiction, "jurisdiction", "", "Jurisdiction the signature is created in")
	flags.StringSliceVar(&signParams.documents, "document", nil, "Document file to sign. Repeat to sign a batch.")
	flags.StringSliceVar(&signParams.documentIDs, "document-id", nil, "Document id, one per --document (defaults to the file name)")
	flags.StringVar(&signParams.proof, "proof", "", "Auth proof token from a prior step-up")
	flags.StringVar(&signParams.method, "method", string(policy.METHOD_TOTP), "Step-up method to prompt for when a proof is required (totp, backup)")
	flags.StringVar(&signParams.tsa, "tsa", "", "Preferred TSA provider id")
	flags.BoolVar(&signParams.omitTimestamp, "omit-timestamp", false, "Omit the timestamp when the policy only recommends one")
	flags.StringVar(&signParams.correlation, "correlation-id", "", "Correlation id (generated when empty)")
	signCmd.MarkFlagRequired("user")
	signCmd.MarkFlagRequired("certificate")
	signCmd.MarkFlagRequired("policy")
	signCmd.MarkFlagRequired("document")
	rootCmd.AddCommand(signCmd)
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Create a signature under a policy",
	Long: `Signs one or more documents under the selected policy. When the
policy requires step-up authentication and no --proof is given, the one
time code is read from the terminal and exchanged for a proof. Several
--document flags sign a batch under a single proof.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		core, err := initApp(ctx)
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		defer closeApp()

		documents, err := readDocuments()
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}

		var result any
		err = withStepUp(cmd, core, func(proof string) error {
			if len(documents) == 1 {
				req := &orchestrator.Request{
					UserID:        signParams.user,
					DocumentID:    documents[0].ID,
					CertificateID: signParams.certificate,
					Payload:       documents[0].Payload,
					Policy:        signParams.policy,
					Jurisdiction:  signParams.jurisdiction,
					AuthProof:     proof,
					Timestamp:     timestampPreference(),
					CorrelationID: signParams.correlation,
				}
				r, err := core.Orchestrator.CreateSignature(ctx, req)
				if err == nil {
					result = r
				}
				return err
			}
			batch, err := core.Orchestrator.SignBatch(ctx, &orchestrator.BatchRequest{
				UserID:        signParams.user,
				CertificateID: signParams.certificate,
				Documents:     documents,
				Policy:        signParams.policy,
				Jurisdiction:  signParams.jurisdiction,
				AuthProof:     proof,
				Timestamp:     timestampPreference(),
				CorrelationID: signParams.correlation,
			})
			if batch != nil && len(batch.Results) > 0 {
				result = batch
			}
			return err
		})
		if result != nil {
			if perr := printResult(cmd, result); perr != nil {
				return perr
			}
		}
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		color.New(color.FgGreen).Fprintln(cmd.ErrOrStderr(), "signed")
		return nil
	},
}

// Runs sign with the given proof. When it fails with AuthRequired, the
// code for the selected method is prompted for, exchanged for a proof
// and sign runs once more.
func withStepUp(cmd *cobra.Command, core *app.App, sign func(proof string) error) error {
	err := sign(signParams.proof)
	if orchestrator.KindOf(err) != orchestrator.KIND_AUTH_REQUIRED || signParams.proof != "" {
		return err
	}
	method, perr := policy.ParseMethod(signParams.method)
	if perr != nil {
		return perr
	}
	if method != policy.METHOD_TOTP && method != policy.METHOD_BACKUP {
		return fmt.Errorf("%w: %s", ErrNoPromptableMethod, method)
	}
	var e *orchestrator.Error
	if errors.As(err, &e) && len(e.AvailableMethods) > 0 && !offered(e.AvailableMethods, method) {
		return fmt.Errorf("%w: %s not in %v", ErrNoPromptableMethod, method, e.AvailableMethods)
	}
	code, perr := readCode(cmd, method)
	if perr != nil {
		return perr
	}
	proof, perr := core.MFA.Authenticate(context.WithoutCancel(cmd.Context()), signParams.user, method, code)
	if perr != nil {
		return perr
	}
	return sign(proof.Token)
}

func offered(methods []policy.Method, method policy.Method) bool {
	for _, m := range methods {
		// backup codes stand in for TOTP
		if m == method || (m == policy.METHOD_TOTP && method == policy.METHOD_BACKUP) {
			return true
		}
	}
	return false
}

func readDocuments() ([]orchestrator.Document, error) {
	if len(signParams.documentIDs) > 0 && len(signParams.documentIDs) != len(signParams.documents) {
		return nil, fmt.Errorf("%w: one --document-id per --document", orchestrator.ErrInvalidRequest)
	}
	documents := make([]orchestrator.Document, 0, len(signParams.documents))
	for i, path := range signParams.documents {
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		id := filepath.Base(path)
		if len(signParams.documentIDs) > 0 {
			id = signParams.documentIDs[i]
		}
		documents = append(documents, orchestrator.Document{ID: id, Payload: payload})
	}
	return documents, nil
}

func timestampPreference() *orchestrator.TimestampPreference {
	if signParams.tsa == "" && !signParams.omitTimestamp {
		return nil
	}
	return &orchestrator.TimestampPreference{
		ProviderID: signParams.tsa,
		Omit:       signParams.omitTimestamp,
	}
}
