package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-signature-trust/pkg/ca"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/certstore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
)

var ErrOwnerRequired = errors.New("cmd: --owner required")

var (
	certOwner string
	certRequest struct {
		provider  string
		certType  string
		user      string
		hsm       string
		algorithm string
		subject   ca.Subject
		dnsNames  []string
		emails    []string
	}
)

func init() {
	certListCmd.Flags().StringVar(&certOwner, "owner", "", "Owner (user id) of the certificates")

	flags := certRequestCmd.Flags()
	flags.StringVar(&certRequest.provider, "ca", "", "CA provider id")
	flags.StringVar(&certRequest.certType, "type", "advanced", "Certificate type offered by the CA")
	flags.StringVar(&certRequest.user, "user", "", "User the certificate is issued to")
	flags.StringVar(&certRequest.hsm, "hsm", "", "HSM provider that generates and holds the key")
	flags.StringVar(&certRequest.algorithm, "algorithm", string(keystore.ALGORITHM_ECDSA), "Key algorithm (ECDSA, RSA-PSS, Ed25519)")
	flags.StringVar(&certRequest.subject.CommonName, "cn", "", "Subject common name")
	flags.StringVar(&certRequest.subject.Organization, "organization", "", "Subject organization")
	flags.StringVar(&certRequest.subject.Country, "country", "", "Subject country")
	flags.StringVar(&certRequest.subject.Email, "email", "", "Subject email address")
	flags.StringSliceVar(&certRequest.dnsNames, "sans-dns", nil, "Comma separated list of SANS DNS names")
	flags.StringSliceVar(&certRequest.emails, "sans-emails", nil, "Comma separated list of SANS email addresses")
	certRequestCmd.MarkFlagRequired("ca")
	certRequestCmd.MarkFlagRequired("user")
	certRequestCmd.MarkFlagRequired("hsm")
	certRequestCmd.MarkFlagRequired("cn")

	certCmd.AddCommand(certListCmd)
	certCmd.AddCommand(certRequestCmd)
	certCmd.AddCommand(certRenewCmd)
	rootCmd.AddCommand(certCmd)
}

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Signing certificate lifecycle",
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's signing certificates, preferred first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if certOwner == "" {
			printError(cmd.ErrOrStderr(), ErrOwnerRequired)
			return ErrOwnerRequired
		}
		core, err := initApp(cmd.Context())
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		defer closeApp()

		certs, err := core.Certificates.FindByOwner(cmd.Context(), certOwner)
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		return printResult(cmd, certs)
	},
}

var certRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Generate a key pair on an HSM and request a certificate for it",
	Long: `Generates a key pair on the selected HSM provider, submits a CSR
signed by that key to the CA and starts polling the request. The request
completes in the background when the CA issues asynchronously; run
"serve" to keep polling.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		core, err := initApp(ctx)
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		defer closeApp()

		algorithm, err := keystore.ParseAlgorithm(certRequest.algorithm)
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		pair, err := core.HSM.GenerateKeyPair(ctx, certRequest.hsm, keystore.KeySpec{Algorithm: algorithm})
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		req := certstore.CertificateRequest{
			ProviderID: certRequest.provider,
			Type:       certRequest.certType,
			Subject:    certRequest.subject,
			UserID:     certRequest.user,
			KeyHandle: keystore.NewHSMHandle(certRequest.hsm, pair.KeyID, algorithm,
				keystore.UsageSet{keystore.USAGE_SIGN, keystore.USAGE_VERIFY}),
		}
		if len(certRequest.dnsNames) > 0 || len(certRequest.emails) > 0 {
			req.SANs = &ca.SubjectAlternativeNames{
				DNS:   certRequest.dnsNames,
				Email: certRequest.emails,
			}
		}
		req, err = core.Poller.Request(ctx, req)
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		return printResult(cmd, req)
	},
}

var certRenewCmd = &cobra.Command{
	Use:   "renew [certificate-id]",
	Short: "Request a renewal of a certificate under the same key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := initApp(cmd.Context())
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		defer closeApp()

		req, err := core.Poller.Renew(cmd.Context(), args[0])
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		return printResult(cmd, req)
	},
}
