package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-signature-trust/pkg/app"
	"github.com/jeremyhahn/go-signature-trust/pkg/cmd/prompt"
	"github.com/jeremyhahn/go-signature-trust/pkg/webservice"

	v1 "github.com/jeremyhahn/go-signature-trust/pkg/webservice/v1"
)

func init() {
	serveCmd.Flags().BoolVar(&InitParams.DevTSA, "dev-tsa", false, "Start an in-process development TSA and register it as a basic provider")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signature REST API",
	Long: `Wires the trust core, starts certificate request polling and trust
list refresh, and serves the REST API and Prometheus metrics until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {

		prompt.PrintBanner(cmd.OutOrStdout(), app.Version)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		core, err := initApp(ctx)
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			return err
		}
		defer closeApp()

		if err := core.Start(ctx); err != nil {
			core.Logger.Error(err)
			return err
		}

		server := webservice.NewWebServer(core.Logger, core.Config.WebService, &v1.RouterParams{
			Logger:        core.Logger,
			Signer:        core.Orchestrator,
			Certificates:  core.Certificates,
			Policies:      core.Catalog,
			Health:        core.HSM,
			Authenticator: core.MFA,
			Gatherer:      core.Registry,
		})

		errs := make(chan error, 1)
		go func() {
			errs <- server.Run()
		}()

		select {
		case err := <-errs:
			if err != nil {
				core.Logger.Error(err)
			}
			return err
		case <-ctx.Done():
		}

		// Shutdown must outlive the cancelled signal context
		if err := server.Shutdown(context.Background()); err != nil {
			core.Logger.Error(err)
			return err
		}
		core.Logger.Info("Graceful shutdown complete")
		return nil
	},
}
