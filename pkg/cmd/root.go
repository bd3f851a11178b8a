package cmd

import (
	"context"
	"log"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-signature-trust/pkg/app"
)

var (
	App        *app.App
	InitParams = &app.AppInitParams{}
)

var rootCmd = &cobra.Command{
	Use:   app.Name,
	Short: "Signature Trust Core",
	Long: `Signature Trust Core creates legally binding electronic signatures.
It routes signing operations to hardware security modules, manages the
signing certificate lifecycle with external Certificate Authorities,
obtains RFC 3161 timestamps and enforces signing policies with step-up
authentication and cross border recognition.`,
	SilenceUsage:     true,
	TraverseChildren: true,
}

func init() {

	rootCmd.PersistentFlags().StringVarP(&InitParams.ConfigFile, "config", "c", "", "Configuration file (default searches ., $HOME/.signature-trust and /etc/signature-trust)")
	rootCmd.PersistentFlags().BoolVarP(&InitParams.Debug, "debug", "d", false, "Enable debug mode")
	rootCmd.PersistentFlags().StringVarP(&InitParams.LogLevel, "log-level", "", "", "Log level (debug, info, warn, error)")

	viper.BindPFlags(rootCmd.PersistentFlags())

	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}
}

// Wires the trust core on first use. Commands that only print static
// information never touch the configuration.
func initApp(ctx context.Context) (*app.App, error) {
	if App != nil && App.Orchestrator != nil {
		return App, nil
	}
	a, err := app.NewApp().Init(ctx, InitParams)
	if err != nil {
		return nil, err
	}
	App = a
	return App, nil
}

// Releases HSM sessions and background tasks held by the wired core
func closeApp() {
	if App == nil {
		return
	}
	if err := App.Close(); err != nil {
		App.Logger.Error(err)
	}
	App = nil
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
	return nil
}
