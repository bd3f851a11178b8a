package app

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-signature-trust/pkg/archive"
	"github.com/jeremyhahn/go-signature-trust/pkg/audit"
	"github.com/jeremyhahn/go-signature-trust/pkg/authproof"
	"github.com/jeremyhahn/go-signature-trust/pkg/ca"
	"github.com/jeremyhahn/go-signature-trust/pkg/config"
	"github.com/jeremyhahn/go-signature-trust/pkg/hsm"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/metrics"
	"github.com/jeremyhahn/go-signature-trust/pkg/mfa"
	"github.com/jeremyhahn/go-signature-trust/pkg/orchestrator"
	"github.com/jeremyhahn/go-signature-trust/pkg/policy"
	"github.com/jeremyhahn/go-signature-trust/pkg/ratelimit"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/certstore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore/kvstore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore/keyvault"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore/pkcs11"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore/pkcs8"
	"github.com/jeremyhahn/go-signature-trust/pkg/trustlist"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
)

const CONFIG_POLICY_OWNER = "config"

var ErrNotInitialized = errors.New("signature-trust: app not initialized")

// App holds the wired trust core. Every component is created once by
// Init and shared by the CLI and the web services.
type App struct {
	Config       *config.Config
	Logger       *logging.Logger
	Fs           afero.Fs
	Store        datastore.Store
	Serializer   datastore.Serializer
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Audit        *audit.Log
	HSM          *hsm.Gateway
	CA           *ca.Gateway
	Certificates *certstore.CertStore
	Poller       *certstore.Poller
	TSA          *tsa.Service
	DevTSA       *DevTSA
	Proofs       *authproof.Service
	MFA          *mfa.Service
	Limiter      ratelimit.Limiter
	Catalog      *policy.Catalog
	Engine       *policy.Engine
	TrustList    *trustlist.Registry
	Archiver     archive.Archiver
	Issuers      []*x509.Certificate
	Orchestrator *orchestrator.Orchestrator

	logFile afero.File
	cancel  context.CancelFunc
}

type AppInitParams struct {
	ConfigFile string
	Debug      bool
	LogLevel   string
	DevTSA     bool

	// Optional pre-loaded configuration. When set, no config file is read.
	Config *config.Config
}

func NewApp() *App {
	return new(App)
}

// Loads the configuration and wires every component. Providers marked
// connect in the configuration are connected before Init returns.
func (app *App) Init(ctx context.Context, initParams *AppInitParams) (*App, error) {
	if initParams == nil {
		initParams = &AppInitParams{}
	}
	if err := app.initConfig(initParams); err != nil {
		return nil, err
	}
	if err := app.initLogger(); err != nil {
		return nil, err
	}
	steps := []func(context.Context) error{
		app.initStores,
		app.initMetrics,
		app.initHSM,
		app.initCA,
		app.initCertificates,
		app.initTSA,
		app.initAuth,
		app.initPolicies,
		app.initTrustList,
		app.initArchive,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.Logger.Error(err)
			return nil, err
		}
	}
	if initParams.DevTSA {
		if err := app.initDevTSA(); err != nil {
			app.Logger.Error(err)
			return nil, err
		}
	}
	app.initOrchestrator()
	return app, nil
}

// Starts the background tasks: CA request polling and trust list refresh.
// They run until Close is called or ctx is done.
func (app *App) Start(ctx context.Context) error {
	if app.Orchestrator == nil {
		return ErrNotInitialized
	}
	ctx, app.cancel = context.WithCancel(ctx)
	if err := app.Poller.Start(ctx); err != nil {
		return err
	}
	go app.TrustList.Run(ctx)
	return nil
}

// Stops background work and releases HSM sessions
func (app *App) Close() error {
	if app.cancel != nil {
		app.cancel()
	}
	var errs []error
	if app.Poller != nil {
		app.Poller.Stop()
	}
	if app.DevTSA != nil {
		errs = append(errs, app.DevTSA.Close())
	}
	if app.HSM != nil {
		errs = append(errs, app.HSM.Close())
	}
	if app.logFile != nil {
		errs = append(errs, app.logFile.Close())
	}
	return errors.Join(errs...)
}

// Read and parse the configuration file unless one was provided
func (app *App) initConfig(initParams *AppInitParams) error {
	cfg := initParams.Config
	if cfg == nil {
		loaded, err := config.Load(viper.GetViper(), initParams.ConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if initParams.Debug {
		cfg.Debug = true
	}
	if initParams.LogLevel != "" {
		cfg.LogLevel = initParams.LogLevel
	}
	app.Config = cfg
	return nil
}

// Creates the JSON file logger. Debug mode also writes text records to
// stdout.
func (app *App) initLogger() error {
	level := logging.ParseLevel(app.Config.LogLevel)
	if app.Config.Debug {
		level = slog.LevelDebug
	}
	if app.Config.LogFile != "" {
		osfs := afero.NewOsFs()
		if err := osfs.MkdirAll(filepath.Dir(app.Config.LogFile), os.ModePerm); err != nil {
			return err
		}
		f, err := osfs.OpenFile(app.Config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return err
		}
		app.logFile = f
	}
	app.Logger = logging.NewLogger(level, app.logFile)
	if used := viper.ConfigFileUsed(); used != "" {
		app.Logger.Info("app: using configuration file", "file", used)
	}
	return nil
}

func (app *App) initStores(ctx context.Context) error {
	fs, err := datastore.ParseAferoBackend(app.Config.Datastore.Backend)
	if err != nil {
		return err
	}
	serializer, err := datastore.ParseSerializer(app.Config.Datastore.Serializer)
	if err != nil {
		return err
	}
	store, err := kvstore.NewAferoStore(
		app.Logger,
		fs,
		app.Config.Datastore.RootDir,
		app.Config.Datastore.ReadBufferSize)
	if err != nil {
		return err
	}
	app.Fs = fs
	app.Store = store
	app.Serializer = serializer
	app.Audit = audit.NewLog(&audit.Params{
		Logger:     app.Logger,
		Store:      store,
		Serializer: serializer,
	})
	return nil
}

func (app *App) initMetrics(ctx context.Context) error {
	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = metrics.New(app.Registry)
	return nil
}

// Registers the configured HSM providers. Sessions from a previous
// process are marked Disconnected before any provider connects.
func (app *App) initHSM(ctx context.Context) error {
	app.HSM = hsm.NewGateway(&hsm.Params{
		Logger:     app.Logger,
		Store:      app.Store,
		Serializer: app.Serializer,
		Metrics:    app.Metrics,
		Drivers: map[keystore.Vendor]keystore.DriverFactory{
			keystore.VENDOR_SOFTWARE:       pkcs8.NewDriverFactory(app.Fs, app.Config.HSM.KeyDir),
			keystore.VENDOR_AWS_CLOUDHSM:   pkcs11.NewDriverFactory(keystore.VENDOR_AWS_CLOUDHSM),
			keystore.VENDOR_THALES_LUNA:    pkcs11.NewDriverFactory(keystore.VENDOR_THALES_LUNA),
			keystore.VENDOR_SAFENET:        pkcs11.NewDriverFactory(keystore.VENDOR_SAFENET),
			keystore.VENDOR_AZURE_KEYVAULT: keyvault.NewDriverFactory(),
		},
		SignTimeout: app.Config.HSM.SignTimeout,
	})
	if err := app.HSM.Restore(ctx); err != nil {
		return err
	}
	for _, p := range app.Config.HSM.Providers {
		if _, err := app.HSM.RegisterProvider(ctx, p.ID, p.Descriptor); err != nil {
			return fmt.Errorf("%w: %s", err, p.ID)
		}
		if !p.Connect {
			continue
		}
		// A provider that fails to connect stays Disconnected; signing
		// with its keys fails until it is connected again
		if err := app.HSM.Connect(ctx, p.ID, p.Credentials); err != nil {
			app.Logger.Warn("app: hsm provider not connected",
				"provider", p.ID, "error", err)
		}
	}
	return nil
}

func (app *App) initCA(ctx context.Context) error {
	app.CA = ca.NewGateway(&ca.Params{
		Logger:          app.Logger,
		Metrics:         app.Metrics,
		BreakerFailures: app.Config.CA.BreakerFailures,
		BreakerTimeout:  app.Config.CA.BreakerTimeout,
	})
	for _, p := range app.Config.CA.Providers {
		if err := app.CA.Register(p); err != nil {
			return fmt.Errorf("%w: %s", err, p.ID)
		}
	}
	return nil
}

func (app *App) initCertificates(ctx context.Context) error {
	app.Certificates = certstore.NewCertificateStore(&certstore.Params{
		Logger:        app.Logger,
		Store:         app.Store,
		Serializer:    app.Serializer,
		Audit:         app.Audit,
		Keys:          app.HSM,
		Metrics:       app.Metrics,
		RenewalWindow: app.Config.Certificates.RenewalWindow,
		PollTimeout:   app.Config.Certificates.PollTimeout,
	})
	app.Poller = certstore.NewPoller(&certstore.PollerParams{
		Logger:       app.Logger,
		Store:        app.Certificates,
		Authority:    app.CA,
		Signers:      app.HSM,
		BaseInterval: app.Config.Certificates.PollInterval,
		MaxInterval:  app.Config.Certificates.PollMax,
	})

	osfs := afero.NewOsFs()
	for _, path := range app.Config.Certificates.Issuers {
		data, err := afero.ReadFile(osfs, path)
		if err != nil {
			return err
		}
		chain, err := ca.DecodePEMChain(data)
		if err != nil {
			return fmt.Errorf("%w: %s", err, path)
		}
		app.Issuers = append(app.Issuers, chain...)
	}
	_, err := app.Certificates.Refresh(ctx)
	return err
}

func (app *App) initTSA(ctx context.Context) error {
	app.TSA = tsa.NewService(&tsa.Params{
		Logger:          app.Logger,
		Metrics:         app.Metrics,
		BreakerFailures: app.Config.TSA.BreakerFailures,
		BreakerTimeout:  app.Config.TSA.BreakerTimeout,
	})
	for _, p := range app.Config.TSA.Providers {
		if p.Timeout == 0 {
			p.Timeout = app.Config.TSA.Timeout
		}
		if err := app.TSA.Register(p); err != nil {
			return fmt.Errorf("%w: %s", err, p.ID)
		}
	}
	return nil
}

func (app *App) initDevTSA() error {
	dev, err := NewDevTSA(app.Logger)
	if err != nil {
		return err
	}
	provider, err := dev.ProviderConfig()
	if err != nil {
		dev.Close()
		return err
	}
	provider.Timeout = app.Config.TSA.Timeout
	if err := app.TSA.Register(provider); err != nil {
		dev.Close()
		return err
	}
	app.DevTSA = dev
	return nil
}

func (app *App) initAuth(ctx context.Context) error {
	secret := []byte(app.Config.Auth.Secret)
	proofs, err := authproof.NewService(&authproof.Params{
		Logger:     app.Logger,
		Secret:     secret,
		Issuer:     app.Config.Auth.Issuer,
		Lifetime:   app.Config.Auth.ProofLifetime,
		Store:      app.Store,
		Serializer: app.Serializer,
	})
	if err != nil {
		return err
	}
	app.Proofs = proofs

	switch app.Config.Auth.Limiter {
	case config.LIMITER_REDIS:
		limiter, err := ratelimit.NewRedisLimiter(app.Config.Auth.Redis, app.Config.Auth.Attempts, time.Now)
		if err != nil {
			return err
		}
		app.Limiter = limiter
	default:
		app.Limiter = ratelimit.NewMemoryLimiter(app.Config.Auth.Attempts, time.Now)
	}

	app.MFA, err = mfa.NewService(&mfa.Params{
		Logger:     app.Logger,
		Store:      app.Store,
		Serializer: app.Serializer,
		Limiter:    app.Limiter,
		Proofs:     proofs,
		Secret:     secret,
		Issuer:     app.Config.Auth.Issuer,
	})
	return err
}

// Loads the persisted catalog, then replaces it with the configured
// catalog file when one is set
func (app *App) initPolicies(ctx context.Context) error {
	app.Catalog = policy.NewCatalog(&policy.CatalogParams{
		Logger:     app.Logger,
		Store:      app.Store,
		Serializer: app.Serializer,
		Audit:      app.Audit,
	})
	if err := app.Catalog.Load(ctx); err != nil {
		return err
	}
	if app.Config.Policies != "" {
		policies, err := policy.LoadFile(afero.NewOsFs(), app.Config.Policies)
		if err != nil {
			return err
		}
		for i := range policies {
			if policies[i].Freshness == 0 {
				policies[i].Freshness = app.Config.Auth.Freshness
			}
		}
		if err := app.Catalog.Replace(ctx, CONFIG_POLICY_OWNER, policies); err != nil {
			return err
		}
	}
	app.Engine = policy.NewEngine(app.Catalog, nil)
	return nil
}

func (app *App) initTrustList(ctx context.Context) error {
	app.TrustList = trustlist.NewRegistry(&trustlist.Params{
		Logger: app.Logger,
		Config: app.Config.TrustLists,
	})
	return nil
}

func (app *App) initArchive(ctx context.Context) error {
	archiver, err := archive.New(ctx, app.Logger, app.Fs, app.Config.Archive)
	if err != nil {
		return err
	}
	app.Archiver = archiver
	return nil
}

func (app *App) initOrchestrator() {
	app.Orchestrator = orchestrator.NewOrchestrator(&orchestrator.Params{
		Logger:       app.Logger,
		Store:        app.Store,
		Serializer:   app.Serializer,
		Audit:        app.Audit,
		Metrics:      app.Metrics,
		Engine:       app.Engine,
		Certificates: app.Certificates,
		Keys:         app.HSM,
		Timestamps:   app.TSA,
		Proofs:       app.Proofs,
		Limiter:      app.Limiter,
		TrustList:    app.TrustList,
		Archiver:     app.Archiver,
		Issuers:      app.Issuers,
	})
}
