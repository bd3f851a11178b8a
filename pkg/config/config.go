package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/archive"
	"github.com/jeremyhahn/go-signature-trust/pkg/ca"
	"github.com/jeremyhahn/go-signature-trust/pkg/hsm"
	"github.com/jeremyhahn/go-signature-trust/pkg/ratelimit"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/trustlist"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
	"github.com/spf13/viper"
)

const (
	ENV_PREFIX = "SIGTRUST"

	LIMITER_MEMORY = "memory"
	LIMITER_REDIS  = "redis"
)

var (
	ErrSecretRequired  = errors.New("config: auth secret required")
	ErrInvalidLimiter  = errors.New("config: invalid rate limiter")
	ErrDuplicateID     = errors.New("config: duplicate provider id")
	ErrInvalidProvider = errors.New("config: invalid provider")

	// Settings without a default that may only come from the environment
	secretKeys = []string{"auth.secret", "auth.redis.addr", "auth.redis.password"}

	// Search paths for config.yaml, in order
	SearchPaths = []string{
		".",
		"$HOME/.signature-trust/",
		"/etc/signature-trust/",
	}
)

type Config struct {
	Debug        bool             `yaml:"debug" json:"debug" mapstructure:"debug"`
	LogLevel     string           `yaml:"log-level" json:"log_level" mapstructure:"log-level"`
	LogFile      string           `yaml:"log-file" json:"log_file" mapstructure:"log-file"`
	Datastore    datastore.Config `yaml:"datastore" json:"datastore" mapstructure:"datastore"`
	HSM          HSM              `yaml:"hsm" json:"hsm" mapstructure:"hsm"`
	CA           CA               `yaml:"ca" json:"ca" mapstructure:"ca"`
	Certificates Certificates     `yaml:"certificates" json:"certificates" mapstructure:"certificates"`
	TSA          TSA              `yaml:"tsa" json:"tsa" mapstructure:"tsa"`
	Policies     string           `yaml:"policies" json:"policies" mapstructure:"policies"`
	Auth         Auth             `yaml:"auth" json:"auth" mapstructure:"auth"`
	TrustLists   trustlist.Config `yaml:"trust-lists" json:"trust_lists" mapstructure:"trust-lists"`
	Archive      archive.Config   `yaml:"archive" json:"archive" mapstructure:"archive"`
	WebService   WebService       `yaml:"webservice" json:"webservice" mapstructure:"webservice"`
}

type HSM struct {
	SignTimeout time.Duration `yaml:"sign-timeout" json:"sign_timeout" mapstructure:"sign-timeout"`
	KeyDir      string        `yaml:"key-dir" json:"key_dir" mapstructure:"key-dir"`
	Providers   []HSMProvider `yaml:"providers" json:"providers" mapstructure:"providers"`
}

// HSMProvider registers a provider and, when Connect is set, opens a
// session with the credentials at startup
type HSMProvider struct {
	ID          string               `yaml:"id" json:"id" mapstructure:"id"`
	Descriptor  hsm.Descriptor       `yaml:"descriptor" json:"descriptor" mapstructure:"descriptor"`
	Credentials keystore.Credentials `yaml:"credentials" json:"credentials" mapstructure:"credentials"`
	Connect     bool                 `yaml:"connect" json:"connect" mapstructure:"connect"`
}

type CA struct {
	BreakerFailures uint32              `yaml:"breaker-failures" json:"breaker_failures" mapstructure:"breaker-failures"`
	BreakerTimeout  time.Duration       `yaml:"breaker-timeout" json:"breaker_timeout" mapstructure:"breaker-timeout"`
	Providers       []ca.ProviderConfig `yaml:"providers" json:"providers" mapstructure:"providers"`
}

type Certificates struct {
	RenewalWindow time.Duration `yaml:"renewal-window" json:"renewal_window" mapstructure:"renewal-window"`
	PollInterval  time.Duration `yaml:"poll-interval" json:"poll_interval" mapstructure:"poll-interval"`
	PollMax       time.Duration `yaml:"poll-max" json:"poll_max" mapstructure:"poll-max"`
	PollTimeout   time.Duration `yaml:"poll-timeout" json:"poll_timeout" mapstructure:"poll-timeout"`

	// PEM files of the CA certificates signer certificates chain to
	Issuers []string `yaml:"issuers" json:"issuers" mapstructure:"issuers"`
}

type TSA struct {
	Timeout         time.Duration        `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	BreakerFailures uint32               `yaml:"breaker-failures" json:"breaker_failures" mapstructure:"breaker-failures"`
	BreakerTimeout  time.Duration        `yaml:"breaker-timeout" json:"breaker_timeout" mapstructure:"breaker-timeout"`
	Providers       []tsa.ProviderConfig `yaml:"providers" json:"providers" mapstructure:"providers"`
}

type Auth struct {
	// HMAC key of AuthProof tokens and the MFA enrollment sealer
	Secret        string        `yaml:"secret" json:"-" mapstructure:"secret"`
	Issuer        string        `yaml:"issuer" json:"issuer" mapstructure:"issuer"`
	ProofLifetime time.Duration `yaml:"proof-lifetime" json:"proof_lifetime" mapstructure:"proof-lifetime"`

	// Applied to catalog policies that do not set their own window
	Freshness time.Duration `yaml:"freshness" json:"freshness" mapstructure:"freshness"`

	Limiter  string                `yaml:"limiter" json:"limiter" mapstructure:"limiter"`
	Attempts ratelimit.Config      `yaml:"attempts" json:"attempts" mapstructure:"attempts"`
	Redis    ratelimit.RedisConfig `yaml:"redis" json:"redis" mapstructure:"redis"`
}

type WebService struct {
	Listen         string        `yaml:"listen" json:"listen" mapstructure:"listen"`
	ReadTimeout    time.Duration `yaml:"read-timeout" json:"read_timeout" mapstructure:"read-timeout"`
	WriteTimeout   time.Duration `yaml:"write-timeout" json:"write_timeout" mapstructure:"write-timeout"`
	AllowedOrigins []string      `yaml:"allowed-origins" json:"allowed_origins" mapstructure:"allowed-origins"`
}

// Registers the default of every setting on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-file", "")

	v.SetDefault("datastore.backend", datastore.BackendAferoFS.String())
	v.SetDefault("datastore.home", "signature-trust-data")
	v.SetDefault("datastore.serializer", "yaml")
	v.SetDefault("datastore.read-buffer-size", 50)

	v.SetDefault("hsm.sign-timeout", hsm.DEFAULT_SIGN_TIMEOUT)
	v.SetDefault("hsm.key-dir", "signature-trust-data/keys")

	v.SetDefault("ca.breaker-failures", ca.DEFAULT_BREAKER_FAILURES)
	v.SetDefault("ca.breaker-timeout", ca.DEFAULT_BREAKER_TIMEOUT)

	v.SetDefault("certificates.renewal-window", 720*time.Hour)
	v.SetDefault("certificates.poll-interval", 5*time.Minute)
	v.SetDefault("certificates.poll-max", time.Hour)
	v.SetDefault("certificates.poll-timeout", 24*time.Hour)

	v.SetDefault("tsa.timeout", tsa.DEFAULT_TIMEOUT)
	v.SetDefault("tsa.breaker-failures", ca.DEFAULT_BREAKER_FAILURES)
	v.SetDefault("tsa.breaker-timeout", ca.DEFAULT_BREAKER_TIMEOUT)

	v.SetDefault("auth.freshness", 5*time.Minute)
	v.SetDefault("auth.proof-lifetime", 15*time.Minute)
	v.SetDefault("auth.limiter", LIMITER_MEMORY)
	v.SetDefault("auth.attempts.attempts", ratelimit.DEFAULT_ATTEMPTS)
	v.SetDefault("auth.attempts.window", ratelimit.DEFAULT_WINDOW)

	v.SetDefault("trust-lists.refresh", trustlist.DEFAULT_REFRESH_INTERVAL)

	v.SetDefault("archive.backend", archive.BACKEND_FILE)
	v.SetDefault("archive.dir", "signature-trust-data/archive")

	v.SetDefault("webservice.listen", ":8080")
	v.SetDefault("webservice.read-timeout", 5*time.Second)
	v.SetDefault("webservice.write-timeout", 30*time.Second)
}

// Reads config.yaml from configFile, or the search paths when configFile
// is empty, and decodes it over the defaults. A missing config file is
// not an error; every setting then comes from the defaults and the
// SIGTRUST_ environment.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range secretKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range SearchPaths {
			v.AddConfigPath(path)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	config := new(Config)
	if err := v.Unmarshal(config); err != nil {
		return nil, err
	}
	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return ErrSecretRequired
	}
	switch c.Auth.Limiter {
	case "", LIMITER_MEMORY:
	case LIMITER_REDIS:
		if c.Auth.Redis.Addr == "" {
			return fmt.Errorf("%w: redis address required", ErrInvalidLimiter)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidLimiter, c.Auth.Limiter)
	}
	if err := c.Archive.Validate(); err != nil {
		return err
	}

	ids := make(map[string]struct{})
	for _, p := range c.HSM.Providers {
		if p.ID == "" {
			return fmt.Errorf("%w: hsm provider without id", ErrInvalidProvider)
		}
		if err := p.Descriptor.Validate(); err != nil {
			return fmt.Errorf("%w: %s", err, p.ID)
		}
		if err := unique(ids, "hsm", p.ID); err != nil {
			return err
		}
	}
	for _, p := range c.CA.Providers {
		if p.ID == "" || p.BaseURL == "" {
			return fmt.Errorf("%w: ca provider needs an id and a base url", ErrInvalidProvider)
		}
		if err := unique(ids, "ca", p.ID); err != nil {
			return err
		}
	}
	for _, p := range c.TSA.Providers {
		if p.ID == "" || p.URL == "" {
			return fmt.Errorf("%w: tsa provider needs an id and a url", ErrInvalidProvider)
		}
		if err := unique(ids, "tsa", p.ID); err != nil {
			return err
		}
	}
	return nil
}

func unique(ids map[string]struct{}, kind, id string) error {
	key := kind + "/" + id
	if _, ok := ids[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, key)
	}
	ids[key] = struct{}{}
	return nil
}
