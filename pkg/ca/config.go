package ca

import "time"

const (
	AUTH_API_KEY AuthScheme = "api_key"
	AUTH_OAUTH   AuthScheme = "oauth"

	DEFAULT_API_KEY_HEADER = "X-API-Key"
	DEFAULT_TIMEOUT        = 30 * time.Second
)

type AuthScheme string

// ProviderConfig describes a CA vendor API. Endpoint templates are
// relative to the base URL and may contain an {id} placeholder for the
// vendor request id or certificate identifier.
type ProviderConfig struct {
	ID        string        `yaml:"id" json:"id" mapstructure:"id"`
	BaseURL   string        `yaml:"base-url" json:"base_url" mapstructure:"base-url"`
	Endpoints Endpoints     `yaml:"endpoints" json:"endpoints" mapstructure:"endpoints"`
	Types     []string      `yaml:"types" json:"types" mapstructure:"types"`
	Auth      AuthConfig    `yaml:"auth" json:"auth" mapstructure:"auth"`
	Rate      RateConfig    `yaml:"rate" json:"rate" mapstructure:"rate"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

type Endpoints struct {
	Request  string `yaml:"request" json:"request" mapstructure:"request"`
	Status   string `yaml:"status" json:"status" mapstructure:"status"`
	Download string `yaml:"download" json:"download" mapstructure:"download"`
	Revoke   string `yaml:"revoke" json:"revoke" mapstructure:"revoke"`
}

type AuthConfig struct {
	Scheme       AuthScheme `yaml:"scheme" json:"scheme" mapstructure:"scheme"`
	APIKeyHeader string     `yaml:"api-key-header" json:"api_key_header" mapstructure:"api-key-header"`
	APIKey       string     `yaml:"api-key" json:"-" mapstructure:"api-key"`
	TokenURL     string     `yaml:"token-url" json:"token_url" mapstructure:"token-url"`
	ClientID     string     `yaml:"client-id" json:"client_id" mapstructure:"client-id"`
	ClientSecret string     `yaml:"client-secret" json:"-" mapstructure:"client-secret"`
	Scopes       []string   `yaml:"scopes" json:"scopes" mapstructure:"scopes"`
}

// RateConfig is the request envelope the vendor allows. A zero rate
// disables client side limiting.
type RateConfig struct {
	PerSecond float64 `yaml:"per-second" json:"per_second" mapstructure:"per-second"`
	Burst     int     `yaml:"burst" json:"burst" mapstructure:"burst"`
}

type Subject struct {
	CommonName         string `yaml:"cn" json:"cn" mapstructure:"cn"`
	Organization       string `yaml:"organization" json:"organization" mapstructure:"organization"`
	OrganizationalUnit string `yaml:"organizational-unit" json:"organizational_unit" mapstructure:"organizational-unit"`
	Country            string `yaml:"country" json:"country" mapstructure:"country"`
	Province           string `yaml:"province" json:"province" mapstructure:"province"`
	Locality           string `yaml:"locality" json:"locality" mapstructure:"locality"`
	Address            string `yaml:"address" json:"address" mapstructure:"address"`
	PostalCode         string `yaml:"postal-code" json:"postal_code" mapstructure:"postal-code"`
	Email              string `yaml:"email" json:"email" mapstructure:"email"`
	SerialNumber       string `yaml:"serial-number" json:"serial_number" mapstructure:"serial-number"`
}

type SubjectAlternativeNames struct {
	DNS   []string `yaml:"dns" json:"dns" mapstructure:"dns"`
	IPs   []string `yaml:"ips" json:"ips" mapstructure:"ips"`
	Email []string `yaml:"email" json:"email" mapstructure:"email"`
}
