package hsm

import (
	"crypto"
	"errors"
	"slices"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
)

type ConnectionType string
type ProviderState string
type Capability string

const (
	CONNECTION_NETWORK ConnectionType = "network"
	CONNECTION_USB     ConnectionType = "usb"
	CONNECTION_CLOUD   ConnectionType = "cloud"
	CONNECTION_LOCAL   ConnectionType = "local"

	STATE_REGISTERED   ProviderState = "Registered"
	STATE_CONNECTED    ProviderState = "Connected"
	STATE_DISCONNECTED ProviderState = "Disconnected"

	CAPABILITY_KEYGENERATION Capability = "keygeneration"
	CAPABILITY_SIGN          Capability = "sign"
	CAPABILITY_VERIFY        Capability = "verify"
	CAPABILITY_ENCRYPT       Capability = "encrypt"
	CAPABILITY_DECRYPT       Capability = "decrypt"

	DEFAULT_SIGN_TIMEOUT = 10 * time.Second
)

var (
	ErrUnknownProvider      = errors.New("hsm: unknown provider")
	ErrUnsupportedVendor    = errors.New("hsm: unsupported vendor")
	ErrInvalidDescriptor    = errors.New("hsm: invalid provider descriptor")
	ErrCapabilityNotOffered = errors.New("hsm: capability not offered by provider")
	ErrKeyDeleted           = errors.New("hsm: key deleted")
	ErrUsageDenied          = errors.New("hsm: key usage denied")
	ErrTimeout              = errors.New("hsm: operation timed out")

	// Driver errors are surfaced unchanged
	ErrNotConnected         = keystore.ErrNotConnected
	ErrBadCredentials       = keystore.ErrBadCredentials
	ErrBackendUnavailable   = keystore.ErrBackendUnavailable
	ErrBackendError         = keystore.ErrBackendRejected
	ErrUnknownKey           = keystore.ErrKeyNotFound
	ErrUnsupportedAlgorithm = keystore.ErrInvalidKeyAlgorithm

	AllCapabilities = []Capability{
		CAPABILITY_KEYGENERATION,
		CAPABILITY_SIGN,
		CAPABILITY_VERIFY,
		CAPABILITY_ENCRYPT,
		CAPABILITY_DECRYPT,
	}
)

// Descriptor is the static description of an HSM provider supplied at
// registration
type Descriptor struct {
	Vendor         keystore.Vendor   `yaml:"vendor" json:"vendor" mapstructure:"vendor"`
	ConnectionType ConnectionType    `yaml:"connection-type" json:"connection_type" mapstructure:"connection-type"`
	FIPSLevel      int               `yaml:"fips-level" json:"fips_level" mapstructure:"fips-level"`
	Capabilities   []Capability      `yaml:"capabilities" json:"capabilities" mapstructure:"capabilities"`
	Concurrent     bool              `yaml:"concurrent" json:"concurrent" mapstructure:"concurrent"`
	SignTimeout    time.Duration     `yaml:"sign-timeout" json:"sign_timeout" mapstructure:"sign-timeout"`
	Options        map[string]string `yaml:"options" json:"options,omitempty" mapstructure:"options"`
}

func (d Descriptor) Offers(capability Capability) bool {
	return slices.Contains(d.Capabilities, capability)
}

func (d Descriptor) Validate() error {
	if d.Vendor == "" {
		return ErrInvalidDescriptor
	}
	if d.FIPSLevel < 0 || d.FIPSLevel > 4 {
		return ErrInvalidDescriptor
	}
	for _, c := range d.Capabilities {
		if !slices.Contains(AllCapabilities, c) {
			return ErrInvalidDescriptor
		}
	}
	return nil
}

// Provider is the persisted registration and runtime state of an HSM
type Provider struct {
	ID             string            `yaml:"id" json:"id"`
	Descriptor     Descriptor        `yaml:"descriptor" json:"descriptor"`
	State          ProviderState     `yaml:"state" json:"state"`
	RegisteredAt   time.Time         `yaml:"registered-at" json:"registered_at"`
	ConnectedAt    time.Time         `yaml:"connected-at" json:"connected_at,omitempty"`
	DisconnectedAt time.Time         `yaml:"disconnected-at" json:"disconnected_at,omitempty"`
	Metadata       map[string]string `yaml:"metadata" json:"metadata,omitempty"`
}

// Health is a point in time liveness report for a provider
type Health struct {
	ProviderID string            `yaml:"provider-id" json:"provider_id"`
	Vendor     keystore.Vendor   `yaml:"vendor" json:"vendor"`
	State      ProviderState     `yaml:"state" json:"state"`
	Alive      bool              `yaml:"alive" json:"alive"`
	Uptime     time.Duration     `yaml:"uptime" json:"uptime"`
	FIPSLevel  int               `yaml:"fips-level" json:"fips_level"`
	Metrics    map[string]string `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	CheckedAt  time.Time         `yaml:"checked-at" json:"checked_at"`
}

// SignOptions select the signature algorithm and digest. Zero values
// default to the algorithm and hash bound to the key.
type SignOptions struct {
	Algorithm keystore.Algorithm
	Hash      crypto.Hash

	// Replaces the provider's sign timeout when set
	Timeout time.Duration
}

// ImportOptions control how PEM key material is imported
type ImportOptions struct {
	KeyID    string
	Password []byte
	Usage    keystore.UsageSet
	Hash     crypto.Hash
}

// KeyPair is returned by key generation and import
type KeyPair struct {
	KeyID     string
	PublicKey crypto.PublicKey
}
