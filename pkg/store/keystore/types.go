package keystore

import (
	"context"
	"crypto"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
)

type Algorithm string
type Usage string
type KeyState string
type Vendor string

const (
	ALGORITHM_RSA_PSS Algorithm = "RSA-PSS"
	ALGORITHM_ECDSA   Algorithm = "ECDSA"
	ALGORITHM_EDDSA   Algorithm = "EdDSA"

	USAGE_SIGN    Usage = "sign"
	USAGE_VERIFY  Usage = "verify"
	USAGE_ENCRYPT Usage = "encrypt"
	USAGE_DECRYPT Usage = "decrypt"

	KEY_STATE_ACTIVE  KeyState = "active"
	KEY_STATE_DELETED KeyState = "deleted"

	VENDOR_SOFTWARE       Vendor = "software"
	VENDOR_AWS_CLOUDHSM   Vendor = "aws-cloudhsm"
	VENDOR_AZURE_KEYVAULT Vendor = "azure-keyvault"
	VENDOR_THALES_LUNA    Vendor = "thales-luna"
	VENDOR_SAFENET        Vendor = "safenet"

	DEFAULT_RSA_KEY_SIZE = 2048
	DEFAULT_CURVE        = "P-256"
)

var (
	ErrInvalidKeyAlgorithm       = errors.New("store/keystore: invalid key algorithm")
	ErrInvalidPrivateKey         = errors.New("store/keystore: invalid private key")
	ErrInvalidPrivateKeyRSA      = errors.New("store/keystore: invalid RSA private key")
	ErrInvalidPrivateKeyECDSA    = errors.New("store/keystore: invalid ECDSA private key")
	ErrInvalidPrivateKeyEd25519  = errors.New("store/keystore: invalid Ed25519 private key")
	ErrInvalidSignatureAlgorithm = errors.New("store/keystore: unsupported signing algorithm")
	ErrInvalidCurve              = errors.New("store/keystore: invalid ECC curve")
	ErrInvalidKeySize            = errors.New("store/keystore: invalid key size")
	ErrInvalidHashFunction       = errors.New("store/keystore: invalid hash function")
	ErrInvalidKeyHandle          = errors.New("store/keystore: invalid key handle")
	ErrKeyAlreadyExists          = errors.New("store/keystore: key already exists")
	ErrKeyNotFound               = errors.New("store/keystore: key not found")
	ErrBadCredentials            = errors.New("store/keystore: bad credentials")
	ErrBackendUnavailable        = errors.New("store/keystore: backend unavailable")
	ErrBackendRejected           = errors.New("store/keystore: backend rejected operation")
	ErrNotConnected              = errors.New("store/keystore: driver not connected")
	ErrImportNotSupported        = errors.New("store/keystore: key import not supported")
)

// KeySpec describes a key pair to generate or import
type KeySpec struct {
	Algorithm Algorithm   `yaml:"algorithm" json:"algorithm" mapstructure:"algorithm"`
	KeySize   int         `yaml:"key-size" json:"key_size,omitempty" mapstructure:"key-size"`
	Curve     string      `yaml:"curve" json:"curve,omitempty" mapstructure:"curve"`
	Hash      crypto.Hash `yaml:"-" json:"-" mapstructure:"-"`
	Usage     UsageSet    `yaml:"usage" json:"usage" mapstructure:"usage"`
}

// Fills in the default size, curve, hash and usage for the algorithm
func (spec KeySpec) WithDefaults() KeySpec {
	switch spec.Algorithm {
	case ALGORITHM_RSA_PSS:
		if spec.KeySize == 0 {
			spec.KeySize = DEFAULT_RSA_KEY_SIZE
		}
	case ALGORITHM_ECDSA:
		if spec.Curve == "" {
			spec.Curve = DEFAULT_CURVE
		}
	}
	if spec.Hash == 0 && spec.Algorithm != ALGORITHM_EDDSA {
		spec.Hash = crypto.SHA256
	}
	if len(spec.Usage) == 0 {
		spec.Usage = UsageSet{USAGE_SIGN, USAGE_VERIFY}
	}
	return spec
}

// Validates the algorithm, size and curve combination
func (spec KeySpec) Validate() error {
	switch spec.Algorithm {
	case ALGORITHM_RSA_PSS:
		if spec.KeySize < 2048 || spec.KeySize%256 != 0 {
			return ErrInvalidKeySize
		}
	case ALGORITHM_ECDSA:
		if _, err := ParseCurve(spec.Curve); err != nil {
			return err
		}
	case ALGORITHM_EDDSA:
	default:
		return ErrInvalidKeyAlgorithm
	}
	return nil
}

// UsageSet is the set of operations a key may be used for
type UsageSet []Usage

func (u UsageSet) Has(usage Usage) bool {
	return slices.Contains(u, usage)
}

func (u UsageSet) String() string {
	parts := make([]string, len(u))
	for i, usage := range u {
		parts[i] = string(usage)
	}
	return strings.Join(parts, ",")
}

// Parses a comma separated usage list
func ParseUsage(s string) (UsageSet, error) {
	var usage UsageSet
	for _, part := range strings.Split(s, ",") {
		switch u := Usage(strings.TrimSpace(part)); u {
		case USAGE_SIGN, USAGE_VERIFY, USAGE_ENCRYPT, USAGE_DECRYPT:
			if !usage.Has(u) {
				usage = append(usage, u)
			}
		case "":
		default:
			return nil, errors.New("store/keystore: invalid key usage: " + part)
		}
	}
	return usage, nil
}

// KeyAttributes are the persisted, non-secret properties of a key
// reference held by a provider
type KeyAttributes struct {
	ID           string    `yaml:"id" json:"id"`
	ProviderID   string    `yaml:"provider-id" json:"provider_id"`
	Algorithm    Algorithm `yaml:"algorithm" json:"algorithm"`
	KeySize      int       `yaml:"key-size" json:"key_size,omitempty"`
	Curve        string    `yaml:"curve" json:"curve,omitempty"`
	Hash         string    `yaml:"hash" json:"hash,omitempty"`
	Usage        UsageSet  `yaml:"usage" json:"usage"`
	Imported     bool      `yaml:"imported" json:"imported"`
	State        KeyState  `yaml:"state" json:"state"`
	PublicKeyDER []byte    `yaml:"public-key" json:"public_key"`
	CreatedAt    time.Time `yaml:"created-at" json:"created_at"`
	DeletedAt    time.Time `yaml:"deleted-at" json:"deleted_at,omitempty"`
}

// Returns the key's hash function, defaulting to SHA-256
func (attrs *KeyAttributes) HashFunc() crypto.Hash {
	if attrs.Algorithm == ALGORITHM_EDDSA {
		return 0
	}
	if h, err := ParseHash(attrs.Hash); err == nil {
		return h
	}
	return crypto.SHA256
}

// Credentials carries the vendor specific secrets used to connect
// to a key storage backend. Only the fields of the target vendor
// are consulted.
type Credentials struct {
	// AWS CloudHSM
	AccessKey string `yaml:"access-key" json:"access_key,omitempty" mapstructure:"access-key"`
	SecretKey string `yaml:"secret-key" json:"-" mapstructure:"secret-key"`
	Region    string `yaml:"region" json:"region,omitempty" mapstructure:"region"`
	ClusterID string `yaml:"cluster-id" json:"cluster_id,omitempty" mapstructure:"cluster-id"`

	// Azure Key Vault
	TenantID     string `yaml:"tenant-id" json:"tenant_id,omitempty" mapstructure:"tenant-id"`
	ClientID     string `yaml:"client-id" json:"client_id,omitempty" mapstructure:"client-id"`
	ClientSecret string `yaml:"client-secret" json:"-" mapstructure:"client-secret"`
	VaultURL     string `yaml:"vault-url" json:"vault_url,omitempty" mapstructure:"vault-url"`

	// Thales / SafeNet network HSMs
	ServerURL string `yaml:"server-url" json:"server_url,omitempty" mapstructure:"server-url"`
	Address   string `yaml:"address" json:"address,omitempty" mapstructure:"address"`
	Username  string `yaml:"username" json:"username,omitempty" mapstructure:"username"`
	Password  string `yaml:"password" json:"-" mapstructure:"password"`
	Partition string `yaml:"partition" json:"partition,omitempty" mapstructure:"partition"`
}

// Driver is a vendor specific key storage backend. Key ids are assigned by
// the caller and used as the backend label.
type Driver interface {
	Connect(ctx context.Context, creds Credentials) error
	GenerateKey(ctx context.Context, id string, spec KeySpec) (crypto.PublicKey, error)
	ImportKey(ctx context.Context, id string, key crypto.PrivateKey, spec KeySpec) (crypto.PublicKey, error)
	Sign(ctx context.Context, id string, digest []byte, opts crypto.SignerOpts) ([]byte, error)
	DestroyKey(ctx context.Context, id string) error
	Health(ctx context.Context) (map[string]string, error)
	Close() error
}

// DriverFactory creates a driver for a registered provider
type DriverFactory func(logger *logging.Logger, providerID string, options map[string]string) (Driver, error)
