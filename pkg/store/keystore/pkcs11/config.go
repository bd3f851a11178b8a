package pkcs11

import (
	"os"
	"strconv"

	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
)

const (
	DEFAULT_CLOUDHSM_LIBRARY = "/opt/cloudhsm/lib/libcloudhsm_pkcs11.so"
	DEFAULT_LUNA_LIBRARY     = "/usr/safenet/lunaclient/lib/libCryptoki2_64.so"
	DEFAULT_PTK_LIBRARY      = "/opt/safenet/protecttoolkit7/ptk/lib/libcryptoki.so"
	DEFAULT_CLOUDHSM_TOKEN   = "hsm1"
)

type Config struct {
	Library       string `yaml:"library" json:"library" mapstructure:"library"`
	LibraryConfig string `yaml:"config" json:"config" mapstructure:"config"`
	Slot          *int   `yaml:"slot" json:"slot" mapstructure:"slot"`
	TokenLabel    string `yaml:"label" json:"label" mapstructure:"label"`
	MaxSessions   int    `yaml:"max-sessions" json:"max_sessions" mapstructure:"max-sessions"`
	Pin           string `yaml:"-" json:"-" mapstructure:"-"`
}

// Builds the module configuration for a vendor from the provider options
// and the connection credentials. Network HSMs expose the partition as the
// token label; CloudHSM takes a crypto user login of the form user:password.
func ConfigFor(vendor keystore.Vendor, options map[string]string, creds keystore.Credentials) (*Config, error) {

	config := &Config{
		Library:       options["library"],
		LibraryConfig: options["library-config"],
		TokenLabel:    options["label"],
	}
	if slot, ok := options["slot"]; ok && slot != "" {
		n, err := strconv.Atoi(slot)
		if err != nil {
			return nil, err
		}
		config.Slot = &n
	}
	if max, ok := options["max-sessions"]; ok && max != "" {
		n, err := strconv.Atoi(max)
		if err != nil {
			return nil, err
		}
		config.MaxSessions = n
	}

	switch vendor {
	case keystore.VENDOR_AWS_CLOUDHSM:
		if config.Library == "" {
			config.Library = DEFAULT_CLOUDHSM_LIBRARY
		}
		if config.TokenLabel == "" && config.Slot == nil {
			config.TokenLabel = DEFAULT_CLOUDHSM_TOKEN
		}
		if creds.Username == "" || creds.Password == "" {
			return nil, ErrInvalidUserPIN
		}
		config.Pin = creds.Username + ":" + creds.Password

	case keystore.VENDOR_THALES_LUNA:
		if config.Library == "" {
			config.Library = DEFAULT_LUNA_LIBRARY
		}
		if creds.Partition != "" {
			config.TokenLabel = creds.Partition
		}
		config.Pin = creds.Password

	case keystore.VENDOR_SAFENET:
		if config.Library == "" {
			config.Library = DEFAULT_PTK_LIBRARY
		}
		if creds.Partition != "" {
			config.TokenLabel = creds.Partition
		}
		config.Pin = creds.Password

	default:
		config.Pin = creds.Password
	}

	if config.TokenLabel == "" && config.Slot == nil {
		return nil, ErrInvalidTokenLabel
	}
	if config.Pin == "" {
		return nil, ErrInvalidUserPIN
	}
	return config, nil
}

// Exports the client environment the vendor library reads on load
func exportEnvironment(vendor keystore.Vendor, config *Config, creds keystore.Credentials) {
	switch vendor {
	case keystore.VENDOR_SAFENET:
		// ProtectToolkit network client
		os.Setenv("ET_PTKC_GENERAL_LIBRARY_MODE", "NORMAL")
		if creds.Address != "" {
			os.Setenv("ET_HSM_NETCLIENT_SERVERLIST", creds.Address)
		}
	case keystore.VENDOR_THALES_LUNA:
		if config.LibraryConfig != "" {
			os.Setenv("ChrystokiConfigurationPath", config.LibraryConfig)
		}
	}
}
