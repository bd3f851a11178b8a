package keystore

import (
	"crypto"
)

type HandleKind string

const (
	HANDLE_SOFTWARE HandleKind = "software"
	HANDLE_HSM      HandleKind = "hsm"
)

// KeyHandle references the private key behind a certificate. Software
// handles hold the (optionally encrypted) PKCS #8 PEM directly; HSM handles
// hold a provider id and key id and are only usable while the provider is
// connected.
type KeyHandle struct {
	Kind       HandleKind `yaml:"kind" json:"kind"`
	PEM        []byte     `yaml:"pem,omitempty" json:"pem,omitempty"`
	ProviderID string     `yaml:"provider-id,omitempty" json:"provider_id,omitempty"`
	KeyID      string     `yaml:"key-id,omitempty" json:"key_id,omitempty"`
	Algorithm  Algorithm  `yaml:"algorithm" json:"algorithm"`
	Hash       string     `yaml:"hash,omitempty" json:"hash,omitempty"`
	Usage      UsageSet   `yaml:"usage" json:"usage"`
}

func NewSoftwareHandle(pem []byte, algorithm Algorithm, usage UsageSet) KeyHandle {
	return KeyHandle{
		Kind:      HANDLE_SOFTWARE,
		PEM:       pem,
		Algorithm: algorithm,
		Hash:      crypto.SHA256.String(),
		Usage:     usage,
	}
}

func NewHSMHandle(providerID, keyID string, algorithm Algorithm, usage UsageSet) KeyHandle {
	return KeyHandle{
		Kind:       HANDLE_HSM,
		ProviderID: providerID,
		KeyID:      keyID,
		Algorithm:  algorithm,
		Hash:       crypto.SHA256.String(),
		Usage:      usage,
	}
}

func (h KeyHandle) IsHSM() bool {
	return h.Kind == HANDLE_HSM
}

// Returns the digest algorithm fixed for the key at creation
func (h KeyHandle) HashFunc() crypto.Hash {
	if h.Algorithm == ALGORITHM_EDDSA {
		return 0
	}
	if hash, err := ParseHash(h.Hash); err == nil {
		return hash
	}
	return crypto.SHA256
}

// Returns a copy of the handle with software key material removed
func (h KeyHandle) Redacted() KeyHandle {
	h.PEM = nil
	return h
}

func (h KeyHandle) Validate() error {
	switch h.Kind {
	case HANDLE_SOFTWARE:
		if len(h.PEM) == 0 {
			return ErrInvalidKeyHandle
		}
	case HANDLE_HSM:
		if h.ProviderID == "" || h.KeyID == "" {
			return ErrInvalidKeyHandle
		}
	default:
		return ErrInvalidKeyHandle
	}
	switch h.Algorithm {
	case ALGORITHM_RSA_PSS, ALGORITHM_ECDSA, ALGORITHM_EDDSA:
	default:
		return ErrInvalidKeyAlgorithm
	}
	return nil
}
