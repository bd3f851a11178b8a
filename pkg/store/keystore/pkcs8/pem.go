package pkcs8

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"

	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	libpkcs8 "github.com/youmark/pkcs8"
)

const (
	PEM_TYPE_PRIVATE_KEY           = "PRIVATE KEY"
	PEM_TYPE_ENCRYPTED_PRIVATE_KEY = "ENCRYPTED PRIVATE KEY"
)

var (
	ErrInvalidPEM       = errors.New("keystore/pkcs8: invalid PEM block")
	ErrPasswordRequired = errors.New("keystore/pkcs8: password required for encrypted key")
)

// Generates a new private key for the key spec
func GenerateKey(random io.Reader, spec keystore.KeySpec) (crypto.Signer, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch spec.Algorithm {
	case keystore.ALGORITHM_RSA_PSS:
		return rsa.GenerateKey(random, spec.KeySize)
	case keystore.ALGORITHM_ECDSA:
		curve, err := keystore.ParseCurve(spec.Curve)
		if err != nil {
			return nil, err
		}
		return ecdsa.GenerateKey(curve, random)
	case keystore.ALGORITHM_EDDSA:
		_, priv, err := ed25519.GenerateKey(random)
		return priv, err
	}
	return nil, keystore.ErrInvalidKeyAlgorithm
}

// Encodes the private key as a PKCS #8 PEM block, encrypted with the
// password when one is given
func EncodePEM(key crypto.PrivateKey, password []byte) ([]byte, error) {
	der, err := libpkcs8.MarshalPrivateKey(key, password, nil)
	if err != nil {
		return nil, err
	}
	blockType := PEM_TYPE_PRIVATE_KEY
	if len(password) > 0 {
		blockType = PEM_TYPE_ENCRYPTED_PRIVATE_KEY
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), nil
}

// Parses a PKCS #8 (optionally encrypted), PKCS #1 or SEC 1 PEM private key
// into a crypto.Signer
func ParsePEM(data []byte, password []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	var key any
	var err error
	switch block.Type {
	case PEM_TYPE_ENCRYPTED_PRIVATE_KEY:
		if len(password) == 0 {
			return nil, ErrPasswordRequired
		}
		key, err = libpkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
	case PEM_TYPE_PRIVATE_KEY:
		key, err = libpkcs8.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, ErrInvalidPEM
	}
	if err != nil {
		return nil, err
	}
	return asSigner(key)
}

func asSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	case *ed25519.PrivateKey:
		return *k, nil
	}
	return nil, keystore.ErrInvalidPrivateKey
}

// Encodes a public key as a PKIX PEM block
func EncodePublicPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
