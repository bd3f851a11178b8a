package keystore

import (
	"crypto/x509"
	"strings"
)

// Parses a key algorithm name. The x509 public key algorithm names are
// accepted as aliases: RSA selects RSA-PSS and Ed25519 selects EdDSA.
func ParseAlgorithm(algorithm string) (Algorithm, error) {
	switch strings.ToLower(algorithm) {
	case strings.ToLower(string(ALGORITHM_RSA_PSS)), strings.ToLower(x509.RSA.String()):
		return ALGORITHM_RSA_PSS, nil
	case strings.ToLower(string(ALGORITHM_ECDSA)):
		return ALGORITHM_ECDSA, nil
	case strings.ToLower(string(ALGORITHM_EDDSA)), strings.ToLower(x509.Ed25519.String()):
		return ALGORITHM_EDDSA, nil
	}
	return "", ErrInvalidKeyAlgorithm
}
