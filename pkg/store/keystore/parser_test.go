package keystore

import (
	"crypto"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHash(t *testing.T) {
	hash, err := ParseHash("SHA-256")
	assert.Nil(t, err)
	assert.Equal(t, crypto.SHA256, hash)
}

func TestParseBadHash(t *testing.T) {
	_, err := ParseHash("MD4")
	assert.NotNil(t, err)
}

func TestParseAlgorithm(t *testing.T) {
	tests := map[string]Algorithm{
		"ECDSA":   ALGORITHM_ECDSA,
		"ecdsa":   ALGORITHM_ECDSA,
		"RSA-PSS": ALGORITHM_RSA_PSS,
		"RSA":     ALGORITHM_RSA_PSS,
		"Ed25519": ALGORITHM_EDDSA,
		"EdDSA":   ALGORITHM_EDDSA,
	}
	for name, expected := range tests {
		algorithm, err := ParseAlgorithm(name)
		assert.Nil(t, err, name)
		assert.Equal(t, expected, algorithm, name)
	}

	_, err := ParseAlgorithm("DSA")
	assert.ErrorIs(t, err, ErrInvalidKeyAlgorithm)
}
