package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/sha3"
)

var ErrCorruptWrite = errors.New("store/keystore: corrupt write")

// Creates a new digest using the specified hash function
func Digest(h crypto.Hash, data []byte) ([]byte, error) {
	hasher, err := NewHash(h)
	if err != nil {
		return nil, err
	}
	n, err := hasher.Write(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, ErrCorruptWrite
	}
	return hasher.Sum(nil), nil
}

// Returns a hash.Hash for the supported hash functions. SHA-3 is provided
// by x/crypto so callers do not depend on it being linked into the binary.
func NewHash(h crypto.Hash) (hash.Hash, error) {
	switch h {
	case crypto.SHA256:
		return sha256.New(), nil
	case crypto.SHA384:
		return sha512.New384(), nil
	case crypto.SHA512:
		return sha512.New(), nil
	case crypto.SHA3_256:
		return sha3.New256(), nil
	case crypto.SHA3_384:
		return sha3.New384(), nil
	case crypto.SHA3_512:
		return sha3.New512(), nil
	}
	return nil, ErrInvalidHashFunction
}

func AvailableHashes() map[string]crypto.Hash {
	hashes := make(map[string]crypto.Hash)
	hashes[crypto.SHA256.String()] = crypto.SHA256
	hashes[crypto.SHA384.String()] = crypto.SHA384
	hashes[crypto.SHA512.String()] = crypto.SHA512
	hashes[crypto.SHA3_256.String()] = crypto.SHA3_256
	hashes[crypto.SHA3_384.String()] = crypto.SHA3_384
	hashes[crypto.SHA3_512.String()] = crypto.SHA3_512
	return hashes
}

// Parses a hash name such as SHA-256 or sha256
func ParseHash(name string) (crypto.Hash, error) {
	if name == "" {
		return crypto.SHA256, nil
	}
	normalized := strings.ToUpper(strings.ReplaceAll(name, "_", "-"))
	for k, v := range AvailableHashes() {
		if k == normalized || strings.ReplaceAll(k, "-", "") == normalized {
			return v, nil
		}
	}
	return 0, ErrInvalidHashFunction
}

func ParseCurve(name string) (elliptic.Curve, error) {
	switch strings.ToUpper(name) {
	case "P-256", "P256", "SECP256R1":
		return elliptic.P256(), nil
	case "P-384", "P384", "SECP384R1":
		return elliptic.P384(), nil
	case "P-521", "P521", "SECP521R1":
		return elliptic.P521(), nil
	}
	return nil, ErrInvalidCurve
}

// Returns the crypto.SignerOpts for the algorithm and hash. RSA keys are
// always used with PSS and a salt equal to the hash length.
func SignerOptsFor(algorithm Algorithm, h crypto.Hash) crypto.SignerOpts {
	switch algorithm {
	case ALGORITHM_RSA_PSS:
		return &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	case ALGORITHM_EDDSA:
		return crypto.Hash(0)
	default:
		return h
	}
}

// Returns the input a crypto.Signer expects for the algorithm: the digest
// of data, or the message itself for EdDSA.
func SigningInput(algorithm Algorithm, h crypto.Hash, data []byte) ([]byte, error) {
	if algorithm == ALGORITHM_EDDSA {
		return data, nil
	}
	return Digest(h, data)
}

// Signs data with an in-process crypto.Signer using the algorithm bound
// to the key
func Sign(signer crypto.Signer, random io.Reader, algorithm Algorithm, h crypto.Hash, data []byte) ([]byte, error) {
	input, err := SigningInput(algorithm, h, data)
	if err != nil {
		return nil, err
	}
	return signer.Sign(random, input, SignerOptsFor(algorithm, h))
}

// Verifies a signature produced by Sign
func Verify(pub crypto.PublicKey, algorithm Algorithm, h crypto.Hash, data, signature []byte) error {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		digest, err := Digest(h, data)
		if err != nil {
			return err
		}
		return rsa.VerifyPSS(key, h, digest, signature,
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h})
	case *ecdsa.PublicKey:
		digest, err := Digest(h, data)
		if err != nil {
			return err
		}
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return ErrSignatureVerification
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(key, data, signature) {
			return ErrSignatureVerification
		}
		return nil
	}
	return ErrInvalidKeyAlgorithm
}

var ErrSignatureVerification = errors.New("store/keystore: signature verification failed")

// Returns the algorithm matching a public key
func AlgorithmOf(pub crypto.PublicKey) (Algorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return ALGORITHM_RSA_PSS, nil
	case *ecdsa.PublicKey:
		return ALGORITHM_ECDSA, nil
	case ed25519.PublicKey:
		return ALGORITHM_EDDSA, nil
	}
	return "", ErrInvalidKeyAlgorithm
}
