package pkcs8

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/spf13/afero"
)

type Params struct {
	Logger  *logging.Logger
	Random  io.Reader
	Backend keystore.KeyBackend
}

// KeyStore is the in-process key storage backend. Keys are saved to the
// backend as PKCS #8 PEM, encrypted with the password supplied on Connect.
type KeyStore struct {
	params    *Params
	mu        sync.RWMutex
	password  []byte
	connected bool
	keys      int
}

// PKCS #8 Key Store Module. This module saves keys to the the provided
// backend in PKCS #8 form.
func NewKeyStore(params *Params) *KeyStore {
	if params.Random == nil {
		params.Random = rand.Reader
	}
	return &KeyStore{params: params}
}

// Returns a driver factory that stores each provider's keys in its own
// partition beneath rootDir
func NewDriverFactory(fs afero.Fs, rootDir string) keystore.DriverFactory {
	return func(logger *logging.Logger, providerID string, options map[string]string) (keystore.Driver, error) {
		backend, err := keystore.NewFileBackend(logger, fs, rootDir, providerID)
		if err != nil {
			return nil, err
		}
		return NewKeyStore(&Params{
			Logger:  logger,
			Backend: backend,
		}), nil
	}
}

// Unlocks the key store with the password in the credentials. An empty
// password stores keys unencrypted.
func (ks *KeyStore) Connect(ctx context.Context, creds keystore.Credentials) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.password = []byte(creds.Password)
	ks.connected = true
	return nil
}

func (ks *KeyStore) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.password = nil
	ks.connected = false
	return nil
}

// Generate new private key using the provided key spec and
// return its public half
func (ks *KeyStore) GenerateKey(
	ctx context.Context,
	id string,
	spec keystore.KeySpec) (crypto.PublicKey, error) {

	if err := ks.checkConnected(); err != nil {
		return nil, err
	}
	ks.params.Logger.Debug("keystore/pkcs8: generating key",
		"id", id, "algorithm", spec.Algorithm)

	privateKey, err := GenerateKey(ks.params.Random, spec)
	if err != nil {
		return nil, err
	}
	if err := ks.save(id, privateKey); err != nil {
		return nil, err
	}
	return privateKey.Public(), nil
}

// Imports an existing private key
func (ks *KeyStore) ImportKey(
	ctx context.Context,
	id string,
	key crypto.PrivateKey,
	spec keystore.KeySpec) (crypto.PublicKey, error) {

	if err := ks.checkConnected(); err != nil {
		return nil, err
	}
	signer, err := asSigner(key)
	if err != nil {
		return nil, err
	}
	algorithm, err := keystore.AlgorithmOf(signer.Public())
	if err != nil {
		return nil, err
	}
	if spec.Algorithm != "" && spec.Algorithm != algorithm {
		return nil, fmt.Errorf("%w: key is %s, spec requires %s",
			keystore.ErrInvalidKeyAlgorithm, algorithm, spec.Algorithm)
	}
	if err := ks.save(id, signer); err != nil {
		return nil, err
	}
	return signer.Public(), nil
}

// Signs the digest with the stored key
func (ks *KeyStore) Sign(
	ctx context.Context,
	id string,
	digest []byte,
	opts crypto.SignerOpts) ([]byte, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signer, err := ks.Signer(id)
	if err != nil {
		return nil, err
	}
	return signer.Sign(ks.params.Random, digest, opts)
}

// Returns the private key for the id as a crypto.Signer
func (ks *KeyStore) Signer(id string) (crypto.Signer, error) {
	if err := ks.checkConnected(); err != nil {
		return nil, err
	}
	data, err := ks.params.Backend.Get(id, keystore.FSEXT_PRIVATE_PKCS8_PEM)
	if err != nil {
		if errors.Is(err, keystore.ErrFileNotFound) {
			return nil, keystore.ErrKeyNotFound
		}
		return nil, err
	}
	ks.mu.RLock()
	password := ks.password
	ks.mu.RUnlock()
	return ParsePEM(data, password)
}

// Deletes a key pair from the key store
func (ks *KeyStore) DestroyKey(ctx context.Context, id string) error {
	if err := ks.checkConnected(); err != nil {
		return err
	}
	if err := ks.params.Backend.Delete(id); err != nil {
		if errors.Is(err, keystore.ErrFileNotFound) {
			return keystore.ErrKeyNotFound
		}
		return err
	}
	ks.mu.Lock()
	ks.keys--
	ks.mu.Unlock()
	return nil
}

func (ks *KeyStore) Health(ctx context.Context) (map[string]string, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return map[string]string{
		"backend":    "pkcs8",
		"encrypted":  strconv.FormatBool(len(ks.password) > 0),
		"keys_added": strconv.Itoa(ks.keys),
	}, nil
}

func (ks *KeyStore) checkConnected() error {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if !ks.connected {
		return keystore.ErrNotConnected
	}
	return nil
}

func (ks *KeyStore) save(id string, key crypto.Signer) error {
	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
	default:
		return keystore.ErrInvalidPrivateKey
	}
	ks.mu.RLock()
	password := ks.password
	ks.mu.RUnlock()

	privPEM, err := EncodePEM(key, password)
	if err != nil {
		return err
	}
	if err := ks.params.Backend.Save(id, privPEM, keystore.FSEXT_PRIVATE_PKCS8_PEM, false); err != nil {
		if errors.Is(err, keystore.ErrFileAlreadyExists) {
			return keystore.ErrKeyAlreadyExists
		}
		return err
	}
	pubPEM, err := EncodePublicPEM(key.Public())
	if err != nil {
		return err
	}
	if err := ks.params.Backend.Save(id, pubPEM, keystore.FSEXT_PUBLIC_PEM, true); err != nil {
		return err
	}
	ks.mu.Lock()
	ks.keys++
	ks.mu.Unlock()
	return nil
}
