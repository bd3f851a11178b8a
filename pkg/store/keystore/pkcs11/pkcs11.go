package pkcs11

import (
	"context"
	"crypto"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/ThalesIgnite/crypto11"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
)

type Params struct {
	Logger  *logging.Logger
	Options map[string]string
	Random  io.Reader
	Vendor  keystore.Vendor
}

// KeyStore is a key storage backend for network and cloud HSMs that expose
// a PKCS #11 module. Signing and key management go through crypto11; token
// inspection and key import go through miekg/pkcs11.
type KeyStore struct {
	params *Params
	mu     sync.RWMutex
	config *Config
	ctx    *crypto11.Context
	lib    *PKCS11
	creds  keystore.Credentials
}

func NewKeyStore(params *Params) *KeyStore {
	if params.Random == nil {
		params.Random = rand.Reader
	}
	return &KeyStore{params: params}
}

// Returns a driver factory for the PKCS #11 vendor
func NewDriverFactory(vendor keystore.Vendor) keystore.DriverFactory {
	return func(logger *logging.Logger, providerID string, options map[string]string) (keystore.Driver, error) {
		return NewKeyStore(&Params{
			Logger:  logger.With("provider", providerID),
			Options: options,
			Vendor:  vendor,
		}), nil
	}
}

// Opens the PKCS #11 module, verifies the login and configures the
// crypto11 session pool
func (ks *KeyStore) Connect(ctx context.Context, creds keystore.Credentials) error {

	config, err := ConfigFor(ks.params.Vendor, ks.params.Options, creds)
	if err != nil {
		return fmt.Errorf("%w: %s", keystore.ErrBadCredentials, err)
	}
	exportEnvironment(ks.params.Vendor, config, creds)

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.ctx != nil {
		ks.ctx.Close()
		ks.ctx = nil
	}

	// Open an "admin connection" using the low level PKCS #11 lib
	// to test the login before handing the token to crypto11
	lib, err := NewPKCS11(ks.params.Logger, config)
	if err != nil {
		ks.params.Logger.Error(err)
		return err
	}

	p11ctx, err := crypto11.Configure(&crypto11.Config{
		Path:        config.Library,
		Pin:         config.Pin,
		TokenLabel:  config.TokenLabel,
		SlotNumber:  config.Slot,
		MaxSessions: config.MaxSessions,
	})
	if err != nil {
		lib.Destroy()
		return mapError(err)
	}

	ks.config = config
	ks.ctx = p11ctx
	ks.lib = lib
	ks.creds = creds
	return nil
}

func (ks *KeyStore) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.ctx == nil {
		return nil
	}
	err := ks.ctx.Close()
	ks.ctx = nil
	ks.lib.Destroy()
	ks.lib = nil
	return mapError(err)
}

// Generates a key pair on the token labeled with the id
func (ks *KeyStore) GenerateKey(
	ctx context.Context,
	id string,
	spec keystore.KeySpec) (crypto.PublicKey, error) {

	p11ctx, err := ks.context()
	if err != nil {
		return nil, err
	}

	var signer crypto11.Signer
	switch spec.Algorithm {
	case keystore.ALGORITHM_RSA_PSS:
		signer, err = p11ctx.GenerateRSAKeyPairWithLabel([]byte(id), []byte(id), spec.KeySize)
	case keystore.ALGORITHM_ECDSA:
		curve, cerr := keystore.ParseCurve(spec.Curve)
		if cerr != nil {
			return nil, cerr
		}
		signer, err = p11ctx.GenerateECDSAKeyPairWithLabel([]byte(id), []byte(id), curve)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyAlgorithm, spec.Algorithm)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return signer.Public(), nil
}

// Imports a private key by creating token objects through the low level
// library
func (ks *KeyStore) ImportKey(
	ctx context.Context,
	id string,
	key crypto.PrivateKey,
	spec keystore.KeySpec) (crypto.PublicKey, error) {

	if _, err := ks.context(); err != nil {
		return nil, err
	}
	ks.mu.RLock()
	lib := ks.lib
	ks.mu.RUnlock()

	if err := lib.ImportKey(id, key); err != nil {
		return nil, err
	}
	signer, err := ks.find(id)
	if err != nil {
		return nil, err
	}
	return signer.Public(), nil
}

func (ks *KeyStore) Sign(
	ctx context.Context,
	id string,
	digest []byte,
	opts crypto.SignerOpts) ([]byte, error) {

	signer, err := ks.find(id)
	if err != nil {
		return nil, err
	}
	type result struct {
		sig []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := signer.Sign(ks.params.Random, digest, opts)
		done <- result{sig, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.sig, mapError(r.err)
	}
}

func (ks *KeyStore) DestroyKey(ctx context.Context, id string) error {
	signer, err := ks.find(id)
	if err != nil {
		return err
	}
	return mapError(signer.Delete())
}

func (ks *KeyStore) Health(ctx context.Context) (map[string]string, error) {
	if _, err := ks.context(); err != nil {
		return nil, err
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	info, err := ks.lib.Info()
	if err != nil {
		return nil, err
	}
	info["vendor"] = string(ks.params.Vendor)
	if ks.creds.Region != "" {
		info["region"] = ks.creds.Region
	}
	if ks.creds.ClusterID != "" {
		info["cluster_id"] = ks.creds.ClusterID
	}
	if ks.creds.ServerURL != "" {
		info["server"] = ks.creds.ServerURL
	}
	if ks.creds.Address != "" {
		info["server"] = ks.creds.Address
	}
	return info, nil
}

func (ks *KeyStore) context() (*crypto11.Context, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.ctx == nil {
		return nil, keystore.ErrNotConnected
	}
	return ks.ctx, nil
}

func (ks *KeyStore) find(id string) (crypto11.Signer, error) {
	p11ctx, err := ks.context()
	if err != nil {
		return nil, err
	}
	signer, err := p11ctx.FindKeyPair([]byte(id), nil)
	if err != nil {
		return nil, mapError(err)
	}
	if signer == nil {
		return nil, keystore.ErrKeyNotFound
	}
	return signer, nil
}
