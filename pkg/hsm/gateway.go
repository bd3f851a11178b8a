// Package hsm is the vendor neutral gateway in front of the HSM key storage
// drivers. Providers are registered once, connected with vendor specific
// credentials and then shared by every concurrent signing request.
package hsm

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/metrics"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore/pkcs8"
)

var ErrInvalidKeyMaterial = errors.New("hsm: invalid key material")

type Params struct {
	Logger      *logging.Logger
	Store       datastore.Store
	Serializer  datastore.Serializer
	Drivers     map[keystore.Vendor]keystore.DriverFactory
	Metrics     *metrics.Metrics
	SignTimeout time.Duration
	Now         func() time.Time
}

// connection is the live driver of a Connected provider. Providers that
// do not admit concurrent access get a mutex that serializes every
// driver call.
type connection struct {
	driver      keystore.Driver
	descriptor  Descriptor
	serial      *sync.Mutex
	connectedAt time.Time
}

func (c *connection) lock() func() {
	if c.serial == nil {
		return func() {}
	}
	c.serial.Lock()
	return c.serial.Unlock
}

type Gateway struct {
	params    *Params
	logger    *logging.Logger
	providers *datastore.Repository[Provider]
	keys      *datastore.Repository[keystore.KeyAttributes]
	mu        sync.RWMutex
	conns     map[string]*connection
}

func NewGateway(params *Params) *Gateway {
	if params.SignTimeout <= 0 {
		params.SignTimeout = DEFAULT_SIGN_TIMEOUT
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Gateway{
		params: params,
		logger: params.Logger.With("component", "hsm"),
		providers: datastore.NewRepository[Provider](
			params.Store, datastore.PartitionHSMProviders, params.Serializer),
		keys: datastore.NewRepository[keystore.KeyAttributes](
			params.Store, datastore.PartitionHSMKeys, params.Serializer),
		conns: make(map[string]*connection),
	}
}

func keyRecordID(providerID, keyID string) string {
	return providerID + "/" + keyID
}

// Registers a provider. Registering an existing id replaces its
// descriptor and leaves its connection state untouched.
func (g *Gateway) RegisterProvider(
	ctx context.Context,
	id string,
	descriptor Descriptor) (Provider, error) {

	if id == "" {
		return Provider{}, ErrInvalidDescriptor
	}
	if err := descriptor.Validate(); err != nil {
		return Provider{}, err
	}
	if _, ok := g.params.Drivers[descriptor.Vendor]; !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrUnsupportedVendor, descriptor.Vendor)
	}
	if len(descriptor.Capabilities) == 0 {
		descriptor.Capabilities = AllCapabilities
	}

	provider := Provider{
		ID:           id,
		Descriptor:   descriptor,
		State:        STATE_REGISTERED,
		RegisteredAt: g.params.Now(),
	}
	_, err := g.providers.Create(ctx, id, provider)
	if errors.Is(err, datastore.ErrRecordExists) {
		return g.providers.Mutate(ctx, id, 0, func(p *Provider) error {
			p.Descriptor = descriptor
			return nil
		})
	}
	if err != nil {
		return Provider{}, err
	}
	g.logger.Info("hsm: provider registered",
		"provider", id, "vendor", descriptor.Vendor, "fips-level", descriptor.FIPSLevel)
	return provider, nil
}

// Marks providers persisted as Connected by a previous process as
// Disconnected. Driver sessions do not survive a restart.
func (g *Gateway) Restore(ctx context.Context) error {
	providers, err := g.providers.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range providers {
		if p.State != STATE_CONNECTED || g.connection(p.ID) != nil {
			continue
		}
		_, err := g.providers.Mutate(ctx, p.ID, 0, func(p *Provider) error {
			p.State = STATE_DISCONNECTED
			p.DisconnectedAt = g.params.Now()
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) Provider(ctx context.Context, id string) (Provider, error) {
	p, _, err := g.providers.Get(ctx, id)
	if errors.Is(err, datastore.ErrRecordNotFound) {
		return Provider{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, err
}

func (g *Gateway) Providers(ctx context.Context) ([]Provider, error) {
	return g.providers.List(ctx)
}

// Opens a driver session with the vendor credentials and transitions the
// provider to Connected. Connecting a connected provider replaces its
// session.
func (g *Gateway) Connect(ctx context.Context, id string, creds keystore.Credentials) (err error) {

	defer g.observe(id, "connect", time.Now(), &err)

	provider, err := g.Provider(ctx, id)
	if err != nil {
		return err
	}
	factory, ok := g.params.Drivers[provider.Descriptor.Vendor]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedVendor, provider.Descriptor.Vendor)
	}
	driver, err := factory(g.logger, id, provider.Descriptor.Options)
	if err != nil {
		return err
	}
	if err := driver.Connect(ctx, creds); err != nil {
		g.logger.Error(err, "provider", id)
		if errors.Is(err, keystore.ErrBadCredentials) {
			g.logger.Security(logging.SecurityLogEntry{
				Severity:    logging.SeverityMedium,
				Category:    logging.CategoryAuthentication,
				Description: "HSM login rejected",
				Details:     id,
				Source:      logging.SourceHSM,
			})
		}
		return err
	}

	now := g.params.Now()
	conn := &connection{
		driver:      driver,
		descriptor:  provider.Descriptor,
		connectedAt: now,
	}
	if !provider.Descriptor.Concurrent {
		conn.serial = &sync.Mutex{}
	}

	g.mu.Lock()
	previous := g.conns[id]
	g.conns[id] = conn
	g.mu.Unlock()
	if previous != nil {
		g.logger.MaybeError(previous.driver.Close())
	}

	_, err = g.providers.Mutate(ctx, id, 0, func(p *Provider) error {
		p.State = STATE_CONNECTED
		p.ConnectedAt = now
		p.Metadata = connectionMetadata(creds)
		return nil
	})
	if err != nil {
		g.mu.Lock()
		delete(g.conns, id)
		g.mu.Unlock()
		g.logger.MaybeError(driver.Close())
		return err
	}
	g.logger.Info("hsm: provider connected", "provider", id)
	return nil
}

// Closes the driver session and transitions the provider to Disconnected
func (g *Gateway) Disconnect(ctx context.Context, id string) error {
	if _, err := g.Provider(ctx, id); err != nil {
		return err
	}
	g.mu.Lock()
	conn := g.conns[id]
	delete(g.conns, id)
	g.mu.Unlock()
	if conn != nil {
		unlock := conn.lock()
		g.logger.MaybeError(conn.driver.Close())
		unlock()
	}
	_, err := g.providers.Mutate(ctx, id, 0, func(p *Provider) error {
		p.State = STATE_DISCONNECTED
		p.DisconnectedAt = g.params.Now()
		return nil
	})
	return err
}

// Generates a new key pair on the provider and persists its reference
func (g *Gateway) GenerateKeyPair(
	ctx context.Context,
	providerID string,
	spec keystore.KeySpec) (pair KeyPair, err error) {

	defer g.observe(providerID, "generate", time.Now(), &err)

	conn, err := g.connected(ctx, providerID)
	if err != nil {
		return KeyPair{}, err
	}
	if !conn.descriptor.Offers(CAPABILITY_KEYGENERATION) {
		return KeyPair{}, fmt.Errorf("%w: %s", ErrCapabilityNotOffered, CAPABILITY_KEYGENERATION)
	}
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return KeyPair{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, err)
	}

	keyID := uuid.NewString()
	unlock := conn.lock()
	pub, err := conn.driver.GenerateKey(ctx, keyID, spec)
	unlock()
	if err != nil {
		g.logger.Error(err, "provider", providerID)
		return KeyPair{}, err
	}

	if _, err := g.saveKey(ctx, providerID, keyID, pub, spec, false); err != nil {
		return KeyPair{}, err
	}
	g.logger.Debug("hsm: key generated",
		"provider", providerID, "key", keyID, "algorithm", spec.Algorithm)
	return KeyPair{KeyID: keyID, PublicKey: pub}, nil
}

// Imports a PEM encoded private key into the provider. The key reference
// is marked as imported.
func (g *Gateway) ImportKey(
	ctx context.Context,
	providerID string,
	keyMaterial []byte,
	opts ImportOptions) (pair KeyPair, err error) {

	defer g.observe(providerID, "import", time.Now(), &err)

	conn, err := g.connected(ctx, providerID)
	if err != nil {
		return KeyPair{}, err
	}
	signer, err := pkcs8.ParsePEM(keyMaterial, opts.Password)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %s", ErrInvalidKeyMaterial, err)
	}
	algorithm, err := keystore.AlgorithmOf(signer.Public())
	if err != nil {
		return KeyPair{}, err
	}
	spec := keystore.KeySpec{
		Algorithm: algorithm,
		Hash:      opts.Hash,
		Usage:     opts.Usage,
	}
	switch pub := signer.Public().(type) {
	case *rsa.PublicKey:
		spec.KeySize = pub.N.BitLen()
	case *ecdsa.PublicKey:
		spec.Curve = pub.Curve.Params().Name
	}
	spec = spec.WithDefaults()

	keyID := opts.KeyID
	if keyID == "" {
		keyID = uuid.NewString()
	}
	if _, _, err := g.keys.Get(ctx, keyRecordID(providerID, keyID)); err == nil {
		return KeyPair{}, fmt.Errorf("%w: %s", keystore.ErrKeyAlreadyExists, keyID)
	}

	unlock := conn.lock()
	pub, err := conn.driver.ImportKey(ctx, keyID, signer, spec)
	unlock()
	if err != nil {
		g.logger.Error(err, "provider", providerID)
		return KeyPair{}, err
	}
	if _, err := g.saveKey(ctx, providerID, keyID, pub, spec, true); err != nil {
		return KeyPair{}, err
	}
	return KeyPair{KeyID: keyID, PublicKey: pub}, nil
}

// Returns the persisted attributes of a key, including deleted keys
func (g *Gateway) QueryKey(ctx context.Context, providerID, keyID string) (keystore.KeyAttributes, error) {
	if _, err := g.Provider(ctx, providerID); err != nil {
		return keystore.KeyAttributes{}, err
	}
	attrs, _, err := g.keys.Get(ctx, keyRecordID(providerID, keyID))
	if errors.Is(err, datastore.ErrRecordNotFound) {
		return keystore.KeyAttributes{}, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return attrs, err
}

// Signs data with an HSM resident key. The data is digested with the
// key's hash unless the key is EdDSA, in which case the message is
// passed to the provider as is.
func (g *Gateway) Sign(
	ctx context.Context,
	providerID, keyID string,
	data []byte,
	opts SignOptions) (signature []byte, err error) {

	defer g.observe(providerID, "sign", time.Now(), &err)

	attrs, conn, err := g.usableKey(ctx, providerID, keyID, keystore.USAGE_SIGN)
	if err != nil {
		return nil, err
	}
	algorithm := attrs.Algorithm
	if opts.Algorithm != "" && opts.Algorithm != algorithm {
		return nil, fmt.Errorf("%w: key is %s, requested %s",
			ErrUnsupportedAlgorithm, algorithm, opts.Algorithm)
	}
	hash := attrs.HashFunc()
	if opts.Hash != 0 && algorithm != keystore.ALGORITHM_EDDSA {
		hash = opts.Hash
	}
	input, err := keystore.SigningInput(algorithm, hash, data)
	if err != nil {
		return nil, err
	}
	return g.sign(ctx, conn, &attrs, input, keystore.SignerOptsFor(algorithm, hash), opts.Timeout)
}

// Signs a precomputed digest. Used by the crypto.Signer returned from
// Signer.
func (g *Gateway) SignDigest(
	ctx context.Context,
	providerID, keyID string,
	digest []byte,
	opts crypto.SignerOpts) (signature []byte, err error) {

	defer g.observe(providerID, "sign", time.Now(), &err)

	attrs, conn, err := g.usableKey(ctx, providerID, keyID, keystore.USAGE_SIGN)
	if err != nil {
		return nil, err
	}
	return g.sign(ctx, conn, &attrs, digest, opts, 0)
}

// Returns a crypto.Signer for an HSM key. Every signature made through it
// goes through the same usage, state and timeout checks as Sign.
func (g *Gateway) Signer(ctx context.Context, providerID, keyID string) (keystore.OpaqueKey, error) {
	attrs, _, err := g.usableKey(ctx, providerID, keyID, keystore.USAGE_SIGN)
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(attrs.PublicKeyDER)
	if err != nil {
		return nil, err
	}
	return keystore.NewOpaqueKey(ctx, &attrs, pub,
		func(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
			return g.SignDigest(ctx, providerID, keyID, digest, opts)
		}), nil
}

// Returns a crypto.Signer for any key handle. Software handles are parsed
// in process; HSM handles resolve to the provider's opaque key.
func (g *Gateway) SignerFor(ctx context.Context, handle keystore.KeyHandle) (crypto.Signer, error) {
	if err := handle.Validate(); err != nil {
		return nil, err
	}
	if handle.IsHSM() {
		return g.Signer(ctx, handle.ProviderID, handle.KeyID)
	}
	if !handle.Usage.Has(keystore.USAGE_SIGN) {
		return nil, ErrUsageDenied
	}
	signer, err := pkcs8.ParsePEM(handle.PEM, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKeyMaterial, err)
	}
	return signer, nil
}

// Returns nil if the handle can sign right now: its provider is
// Connected and the key is active with sign usage
func (g *Gateway) KeyUsable(ctx context.Context, handle keystore.KeyHandle) error {
	if !handle.IsHSM() {
		return handle.Validate()
	}
	_, _, err := g.usableKey(ctx, handle.ProviderID, handle.KeyID, keystore.USAGE_SIGN)
	return err
}

// Destroys the key on the provider and marks its reference Deleted
func (g *Gateway) DestroyKey(ctx context.Context, providerID, keyID string) (err error) {

	defer g.observe(providerID, "destroy", time.Now(), &err)

	attrs, err := g.QueryKey(ctx, providerID, keyID)
	if err != nil {
		return err
	}
	if attrs.State == keystore.KEY_STATE_DELETED {
		return fmt.Errorf("%w: %s", ErrKeyDeleted, keyID)
	}
	conn, err := g.connected(ctx, providerID)
	if err != nil {
		return err
	}
	unlock := conn.lock()
	err = conn.driver.DestroyKey(ctx, keyID)
	unlock()
	if err != nil && !errors.Is(err, keystore.ErrKeyNotFound) {
		g.logger.Error(err, "provider", providerID, "key", keyID)
		return err
	}
	_, err = g.keys.Mutate(ctx, keyRecordID(providerID, keyID), 0, func(k *keystore.KeyAttributes) error {
		k.State = keystore.KEY_STATE_DELETED
		k.DeletedAt = g.params.Now()
		return nil
	})
	if err != nil {
		return err
	}
	g.logger.Info("hsm: key destroyed", "provider", providerID, "key", keyID)
	return nil
}

// Reports liveness, uptime and driver metrics. A provider that is not
// connected is reported as not alive without an error.
func (g *Gateway) Health(ctx context.Context, providerID string) (Health, error) {
	provider, err := g.Provider(ctx, providerID)
	if err != nil {
		return Health{}, err
	}
	now := g.params.Now()
	health := Health{
		ProviderID: providerID,
		Vendor:     provider.Descriptor.Vendor,
		State:      provider.State,
		FIPSLevel:  provider.Descriptor.FIPSLevel,
		CheckedAt:  now,
	}
	conn := g.connection(providerID)
	if conn == nil {
		if health.State == STATE_CONNECTED {
			health.State = STATE_DISCONNECTED
		}
		return health, nil
	}

	health.State = STATE_CONNECTED
	health.Uptime = now.Sub(conn.connectedAt)

	start := time.Now()
	unlock := conn.lock()
	driverMetrics, err := conn.driver.Health(ctx)
	unlock()
	g.observe(providerID, "health", start, &err)
	if err != nil {
		health.Metrics = map[string]string{"error": err.Error()}
		return health, nil
	}
	health.Alive = true
	health.Metrics = driverMetrics
	return health, nil
}

// Closes every open driver session
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	for id, conn := range g.conns {
		if err := conn.driver.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(g.conns, id)
	}
	return errors.Join(errs...)
}

func (g *Gateway) sign(
	ctx context.Context,
	conn *connection,
	attrs *keystore.KeyAttributes,
	input []byte,
	opts crypto.SignerOpts,
	timeout time.Duration) ([]byte, error) {

	if timeout <= 0 {
		timeout = conn.descriptor.SignTimeout
	}
	if timeout <= 0 {
		timeout = g.params.SignTimeout
	}
	signCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	unlock := conn.lock()
	defer unlock()

	signature, err := conn.driver.Sign(signCtx, attrs.ID, input, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(signCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: sign exceeded %s", ErrTimeout, timeout)
		}
		g.logger.Error(err, "provider", attrs.ProviderID, "key", attrs.ID)
		return nil, err
	}
	return signature, nil
}

func (g *Gateway) connection(providerID string) *connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conns[providerID]
}

func (g *Gateway) connected(ctx context.Context, providerID string) (*connection, error) {
	if _, err := g.Provider(ctx, providerID); err != nil {
		return nil, err
	}
	conn := g.connection(providerID)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, providerID)
	}
	return conn, nil
}

// Loads the key reference and checks state, usage and connectivity in
// that order
func (g *Gateway) usableKey(
	ctx context.Context,
	providerID, keyID string,
	usage keystore.Usage) (keystore.KeyAttributes, *connection, error) {

	attrs, err := g.QueryKey(ctx, providerID, keyID)
	if err != nil {
		return attrs, nil, err
	}
	if attrs.State == keystore.KEY_STATE_DELETED {
		return attrs, nil, fmt.Errorf("%w: %s", ErrKeyDeleted, keyID)
	}
	if !attrs.Usage.Has(usage) {
		g.logger.Security(logging.SecurityLogEntry{
			Severity:    logging.SeverityMedium,
			Category:    logging.CategoryKeyUsage,
			Description: fmt.Sprintf("key usage %s denied", usage),
			Details:     keyRecordID(providerID, keyID),
			Source:      logging.SourceHSM,
		})
		return attrs, nil, fmt.Errorf("%w: %s not in %s", ErrUsageDenied, usage, attrs.Usage)
	}
	conn, err := g.connected(ctx, providerID)
	if err != nil {
		return attrs, nil, err
	}
	if usage == keystore.USAGE_SIGN && !conn.descriptor.Offers(CAPABILITY_SIGN) {
		return attrs, nil, fmt.Errorf("%w: %s", ErrCapabilityNotOffered, CAPABILITY_SIGN)
	}
	return attrs, conn, nil
}

func (g *Gateway) saveKey(
	ctx context.Context,
	providerID, keyID string,
	pub crypto.PublicKey,
	spec keystore.KeySpec,
	imported bool) (keystore.KeyAttributes, error) {

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return keystore.KeyAttributes{}, err
	}
	attrs := keystore.KeyAttributes{
		ID:           keyID,
		ProviderID:   providerID,
		Algorithm:    spec.Algorithm,
		KeySize:      spec.KeySize,
		Curve:        spec.Curve,
		Usage:        spec.Usage,
		Imported:     imported,
		State:        keystore.KEY_STATE_ACTIVE,
		PublicKeyDER: der,
		CreatedAt:    g.params.Now(),
	}
	if spec.Hash != 0 {
		attrs.Hash = spec.Hash.String()
	}
	if _, err := g.keys.Create(ctx, keyRecordID(providerID, keyID), attrs); err != nil {
		return keystore.KeyAttributes{}, err
	}
	return attrs, nil
}

func (g *Gateway) observe(providerID, operation string, start time.Time, err *error) {
	g.params.Metrics.ObserveHSM(providerID, operation, start, *err)
}

func connectionMetadata(creds keystore.Credentials) map[string]string {
	metadata := make(map[string]string)
	add := func(k, v string) {
		if v != "" {
			metadata[k] = v
		}
	}
	add("region", creds.Region)
	add("cluster-id", creds.ClusterID)
	add("tenant-id", creds.TenantID)
	add("vault-url", creds.VaultURL)
	add("server-url", creds.ServerURL)
	add("address", creds.Address)
	add("partition", creds.Partition)
	add("username", creds.Username)
	return metadata
}
