// Package keyvault is a key storage backend for cloud key vaults that speak
// the Azure Key Vault REST dialect: JSON Web Keys, OAuth2 client credential
// authentication and server side sign operations.
package keyvault

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DEFAULT_API_VERSION = "7.4"
	DEFAULT_AUTHORITY   = "https://login.microsoftonline.com"
	DEFAULT_SCOPE       = "https://vault.azure.net/.default"
)

var (
	ErrInvalidVaultURL = errors.New("keystore/keyvault: invalid vault url")
)

type Params struct {
	Logger     *logging.Logger
	Options    map[string]string
	HTTPClient *http.Client
}

// KeyStore talks to a single vault using a client credential token source
type KeyStore struct {
	params     *Params
	mu         sync.RWMutex
	client     *http.Client
	vaultURL   string
	apiVersion string
	lastRTT    time.Duration
}

func NewKeyStore(params *Params) *KeyStore {
	if params.Options == nil {
		params.Options = map[string]string{}
	}
	return &KeyStore{params: params}
}

func NewDriverFactory() keystore.DriverFactory {
	return func(logger *logging.Logger, providerID string, options map[string]string) (keystore.Driver, error) {
		return NewKeyStore(&Params{
			Logger:  logger.With("provider", providerID),
			Options: options,
		}), nil
	}
}

// Acquires an access token for the tenant to verify the client
// credentials and prepares the authenticated HTTP client
func (ks *KeyStore) Connect(ctx context.Context, creds keystore.Credentials) error {

	if creds.VaultURL == "" || !strings.HasPrefix(creds.VaultURL, "http") {
		return fmt.Errorf("%w: %s", keystore.ErrBadCredentials, ErrInvalidVaultURL)
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return keystore.ErrBadCredentials
	}

	tokenURL := ks.params.Options["token-url"]
	if tokenURL == "" {
		authority := ks.params.Options["authority"]
		if authority == "" {
			authority = DEFAULT_AUTHORITY
		}
		tokenURL = fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, creds.TenantID)
	}
	scope := ks.params.Options["scope"]
	if scope == "" {
		scope = DEFAULT_SCOPE
	}
	apiVersion := ks.params.Options["api-version"]
	if apiVersion == "" {
		apiVersion = DEFAULT_API_VERSION
	}

	cc := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{scope},
	}
	if ks.params.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ks.params.HTTPClient)
	}
	if _, err := cc.Token(ctx); err != nil {
		return mapTokenError(err)
	}

	// The token source refreshes with a background context so tokens
	// outlive the connect call
	base := context.Background()
	if ks.params.HTTPClient != nil {
		base = context.WithValue(base, oauth2.HTTPClient, ks.params.HTTPClient)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.client = cc.Client(base)
	ks.vaultURL = strings.TrimRight(creds.VaultURL, "/")
	ks.apiVersion = apiVersion
	return nil
}

func (ks *KeyStore) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.client = nil
	return nil
}

func (ks *KeyStore) GenerateKey(
	ctx context.Context,
	id string,
	spec keystore.KeySpec) (crypto.PublicKey, error) {

	req := createKeyRequest{KeyOps: keyOps(spec.Usage)}
	switch spec.Algorithm {
	case keystore.ALGORITHM_RSA_PSS:
		req.Kty = "RSA-HSM"
		req.KeySize = spec.KeySize
	case keystore.ALGORITHM_ECDSA:
		crv, err := jwkCurveName(spec.Curve)
		if err != nil {
			return nil, err
		}
		req.Kty = "EC-HSM"
		req.Crv = crv
	default:
		return nil, fmt.Errorf("%w: %s", keystore.ErrInvalidKeyAlgorithm, spec.Algorithm)
	}

	var bundle keyBundle
	if err := ks.do(ctx, http.MethodPost, "/keys/"+id+"/create", req, &bundle); err != nil {
		return nil, err
	}
	return bundle.Key.PublicKey()
}

func (ks *KeyStore) ImportKey(
	ctx context.Context,
	id string,
	key crypto.PrivateKey,
	spec keystore.KeySpec) (crypto.PublicKey, error) {

	jwk, err := privateJWK(key)
	if err != nil {
		return nil, err
	}
	jwk.KeyOps = keyOps(spec.Usage)
	req := importKeyRequest{Key: jwk, HSM: true}

	var bundle keyBundle
	if err := ks.do(ctx, http.MethodPut, "/keys/"+id, req, &bundle); err != nil {
		return nil, err
	}
	return bundle.Key.PublicKey()
}

// Signs the digest server side. EC signatures arrive as r||s and are
// converted to the ASN.1 form crypto.Signer callers expect.
func (ks *KeyStore) Sign(
	ctx context.Context,
	id string,
	digest []byte,
	opts crypto.SignerOpts) ([]byte, error) {

	alg, err := signatureAlgorithm(opts)
	if err != nil {
		return nil, err
	}
	req := signRequest{Alg: alg, Value: b64.EncodeToString(digest)}
	var resp signResponse
	if err := ks.do(ctx, http.MethodPost, "/keys/"+id+"/sign", req, &resp); err != nil {
		return nil, err
	}
	sig, err := b64.DecodeString(resp.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", keystore.ErrBackendRejected, err)
	}
	if strings.HasPrefix(alg, "ES") {
		return rawToASN1(sig)
	}
	return sig, nil
}

func (ks *KeyStore) DestroyKey(ctx context.Context, id string) error {
	return ks.do(ctx, http.MethodDelete, "/keys/"+id, nil, nil)
}

// Lists a single key to measure vault reachability and latency
func (ks *KeyStore) Health(ctx context.Context) (map[string]string, error) {
	var list json.RawMessage
	if err := ks.do(ctx, http.MethodGet, "/keys?maxresults=1", nil, &list); err != nil {
		return nil, err
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return map[string]string{
		"vault_url":   ks.vaultURL,
		"api_version": ks.apiVersion,
		"latency_ms":  strconv.FormatInt(ks.lastRTT.Milliseconds(), 10),
	}, nil
}

func (ks *KeyStore) do(ctx context.Context, method, path string, body, out any) error {

	ks.mu.RLock()
	client, vaultURL, apiVersion := ks.client, ks.vaultURL, ks.apiVersion
	ks.mu.RUnlock()
	if client == nil {
		return keystore.ErrNotConnected
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	url := fmt.Sprintf("%s%s%sapi-version=%s", vaultURL, path, sep, apiVersion)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return mapTokenError(err)
	}
	defer resp.Body.Close()
	rtt := time.Since(start)
	ks.mu.Lock()
	ks.lastRTT = rtt
	ks.mu.Unlock()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s", keystore.ErrBackendUnavailable, err)
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		ks.params.Logger.Debug("keystore/keyvault: request failed",
			"method", method, "path", path, "status", resp.StatusCode)
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var vaultErr vaultError
	json.Unmarshal(body, &vaultErr)
	detail := fmt.Sprintf("%d %s: %s", status, vaultErr.Error.Code, vaultErr.Error.Message)
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", keystore.ErrKeyNotFound, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", keystore.ErrBadCredentials, detail)
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %s", keystore.ErrKeyAlreadyExists, detail)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s", keystore.ErrBackendUnavailable, detail)
	}
	return fmt.Errorf("%w: %s", keystore.ErrBackendRejected, detail)
}

func mapTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		switch retrieveErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", keystore.ErrBadCredentials, err)
		}
	}
	return fmt.Errorf("%w: %s", keystore.ErrBackendUnavailable, err)
}

func signatureAlgorithm(opts crypto.SignerOpts) (string, error) {
	if opts == nil {
		return "", keystore.ErrInvalidSignatureAlgorithm
	}
	h := opts.HashFunc()
	suffix := ""
	switch h {
	case crypto.SHA256:
		suffix = "256"
	case crypto.SHA384:
		suffix = "384"
	case crypto.SHA512:
		suffix = "512"
	default:
		return "", fmt.Errorf("%w: %s", keystore.ErrInvalidHashFunction, h)
	}
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return "PS" + suffix, nil
	}
	return "ES" + suffix, nil
}

func keyOps(usage keystore.UsageSet) []string {
	ops := make([]string, 0, len(usage))
	for _, u := range usage {
		ops = append(ops, string(u))
	}
	return ops
}

// Returns the public half a driver reports for an imported key
func publicOf(key crypto.PrivateKey) (crypto.PublicKey, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey, nil
	case *ecdsa.PrivateKey:
		return &k.PublicKey, nil
	case ed25519.PrivateKey:
		return nil, fmt.Errorf("%w: EdDSA", keystore.ErrInvalidKeyAlgorithm)
	}
	return nil, keystore.ErrInvalidPrivateKey
}
