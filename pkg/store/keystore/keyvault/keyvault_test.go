package keyvault

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVault implements enough of the vault REST API to exercise the driver
type fakeVault struct {
	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
}

func newFakeVault(t *testing.T) *httptest.Server {
	vault := &fakeVault{keys: make(map[string]*ecdsa.PrivateKey)}
	mux := http.NewServeMux()

	mux.HandleFunc("/tenant/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		id, secret, _ := r.BasicAuth()
		if id == "" {
			id, secret = r.Form.Get("client_id"), r.Form.Get("client_secret")
		}
		if id != "client" || secret != "secret" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})

	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	})

	mux.HandleFunc("/keys/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/keys/"), "/")
		name := parts[0]
		vault.mu.Lock()
		defer vault.mu.Unlock()

		switch {
		case len(parts) == 2 && parts[1] == "create":
			var req createKeyRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Kty != "EC-HSM" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":{"code":"BadParameter","message":"unsupported kty"}}`))
				return
			}
			if _, ok := vault.keys[name]; ok {
				w.WriteHeader(http.StatusConflict)
				return
			}
			curve, _ := jwkCurve(req.Crv)
			key, _ := ecdsa.GenerateKey(curve, rand.Reader)
			vault.keys[name] = key
			jwk, _ := PublicJWK(&key.PublicKey)
			json.NewEncoder(w).Encode(keyBundle{Key: jwk})

		case len(parts) == 2 && parts[1] == "sign":
			key, ok := vault.keys[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			var req signRequest
			json.NewDecoder(r.Body).Decode(&req)
			digest, _ := b64.DecodeString(req.Value)
			sigR, sigS, _ := ecdsa.Sign(rand.Reader, key, digest)
			size := (key.Curve.Params().BitSize + 7) / 8
			raw := append(sigR.FillBytes(make([]byte, size)), sigS.FillBytes(make([]byte, size))...)
			json.NewEncoder(w).Encode(signResponse{Kid: name, Value: b64.EncodeToString(raw)})

		case len(parts) == 1 && r.Method == http.MethodDelete:
			if _, ok := vault.keys[name]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(vault.keys, name)
			w.WriteHeader(http.StatusOK)

		case len(parts) == 1 && r.Method == http.MethodPut:
			var req importKeyRequest
			json.NewDecoder(r.Body).Decode(&req)
			pub, err := req.Key.PublicKey()
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			jwk, _ := PublicJWK(pub)
			json.NewEncoder(w).Encode(keyBundle{Key: jwk})

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func connect(t *testing.T, server *httptest.Server, secret string) (*KeyStore, error) {
	logger := logging.NewLogger(slog.LevelInfo, nil)
	ks := NewKeyStore(&Params{
		Logger:  logger,
		Options: map[string]string{"authority": server.URL},
	})
	err := ks.Connect(context.Background(), keystore.Credentials{
		TenantID:     "tenant",
		ClientID:     "client",
		ClientSecret: secret,
		VaultURL:     server.URL,
	})
	return ks, err
}

func TestConnectBadCredentials(t *testing.T) {
	server := newFakeVault(t)
	_, err := connect(t, server, "wrong")
	assert.ErrorIs(t, err, keystore.ErrBadCredentials)
}

func TestGenerateSignDestroy(t *testing.T) {

	server := newFakeVault(t)
	ks, err := connect(t, server, "secret")
	require.Nil(t, err)
	ctx := context.Background()

	spec := keystore.KeySpec{Algorithm: keystore.ALGORITHM_ECDSA}.WithDefaults()
	pub, err := ks.GenerateKey(ctx, "key-1", spec)
	require.Nil(t, err)
	ecPub, ok := pub.(*ecdsa.PublicKey)
	assert.True(t, ok)
	assert.Equal(t, elliptic.P256(), ecPub.Curve)

	data := []byte("payload")
	digest, _ := keystore.Digest(crypto.SHA256, data)
	sig, err := ks.Sign(ctx, "key-1", digest, crypto.SHA256)
	assert.Nil(t, err)
	assert.Nil(t, keystore.Verify(pub, keystore.ALGORITHM_ECDSA, crypto.SHA256, data, sig))

	health, err := ks.Health(ctx)
	assert.Nil(t, err)
	assert.Equal(t, server.URL, health["vault_url"])

	assert.Nil(t, ks.DestroyKey(ctx, "key-1"))
	_, err = ks.Sign(ctx, "key-1", digest, crypto.SHA256)
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
}

func TestUnsupportedAlgorithms(t *testing.T) {

	server := newFakeVault(t)
	ks, err := connect(t, server, "secret")
	require.Nil(t, err)

	_, err = ks.GenerateKey(context.Background(), "ed", keystore.KeySpec{Algorithm: keystore.ALGORITHM_EDDSA})
	assert.ErrorIs(t, err, keystore.ErrInvalidKeyAlgorithm)

	_, err = ks.Sign(context.Background(), "x", []byte("d"), crypto.SHA1)
	assert.ErrorIs(t, err, keystore.ErrInvalidHashFunction)
}

func TestImportKey(t *testing.T) {

	server := newFakeVault(t)
	ks, err := connect(t, server, "secret")
	require.Nil(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.Nil(t, err)

	pub, err := ks.ImportKey(context.Background(), "imported", key, keystore.KeySpec{Algorithm: keystore.ALGORITHM_ECDSA})
	assert.Nil(t, err)
	assert.True(t, key.PublicKey.Equal(pub))
}

func TestNotConnected(t *testing.T) {
	ks := NewKeyStore(&Params{Logger: logging.NewLogger(slog.LevelInfo, nil)})
	_, err := ks.Sign(context.Background(), "k", []byte("d"), crypto.SHA256)
	assert.ErrorIs(t, err, keystore.ErrNotConnected)
}
