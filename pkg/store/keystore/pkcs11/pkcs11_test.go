package pkcs11

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"log/slog"
	"testing"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	libpkcs11 "github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
)

func TestConfigForCloudHSM(t *testing.T) {

	config, err := ConfigFor(keystore.VENDOR_AWS_CLOUDHSM, map[string]string{}, keystore.Credentials{
		Username:  "cu_signer",
		Password:  "hunter2",
		Region:    "eu-central-1",
		ClusterID: "cluster-abc",
	})
	assert.Nil(t, err)
	assert.Equal(t, DEFAULT_CLOUDHSM_LIBRARY, config.Library)
	assert.Equal(t, DEFAULT_CLOUDHSM_TOKEN, config.TokenLabel)
	assert.Equal(t, "cu_signer:hunter2", config.Pin)

	_, err = ConfigFor(keystore.VENDOR_AWS_CLOUDHSM, map[string]string{}, keystore.Credentials{})
	assert.ErrorIs(t, err, ErrInvalidUserPIN)
}

func TestConfigForNetworkHSMs(t *testing.T) {

	config, err := ConfigFor(keystore.VENDOR_THALES_LUNA, map[string]string{"slot": "2"}, keystore.Credentials{
		ServerURL: "luna.example.com",
		Username:  "co",
		Password:  "partition-pass",
		Partition: "signing-par",
	})
	assert.Nil(t, err)
	assert.Equal(t, DEFAULT_LUNA_LIBRARY, config.Library)
	assert.Equal(t, "signing-par", config.TokenLabel)
	assert.Equal(t, 2, *config.Slot)
	assert.Equal(t, "partition-pass", config.Pin)

	config, err = ConfigFor(keystore.VENDOR_SAFENET, map[string]string{"library": "/lib/custom.so"}, keystore.Credentials{
		Address:   "10.0.0.4",
		Password:  "pass",
		Partition: "slot-a",
	})
	assert.Nil(t, err)
	assert.Equal(t, "/lib/custom.so", config.Library)
	assert.Equal(t, "slot-a", config.TokenLabel)

	_, err = ConfigFor(keystore.VENDOR_SAFENET, map[string]string{}, keystore.Credentials{Password: "x"})
	assert.ErrorIs(t, err, ErrInvalidTokenLabel)

	_, err = ConfigFor(keystore.VENDOR_SAFENET, map[string]string{"slot": "abc"}, keystore.Credentials{})
	assert.NotNil(t, err)
}

func TestMapError(t *testing.T) {
	assert.ErrorIs(t, mapError(errors.New("pkcs11: 0xA0: CKR_PIN_INCORRECT")), keystore.ErrBadCredentials)
	assert.ErrorIs(t, mapError(errors.New("could not open PKCS#11")), keystore.ErrBackendUnavailable)
	assert.ErrorIs(t, mapError(errors.New("pkcs11: 0x70: CKR_MECHANISM_INVALID")), keystore.ErrBackendRejected)
	assert.Nil(t, mapError(nil))

	other := errors.New("something else")
	assert.Equal(t, other, mapError(other))
}

func TestConnectMissingLibrary(t *testing.T) {

	logger := logging.NewLogger(slog.LevelInfo, nil)
	factory := NewDriverFactory(keystore.VENDOR_THALES_LUNA)
	driver, err := factory(logger, "luna-1", map[string]string{
		"library": "/nonexistent/libcryptoki.so",
	})
	assert.Nil(t, err)

	err = driver.Connect(context.Background(), keystore.Credentials{
		Password:  "pass",
		Partition: "par",
	})
	assert.ErrorIs(t, err, keystore.ErrBackendUnavailable)

	_, err = driver.Sign(context.Background(), "k", []byte("digest"), nil)
	assert.ErrorIs(t, err, keystore.ErrNotConnected)
}

func TestKeyTemplates(t *testing.T) {

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.Nil(t, err)

	priv, pub, err := keyTemplates([]byte("id-1"), key)
	assert.Nil(t, err)
	assert.Equal(t, 10, len(priv))
	assert.Equal(t, 8, len(pub))

	for _, attr := range priv {
		if attr.Type == libpkcs11.CKA_VALUE {
			assert.Equal(t, 32, len(attr.Value))
		}
	}

	_, _, err = keyTemplates([]byte("id-2"), "not a key")
	assert.ErrorIs(t, err, ErrUnsupportedKeyAlgorithm)
}
