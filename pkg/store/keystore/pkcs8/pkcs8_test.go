package pkcs8

import (
	"context"
	"crypto"
	"crypto/rand"
	"log/slog"
	"testing"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createKeystore(t *testing.T, password string) *KeyStore {
	logger := logging.NewLogger(slog.LevelInfo, nil)
	factory := NewDriverFactory(afero.NewMemMapFs(), "/keys")
	driver, err := factory(logger, "software", nil)
	require.Nil(t, err)
	ks := driver.(*KeyStore)
	require.Nil(t, ks.Connect(context.Background(), keystore.Credentials{Password: password}))
	return ks
}

func TestGenerateAndSign(t *testing.T) {

	ctx := context.Background()
	ks := createKeystore(t, "secret")
	data := []byte("some data")

	specs := []keystore.KeySpec{
		{Algorithm: keystore.ALGORITHM_RSA_PSS, KeySize: 2048},
		{Algorithm: keystore.ALGORITHM_ECDSA, Curve: "P-384"},
		{Algorithm: keystore.ALGORITHM_EDDSA},
	}

	for i, spec := range specs {
		spec = spec.WithDefaults()
		id := string(rune('a' + i))

		pub, err := ks.GenerateKey(ctx, id, spec)
		assert.Nil(t, err)
		assert.NotNil(t, pub)

		input, err := keystore.SigningInput(spec.Algorithm, spec.Hash, data)
		assert.Nil(t, err)

		sig, err := ks.Sign(ctx, id, input, keystore.SignerOptsFor(spec.Algorithm, spec.Hash))
		assert.Nil(t, err)
		assert.NotEmpty(t, sig)

		err = keystore.Verify(pub, spec.Algorithm, spec.Hash, data, sig)
		assert.Nil(t, err, spec.Algorithm)
	}
}

func TestGenerateDuplicateID(t *testing.T) {

	ctx := context.Background()
	ks := createKeystore(t, "")

	spec := keystore.KeySpec{Algorithm: keystore.ALGORITHM_ECDSA}.WithDefaults()
	_, err := ks.GenerateKey(ctx, "dup", spec)
	assert.Nil(t, err)
	_, err = ks.GenerateKey(ctx, "dup", spec)
	assert.ErrorIs(t, err, keystore.ErrKeyAlreadyExists)
}

func TestDestroyKey(t *testing.T) {

	ctx := context.Background()
	ks := createKeystore(t, "secret")

	spec := keystore.KeySpec{Algorithm: keystore.ALGORITHM_EDDSA}.WithDefaults()
	_, err := ks.GenerateKey(ctx, "k1", spec)
	assert.Nil(t, err)

	assert.Nil(t, ks.DestroyKey(ctx, "k1"))
	assert.ErrorIs(t, ks.DestroyKey(ctx, "k1"), keystore.ErrKeyNotFound)

	_, err = ks.Sign(ctx, "k1", []byte("x"), crypto.Hash(0))
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
}

func TestImportKey(t *testing.T) {

	ctx := context.Background()
	ks := createKeystore(t, "secret")

	key, err := GenerateKey(rand.Reader, keystore.KeySpec{Algorithm: keystore.ALGORITHM_ECDSA})
	require.Nil(t, err)

	// Algorithm mismatch is rejected
	_, err = ks.ImportKey(ctx, "imported", key, keystore.KeySpec{Algorithm: keystore.ALGORITHM_RSA_PSS})
	assert.ErrorIs(t, err, keystore.ErrInvalidKeyAlgorithm)

	pub, err := ks.ImportKey(ctx, "imported", key, keystore.KeySpec{Algorithm: keystore.ALGORITHM_ECDSA})
	assert.Nil(t, err)
	assert.Equal(t, key.Public(), pub)
}

func TestNotConnected(t *testing.T) {

	logger := logging.NewLogger(slog.LevelInfo, nil)
	backend, err := keystore.NewFileBackend(logger, afero.NewMemMapFs(), "/keys", "p1")
	require.Nil(t, err)
	ks := NewKeyStore(&Params{Logger: logger, Backend: backend})

	_, err = ks.GenerateKey(context.Background(), "k", keystore.KeySpec{Algorithm: keystore.ALGORITHM_EDDSA})
	assert.ErrorIs(t, err, keystore.ErrNotConnected)
}

func TestEncryptedPEMRoundTrip(t *testing.T) {

	key, err := GenerateKey(rand.Reader, keystore.KeySpec{Algorithm: keystore.ALGORITHM_ECDSA})
	require.Nil(t, err)

	encrypted, err := EncodePEM(key, []byte("password"))
	assert.Nil(t, err)
	assert.Contains(t, string(encrypted), PEM_TYPE_ENCRYPTED_PRIVATE_KEY)

	_, err = ParsePEM(encrypted, nil)
	assert.ErrorIs(t, err, ErrPasswordRequired)

	_, err = ParsePEM(encrypted, []byte("wrong"))
	assert.NotNil(t, err)

	signer, err := ParsePEM(encrypted, []byte("password"))
	assert.Nil(t, err)
	assert.Equal(t, key.Public(), signer.Public())

	_, err = ParsePEM([]byte("not pem"), nil)
	assert.ErrorIs(t, err, ErrInvalidPEM)
}
