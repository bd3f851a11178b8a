package container

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"log/slog"
	"testing"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/cms"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/testutil"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	signer    crypto.Signer
	algorithm keystore.Algorithm
	cert      *x509.Certificate
	authority *testutil.Authority
	responder *tsa.Responder
}

func createFixture(t *testing.T, algorithm keystore.Algorithm) *fixture {
	_, signer := testutil.SoftwareHandle(t, algorithm)
	authority := testutil.NewAuthority(t, "Container Test CA")
	der, err := authority.Issue(signer.Public(), testutil.IssueOptions{
		CommonName: "container signer",
		NotBefore:  time.Now().Add(-time.Hour),
		NotAfter:   time.Now().Add(time.Hour),
		Qualified:  true,
	})
	require.Nil(t, err)
	cert, err := x509.ParseCertificate(der)
	require.Nil(t, err)

	_, tsaSigner := testutil.SoftwareHandle(t, keystore.ALGORITHM_ECDSA)
	tsaDER, err := authority.Issue(tsaSigner.Public(), testutil.IssueOptions{
		CommonName: "Container Test TSA",
		NotBefore:  time.Now().Add(-time.Hour),
		NotAfter:   time.Now().Add(time.Hour),
		TimeStamp:  true,
	})
	require.Nil(t, err)
	tsaCert, err := x509.ParseCertificate(tsaDER)
	require.Nil(t, err)

	return &fixture{
		signer:    signer,
		algorithm: algorithm,
		cert:      cert,
		authority: authority,
		responder: tsa.NewResponder(&tsa.ResponderParams{
			Logger:      logging.NewLogger(slog.LevelInfo, nil),
			Certificate: tsaCert,
			Signer:      tsaSigner,
		}),
	}
}

// Returns a timestamp token over the SHA-256 digest of data
func (f *fixture) timestamp(t *testing.T, data []byte) []byte {
	digest, err := cms.Digest(crypto.SHA256, data)
	require.Nil(t, err)
	return f.timestampDigest(t, digest)
}

func (f *fixture) timestampDigest(t *testing.T, digest []byte) []byte {
	req, err := tsa.NewRequest(digest, crypto.SHA256)
	require.Nil(t, err)
	der, err := req.Marshal()
	require.Nil(t, err)
	resp := f.responder.Respond(der)
	require.Equal(t, tsa.StatusGranted, resp.Status.Status)
	return resp.TimeStampToken.FullBytes
}

func (f *fixture) sign(t *testing.T, strategy Strategy, payload []byte, profile Profile) []byte {
	hash := cms.DigestAlgorithmFor(f.signer.Public(), crypto.SHA256)
	digest, err := cms.Digest(hash, payload)
	require.Nil(t, err)
	prepared, err := strategy.Prepare(&PrepareRequest{
		PayloadDigest: digest,
		Hash:          hash,
		Certificate:   f.cert,
		Chain:         []*x509.Certificate{f.authority.Cert},
		Profile:       profile,
		SigningTime:   time.Now(),
		DocumentID:    "contract.pdf",
	})
	require.Nil(t, err)
	signature, err := keystore.Sign(f.signer, rand.Reader, f.algorithm, hash, prepared.ToBeSigned)
	require.Nil(t, err)
	container, err := strategy.Wrap(prepared, signature)
	require.Nil(t, err)
	return container
}

// Signs, timestamps and archives a container the way the orchestrator does
func (f *fixture) signLTA(t *testing.T, strategy Strategy, payload []byte) []byte {
	container := f.sign(t, strategy, payload, PROFILE_LTA)

	value, err := strategy.SignatureValue(container)
	require.Nil(t, err)
	container, err = strategy.EmbedTimestamp(container, f.timestamp(t, value), PROFILE_LTA)
	require.Nil(t, err)

	archiveDigest, err := strategy.ArchiveDigest(container, crypto.SHA256)
	require.Nil(t, err)
	container, err = strategy.EmbedArchiveTimestamp(container, f.timestampDigest(t, archiveDigest))
	require.Nil(t, err)
	return container
}

func TestLTAProfiles(t *testing.T) {

	formats := []Format{FORMAT_PKCS7, FORMAT_CADES, FORMAT_PADES, FORMAT_XADES}
	algorithms := []keystore.Algorithm{
		keystore.ALGORITHM_ECDSA,
		keystore.ALGORITHM_RSA_PSS,
		keystore.ALGORITHM_EDDSA,
	}
	for _, algorithm := range algorithms {
		f := createFixture(t, algorithm)
		for _, format := range formats {
			t.Run(string(format)+"/"+string(algorithm), func(t *testing.T) {
				strategy, err := New(format)
				require.Nil(t, err)
				assert.Equal(t, format, strategy.Format())

				payload := []byte("contract body")
				container := f.signLTA(t, strategy, payload)

				v, err := strategy.Verify(container, payload)
				require.Nil(t, err)
				assert.Equal(t, PROFILE_LTA, v.Profile)
				assert.Equal(t, f.cert.Raw, v.Signer.Raw)
				assert.NotNil(t, v.TimestampTime)
				assert.NotNil(t, v.ArchiveTimestamp)
				if format == FORMAT_PADES {
					assert.Nil(t, v.SigningTime)
				} else {
					assert.NotNil(t, v.SigningTime)
				}

				_, err = strategy.Verify(container, []byte("tampered body"))
				assert.ErrorIs(t, err, ErrDigestMismatch)

				_, err = strategy.ArchiveDigest(container, crypto.SHA256)
				assert.ErrorIs(t, err, ErrAlreadyArchived)
			})
		}
	}
}

func TestProfileDetection(t *testing.T) {

	f := createFixture(t, keystore.ALGORITHM_ECDSA)
	payload := []byte("payload")

	for _, format := range []Format{FORMAT_CADES, FORMAT_XADES} {
		strategy, err := New(format)
		require.Nil(t, err)

		container := f.sign(t, strategy, payload, PROFILE_B)
		v, err := strategy.Verify(container, payload)
		require.Nil(t, err)
		assert.Equal(t, PROFILE_B, v.Profile)
		assert.Nil(t, v.TimestampTime)

		value, err := strategy.SignatureValue(container)
		require.Nil(t, err)
		stamped, err := strategy.EmbedTimestamp(container, f.timestamp(t, value), PROFILE_T)
		require.Nil(t, err)
		v, err = strategy.Verify(stamped, payload)
		require.Nil(t, err)
		assert.Equal(t, PROFILE_T, v.Profile)

		container = f.sign(t, strategy, payload, PROFILE_LT)
		value, err = strategy.SignatureValue(container)
		require.Nil(t, err)
		stamped, err = strategy.EmbedTimestamp(container, f.timestamp(t, value), PROFILE_LT)
		require.Nil(t, err)
		v, err = strategy.Verify(stamped, payload)
		require.Nil(t, err)
		assert.Equal(t, PROFILE_LT, v.Profile)
	}
}

func TestTimestampOverWrongValueIsRejected(t *testing.T) {

	f := createFixture(t, keystore.ALGORITHM_ECDSA)
	payload := []byte("payload")

	for _, format := range []Format{FORMAT_PADES, FORMAT_XADES} {
		strategy, err := New(format)
		require.Nil(t, err)
		container := f.sign(t, strategy, payload, PROFILE_T)
		stamped, err := strategy.EmbedTimestamp(container, f.timestamp(t, []byte("other")), PROFILE_T)
		require.Nil(t, err)
		_, err = strategy.Verify(stamped, payload)
		assert.ErrorIs(t, err, ErrTimestampInvalid)
	}
}

func TestWrapRequiresMatchingPreparation(t *testing.T) {

	f := createFixture(t, keystore.ALGORITHM_ECDSA)
	cades, err := New(FORMAT_CADES)
	require.Nil(t, err)
	xades, err := New(FORMAT_XADES)
	require.Nil(t, err)

	digest, err := cms.Digest(crypto.SHA256, []byte("x"))
	require.Nil(t, err)
	prepared, err := xades.Prepare(&PrepareRequest{
		PayloadDigest: digest,
		Hash:          crypto.SHA256,
		Certificate:   f.cert,
	})
	require.Nil(t, err)
	_, err = cades.Wrap(prepared, []byte("sig"))
	assert.ErrorIs(t, err, ErrNotPrepared)

	_, err = cades.Verify([]byte("<xml/>"), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidContainer)
	_, err = xades.Verify([]byte("not xml"), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidContainer)
}

func TestParseFormatAndProfile(t *testing.T) {

	format, err := ParseFormat("pades")
	require.Nil(t, err)
	assert.Equal(t, FORMAT_PADES, format)
	_, err = ParseFormat("jades")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	for input, want := range map[string]Profile{
		"":      PROFILE_B,
		"-LTA":  PROFILE_LTA,
		"B-LT":  PROFILE_LT,
		"t":     PROFILE_T,
		"-B":    PROFILE_B,
		"B-LTA": PROFILE_LTA,
	} {
		got, err := ParseProfile(input)
		require.Nil(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err = ParseProfile("LTV")
	assert.ErrorIs(t, err, ErrUnsupportedProfile)

	assert.True(t, PROFILE_LTA.LongTerm())
	assert.False(t, PROFILE_T.LongTerm())
	assert.Equal(t, "PAdES-LTA", Name(FORMAT_PADES, PROFILE_LTA))
	assert.Equal(t, "PKCS7", Name(FORMAT_PKCS7, PROFILE_B))
}
