package cms

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signerFixture(t *testing.T, algorithm keystore.Algorithm) (crypto.Signer, *x509.Certificate, *testutil.Authority) {
	_, signer := testutil.SoftwareHandle(t, algorithm)
	authority := testutil.NewAuthority(t, "CMS Test CA")
	der, err := authority.Issue(signer.Public(), testutil.IssueOptions{
		CommonName: "cms signer",
		NotBefore:  time.Now().Add(-time.Hour),
		NotAfter:   time.Now().Add(time.Hour),
	})
	require.Nil(t, err)
	cert, err := x509.ParseCertificate(der)
	require.Nil(t, err)
	return signer, cert, authority
}

func TestSignAndVerifyEncapsulated(t *testing.T) {

	algorithms := []keystore.Algorithm{
		keystore.ALGORITHM_ECDSA,
		keystore.ALGORITHM_RSA_PSS,
		keystore.ALGORITHM_EDDSA,
	}
	for _, algorithm := range algorithms {
		t.Run(string(algorithm), func(t *testing.T) {
			signer, cert, _ := signerFixture(t, algorithm)
			content := []byte("encapsulated content")

			der, err := Sign(content, &SignerConfig{
				Certificate:  cert,
				Signer:       signer,
				DigestAlg:    crypto.SHA256,
				IncludeCerts: true,
			})
			require.Nil(t, err)

			result, err := Verify(der, nil, nil)
			require.Nil(t, err)
			assert.Equal(t, content, result.Content)
			assert.Equal(t, cert.Raw, result.Certificate.Raw)
			assert.NotNil(t, result.SigningTime)
			if algorithm == keystore.ALGORITHM_EDDSA {
				assert.Equal(t, crypto.SHA512, result.DigestAlg)
			} else {
				assert.Equal(t, crypto.SHA256, result.DigestAlg)
			}
		})
	}
}

func TestSignWithoutCertificates(t *testing.T) {

	signer, cert, _ := signerFixture(t, keystore.ALGORITHM_ECDSA)

	der, err := Sign([]byte("data"), &SignerConfig{
		Certificate: cert,
		Signer:      signer,
		DigestAlg:   crypto.SHA256,
	})
	require.Nil(t, err)

	_, err = Verify(der, nil, nil)
	assert.ErrorIs(t, err, ErrMissingSignerCert)

	_, err = Verify(der, nil, cert)
	assert.Nil(t, err)
}

func TestDetachedTwoPhase(t *testing.T) {

	signer, cert, authority := signerFixture(t, keystore.ALGORITHM_ECDSA)
	payload := []byte("detached payload")
	digest, err := Digest(crypto.SHA256, payload)
	require.Nil(t, err)

	signingCert, err := NewSigningCertificateV2Attr(cert.Raw)
	require.Nil(t, err)
	now := time.Now()
	builder, err := NewDetached(cert, crypto.SHA256, digest, &now, signingCert)
	require.Nil(t, err)
	builder.Certificates = []*x509.Certificate{authority.Cert}

	tbs, err := builder.ToBeSigned()
	require.Nil(t, err)
	signature, err := keystore.Sign(signer, rand.Reader, keystore.ALGORITHM_ECDSA, crypto.SHA256, tbs)
	require.Nil(t, err)

	der, err := builder.Assemble(signature)
	require.Nil(t, err)

	sd, err := Parse(der)
	require.Nil(t, err)
	certs, err := sd.CertificateList()
	require.Nil(t, err)
	assert.Len(t, certs, 2)
	assert.Equal(t, signature, sd.SignatureValue())
	_, ok := FindAttribute(sd.SignerInfos[0].SignedAttrs, OIDSigningCertificateV2)
	assert.True(t, ok)

	_, err = Verify(der, payload, nil)
	assert.Nil(t, err)

	_, err = Verify(der, []byte("other payload"), nil)
	assert.ErrorIs(t, err, ErrMessageDigestMismatch)
}

func TestUnsignedAttributesDoNotBreakSignature(t *testing.T) {

	signer, cert, authority := signerFixture(t, keystore.ALGORITHM_EDDSA)
	payload := []byte("payload")

	digest, err := Digest(crypto.SHA512, payload)
	require.Nil(t, err)
	builder, err := NewDetached(cert, crypto.SHA512, digest, nil)
	require.Nil(t, err)
	tbs, err := builder.ToBeSigned()
	require.Nil(t, err)
	signature, err := keystore.Sign(signer, rand.Reader, keystore.ALGORITHM_EDDSA, 0, tbs)
	require.Nil(t, err)
	der, err := builder.Assemble(signature)
	require.Nil(t, err)

	sd, err := Parse(der)
	require.Nil(t, err)
	token, err := asn1.Marshal([]byte("token"))
	require.Nil(t, err)
	sd.AddUnsignedAttribute(NewRawAttribute(OIDSignatureTimeStampToken, token))
	require.Nil(t, sd.AddCertificates(authority.Cert, cert))

	updated, err := sd.Marshal()
	require.Nil(t, err)

	reparsed, err := Parse(updated)
	require.Nil(t, err)
	raw, ok := FindAttribute(reparsed.SignerInfos[0].UnsignedAttrs, OIDSignatureTimeStampToken)
	require.True(t, ok)
	assert.Equal(t, token, raw.FullBytes)
	certs, err := reparsed.CertificateList()
	require.Nil(t, err)
	assert.Len(t, certs, 2)

	_, err = reparsed.Verify(payload, nil)
	assert.Nil(t, err)
}

func TestVerifyDetectsTamperedSignature(t *testing.T) {

	signer, cert, _ := signerFixture(t, keystore.ALGORITHM_RSA_PSS)
	der, err := Sign([]byte("content"), &SignerConfig{
		Certificate:  cert,
		Signer:       signer,
		DigestAlg:    crypto.SHA384,
		IncludeCerts: true,
	})
	require.Nil(t, err)

	sd, err := Parse(der)
	require.Nil(t, err)
	sd.SignerInfos[0].Signature[0] ^= 0xff
	tampered, err := sd.Marshal()
	require.Nil(t, err)

	_, err = Verify(tampered, nil, nil)
	assert.ErrorIs(t, err, ErrSignatureVerification)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte{0x30, 0x03, 0x02, 0x01, 0x01})
	assert.ErrorIs(t, err, ErrInvalidSignedData)

	_, err = Digest(crypto.SHA1, []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedDigest)
}
