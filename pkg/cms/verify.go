package cms

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
)

// VerifyResult describes a verified signer
type VerifyResult struct {
	Certificate *x509.Certificate
	DigestAlg   crypto.Hash
	SigningTime *time.Time
	Content     []byte
}

// Verifies the first signer of a SignedData. Detached signatures are
// checked against payload; encapsulated content is checked against
// itself when payload is nil. The signer certificate must be embedded
// unless cert is supplied. Certificate path validation is left to the
// caller.
func Verify(der, payload []byte, cert *x509.Certificate) (*VerifyResult, error) {
	sd, err := Parse(der)
	if err != nil {
		return nil, err
	}
	return sd.Verify(payload, cert)
}

func (sd *SignedData) Verify(payload []byte, cert *x509.Certificate) (*VerifyResult, error) {
	content, err := sd.Content()
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = content
	}
	if cert == nil {
		if cert, err = sd.SignerCertificate(); err != nil {
			return nil, err
		}
	}
	si := sd.SignerInfos[0]
	digestAlg, err := HashOf(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return nil, err
	}
	digest, err := Digest(digestAlg, payload)
	if err != nil {
		return nil, err
	}
	if err := CheckMessageDigest(si.SignedAttrs, digest); err != nil {
		return nil, err
	}
	if err := sd.VerifySignature(cert); err != nil {
		return nil, err
	}
	result := &VerifyResult{
		Certificate: cert,
		DigestAlg:   digestAlg,
		Content:     content,
	}
	if raw, ok := FindAttribute(si.SignedAttrs, OIDSigningTime); ok {
		var signingTime time.Time
		if _, err := asn1.Unmarshal(raw.FullBytes, &signingTime); err == nil {
			result.SigningTime = &signingTime
		}
	}
	return result, nil
}

// Verifies the first signer's signature over its signed attributes
func (sd *SignedData) VerifySignature(cert *x509.Certificate) error {
	si := sd.SignerInfos[0]
	if len(si.SignedAttrs) == 0 {
		return fmt.Errorf("%w: signed attributes", ErrMissingSignedAttribute)
	}
	digestAlg, err := HashOf(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}
	tbs, err := MarshalSignedAttrs(si.SignedAttrs)
	if err != nil {
		return err
	}
	algorithm, err := keystore.AlgorithmOf(cert.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, cert.PublicKey)
	}
	if err := keystore.Verify(cert.PublicKey, algorithm, digestAlg, tbs, si.Signature); err != nil {
		return fmt.Errorf("%w: %s", ErrSignatureVerification, err)
	}
	return nil
}

// Compares the messageDigest signed attribute with digest
func CheckMessageDigest(attrs []Attribute, digest []byte) error {
	raw, ok := FindAttribute(attrs, OIDMessageDigest)
	if !ok {
		return fmt.Errorf("%w: message digest", ErrMissingSignedAttribute)
	}
	var signed []byte
	if _, err := asn1.Unmarshal(raw.FullBytes, &signed); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignedData, err)
	}
	if !bytes.Equal(signed, digest) {
		return ErrMessageDigestMismatch
	}
	return nil
}
