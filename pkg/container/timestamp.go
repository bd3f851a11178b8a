package container

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/cms"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
)

// Verifies that a timestamp token covers data and returns its time
func verifyTimestamp(token, data []byte) (*time.Time, error) {
	parsed, err := tsa.ParseToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTimestampInvalid, err)
	}
	hash, err := parsed.Info.MessageImprint.Hash()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTimestampInvalid, err)
	}
	digest, err := cms.Digest(hash, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTimestampInvalid, err)
	}
	if _, err := parsed.Verify(digest); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTimestampInvalid, err)
	}
	genTime := parsed.Info.GenTime.UTC()
	return &genTime, nil
}

// Returns the certificates embedded in a timestamp token
func timestampCertificates(token []byte) ([]*x509.Certificate, error) {
	parsed, err := tsa.ParseToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTimestampInvalid, err)
	}
	return parsed.SignedData.CertificateList()
}
