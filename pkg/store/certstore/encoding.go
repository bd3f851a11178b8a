package certstore

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"

	"github.com/jeremyhahn/go-signature-trust/pkg/common"
)

var keyUsageNames = []struct {
	usage x509.KeyUsage
	name  string
}{
	{x509.KeyUsageDigitalSignature, "digitalSignature"},
	{x509.KeyUsageContentCommitment, "contentCommitment"},
	{x509.KeyUsageKeyEncipherment, "keyEncipherment"},
	{x509.KeyUsageDataEncipherment, "dataEncipherment"},
	{x509.KeyUsageKeyAgreement, "keyAgreement"},
	{x509.KeyUsageCertSign, "keyCertSign"},
	{x509.KeyUsageCRLSign, "cRLSign"},
}

// Returns the certificate id: the hex SHA-256 of its DER encoding
func CertificateID(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// Parses a DER certificate and extracts the fields the lifecycle tracks.
// The class is the stronger of the CA type's class and the class the
// certificate's own QcStatements declare.
func ParseCertificate(der []byte, certType string) (*x509.Certificate, Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, Certificate{}, errors.Join(ErrCertInvalid, err)
	}
	if !cert.NotBefore.Before(cert.NotAfter) {
		return nil, Certificate{}, errors.Join(ErrCertInvalid, errors.New("validFrom must precede validTo"))
	}
	class := ClassOfType(certType)
	if IsQualified(cert) && !class.AtLeast(common.CLASS_QUALIFIED) {
		class = common.CLASS_QUALIFIED
	}
	return cert, Certificate{
		ID:             CertificateID(der),
		DER:            der,
		Issuer:         cert.Issuer.String(),
		Subject:        cert.Subject.String(),
		CommonName:     cert.Subject.CommonName,
		SerialNumber:   cert.SerialNumber.Text(16),
		AuthorityKeyID: hex.EncodeToString(cert.AuthorityKeyId),
		ValidFrom:      cert.NotBefore.UTC(),
		ValidTo:        cert.NotAfter.UTC(),
		KeyUsage:       KeyUsageNames(cert.KeyUsage),
		Class:          class,
		Type:           certType,
	}, nil
}

func KeyUsageNames(usage x509.KeyUsage) []string {
	names := make([]string, 0, len(keyUsageNames))
	for _, ku := range keyUsageNames {
		if usage&ku.usage != 0 {
			names = append(names, ku.name)
		}
	}
	return names
}

// Returns true if the certificate carries the ETSI QcCompliance statement
func IsQualified(cert *x509.Certificate) bool {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(common.OIDQcStatements) {
			continue
		}
		var statements []common.QcStatement
		if _, err := asn1.Unmarshal(ext.Value, &statements); err != nil {
			return false
		}
		for _, s := range statements {
			if s.ID.Equal(common.OIDQcCompliance) {
				return true
			}
		}
	}
	return false
}
