package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
)

// Creates a PEM encoded PKCS #10 Certificate Signing Request signed by
// the provided signer. HSM resident keys are supported through any
// crypto.Signer, including the gateway's opaque keys. RSA keys request
// RSASSA-PSS signatures.
func NewCSR(
	signer crypto.Signer,
	hash crypto.Hash,
	subject Subject,
	sans *SubjectAlternativeNames) ([]byte, error) {

	if subject.CommonName == "" {
		return nil, fmt.Errorf("%w: common name required", ErrBadCSR)
	}
	sigAlgo, err := signatureAlgorithm(signer.Public(), hash)
	if err != nil {
		return nil, err
	}
	ipAddresses, dnsNames, emailAddresses, err := parseSANS(sans)
	if err != nil {
		return nil, err
	}
	if subject.Email != "" {
		emailAddresses = append(emailAddresses, subject.Email)
	}

	template := x509.CertificateRequest{
		Subject:            pkixName(subject),
		SignatureAlgorithm: sigAlgo,
		DNSNames:           dnsNames,
		IPAddresses:        ipAddresses,
		EmailAddresses:     emailAddresses,
	}
	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, &template, signer)
	if err != nil {
		return nil, err
	}
	return EncodeCSR(csrBytes)
}

func pkixName(subject Subject) pkix.Name {
	name := pkix.Name{
		CommonName:   subject.CommonName,
		SerialNumber: subject.SerialNumber,
	}
	appendIf := func(values []string, v string) []string {
		if v == "" {
			return values
		}
		return append(values, v)
	}
	name.Organization = appendIf(nil, subject.Organization)
	name.OrganizationalUnit = appendIf(nil, subject.OrganizationalUnit)
	name.Country = appendIf(nil, subject.Country)
	name.Province = appendIf(nil, subject.Province)
	name.Locality = appendIf(nil, subject.Locality)
	name.StreetAddress = appendIf(nil, subject.Address)
	name.PostalCode = appendIf(nil, subject.PostalCode)
	return name
}

func signatureAlgorithm(pub crypto.PublicKey, hash crypto.Hash) (x509.SignatureAlgorithm, error) {
	if hash == 0 {
		hash = crypto.SHA256
	}
	switch pub.(type) {
	case *rsa.PublicKey:
		switch hash {
		case crypto.SHA256:
			return x509.SHA256WithRSAPSS, nil
		case crypto.SHA384:
			return x509.SHA384WithRSAPSS, nil
		case crypto.SHA512:
			return x509.SHA512WithRSAPSS, nil
		}
	case *ecdsa.PublicKey:
		switch hash {
		case crypto.SHA256:
			return x509.ECDSAWithSHA256, nil
		case crypto.SHA384:
			return x509.ECDSAWithSHA384, nil
		case crypto.SHA512:
			return x509.ECDSAWithSHA512, nil
		}
	case ed25519.PublicKey:
		return x509.PureEd25519, nil
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %T with %s", ErrInvalidSignature, pub, hash)
}

func parseSANS(sans *SubjectAlternativeNames) ([]net.IP, []string, []string, error) {
	var ipAddresses []net.IP
	var dnsNames []string
	var emailAddresses []string
	if sans != nil {
		ipAddresses = make([]net.IP, len(sans.IPs))
		for i, ip := range sans.IPs {
			parsed := net.ParseIP(ip)
			if parsed == nil {
				return nil, nil, nil, fmt.Errorf("%w: invalid IP address %s", ErrBadCSR, ip)
			}
			ipAddresses[i] = parsed
		}
		dnsNames = make([]string, len(sans.DNS))
		copy(dnsNames, sans.DNS)
		emailAddresses = make([]string, len(sans.Email))
		copy(emailAddresses, sans.Email)
	}
	return ipAddresses, dnsNames, emailAddresses, nil
}
