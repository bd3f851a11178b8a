package ca

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
)

// Encodes a raw DER byte array as a PEM byte array
func EncodePEM(derCert []byte) ([]byte, error) {
	caPEM := new(bytes.Buffer)
	err := pem.Encode(caPEM, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derCert,
	})
	if err != nil {
		return nil, err
	}
	return caPEM.Bytes(), nil
}

// Decodes PEM bytes to *x509.Certificate
func DecodePEM(bytes []byte) (*x509.Certificate, error) {
	var block *pem.Block
	if block, _ = pem.Decode(bytes); block == nil {
		return nil, ErrInvalidEncoding
	}
	return x509.ParseCertificate(block.Bytes)
}

// Decodes every CERTIFICATE block in a PEM bundle, leaf first
func DecodePEMChain(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, ErrInvalidEncoding
	}
	return chain, nil
}

// Encodes a Certificate Signing Request to PEM form
func EncodeCSR(csr []byte) ([]byte, error) {
	csrPEM := new(bytes.Buffer)
	csrBlock := &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csr}
	if err := pem.Encode(csrPEM, csrBlock); err != nil {
		return nil, err
	}
	return csrPEM.Bytes(), nil
}

// Decodes CSR bytes to x509.CertificateRequest
func DecodeCSR(bytes []byte) (*x509.CertificateRequest, error) {
	var block *pem.Block
	if block, _ = pem.Decode(bytes); block == nil {
		return nil, ErrInvalidEncoding
	}
	return x509.ParseCertificateRequest(block.Bytes)
}
