package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
)

// Builder assembles a SignedData with one signer in two steps so the
// signature can be produced elsewhere, e.g. by an HSM: ToBeSigned returns
// the DER signed attributes, Assemble embeds the signature over them.
type Builder struct {
	Certificate   *x509.Certificate
	Certificates  []*x509.Certificate
	DigestAlg     crypto.Hash
	ContentType   asn1.ObjectIdentifier
	Content       []byte
	SignedAttrs   []Attribute
	UnsignedAttrs []Attribute
}

// SignerConfig is used by Sign to produce encapsulated SignedData in one
// step with an in-process signer
type SignerConfig struct {
	Certificate  *x509.Certificate
	Signer       crypto.Signer
	DigestAlg    crypto.Hash
	SigningTime  time.Time
	ContentType  asn1.ObjectIdentifier
	IncludeCerts bool
}

// Returns the digest algorithm CMS uses with a key: the key's hash, or
// SHA-512 for Ed25519
func DigestAlgorithmFor(pub crypto.PublicKey, hash crypto.Hash) crypto.Hash {
	if _, ok := pub.(ed25519.PublicKey); ok {
		return crypto.SHA512
	}
	if hash == 0 {
		return crypto.SHA256
	}
	return hash
}

// Creates a builder for a detached signature over content whose digest
// was computed with digestAlg. The signing time attribute is added only
// when signingTime is set.
func NewDetached(
	cert *x509.Certificate,
	digestAlg crypto.Hash,
	contentDigest []byte,
	signingTime *time.Time,
	extra ...Attribute) (*Builder, error) {

	if cert == nil {
		return nil, ErrCertificateRequired
	}
	attrs, err := baseAttributes(OIDData, contentDigest, signingTime)
	if err != nil {
		return nil, err
	}
	return &Builder{
		Certificate: cert,
		DigestAlg:   digestAlg,
		ContentType: OIDData,
		SignedAttrs: append(attrs, extra...),
	}, nil
}

// Returns the DER encoded signed attributes the signer signs
func (b *Builder) ToBeSigned() ([]byte, error) {
	return MarshalSignedAttrs(b.SignedAttrs)
}

// Returns the DER ContentInfo carrying the signature
func (b *Builder) Assemble(signature []byte) ([]byte, error) {
	if b.Certificate == nil {
		return nil, ErrCertificateRequired
	}
	digestAlgID, err := DigestAlgorithmIdentifier(b.DigestAlg)
	if err != nil {
		return nil, err
	}
	sigAlgID, err := SignatureAlgorithmIdentifier(b.Certificate.PublicKey, b.DigestAlg)
	if err != nil {
		return nil, err
	}
	sd := SignedData{
		Version:          1,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{digestAlgID},
		EncapContentInfo: EncapsulatedContentInfo{EContentType: b.ContentType},
		SignerInfos: []SignerInfo{{
			Version: 1,
			SID: IssuerAndSerialNumber{
				Issuer:       asn1.RawValue{FullBytes: b.Certificate.RawIssuer},
				SerialNumber: b.Certificate.SerialNumber,
			},
			DigestAlgorithm:    digestAlgID,
			SignedAttrs:        b.SignedAttrs,
			SignatureAlgorithm: sigAlgID,
			Signature:          signature,
			UnsignedAttrs:      b.UnsignedAttrs,
		}},
	}
	if b.Content != nil {
		octets, err := asn1.Marshal(b.Content)
		if err != nil {
			return nil, err
		}
		sd.EncapContentInfo.EContent = asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      octets,
		}
	}
	sd.SetCertificates(append([]*x509.Certificate{b.Certificate}, b.Certificates...))
	return sd.Marshal()
}

// Creates encapsulated SignedData over content with an in-process signer
func Sign(content []byte, config *SignerConfig) ([]byte, error) {
	if config.Certificate == nil || config.Signer == nil {
		return nil, ErrCertificateRequired
	}
	if len(config.ContentType) == 0 {
		config.ContentType = OIDData
	}
	if config.SigningTime.IsZero() {
		config.SigningTime = time.Now()
	}
	digestAlg := DigestAlgorithmFor(config.Signer.Public(), config.DigestAlg)
	digest, err := Digest(digestAlg, content)
	if err != nil {
		return nil, err
	}
	attrs, err := baseAttributes(config.ContentType, digest, &config.SigningTime)
	if err != nil {
		return nil, err
	}
	builder := &Builder{
		Certificate: config.Certificate,
		DigestAlg:   digestAlg,
		ContentType: config.ContentType,
		Content:     content,
		SignedAttrs: attrs,
	}
	tbs, err := builder.ToBeSigned()
	if err != nil {
		return nil, err
	}
	algorithm, err := keystore.AlgorithmOf(config.Signer.Public())
	if err != nil {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, config.Signer.Public())
	}
	signature, err := keystore.Sign(config.Signer, rand.Reader, algorithm, digestAlg, tbs)
	if err != nil {
		return nil, err
	}
	der, err := builder.Assemble(signature)
	if err != nil || config.IncludeCerts {
		return der, err
	}
	sd, err := Parse(der)
	if err != nil {
		return nil, err
	}
	sd.Certificates = asn1.RawValue{}
	return sd.Marshal()
}

// Parses a DER ContentInfo carrying SignedData
func Parse(der []byte) (*SignedData, error) {
	var ci ContentInfo
	rest, err := asn1.Unmarshal(der, &ci)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSignedData, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidSignedData)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: content type %s", ErrInvalidSignedData, ci.ContentType)
	}
	var sd SignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSignedData, err)
	}
	if len(sd.SignerInfos) == 0 {
		return nil, fmt.Errorf("%w: no signer", ErrInvalidSignedData)
	}
	return &sd, nil
}

// Encodes the SignedData wrapped in a ContentInfo
func (sd *SignedData) Marshal() ([]byte, error) {
	inner, err := asn1.Marshal(*sd)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(ContentInfo{
		ContentType: OIDSignedData,
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      inner,
		},
	})
}

// Returns the encapsulated content, or nil for detached signatures
func (sd *SignedData) Content() ([]byte, error) {
	if len(sd.EncapContentInfo.EContent.Bytes) == 0 {
		return nil, nil
	}
	var content []byte
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &content); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSignedData, err)
	}
	return content, nil
}

// Returns the embedded certificates
func (sd *SignedData) CertificateList() ([]*x509.Certificate, error) {
	if len(sd.Certificates.Bytes) == 0 {
		return nil, nil
	}
	return x509.ParseCertificates(sd.Certificates.Bytes)
}

// Replaces the embedded certificates, skipping duplicates
func (sd *SignedData) SetCertificates(certs []*x509.Certificate) {
	var buf bytes.Buffer
	seen := make(map[string]bool, len(certs))
	for _, cert := range certs {
		if cert == nil || seen[string(cert.Raw)] {
			continue
		}
		seen[string(cert.Raw)] = true
		buf.Write(cert.Raw)
	}
	if buf.Len() == 0 {
		sd.Certificates = asn1.RawValue{}
		return
	}
	sd.Certificates = asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      buf.Bytes(),
	}
}

// Adds certificates to the embedded set
func (sd *SignedData) AddCertificates(certs ...*x509.Certificate) error {
	existing, err := sd.CertificateList()
	if err != nil {
		return err
	}
	sd.SetCertificates(append(existing, certs...))
	return nil
}

// Adds an unsigned attribute to the first signer
func (sd *SignedData) AddUnsignedAttribute(attr Attribute) {
	sd.SignerInfos[0].UnsignedAttrs = append(sd.SignerInfos[0].UnsignedAttrs, attr)
}

// Returns the first signer's signature value
func (sd *SignedData) SignatureValue() []byte {
	return sd.SignerInfos[0].Signature
}

// Returns the certificate matching the first signer's issuer and serial
func (sd *SignedData) SignerCertificate() (*x509.Certificate, error) {
	certs, err := sd.CertificateList()
	if err != nil {
		return nil, err
	}
	sid := sd.SignerInfos[0].SID
	for _, cert := range certs {
		if bytes.Equal(cert.RawIssuer, sid.Issuer.FullBytes) && cert.SerialNumber.Cmp(sid.SerialNumber) == 0 {
			return cert, nil
		}
	}
	return nil, ErrMissingSignerCert
}

func baseAttributes(contentType asn1.ObjectIdentifier, digest []byte, signingTime *time.Time) ([]Attribute, error) {
	ct, err := NewContentTypeAttr(contentType)
	if err != nil {
		return nil, err
	}
	md, err := NewMessageDigestAttr(digest)
	if err != nil {
		return nil, err
	}
	attrs := []Attribute{ct, md}
	if signingTime != nil {
		st, err := NewSigningTimeAttr(*signingTime)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, st)
	}
	return attrs, nil
}

// Digests data with a SHA-2 hash
func Digest(hash crypto.Hash, data []byte) ([]byte, error) {
	switch hash {
	case crypto.SHA256, crypto.SHA384, crypto.SHA512:
		return keystore.Digest(hash, data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedDigest, hash)
}

func DigestAlgorithmIdentifier(hash crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	oid, err := HashOID(hash)
	if err != nil {
		return pkix.AlgorithmIdentifier{}, err
	}
	return pkix.AlgorithmIdentifier{Algorithm: oid}, nil
}

func HashOID(hash crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch hash {
	case crypto.SHA256:
		return OIDSHA256, nil
	case crypto.SHA384:
		return OIDSHA384, nil
	case crypto.SHA512:
		return OIDSHA512, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedDigest, hash)
}

func HashOf(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedDigest, oid)
}

// Returns the signature algorithm identifier for a key. RSA keys are
// identified as RSASSA-PSS with MGF1 and a salt as long as the hash.
func SignatureAlgorithmIdentifier(pub crypto.PublicKey, hash crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	switch pub.(type) {
	case ed25519.PublicKey:
		return pkix.AlgorithmIdentifier{Algorithm: OIDEd25519}, nil
	case *ecdsa.PublicKey:
		switch hash {
		case crypto.SHA256:
			return pkix.AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA256}, nil
		case crypto.SHA384:
			return pkix.AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA384}, nil
		case crypto.SHA512:
			return pkix.AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA512}, nil
		}
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: %s", ErrUnsupportedDigest, hash)
	case *rsa.PublicKey:
		hashID, err := DigestAlgorithmIdentifier(hash)
		if err != nil {
			return pkix.AlgorithmIdentifier{}, err
		}
		hashDER, err := asn1.Marshal(hashID)
		if err != nil {
			return pkix.AlgorithmIdentifier{}, err
		}
		params, err := asn1.Marshal(pssParameters{
			Hash:         hashID,
			MGF:          pkix.AlgorithmIdentifier{Algorithm: OIDMGF1, Parameters: asn1.RawValue{FullBytes: hashDER}},
			SaltLength:   hash.Size(),
			TrailerField: 1,
		})
		if err != nil {
			return pkix.AlgorithmIdentifier{}, err
		}
		return pkix.AlgorithmIdentifier{Algorithm: OIDRSASSAPSS, Parameters: asn1.RawValue{FullBytes: params}}, nil
	}
	return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
}
