// Package cms encodes and verifies the subset of RFC 5652 SignedData the
// signature containers and the timestamp service need: detached and
// encapsulated content, signed and unsigned attributes, and RSASSA-PSS,
// ECDSA and Ed25519 signers.
package cms

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"time"
)

var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDTSTInfo    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	OIDContentType             = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime             = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	OIDSignatureTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
	OIDCertificateValues       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 23}
	OIDArchiveTimestampV3      = asn1.ObjectIdentifier{0, 4, 0, 1733, 2, 4}

	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
	OIDEd25519         = asn1.ObjectIdentifier{1, 3, 101, 112}
	OIDRSASSAPSS       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDMGF1            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}

	ErrInvalidSignedData      = errors.New("cms: invalid SignedData")
	ErrUnsupportedDigest      = errors.New("cms: unsupported digest algorithm")
	ErrUnsupportedKey         = errors.New("cms: unsupported public key")
	ErrMessageDigestMismatch  = errors.New("cms: message digest mismatch")
	ErrSignatureVerification  = errors.New("cms: signature verification failed")
	ErrMissingSignerCert      = errors.New("cms: signer certificate not found")
	ErrCertificateRequired    = errors.New("cms: signer certificate required")
	ErrMissingSignedAttribute = errors.New("cms: missing signed attribute")
)

// ContentInfo is the outer CMS structure (RFC 5652 section 3)
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// SignedData (RFC 5652 section 5)
type SignedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     asn1.RawValue   `asn1:"optional,tag:0"`
	CRLs             []asn1.RawValue `asn1:"optional,set,tag:1"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

type SignerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        []Attribute `asn1:"optional,set,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute `asn1:"optional,set,tag:1"`
}

type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// ESSCertIDv2 and SigningCertificateV2 (RFC 5035)
type essCertIDv2 struct {
	HashAlgorithm pkix.AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
}

type signingCertificateV2 struct {
	Certs []essCertIDv2
}

type pssParameters struct {
	Hash         pkix.AlgorithmIdentifier `asn1:"explicit,tag:0"`
	MGF          pkix.AlgorithmIdentifier `asn1:"explicit,tag:1"`
	SaltLength   int                      `asn1:"explicit,tag:2"`
	TrailerField int                      `asn1:"optional,explicit,tag:3,default:1"`
}

// Creates an attribute with a single value
func NewAttribute(oid asn1.ObjectIdentifier, value any) (Attribute, error) {
	encoded, err := asn1.Marshal(value)
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{Type: oid, Values: []asn1.RawValue{{FullBytes: encoded}}}, nil
}

// Creates an attribute whose value is already DER encoded
func NewRawAttribute(oid asn1.ObjectIdentifier, der []byte) Attribute {
	return Attribute{Type: oid, Values: []asn1.RawValue{{FullBytes: der}}}
}

func NewContentTypeAttr(contentType asn1.ObjectIdentifier) (Attribute, error) {
	return NewAttribute(OIDContentType, contentType)
}

func NewMessageDigestAttr(digest []byte) (Attribute, error) {
	return NewAttribute(OIDMessageDigest, digest)
}

func NewSigningTimeAttr(t time.Time) (Attribute, error) {
	return NewAttribute(OIDSigningTime, t.UTC())
}

// Creates an ESS signing-certificate-v2 attribute binding the signer
// certificate by its SHA-256 hash
func NewSigningCertificateV2Attr(certDER []byte) (Attribute, error) {
	sum, err := Digest(crypto.SHA256, certDER)
	if err != nil {
		return Attribute{}, err
	}
	return NewAttribute(OIDSigningCertificateV2, signingCertificateV2{
		Certs: []essCertIDv2{{CertHash: sum}},
	})
}

// Returns the first value of the attribute with the oid
func FindAttribute(attrs []Attribute, oid asn1.ObjectIdentifier) (asn1.RawValue, bool) {
	for _, attr := range attrs {
		if attr.Type.Equal(oid) && len(attr.Values) > 0 {
			return attr.Values[0], true
		}
	}
	return asn1.RawValue{}, false
}

// Encodes signed attributes as the DER SET OF that is signed
func MarshalSignedAttrs(attrs []Attribute) ([]byte, error) {
	encoded, err := asn1.Marshal(struct {
		Attrs []Attribute `asn1:"set"`
	}{attrs})
	if err != nil {
		return nil, err
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(encoded, &raw); err != nil {
		return nil, err
	}
	// the SET OF is the only element of the wrapping SEQUENCE
	return raw.Bytes, nil
}
