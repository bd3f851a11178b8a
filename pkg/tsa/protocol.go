package tsa

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/cms"
)

// PKIStatus values (RFC 3161 section 2.4.2)
const (
	StatusGranted                = 0
	StatusGrantedWithMods        = 1
	StatusRejection              = 2
	StatusWaiting                = 3
	StatusRevocationWarning      = 4
	StatusRevocationNotification = 5
)

// PKIFailureInfo bits
const (
	FailBadAlg           = 0
	FailBadRequest       = 2
	FailBadDataFormat    = 5
	FailTimeNotAvailable = 14
	FailUnacceptedPolicy = 15
	FailSystemFailure    = 25
)

type TimeStampReq struct {
	Version        int
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
	Extensions     []pkix.Extension      `asn1:"optional,tag:0"`
}

type MessageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time        `asn1:"generalized"`
	Accuracy       Accuracy         `asn1:"optional"`
	Ordering       bool             `asn1:"optional,default:false"`
	Nonce          *big.Int         `asn1:"optional"`
	TSA            asn1.RawValue    `asn1:"optional,explicit,tag:0"`
	Extensions     []pkix.Extension `asn1:"optional,tag:1"`
}

type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,tag:0"`
	Micros  int `asn1:"optional,tag:1"`
}

type TimeStampResp struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

type PKIStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// Token is a parsed timestamp token: the CMS SignedData and the TSTInfo
// it encapsulates
type Token struct {
	Info       TSTInfo
	SignedData *cms.SignedData
	Raw        []byte
}

// Creates a request for the digest with a random 64 bit nonce
func NewRequest(digest []byte, hash crypto.Hash) (*TimeStampReq, error) {
	if err := checkDigest(digest, hash); err != nil {
		return nil, err
	}
	algID, err := cms.DigestAlgorithmIdentifier(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDigestUnsupported, hash)
	}
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}
	return &TimeStampReq{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: algID,
			HashedMessage: digest,
		},
		Nonce:   nonce,
		CertReq: true,
	}, nil
}

func (req *TimeStampReq) Marshal() ([]byte, error) {
	return asn1.Marshal(*req)
}

func ParseRequest(der []byte) (*TimeStampReq, error) {
	var req TimeStampReq
	rest, err := asn1.Unmarshal(der, &req)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after TimeStampReq")
	}
	return &req, nil
}

// Returns the hash function of the message imprint
func (m MessageImprint) Hash() (crypto.Hash, error) {
	hash, err := cms.HashOf(m.HashAlgorithm.Algorithm)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrDigestUnsupported, m.HashAlgorithm.Algorithm)
	}
	return hash, nil
}

func (m MessageImprint) Equal(other MessageImprint) bool {
	return m.HashAlgorithm.Algorithm.Equal(other.HashAlgorithm.Algorithm) &&
		bytes.Equal(m.HashedMessage, other.HashedMessage)
}

// Parses a DER TimeStampResp. The token, when present, is parsed but not
// verified.
func ParseResponse(der []byte) (PKIStatusInfo, *Token, error) {
	var resp TimeStampResp
	rest, err := asn1.Unmarshal(der, &resp)
	if err != nil {
		return PKIStatusInfo{}, nil, fmt.Errorf("%w: %s", ErrInvalidResponse, err)
	}
	if len(rest) > 0 {
		return PKIStatusInfo{}, nil, fmt.Errorf("%w: trailing data", ErrInvalidResponse)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return resp.Status, nil, nil
	}
	token, err := ParseToken(resp.TimeStampToken.FullBytes)
	if err != nil {
		return resp.Status, nil, err
	}
	return resp.Status, token, nil
}

// Parses a DER timestamp token
func ParseToken(der []byte) (*Token, error) {
	sd, err := cms.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, err)
	}
	if !sd.EncapContentInfo.EContentType.Equal(cms.OIDTSTInfo) {
		return nil, fmt.Errorf("%w: content type %s", ErrInvalidResponse, sd.EncapContentInfo.EContentType)
	}
	content, err := sd.Content()
	if err != nil || len(content) == 0 {
		return nil, fmt.Errorf("%w: missing TSTInfo", ErrInvalidResponse)
	}
	token := &Token{SignedData: sd, Raw: der}
	if _, err := asn1.Unmarshal(content, &token.Info); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, err)
	}
	return token, nil
}

// Verifies the token signature, that the signer is a timestamping
// certificate and that the token covers digest
func (t *Token) Verify(digest []byte) (*x509.Certificate, error) {
	result, err := t.SignedData.Verify(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTSAReject, err)
	}
	if !hasTimeStampingUsage(result.Certificate) {
		return nil, fmt.Errorf("%w: signer lacks timeStamping usage", ErrTSAReject)
	}
	if !bytes.Equal(t.Info.MessageImprint.HashedMessage, digest) {
		return nil, fmt.Errorf("%w: message imprint mismatch", ErrTSAReject)
	}
	return result.Certificate, nil
}

// Returns the TSA name from the token, or the signer subject when the
// token carries none
func (t *Token) Identity(signer *x509.Certificate) string {
	if len(t.Info.TSA.Bytes) > 0 {
		var generalName asn1.RawValue
		if _, err := asn1.Unmarshal(t.Info.TSA.Bytes, &generalName); err == nil && generalName.Tag == 4 {
			var rdn pkix.RDNSequence
			if _, err := asn1.Unmarshal(generalName.Bytes, &rdn); err == nil {
				var name pkix.Name
				name.FillFromRDNSequence(&rdn)
				return name.String()
			}
		}
	}
	if signer != nil {
		return signer.Subject.String()
	}
	return ""
}

// Returns the TSA name as an explicitly tagged directoryName GeneralName
func directoryName(cert *x509.Certificate) (asn1.RawValue, error) {
	inner, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        4,
		IsCompound: true,
		Bytes:      cert.RawSubject,
	})
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      inner,
	}, nil
}

func hasTimeStampingUsage(cert *x509.Certificate) bool {
	for _, usage := range cert.ExtKeyUsage {
		if usage == x509.ExtKeyUsageTimeStamping {
			return true
		}
	}
	return false
}

func checkDigest(digest []byte, hash crypto.Hash) error {
	switch hash {
	case crypto.SHA256, crypto.SHA384, crypto.SHA512:
	default:
		return fmt.Errorf("%w: %s", ErrDigestUnsupported, hash)
	}
	if len(digest) != hash.Size() {
		return fmt.Errorf("%w: digest length %d for %s", ErrDigestUnsupported, len(digest), hash)
	}
	return nil
}

// failInfo returns a bit string with the failure bit set
func failInfo(bit int) asn1.BitString {
	b := make([]byte, bit/8+1)
	b[bit/8] = 1 << uint(7-bit%8)
	return asn1.BitString{Bytes: b, BitLength: bit + 1}
}

func statusText(status PKIStatusInfo) string {
	text := fmt.Sprintf("status %d", status.Status)
	if len(status.StatusString) > 0 {
		text += ": " + status.StatusString[0]
	}
	for bit := 0; bit < status.FailInfo.BitLength; bit++ {
		if status.FailInfo.At(bit) == 1 {
			text += fmt.Sprintf(" (failure bit %d)", bit)
		}
	}
	return text
}
