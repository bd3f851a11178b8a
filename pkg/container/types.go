// Package container wraps raw signatures into the PKCS7, CAdES, PAdES and
// XAdES formats. Each format is a Strategy. Signing is split in two so
// the signature itself can come from an HSM: Prepare returns the bytes to
// sign and Wrap assembles the container around the signature. Timestamps
// and archive timestamps are embedded afterwards at the locations the
// profile defines.
package container

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/cms"
)

type Format string

type Profile string

const (
	FORMAT_PKCS7 Format = "PKCS7"
	FORMAT_CADES Format = "CAdES"
	FORMAT_PADES Format = "PAdES"
	FORMAT_XADES Format = "XAdES"

	PROFILE_B   Profile = "B"
	PROFILE_T   Profile = "T"
	PROFILE_LT  Profile = "LT"
	PROFILE_LTA Profile = "LTA"
)

var (
	ErrUnsupportedFormat  = errors.New("container: unsupported format")
	ErrUnsupportedProfile = errors.New("container: unsupported profile")
	ErrInvalidContainer   = errors.New("container: invalid container")
	ErrNotPrepared        = errors.New("container: not prepared for this format")
	ErrDigestMismatch     = errors.New("container: digest mismatch")
	ErrSignatureInvalid   = errors.New("container: signature verification failed")
	ErrTimestampInvalid   = errors.New("container: timestamp verification failed")
	ErrTimestampMissing   = errors.New("container: timestamp missing")
	ErrAlreadyArchived    = errors.New("container: archive timestamp already present")
)

func ParseFormat(name string) (Format, error) {
	for _, f := range []Format{FORMAT_PKCS7, FORMAT_CADES, FORMAT_PADES, FORMAT_XADES} {
		if strings.EqualFold(name, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

// Parses a profile such as LTA, -LTA or B-LTA
func ParseProfile(name string) (Profile, error) {
	name = strings.ToUpper(strings.TrimPrefix(name, "-"))
	name = strings.TrimPrefix(name, "B-")
	if name == "" {
		return PROFILE_B, nil
	}
	for _, p := range []Profile{PROFILE_B, PROFILE_T, PROFILE_LT, PROFILE_LTA} {
		if name == string(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedProfile, name)
}

func (p Profile) rank() int {
	switch p {
	case PROFILE_T:
		return 1
	case PROFILE_LT:
		return 2
	case PROFILE_LTA:
		return 3
	}
	return 0
}

// Returns true if the profile includes everything other requires
func (p Profile) AtLeast(other Profile) bool {
	return p.rank() >= other.rank()
}

// Returns true if the profile carries a signature timestamp
func (p Profile) Timestamped() bool {
	return p.AtLeast(PROFILE_T)
}

// Returns true if the profile embeds validation material
func (p Profile) LongTerm() bool {
	return p.AtLeast(PROFILE_LT)
}

func (p Profile) Archival() bool {
	return p == PROFILE_LTA
}

// Returns the display name of a format and profile, e.g. PAdES-LTA
func Name(format Format, profile Profile) string {
	if format == FORMAT_PKCS7 {
		return string(format)
	}
	return string(format) + "-" + string(profile)
}

type PrepareRequest struct {
	// Digest of the payload computed with Hash
	PayloadDigest []byte
	Hash          crypto.Hash
	Certificate   *x509.Certificate
	Chain         []*x509.Certificate
	Profile       Profile
	SigningTime   time.Time
	// Detached reference to the payload, used by XAdES
	DocumentID string
}

// Prepared holds a container awaiting its signature
type Prepared struct {
	Format     Format
	Profile    Profile
	Hash       crypto.Hash
	ToBeSigned []byte
	builder    *cms.Builder
	xades      *xadesSignature
}

type Verification struct {
	Format           Format
	Profile          Profile
	Signer           *x509.Certificate
	SigningTime      *time.Time
	TimestampTime    *time.Time
	ArchiveTimestamp *time.Time
}

type Strategy interface {
	Format() Format

	// Returns the bytes the signer signs
	Prepare(req *PrepareRequest) (*Prepared, error)

	// Assembles the container around a signature over ToBeSigned
	Wrap(prepared *Prepared, signature []byte) ([]byte, error)

	// Returns the core signature value a signature timestamp covers
	SignatureValue(container []byte) ([]byte, error)

	// Embeds a signature timestamp token. Long term profiles also embed
	// the TSA certificates as validation material.
	EmbedTimestamp(container, token []byte, profile Profile) ([]byte, error)

	// Returns the digest an archive timestamp covers
	ArchiveDigest(container []byte, hash crypto.Hash) ([]byte, error)

	EmbedArchiveTimestamp(container, token []byte) ([]byte, error)

	// Verifies the container against the payload and any embedded
	// timestamps. Certificate path validation is left to the caller.
	Verify(container, payload []byte) (*Verification, error)
}

// Returns the strategy for a format
func New(format Format) (Strategy, error) {
	switch format {
	case FORMAT_PKCS7:
		return &cmsStrategy{format: FORMAT_PKCS7, signingTime: true}, nil
	case FORMAT_CADES:
		return &cmsStrategy{format: FORMAT_CADES, signingTime: true, signingCert: true}, nil
	case FORMAT_PADES:
		// ETSI.CAdES.detached: the signing time lives in the PDF dictionary
		return &cmsStrategy{format: FORMAT_PADES, signingCert: true}, nil
	case FORMAT_XADES:
		return &xadesStrategy{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}
