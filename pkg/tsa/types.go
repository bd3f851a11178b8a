// Package tsa obtains RFC 3161 timestamp tokens over a digest from one of
// several Time-Stamping Authorities and provides a reference responder.
// The service only ever sees the digest, never the signed data.
package tsa

import (
	"errors"
	"time"
)

type Qualification string

const (
	QUALIFICATION_BASIC     Qualification = "basic_tsa"
	QUALIFICATION_ADVANCED  Qualification = "advanced_tsa"
	QUALIFICATION_QUALIFIED Qualification = "qualified_tsa"

	CONTENT_TYPE_QUERY = "application/timestamp-query"
	CONTENT_TYPE_REPLY = "application/timestamp-reply"

	DEFAULT_TIMEOUT = 30 * time.Second
)

var (
	ErrTSAUnreachable      = errors.New("tsa: unreachable")
	ErrTSAReject           = errors.New("tsa: request rejected")
	ErrDigestUnsupported   = errors.New("tsa: digest unsupported")
	ErrInvalidResponse     = errors.New("tsa: invalid response")
	ErrUnknownProvider     = errors.New("tsa: unknown provider")
	ErrInvalidProvider     = errors.New("tsa: invalid provider configuration")
	ErrNoQualifiedProvider = errors.New("tsa: no qualified provider")
)

func (q Qualification) Valid() bool {
	switch q {
	case QUALIFICATION_BASIC, QUALIFICATION_ADVANCED, QUALIFICATION_QUALIFIED:
		return true
	}
	return false
}

type ProviderConfig struct {
	ID            string        `yaml:"id" json:"id" mapstructure:"id"`
	URL           string        `yaml:"url" json:"url" mapstructure:"url"`
	Qualification Qualification `yaml:"qualification" json:"qualification" mapstructure:"qualification"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`

	// Optional PEM certificate the token signer must match
	Certificate string `yaml:"certificate" json:"certificate" mapstructure:"certificate"`
}

type Options struct {
	ProviderID string
	Qualified  bool

	// Replaces the provider's request timeout when set
	Timeout time.Duration
}

// TimestampToken is a verified token with the qualification the TSA is
// registered with
type TimestampToken struct {
	Token         []byte        `yaml:"token" json:"token"`
	TSAIdentity   string        `yaml:"tsa-identity" json:"tsa_identity"`
	TSATime       time.Time     `yaml:"tsa-time" json:"tsa_time"`
	Qualification Qualification `yaml:"qualification" json:"qualification"`
	ProviderID    string        `yaml:"provider-id" json:"provider_id"`
	SerialNumber  string        `yaml:"serial-number" json:"serial_number"`
}
