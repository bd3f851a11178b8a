package certstore

import (
	"errors"
	"strings"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/ca"
	"github.com/jeremyhahn/go-signature-trust/pkg/common"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
)

type RequestState string
type CertificateState string

const (
	REQUEST_PENDING             RequestState = "Pending"
	REQUEST_AWAITING_VALIDATION RequestState = "AwaitingValidation"
	REQUEST_ISSUED              RequestState = "Issued"
	REQUEST_FAILED              RequestState = "Failed"
	REQUEST_TIMEOUT             RequestState = "Timeout"

	CERT_ACTIVE   CertificateState = "Active"
	CERT_EXPIRING CertificateState = "Expiring"
	CERT_EXPIRED  CertificateState = "Expired"
	CERT_REVOKED  CertificateState = "Revoked"

	DEFAULT_RENEWAL_WINDOW = 30 * 24 * time.Hour
	DEFAULT_POLL_INTERVAL  = 5 * time.Minute
	DEFAULT_POLL_MAX       = time.Hour
	DEFAULT_POLL_TIMEOUT   = 24 * time.Hour
)

var (
	ErrRequestNotFound     = errors.New("store/certstore: certificate request not found")
	ErrCertNotFound        = errors.New("store/certstore: certificate not found")
	ErrInvalidRequest      = errors.New("store/certstore: invalid certificate request")
	ErrInvalidTransition   = errors.New("store/certstore: invalid state transition")
	ErrCertInvalid         = errors.New("store/certstore: certificate invalid")
	ErrCertInactive        = errors.New("store/certstore: certificate inactive")
	ErrCertExpired         = errors.New("store/certstore: certificate expired")
	ErrCertRevoked         = errors.New("store/certstore: certificate revoked")
	ErrKeyMismatch         = errors.New("store/certstore: certificate public key does not match key handle")
	ErrKeyUnusable         = errors.New("store/certstore: key unusable")
	ErrNoUsableCertificate = errors.New("store/certstore: no usable certificate")
)

func (s RequestState) Terminal() bool {
	return s == REQUEST_ISSUED || s == REQUEST_FAILED || s == REQUEST_TIMEOUT
}

// Returns true if a request may move from s to next. Re-entering the
// current state is allowed so retried writes stay idempotent.
func (s RequestState) CanTransition(next RequestState) bool {
	if s == next {
		return true
	}
	switch s {
	case REQUEST_PENDING:
		return next == REQUEST_AWAITING_VALIDATION || next.Terminal()
	case REQUEST_AWAITING_VALIDATION:
		return next.Terminal()
	}
	return false
}

// Maps a CA vendor status onto the request state machine
func RequestStateOf(state ca.RequestState) RequestState {
	switch state {
	case ca.STATE_AWAITING_VALIDATION:
		return REQUEST_AWAITING_VALIDATION
	case ca.STATE_ISSUED:
		return REQUEST_ISSUED
	case ca.STATE_FAILED:
		return REQUEST_FAILED
	}
	return REQUEST_PENDING
}

// Returns true if the certificate may still sign, subject to its
// validity period and key
func (s CertificateState) Signing() bool {
	return s == CERT_ACTIVE || s == CERT_EXPIRING
}

func (s CertificateState) CanTransition(next CertificateState) bool {
	if s == next {
		return true
	}
	switch s {
	case CERT_ACTIVE:
		return true
	case CERT_EXPIRING:
		return next == CERT_EXPIRED || next == CERT_REVOKED
	}
	return false
}

// CertificateRequest tracks one CSR through a CA vendor
type CertificateRequest struct {
	ID            string                      `yaml:"id" json:"id"`
	ProviderID    string                      `yaml:"provider-id" json:"provider_id"`
	Type          string                      `yaml:"type" json:"type"`
	Subject       ca.Subject                  `yaml:"subject" json:"subject"`
	SANs          *ca.SubjectAlternativeNames `yaml:"sans,omitempty" json:"sans,omitempty"`
	UserID        string                      `yaml:"user-id" json:"user_id"`
	KeyHandle     keystore.KeyHandle          `yaml:"key-handle" json:"key_handle"`
	Validation    map[string]string           `yaml:"validation,omitempty" json:"validation,omitempty"`
	CARequestID   string                      `yaml:"ca-request-id,omitempty" json:"ca_request_id,omitempty"`
	State         RequestState                `yaml:"state" json:"state"`
	CertificateID string                      `yaml:"certificate-id,omitempty" json:"certificate_id,omitempty"`
	Reason        string                      `yaml:"reason,omitempty" json:"reason,omitempty"`
	RenewalOf     string                      `yaml:"renewal-of,omitempty" json:"renewal_of,omitempty"`
	CreatedAt     time.Time                   `yaml:"created-at" json:"created_at"`
	UpdatedAt     time.Time                   `yaml:"updated-at" json:"updated_at"`
	Deadline      time.Time                   `yaml:"deadline" json:"deadline"`
}

func (req *CertificateRequest) Validate() error {
	switch {
	case req.ProviderID == "":
		return errors.Join(ErrInvalidRequest, errors.New("provider required"))
	case req.Type == "":
		return errors.Join(ErrInvalidRequest, errors.New("certificate type required"))
	case req.UserID == "":
		return errors.Join(ErrInvalidRequest, errors.New("user required"))
	case req.Subject.CommonName == "":
		return errors.Join(ErrInvalidRequest, errors.New("subject common name required"))
	}
	return req.KeyHandle.Validate()
}

// RequestUpdate is applied by UpdateRequestState. Empty fields leave the
// stored value unchanged.
type RequestUpdate struct {
	State       RequestState
	CARequestID string
	Reason      string
}

// Certificate is an issued certificate and the key that signs with it
type Certificate struct {
	ID               string             `yaml:"id" json:"id"`
	DER              []byte             `yaml:"der" json:"der"`
	Issuer           string             `yaml:"issuer" json:"issuer"`
	Subject          string             `yaml:"subject" json:"subject"`
	CommonName       string             `yaml:"common-name" json:"common_name"`
	SerialNumber     string             `yaml:"serial-number" json:"serial_number"`
	AuthorityKeyID   string             `yaml:"authority-key-id,omitempty" json:"authority_key_id,omitempty"`
	ValidFrom        time.Time          `yaml:"valid-from" json:"valid_from"`
	ValidTo          time.Time          `yaml:"valid-to" json:"valid_to"`
	KeyUsage         []string           `yaml:"key-usage" json:"key_usage"`
	Class            common.Class       `yaml:"class" json:"class"`
	Type             string             `yaml:"type" json:"type"`
	KeyHandle        keystore.KeyHandle `yaml:"key-handle" json:"key_handle"`
	OwnerID          string             `yaml:"owner-id" json:"owner_id"`
	ProviderID       string             `yaml:"provider-id" json:"provider_id"`
	RequestID        string             `yaml:"request-id,omitempty" json:"request_id,omitempty"`
	State            CertificateState   `yaml:"state" json:"state"`
	RevokedAt        *time.Time         `yaml:"revoked-at,omitempty" json:"revoked_at,omitempty"`
	RevocationReason string             `yaml:"revocation-reason,omitempty" json:"revocation_reason,omitempty"`
	CreatedAt        time.Time          `yaml:"created-at" json:"created_at"`
}

// Returns true if t lies within [ValidFrom, ValidTo]
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.ValidFrom) && !t.After(c.ValidTo)
}

// Returns the assurance class a CA certificate type implies
func ClassOfType(certType string) common.Class {
	t := strings.ToLower(certType)
	switch {
	case strings.Contains(t, "qualified"):
		return common.CLASS_QUALIFIED
	case strings.Contains(t, "advanced"):
		return common.CLASS_ADVANCED
	}
	return common.CLASS_BASIC
}
