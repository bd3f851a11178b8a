package ca

import (
	"errors"
	"slices"
	"time"
)

type RequestState string
type RevocationReason string

const (
	STATE_PENDING             RequestState = "pending"
	STATE_AWAITING_VALIDATION RequestState = "awaiting_validation"
	STATE_ISSUED              RequestState = "issued"
	STATE_FAILED              RequestState = "failed"

	REASON_UNSPECIFIED          RevocationReason = "unspecified"
	REASON_KEY_COMPROMISE       RevocationReason = "key_compromise"
	REASON_AFFILIATION_CHANGED  RevocationReason = "affiliation_changed"
	REASON_SUPERSEDED           RevocationReason = "superseded"
	REASON_CESSATION            RevocationReason = "cessation_of_operation"
	REASON_PRIVILEGE_WITHDRAWN  RevocationReason = "privilege_withdrawn"
	REASON_CERTIFICATE_HOLD     RevocationReason = "certificate_hold"
	REASON_REMOVE_FROM_CRL      RevocationReason = "remove_from_crl"
	REASON_AA_COMPROMISE        RevocationReason = "aa_compromise"
	REASON_CA_COMPROMISE        RevocationReason = "ca_compromise"
)

var (
	ErrUnknownProvider  = errors.New("certificate-authority: unknown provider")
	ErrInvalidProvider  = errors.New("certificate-authority: invalid provider configuration")
	ErrUnsupportedType  = errors.New("certificate-authority: unsupported certificate type")
	ErrBadCSR           = errors.New("certificate-authority: bad certificate signing request")
	ErrThrottled        = errors.New("certificate-authority: throttled")
	ErrUnreachable      = errors.New("certificate-authority: unreachable")
	ErrUnknownRequest   = errors.New("certificate-authority: unknown request")
	ErrRejected         = errors.New("certificate-authority: request rejected")
	ErrInvalidResponse  = errors.New("certificate-authority: invalid response")
	ErrInvalidState     = errors.New("certificate-authority: invalid request state")
	ErrInvalidEncoding  = errors.New("certificate-authority: invalid PEM encoding")
	ErrNotIssued        = errors.New("certificate-authority: certificate not issued")
	ErrInvalidSignature = errors.New("certificate-authority: invalid signature algorithm")
)

// Returns true for failures a polling loop should retry with backoff
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrThrottled)
}

func (s RequestState) Valid() bool {
	return slices.Contains([]RequestState{
		STATE_PENDING,
		STATE_AWAITING_VALIDATION,
		STATE_ISSUED,
		STATE_FAILED,
	}, s)
}

func (s RequestState) Terminal() bool {
	return s == STATE_ISSUED || s == STATE_FAILED
}

// SubmitResult is the vendor's acknowledgement of a CSR
type SubmitResult struct {
	RequestID          string       `json:"id"`
	State              RequestState `json:"status"`
	EstimatedIssuance  *time.Time   `json:"estimated_issuance,omitempty"`
	ValidationRequired bool         `json:"validation_required,omitempty"`
	Certificate        []byte       `json:"-"`
}

// PollResult carries the DER certificate once the request is issued
type PollResult struct {
	State       RequestState
	Certificate []byte
	Reason      string
}

// wire formats
type submitRequest struct {
	CSR        string            `json:"csr"`
	Type       string            `json:"type"`
	Validation map[string]string `json:"validation,omitempty"`
}

type vendorResponse struct {
	ID                 string       `json:"id"`
	Status             RequestState `json:"status"`
	Certificate        string       `json:"certificate,omitempty"`
	EstimatedIssuance  *time.Time   `json:"estimated_issuance,omitempty"`
	ValidationRequired bool         `json:"validation_required,omitempty"`
	Reason             string       `json:"reason,omitempty"`
}

type revokeRequest struct {
	Reason RevocationReason `json:"reason"`
}

type vendorError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
