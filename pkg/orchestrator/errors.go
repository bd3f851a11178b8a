package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-signature-trust/pkg/authproof"
	"github.com/jeremyhahn/go-signature-trust/pkg/hsm"
	"github.com/jeremyhahn/go-signature-trust/pkg/policy"
	"github.com/jeremyhahn/go-signature-trust/pkg/ratelimit"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/certstore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
)

// Kind classifies every failure surfaced by the orchestrator
type Kind string

const (
	KIND_POLICY_UNKNOWN                Kind = "PolicyUnknown"
	KIND_POLICY_VIOLATION              Kind = "PolicyViolation"
	KIND_AUTH_ENHANCEMENT_INSUFFICIENT Kind = "AuthEnhancementInsufficient"
	KIND_CERTIFICATE_INACTIVE          Kind = "CertificateInactive"
	KIND_CERTIFICATE_EXPIRED           Kind = "CertificateExpired"
	KIND_CERTIFICATE_REVOKED           Kind = "CertificateRevoked"
	KIND_AUTH_REQUIRED                 Kind = "AuthRequired"
	KIND_AUTH_FAILED                   Kind = "AuthFailed"
	KIND_AUTH_STALE                    Kind = "AuthStale"
	KIND_AUTH_THROTTLED                Kind = "AuthThrottled"
	KIND_KEY_UNUSABLE                  Kind = "KeyUnusable"
	KIND_BACKEND_UNAVAILABLE           Kind = "BackendUnavailable"
	KIND_BACKEND_REJECTED              Kind = "BackendRejected"
	KIND_BACKEND_TIMEOUT               Kind = "BackendTimeout"
	KIND_PERSISTENCE_CONFLICT          Kind = "PersistenceConflict"
	KIND_PERSISTENCE_UNAVAILABLE       Kind = "PersistenceUnavailable"
	KIND_CANCELLED                     Kind = "Cancelled"
	KIND_NOT_FOUND                     Kind = "NotFound"
	KIND_INVALID_REQUEST               Kind = "InvalidRequest"
	KIND_INTERNAL                      Kind = "Internal"
)

var (
	ErrAuthRequired      = errors.New("orchestrator: step-up authentication required")
	ErrInvalidRequest    = errors.New("orchestrator: invalid request")
	ErrArtifactUnknown   = errors.New("orchestrator: unknown signature artifact")
	ErrTimestampOmitted  = errors.New("orchestrator: policy requires a timestamp")
	ErrCertOwnerMismatch = errors.New("orchestrator: certificate is owned by another user")
)

// Error is returned by every orchestrator operation
type Error struct {
	Kind          Kind
	Op            string
	CorrelationID string

	// Set on AuthFailed
	AttemptsRemaining int

	// Set on AuthRequired
	AvailableMethods []policy.Method

	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("orchestrator: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("orchestrator: %s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Returns the kind of an orchestrator error, or an empty kind if err is
// nil or not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Maps the sentinel errors of the collaborators onto error kinds. The
// order matters: cancellation and timeouts are wrapped by the backend
// errors that observed them.
func kindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KIND_CANCELLED
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, hsm.ErrTimeout):
		return KIND_BACKEND_TIMEOUT

	case errors.Is(err, ErrInvalidRequest):
		return KIND_INVALID_REQUEST
	case errors.Is(err, ErrArtifactUnknown), errors.Is(err, certstore.ErrCertNotFound):
		return KIND_NOT_FOUND
	case errors.Is(err, ErrAuthRequired):
		return KIND_AUTH_REQUIRED

	case errors.Is(err, policy.ErrPolicyUnknown):
		return KIND_POLICY_UNKNOWN
	case errors.Is(err, policy.ErrAuthEnhancementInsufficient):
		return KIND_AUTH_ENHANCEMENT_INSUFFICIENT
	case errors.Is(err, policy.ErrAuthStale):
		return KIND_AUTH_STALE
	case errors.Is(err, policy.ErrClassInsufficient),
		errors.Is(err, policy.ErrJurisdiction),
		errors.Is(err, policy.ErrInvalidPolicy),
		errors.Is(err, ErrTimestampOmitted),
		errors.Is(err, ErrCertOwnerMismatch):
		return KIND_POLICY_VIOLATION

	case errors.Is(err, ratelimit.ErrThrottled):
		return KIND_AUTH_THROTTLED
	case errors.Is(err, authproof.ErrInvalidProof),
		errors.Is(err, authproof.ErrExpired),
		errors.Is(err, authproof.ErrSubjectMismatch),
		errors.Is(err, authproof.ErrLevelExceeded),
		errors.Is(err, authproof.ErrAlreadyConsumed),
		errors.Is(err, authproof.ErrVerifiedInFuture):
		return KIND_AUTH_FAILED

	case errors.Is(err, certstore.ErrCertRevoked):
		return KIND_CERTIFICATE_REVOKED
	case errors.Is(err, certstore.ErrCertExpired):
		return KIND_CERTIFICATE_EXPIRED
	case errors.Is(err, certstore.ErrCertInactive):
		return KIND_CERTIFICATE_INACTIVE
	case errors.Is(err, certstore.ErrKeyUnusable),
		errors.Is(err, hsm.ErrKeyDeleted),
		errors.Is(err, hsm.ErrUsageDenied),
		errors.Is(err, hsm.ErrNotConnected),
		errors.Is(err, hsm.ErrUnknownKey),
		errors.Is(err, hsm.ErrUnknownProvider),
		errors.Is(err, hsm.ErrInvalidKeyMaterial),
		errors.Is(err, keystore.ErrInvalidKeyHandle):
		return KIND_KEY_UNUSABLE

	case errors.Is(err, hsm.ErrBackendUnavailable), errors.Is(err, tsa.ErrTSAUnreachable):
		return KIND_BACKEND_UNAVAILABLE
	case errors.Is(err, hsm.ErrBackendError),
		errors.Is(err, tsa.ErrTSAReject),
		errors.Is(err, tsa.ErrInvalidResponse),
		errors.Is(err, tsa.ErrDigestUnsupported),
		errors.Is(err, tsa.ErrUnknownProvider),
		errors.Is(err, tsa.ErrNoQualifiedProvider):
		return KIND_BACKEND_REJECTED

	case errors.Is(err, datastore.ErrVersionConflict), errors.Is(err, datastore.ErrRecordExists):
		return KIND_PERSISTENCE_CONFLICT
	case errors.Is(err, datastore.ErrUnavailable):
		return KIND_PERSISTENCE_UNAVAILABLE
	}
	return KIND_INTERNAL
}
