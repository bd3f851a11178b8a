package rest

import (
	"errors"
	"net/http"

	"github.com/jeremyhahn/go-signature-trust/pkg/orchestrator"
	"github.com/jeremyhahn/go-signature-trust/pkg/policy"
)

var (
	ErrInvalidBody  = errors.New("rest: invalid request body")
	ErrOwnerMissing = errors.New("rest: owner query parameter required")
)

// ErrorPayload carries the orchestrator error details a client acts on
type ErrorPayload struct {
	Kind              orchestrator.Kind `yaml:"kind" json:"kind"`
	CorrelationID     string            `yaml:"correlation-id,omitempty" json:"correlation_id,omitempty"`
	AttemptsRemaining *int              `yaml:"attempts-remaining,omitempty" json:"attempts_remaining,omitempty"`
	AvailableMethods  []policy.Method   `yaml:"available-methods,omitempty" json:"available_methods,omitempty"`
}

var kindStatus = map[orchestrator.Kind]int{
	orchestrator.KIND_INVALID_REQUEST:               http.StatusBadRequest,
	orchestrator.KIND_NOT_FOUND:                     http.StatusNotFound,
	orchestrator.KIND_POLICY_UNKNOWN:                http.StatusNotFound,
	orchestrator.KIND_AUTH_REQUIRED:                 http.StatusUnauthorized,
	orchestrator.KIND_AUTH_FAILED:                   http.StatusUnauthorized,
	orchestrator.KIND_AUTH_STALE:                    http.StatusUnauthorized,
	orchestrator.KIND_AUTH_THROTTLED:                http.StatusTooManyRequests,
	orchestrator.KIND_POLICY_VIOLATION:              http.StatusForbidden,
	orchestrator.KIND_AUTH_ENHANCEMENT_INSUFFICIENT: http.StatusForbidden,
	orchestrator.KIND_CERTIFICATE_INACTIVE:          http.StatusConflict,
	orchestrator.KIND_CERTIFICATE_EXPIRED:           http.StatusConflict,
	orchestrator.KIND_CERTIFICATE_REVOKED:           http.StatusConflict,
	orchestrator.KIND_KEY_UNUSABLE:                  http.StatusConflict,
	orchestrator.KIND_PERSISTENCE_CONFLICT:          http.StatusConflict,
	orchestrator.KIND_BACKEND_REJECTED:              http.StatusBadGateway,
	orchestrator.KIND_BACKEND_UNAVAILABLE:           http.StatusServiceUnavailable,
	orchestrator.KIND_PERSISTENCE_UNAVAILABLE:       http.StatusServiceUnavailable,
	orchestrator.KIND_BACKEND_TIMEOUT:               http.StatusGatewayTimeout,
	orchestrator.KIND_CANCELLED:                     http.StatusRequestTimeout,
}

// Returns the HTTP status and payload of an orchestrator error
func describe(err error) (int, *ErrorPayload) {
	var e *orchestrator.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, &ErrorPayload{Kind: orchestrator.KIND_INTERNAL}
	}
	payload := &ErrorPayload{
		Kind:             e.Kind,
		CorrelationID:    e.CorrelationID,
		AvailableMethods: e.AvailableMethods,
	}
	if e.Kind == orchestrator.KIND_AUTH_FAILED {
		remaining := e.AttemptsRemaining
		payload.AttemptsRemaining = &remaining
	}
	status, ok := kindStatus[e.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, payload
}
