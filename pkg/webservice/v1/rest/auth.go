package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/jeremyhahn/go-signature-trust/pkg/authproof"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/mfa"
	"github.com/jeremyhahn/go-signature-trust/pkg/policy"
	"github.com/jeremyhahn/go-signature-trust/pkg/ratelimit"
	"github.com/jeremyhahn/go-signature-trust/pkg/webservice/v1/response"
)

// Authenticator is the step-up authenticator that issues AuthProofs
type Authenticator interface {
	Enroll(ctx context.Context, userID string) (*mfa.Secrets, error)
	Authenticate(ctx context.Context, userID string, method policy.Method, code string) (*authproof.Proof, error)
}

type AuthRestServicer interface {
	Enroll(w http.ResponseWriter, r *http.Request)
	Proof(w http.ResponseWriter, r *http.Request)
}

type EnrollRequest struct {
	UserID string `json:"user_id"`
}

type ProofRequest struct {
	UserID string        `json:"user_id"`
	Method policy.Method `json:"method"`
	Code   string        `json:"code"`
}

type AttemptPayload struct {
	Method            policy.Method `json:"method"`
	AttemptsRemaining int           `json:"attempts_remaining"`
}

type AuthRestService struct {
	authenticator Authenticator
	httpWriter    response.HttpWriter
	logger        *logging.Logger
}

func NewAuthRestService(
	authenticator Authenticator,
	httpWriter response.HttpWriter,
	logger *logging.Logger) AuthRestServicer {

	return &AuthRestService{
		authenticator: authenticator,
		httpWriter:    httpWriter,
		logger:        logger}
}

// Enrolls a user for TOTP step-up and returns the secret and backup
// codes. They are never shown again.
func (rs *AuthRestService) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := decode(w, r, &req); err != nil {
		rs.httpWriter.Error400(w, r, err)
		return
	}
	if req.UserID == "" {
		rs.httpWriter.Error400(w, r, ErrInvalidBody)
		return
	}
	secrets, err := rs.authenticator.Enroll(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, mfa.ErrAlreadyEnrolled) {
			rs.httpWriter.Error(w, r, http.StatusConflict, err, nil)
			return
		}
		rs.logger.Error(err)
		rs.httpWriter.Error500(w, r, err)
		return
	}
	rs.httpWriter.Success201(w, r, secrets)
}

// Verifies a TOTP or backup code and issues an AuthProof
func (rs *AuthRestService) Proof(w http.ResponseWriter, r *http.Request) {
	var req ProofRequest
	if err := decode(w, r, &req); err != nil {
		rs.httpWriter.Error400(w, r, err)
		return
	}
	proof, err := rs.authenticator.Authenticate(r.Context(), req.UserID, req.Method, req.Code)
	if err == nil {
		rs.httpWriter.Success201(w, r, proof)
		return
	}

	var attempt *mfa.AttemptError
	switch {
	case errors.Is(err, ratelimit.ErrThrottled):
		rs.httpWriter.Error(w, r, http.StatusTooManyRequests, err, nil)
	case errors.As(err, &attempt):
		rs.httpWriter.Error(w, r, http.StatusUnauthorized, err, AttemptPayload{
			Method:            attempt.Method,
			AttemptsRemaining: attempt.Remaining,
		})
	case errors.Is(err, mfa.ErrNotEnrolled):
		rs.httpWriter.Error404(w, r, err)
	case errors.Is(err, mfa.ErrExternalMethod), errors.Is(err, policy.ErrInvalidMethod):
		rs.httpWriter.Error400(w, r, err)
	default:
		rs.logger.Error(err)
		rs.httpWriter.Error500(w, r, err)
	}
}
