// Package authproof issues and verifies AuthProofs, the signed assertions
// that a user completed step-up authentication with a known method at a
// known time. Proofs are HS256 JWTs. A proof is consumed on first use by a
// create-only write of its id, so it cannot authorize two signatures.
package authproof

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/policy"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
)

const (
	DEFAULT_ISSUER   = "signature-trust"
	DEFAULT_LIFETIME = 15 * time.Minute
	MIN_SECRET_SIZE  = 32
)

var (
	ErrSecretTooShort   = errors.New("authproof: signing secret must be at least 32 bytes")
	ErrInvalidProof     = errors.New("authproof: invalid proof")
	ErrExpired          = errors.New("authproof: proof expired")
	ErrSubjectMismatch  = errors.New("authproof: proof was issued to another user")
	ErrLevelExceeded    = errors.New("authproof: level exceeds what the method can attest")
	ErrAlreadyConsumed  = errors.New("authproof: proof already used")
	ErrVerifiedInFuture = errors.New("authproof: verification time is in the future")
)

type Claims struct {
	Method     policy.Method    `json:"method"`
	Level      policy.AuthGrade `json:"level"`
	VerifiedAt *jwt.NumericDate `json:"verified_at"`
	jwt.RegisteredClaims
}

// Proof is a verified AuthProof
type Proof struct {
	ID         string           `yaml:"id" json:"id"`
	UserID     string           `yaml:"user" json:"user"`
	Method     policy.Method    `yaml:"method" json:"method"`
	Level      policy.AuthGrade `yaml:"level" json:"level"`
	VerifiedAt time.Time        `yaml:"verified-at" json:"verified_at"`
	ExpiresAt  time.Time        `yaml:"expires-at" json:"expires_at"`
	Token      string           `yaml:"-" json:"token,omitempty"`
}

// consumption records the first use of a proof
type consumption struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user"`
	Method     policy.Method `json:"method"`
	ConsumedAt time.Time     `json:"consumed_at"`
}

type Params struct {
	Logger     *logging.Logger
	Secret     []byte
	Issuer     string
	Lifetime   time.Duration
	Store      datastore.Store
	Serializer datastore.Serializer
	Now        func() time.Time
}

type Service struct {
	logger   *logging.Logger
	secret   []byte
	issuer   string
	lifetime time.Duration
	now      func() time.Time
	consumed *datastore.Repository[consumption]
}

func NewService(params *Params) (*Service, error) {
	if len(params.Secret) < MIN_SECRET_SIZE {
		return nil, ErrSecretTooShort
	}
	issuer := params.Issuer
	if issuer == "" {
		issuer = DEFAULT_ISSUER
	}
	lifetime := params.Lifetime
	if lifetime <= 0 {
		lifetime = DEFAULT_LIFETIME
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		logger:   params.Logger.With("component", "authproof"),
		secret:   params.Secret,
		issuer:   issuer,
		lifetime: lifetime,
		now:      now,
		consumed: datastore.NewRepository[consumption](
			params.Store, datastore.PartitionAuthProofs, params.Serializer),
	}, nil
}

// Issues a proof that the user authenticated with the method at
// verifiedAt. An empty level defaults to the method's enhancement.
func (s *Service) Issue(userID string, method policy.Method, level policy.AuthGrade, verifiedAt time.Time) (*Proof, error) {
	if _, err := policy.ParseMethod(string(method)); err != nil {
		return nil, err
	}
	if level == policy.AUTH_NONE {
		level = method.Enhancement()
	}
	if !method.Ceiling().AtLeast(level) {
		return nil, fmt.Errorf("%w: %s cannot attest %s", ErrLevelExceeded, method, level)
	}
	now := s.now()
	if verifiedAt.After(now) {
		return nil, ErrVerifiedInFuture
	}
	proof := &Proof{
		ID:         uuid.NewString(),
		UserID:     userID,
		Method:     method,
		Level:      level,
		VerifiedAt: verifiedAt.UTC().Truncate(time.Second),
		ExpiresAt:  now.Add(s.lifetime).UTC().Truncate(time.Second),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Method:     proof.Method,
		Level:      proof.Level,
		VerifiedAt: jwt.NewNumericDate(proof.VerifiedAt),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        proof.ID,
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(proof.ExpiresAt),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, err
	}
	proof.Token = signed
	s.logger.Debug("authproof: issued",
		"proof", proof.ID, "user", userID, "method", method, "level", level)
	return proof, nil
}

// Parses and verifies a proof token without consuming it
func (s *Service) Parse(token string) (*Proof, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now))
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProof, err)
	}
	if claims.ID == "" || claims.Subject == "" || claims.VerifiedAt == nil {
		return nil, fmt.Errorf("%w: missing claims", ErrInvalidProof)
	}
	if _, err := policy.ParseMethod(string(claims.Method)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProof, err)
	}
	if !claims.Method.Ceiling().AtLeast(claims.Level) {
		return nil, fmt.Errorf("%w: %s cannot attest %s", ErrLevelExceeded, claims.Method, claims.Level)
	}
	return &Proof{
		ID:         claims.ID,
		UserID:     claims.Subject,
		Method:     claims.Method,
		Level:      claims.Level,
		VerifiedAt: claims.VerifiedAt.Time.UTC(),
		ExpiresAt:  claims.ExpiresAt.Time.UTC(),
		Token:      token,
	}, nil
}

// Verifies a proof presented by the user and consumes it
func (s *Service) Verify(ctx context.Context, token, userID string) (*Proof, error) {
	proof, err := s.Parse(token)
	if err != nil {
		return nil, err
	}
	if proof.UserID != userID {
		return nil, ErrSubjectMismatch
	}
	if err := s.Consume(ctx, proof); err != nil {
		return nil, err
	}
	return proof, nil
}

// Marks the proof used. Returns ErrAlreadyConsumed if it was used before.
func (s *Service) Consume(ctx context.Context, proof *Proof) error {
	_, err := s.consumed.Create(ctx, proof.ID, consumption{
		ID:         proof.ID,
		UserID:     proof.UserID,
		Method:     proof.Method,
		ConsumedAt: s.now().UTC(),
	})
	if errors.Is(err, datastore.ErrRecordExists) {
		s.logger.Security(logging.SecurityLogEntry{
			Severity:    logging.SeverityHigh,
			Category:    logging.CategoryAuthentication,
			Description: "authentication proof presented twice",
			Details:     proof.ID,
			Source:      logging.SourceAuthentication,
			UserID:      proof.UserID,
		})
		return ErrAlreadyConsumed
	}
	return err
}
