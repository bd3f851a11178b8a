// Package mfa is the reference step-up authenticator. It verifies TOTP
// codes and single-use backup codes itself, accepts sms and biometric
// results attested by an external verifier, and issues AuthProofs for
// successful authentications. Failed attempts are counted per user and
// method.
package mfa

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/authproof"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/policy"
	"github.com/jeremyhahn/go-signature-trust/pkg/ratelimit"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

const (
	DEFAULT_ISSUER      = "Signature Trust"
	BACKUP_CODE_COUNT   = 10
	TOTP_PERIOD         = 30
	backupCodeByteCount = 5
)

var (
	ErrNotEnrolled      = errors.New("mfa: user not enrolled")
	ErrAlreadyEnrolled  = errors.New("mfa: user already enrolled")
	ErrInvalidCode      = errors.New("mfa: invalid code")
	ErrCodeReused       = errors.New("mfa: code already used")
	ErrExternalMethod   = errors.New("mfa: method is verified by an external authenticator")
	ErrSecretRequired   = errors.New("mfa: sealing secret required")
	backupCodeEncoding  = base32.StdEncoding.WithPadding(base32.NoPadding)
	errBackupCodeUnused = errors.New("mfa: backup code not matched")
)

// AttemptError reports a failed authentication and how many attempts
// remain in the window
type AttemptError struct {
	Method    policy.Method
	Remaining int
	err       error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s (%s, %d attempts remaining)", e.err, e.Method, e.Remaining)
}

func (e *AttemptError) Unwrap() error {
	return e.err
}

// Enrollment is the stored authenticator state of a user
type Enrollment struct {
	UserID      string    `yaml:"user" json:"user"`
	Secret      []byte    `yaml:"secret" json:"secret"`
	Nonce       []byte    `yaml:"nonce" json:"nonce"`
	BackupCodes [][]byte  `yaml:"backup-codes" json:"backup_codes"`
	LastStep    int64     `yaml:"last-step" json:"last_step"`
	CreatedAt   time.Time `yaml:"created" json:"created"`
}

// Secrets are handed to the user once at enrollment
type Secrets struct {
	UserID      string   `json:"user"`
	Secret      string   `json:"secret"`
	URL         string   `json:"url"`
	BackupCodes []string `json:"backup_codes"`
}

type Params struct {
	Logger     *logging.Logger
	Store      datastore.Store
	Serializer datastore.Serializer
	Limiter    ratelimit.Limiter
	Proofs     *authproof.Service
	Secret     []byte
	Issuer     string
	BcryptCost int
	Random     io.Reader
	Now        func() time.Time
}

type Service struct {
	logger      *logging.Logger
	limiter     ratelimit.Limiter
	proofs      *authproof.Service
	sealer      *sealer
	issuer      string
	cost        int
	random      io.Reader
	now         func() time.Time
	enrollments *datastore.Repository[Enrollment]
}

func NewService(params *Params) (*Service, error) {
	if len(params.Secret) == 0 {
		return nil, ErrSecretRequired
	}
	random := params.Random
	if random == nil {
		random = rand.Reader
	}
	sealer, err := newSealer(params.Secret, random)
	if err != nil {
		return nil, err
	}
	issuer := params.Issuer
	if issuer == "" {
		issuer = DEFAULT_ISSUER
	}
	cost := params.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		logger:  params.Logger.With("component", "mfa"),
		limiter: params.Limiter,
		proofs:  params.Proofs,
		sealer:  sealer,
		issuer:  issuer,
		cost:    cost,
		random:  random,
		now:     now,
		enrollments: datastore.NewRepository[Enrollment](
			params.Store, datastore.PartitionMFAEnrollments, params.Serializer),
	}, nil
}

// Enrolls a user, generating a TOTP secret and a set of backup codes
func (s *Service) Enroll(ctx context.Context, userID string) (*Secrets, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: userID,
		Period:      TOTP_PERIOD,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        s.random,
	})
	if err != nil {
		return nil, err
	}
	sealed, nonce, err := s.sealer.Seal([]byte(key.Secret()), userID)
	if err != nil {
		return nil, err
	}
	codes, hashes, err := s.backupCodes()
	if err != nil {
		return nil, err
	}
	_, err = s.enrollments.Create(ctx, userID, Enrollment{
		UserID:      userID,
		Secret:      sealed,
		Nonce:       nonce,
		BackupCodes: hashes,
		CreatedAt:   s.now().UTC(),
	})
	if errors.Is(err, datastore.ErrRecordExists) {
		return nil, ErrAlreadyEnrolled
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("mfa: user enrolled", "user", userID)
	return &Secrets{
		UserID:      userID,
		Secret:      key.Secret(),
		URL:         key.URL(),
		BackupCodes: codes,
	}, nil
}

// Verifies a TOTP or backup code and issues an AuthProof
func (s *Service) Authenticate(ctx context.Context, userID string, method policy.Method, code string) (*authproof.Proof, error) {
	if method != policy.METHOD_TOTP && method != policy.METHOD_BACKUP {
		if _, err := policy.ParseMethod(string(method)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrExternalMethod, method)
	}
	key := ratelimit.Key(userID, string(method))
	decision, err := s.limiter.Peek(ctx, key)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, s.throttled(userID, method, decision)
	}

	var verifyErr error
	switch method {
	case policy.METHOD_TOTP:
		verifyErr = s.verifyTOTP(ctx, userID, code)
	case policy.METHOD_BACKUP:
		verifyErr = s.consumeBackupCode(ctx, userID, code)
	}
	if errors.Is(verifyErr, ErrInvalidCode) || errors.Is(verifyErr, ErrCodeReused) {
		decision, err := s.limiter.Allow(ctx, key)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, s.throttled(userID, method, decision)
		}
		s.logger.Security(logging.SecurityLogEntry{
			Severity:    logging.SeverityMedium,
			Category:    logging.CategoryAuthentication,
			Description: "step-up authentication failed",
			Details:     fmt.Sprintf("method=%s remaining=%d", method, decision.Remaining),
			Source:      logging.SourceAuthentication,
			UserID:      userID,
		})
		return nil, &AttemptError{Method: method, Remaining: decision.Remaining, err: verifyErr}
	}
	if verifyErr != nil {
		return nil, verifyErr
	}
	if err := s.limiter.Reset(ctx, key); err != nil {
		s.logger.MaybeError(err, "user", userID)
	}
	return s.proofs.Issue(userID, method, method.Enhancement(), s.now())
}

// Issues an AuthProof for an authentication an external verifier
// performed, such as an sms one-time code or a biometric match
func (s *Service) Attest(userID string, method policy.Method, level policy.AuthGrade, verifiedAt time.Time) (*authproof.Proof, error) {
	if method == policy.METHOD_TOTP || method == policy.METHOD_BACKUP {
		return nil, fmt.Errorf("%w: %s is verified locally", policy.ErrInvalidMethod, method)
	}
	s.logger.Info("mfa: external authentication attested",
		"user", userID, "method", method, "level", level)
	return s.proofs.Issue(userID, method, level, verifiedAt)
}

// Returns the number of unused backup codes
func (s *Service) BackupCodesRemaining(ctx context.Context, userID string) (int, error) {
	enrollment, err := s.enrollment(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(enrollment.BackupCodes), nil
}

func (s *Service) verifyTOTP(ctx context.Context, userID, code string) error {
	now := s.now()
	step := now.Unix() / TOTP_PERIOD
	_, err := s.enrollments.Mutate(ctx, userID, datastore.DefaultMutateAttempts, func(e *Enrollment) error {
		secret, err := s.sealer.Open(e.Secret, e.Nonce, userID)
		if err != nil {
			return err
		}
		valid, err := totp.ValidateCustom(strings.TrimSpace(code), string(secret), now, totp.ValidateOpts{
			Period:    TOTP_PERIOD,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil || !valid {
			return ErrInvalidCode
		}
		if step <= e.LastStep {
			return ErrCodeReused
		}
		e.LastStep = step
		return nil
	})
	if errors.Is(err, datastore.ErrRecordNotFound) {
		return ErrNotEnrolled
	}
	return err
}

func (s *Service) consumeBackupCode(ctx context.Context, userID, code string) error {
	normalized := normalizeBackupCode(code)
	_, err := s.enrollments.Mutate(ctx, userID, datastore.DefaultMutateAttempts, func(e *Enrollment) error {
		for i, hash := range e.BackupCodes {
			if bcrypt.CompareHashAndPassword(hash, []byte(normalized)) == nil {
				e.BackupCodes = append(e.BackupCodes[:i:i], e.BackupCodes[i+1:]...)
				return nil
			}
		}
		return errBackupCodeUnused
	})
	switch {
	case errors.Is(err, datastore.ErrRecordNotFound):
		return ErrNotEnrolled
	case errors.Is(err, errBackupCodeUnused):
		return ErrInvalidCode
	}
	return err
}

func (s *Service) enrollment(ctx context.Context, userID string) (Enrollment, error) {
	e, _, err := s.enrollments.Get(ctx, userID)
	if errors.Is(err, datastore.ErrRecordNotFound) {
		return Enrollment{}, ErrNotEnrolled
	}
	return e, err
}

func (s *Service) backupCodes() ([]string, [][]byte, error) {
	codes := make([]string, BACKUP_CODE_COUNT)
	hashes := make([][]byte, BACKUP_CODE_COUNT)
	buf := make([]byte, backupCodeByteCount)
	for i := range codes {
		if _, err := io.ReadFull(s.random, buf); err != nil {
			return nil, nil, err
		}
		code := strings.ToLower(backupCodeEncoding.EncodeToString(buf))
		hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cost)
		if err != nil {
			return nil, nil, err
		}
		codes[i] = code[:4] + "-" + code[4:]
		hashes[i] = hash
	}
	return codes, hashes, nil
}

func (s *Service) throttled(userID string, method policy.Method, decision ratelimit.Decision) error {
	s.logger.Security(logging.SecurityLogEntry{
		Severity:    logging.SeverityHigh,
		Category:    logging.CategoryAuthentication,
		Description: "step-up authentication throttled",
		Details:     fmt.Sprintf("method=%s reset=%s", method, decision.ResetAt.Format(time.RFC3339)),
		Source:      logging.SourceAuthentication,
		UserID:      userID,
	})
	return &AttemptError{
		Method: method,
		err:    fmt.Errorf("%w: retry after %s", ratelimit.ErrThrottled, decision.ResetAt.Format(time.RFC3339)),
	}
}

func normalizeBackupCode(code string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}
