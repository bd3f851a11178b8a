package orchestrator

import (
	"context"
	"crypto"
	"crypto/x509"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/archive"
	"github.com/jeremyhahn/go-signature-trust/pkg/audit"
	"github.com/jeremyhahn/go-signature-trust/pkg/authproof"
	"github.com/jeremyhahn/go-signature-trust/pkg/common"
	"github.com/jeremyhahn/go-signature-trust/pkg/container"
	"github.com/jeremyhahn/go-signature-trust/pkg/hsm"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/metrics"
	"github.com/jeremyhahn/go-signature-trust/pkg/policy"
	"github.com/jeremyhahn/go-signature-trust/pkg/ratelimit"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/certstore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
)

type Note string

const (
	NOTE_CANCELLATION_OBSERVED_AFTER_PERSIST Note = "CancellationObservedAfterPersist"
	NOTE_TIMESTAMP_UNAVAILABLE               Note = "TimestampUnavailable"
	NOTE_TIMESTAMP_OMITTED                   Note = "TimestampOmitted"
	NOTE_ARCHIVE_TIMESTAMP_UNAVAILABLE       Note = "ArchiveTimestampUnavailable"
	NOTE_ARCHIVE_FAILED                      Note = "ArchiveFailed"

	OP_CREATE_SIGNATURE      = "create_signature"
	OP_BATCH_SIGN            = "batch_sign"
	OP_VALIDATE_CROSS_BORDER = "validate_cross_border"
	OP_GET_ARTIFACT          = "get_artifact"
)

// Certificates is the part of the lifecycle manager the orchestrator
// signs with
type Certificates interface {
	Usable(ctx context.Context, id string) (certstore.Certificate, error)
	GetCertificate(ctx context.Context, id string, includePrivateKey bool) (certstore.Certificate, error)
}

// Keys signs with HSM resident keys and resolves software keys
type Keys interface {
	Sign(ctx context.Context, providerID, keyID string, data []byte, opts hsm.SignOptions) ([]byte, error)
	SignerFor(ctx context.Context, handle keystore.KeyHandle) (crypto.Signer, error)
}

type Timestamper interface {
	RequestTimestamp(ctx context.Context, digest []byte, hash crypto.Hash, opts tsa.Options) (*tsa.TimestampToken, error)
}

type Proofs interface {
	Parse(token string) (*authproof.Proof, error)
	Consume(ctx context.Context, proof *authproof.Proof) error
}

type TrustList interface {
	Trusted(jurisdiction string, cert, issuer *x509.Certificate) bool
}

type Params struct {
	Logger       *logging.Logger
	Store        datastore.Store
	Serializer   datastore.Serializer
	Audit        *audit.Log
	Metrics      *metrics.Metrics
	Engine       *policy.Engine
	Certificates Certificates
	Keys         Keys
	Timestamps   Timestamper
	Proofs       Proofs
	Limiter      ratelimit.Limiter
	TrustList    TrustList
	Archiver     archive.Archiver

	// CA certificates used to build the chain of long term profiles and
	// to identify the issuing CA during cross border validation
	Issuers []*x509.Certificate

	Now func() time.Time
}

// TimestampPreference is the caller's optional timestamp preference
type TimestampPreference struct {
	ProviderID string `yaml:"provider-id,omitempty" json:"provider_id,omitempty"`
	// Skips a recommended timestamp. Policies that require a timestamp
	// reject the request.
	Omit bool `yaml:"omit,omitempty" json:"omit,omitempty"`
}

type Request struct {
	UserID        string               `json:"user_id"`
	DocumentID    string               `json:"document_id"`
	CertificateID string               `json:"certificate_id"`
	Payload       []byte               `json:"payload"`
	Policy        string               `json:"policy"`
	Jurisdiction  string               `json:"jurisdiction,omitempty"`
	AuthProof     string               `json:"auth_proof,omitempty"`
	Timestamp     *TimestampPreference `json:"timestamp,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
}

type Document struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

type BatchRequest struct {
	UserID        string               `json:"user_id"`
	CertificateID string               `json:"certificate_id"`
	Documents     []Document           `json:"documents"`
	Policy        string               `json:"policy"`
	Jurisdiction  string               `json:"jurisdiction,omitempty"`
	AuthProof     string               `json:"auth_proof,omitempty"`
	Timestamp     *TimestampPreference `json:"timestamp,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
}

// ProofMetadata is the AuthProof information attached to an artifact
type ProofMetadata struct {
	ProofID    string           `yaml:"proof-id" json:"proof_id"`
	Method     policy.Method    `yaml:"method" json:"method"`
	Level      policy.AuthGrade `yaml:"level" json:"level"`
	VerifiedAt time.Time        `yaml:"verified-at" json:"verified_at"`
	Batch      bool             `yaml:"batch" json:"batch,omitempty"`
}

// Artifact is a persisted signature. It is written once and never
// updated.
type Artifact struct {
	ID               string                     `yaml:"id" json:"id"`
	DocumentID       string                     `yaml:"document-id" json:"document_id"`
	UserID           string                     `yaml:"user-id" json:"user_id"`
	CertificateID    string                     `yaml:"certificate-id" json:"certificate_id"`
	CertificateState certstore.CertificateState `yaml:"certificate-state" json:"certificate_state"`
	Policy           string                     `yaml:"policy" json:"policy"`
	Jurisdiction     string                     `yaml:"jurisdiction,omitempty" json:"jurisdiction,omitempty"`
	Format           container.Format           `yaml:"format" json:"format"`
	Profile          container.Profile          `yaml:"profile" json:"profile"`
	Container        []byte                     `yaml:"container" json:"container"`
	Timestamp        *tsa.TimestampToken        `yaml:"timestamp,omitempty" json:"timestamp,omitempty"`
	ArchiveTimestamp *tsa.TimestampToken        `yaml:"archive-timestamp,omitempty" json:"archive_timestamp,omitempty"`
	Proof            *ProofMetadata             `yaml:"proof,omitempty" json:"proof,omitempty"`
	BaseClass        common.Class               `yaml:"base-class" json:"base_class"`
	Class            common.Class               `yaml:"class" json:"class"`
	CorrelationID    string                     `yaml:"correlation-id" json:"correlation_id"`
	CreatedAt        time.Time                  `yaml:"created-at" json:"created_at"`
	RetainUntil      time.Time                  `yaml:"retain-until" json:"retain_until"`
}

// Returns the container name, e.g. PAdES-LTA
func (a *Artifact) ContainerName() string {
	return container.Name(a.Format, a.Profile)
}

type Result struct {
	ArtifactID      string              `yaml:"artifact-id" json:"artifact_id"`
	DocumentID      string              `yaml:"document-id" json:"document_id"`
	Container       []byte              `yaml:"container" json:"container"`
	ContainerName   string              `yaml:"container-name" json:"container_name"`
	Class           common.Class        `yaml:"class" json:"class"`
	Timestamp       *tsa.TimestampToken `yaml:"timestamp,omitempty" json:"timestamp,omitempty"`
	Proof           *ProofMetadata      `yaml:"proof,omitempty" json:"proof,omitempty"`
	ArchiveLocation string              `yaml:"archive-location,omitempty" json:"archive_location,omitempty"`
	Notes           []Note              `yaml:"notes,omitempty" json:"notes,omitempty"`
	CreatedAt       time.Time           `yaml:"created-at" json:"created_at"`
}

// BatchResult holds the artifacts a batch produced before it completed or
// aborted. Completed artifacts are durable even when the batch aborts.
type BatchResult struct {
	Results []*Result `yaml:"results" json:"results"`

	// The document the batch stopped at and why
	FailedDocument string `yaml:"failed-document,omitempty" json:"failed_document,omitempty"`
	Err            error  `yaml:"-" json:"-"`

	// Documents never attempted
	Aborted []string `yaml:"aborted,omitempty" json:"aborted,omitempty"`
}

// CrossBorderResult is the outcome of a cross border validation
type CrossBorderResult struct {
	ArtifactID string `yaml:"artifact-id" json:"artifact_id"`

	policy.Recognition `yaml:",inline"`

	Class         common.Class `yaml:"class" json:"class"`
	CATrusted     bool         `yaml:"ca-trusted" json:"ca_trusted"`
	Issuer        string       `yaml:"issuer" json:"issuer"`
	FromFramework string       `yaml:"from-framework" json:"from_framework"`
	ToFramework   string       `yaml:"to-framework" json:"to_framework"`
}
