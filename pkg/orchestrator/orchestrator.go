// Package orchestrator is the top of the signature trust core. It resolves
// the signature policy, gates the certificate and the step-up
// authentication proof, signs through the HSM gateway or in process,
// wraps and timestamps the container, classifies the result and persists
// the artifact together with its audit entry.
package orchestrator

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-signature-trust/pkg/archive"
	"github.com/jeremyhahn/go-signature-trust/pkg/audit"
	"github.com/jeremyhahn/go-signature-trust/pkg/authproof"
	"github.com/jeremyhahn/go-signature-trust/pkg/cms"
	"github.com/jeremyhahn/go-signature-trust/pkg/container"
	"github.com/jeremyhahn/go-signature-trust/pkg/hsm"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/policy"
	"github.com/jeremyhahn/go-signature-trust/pkg/ratelimit"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/certstore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
)

type Orchestrator struct {
	params    *Params
	logger    *logging.Logger
	engine    *policy.Engine
	artifacts *datastore.Repository[Artifact]
}

// signing is the state gathered by policy resolution and gating. A batch
// shares one signing across its documents.
type signing struct {
	op            string
	correlationID string
	userID        string
	certificateID string
	policyName    string
	jurisdiction  string
	timestamp     *TimestampPreference
	batch         bool

	policy policy.Policy
	proof  *authproof.Proof
}

func NewOrchestrator(params *Params) *Orchestrator {
	if params.Now == nil {
		params.Now = time.Now
	}
	if params.Limiter == nil {
		params.Limiter = ratelimit.NewMemoryLimiter(ratelimit.Config{}, params.Now)
	}
	return &Orchestrator{
		params: params,
		logger: params.Logger.With("component", "orchestrator"),
		engine: params.Engine,
		artifacts: datastore.NewRepository[Artifact](
			params.Store, datastore.PartitionSignatures, params.Serializer),
	}
}

func (o *Orchestrator) Engine() *policy.Engine {
	return o.engine
}

// Creates a signature artifact over the request payload
func (o *Orchestrator) CreateSignature(ctx context.Context, req *Request) (*Result, error) {
	s := &signing{
		op:            OP_CREATE_SIGNATURE,
		correlationID: correlationID(req.CorrelationID),
		userID:        req.UserID,
		certificateID: req.CertificateID,
		policyName:    req.Policy,
		jurisdiction:  req.Jurisdiction,
		timestamp:     req.Timestamp,
	}
	if err := req.validate(); err != nil {
		return nil, o.fail(ctx, s, req.DocumentID, err)
	}
	if err := o.authorize(ctx, s, req.AuthProof); err != nil {
		return nil, o.fail(ctx, s, req.DocumentID, err)
	}
	result, err := o.sign(ctx, s, Document{ID: req.DocumentID, Payload: req.Payload})
	if err != nil {
		return nil, o.fail(ctx, s, req.DocumentID, err)
	}
	return result, nil
}

// Returns a persisted artifact
func (o *Orchestrator) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	artifact, err := o.artifact(ctx, id)
	if err != nil {
		return nil, &Error{Kind: kindOf(err), Op: OP_GET_ARTIFACT, Err: err}
	}
	return artifact, nil
}

func (o *Orchestrator) artifact(ctx context.Context, id string) (*Artifact, error) {
	artifact, _, err := o.artifacts.Get(ctx, id)
	if errors.Is(err, datastore.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactUnknown, id)
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// Steps 1 to 3: resolves the policy, gates the certificate and verifies
// the step-up authentication proof
func (o *Orchestrator) authorize(ctx context.Context, s *signing, token string) error {
	p, err := o.engine.Resolve(s.policyName, s.jurisdiction)
	if err != nil {
		return err
	}
	s.policy = p
	if s.timestamp != nil && s.timestamp.Omit && p.Timestamp == policy.TIMESTAMP_REQUIRED {
		return fmt.Errorf("%w: %s", ErrTimestampOmitted, p.Name)
	}
	if _, err := o.certificate(ctx, s); err != nil {
		return err
	}
	return o.authenticate(ctx, s, token)
}

// Returns the certificate with its key material if the signer owns it and
// it can sign under the policy right now
func (o *Orchestrator) certificate(ctx context.Context, s *signing) (certstore.Certificate, error) {
	cert, err := o.params.Certificates.Usable(ctx, s.certificateID)
	if err != nil {
		if errors.Is(err, certstore.ErrCertRevoked) {
			o.logger.Security(logging.SecurityLogEntry{
				Timestamp:     o.params.Now(),
				Severity:      logging.SeverityHigh,
				Category:      logging.CategoryRevocation,
				Description:   "signing attempted with a revoked certificate",
				Details:       fmt.Sprintf("certificate=%s policy=%s", s.certificateID, s.policyName),
				Source:        logging.SourceOrchestrator,
				UserID:        s.userID,
				CorrelationID: s.correlationID,
			})
		}
		return certstore.Certificate{}, err
	}
	if cert.OwnerID != s.userID {
		o.logger.Security(logging.SecurityLogEntry{
			Timestamp:     o.params.Now(),
			Severity:      logging.SeverityHigh,
			Category:      logging.CategoryAccessControl,
			Description:   "signing attempted with another user's certificate",
			Details:       fmt.Sprintf("certificate=%s owner=%s policy=%s", s.certificateID, cert.OwnerID, s.policyName),
			Source:        logging.SourceOrchestrator,
			UserID:        s.userID,
			CorrelationID: s.correlationID,
		})
		return certstore.Certificate{}, fmt.Errorf("%w: %s", ErrCertOwnerMismatch, s.certificateID)
	}
	if err := s.policy.CheckCertificate(cert.Class); err != nil {
		return certstore.Certificate{}, err
	}
	return cert, nil
}

// Verifies and consumes the AuthProof. Proofs that fail verification
// count against the (user, method) attempt window; proofs that verify but
// are too weak or too old for the policy do not.
func (o *Orchestrator) authenticate(ctx context.Context, s *signing, token string) error {
	p := s.policy
	if !p.RequiresAuth() {
		return nil
	}
	if token == "" {
		return &Error{
			Kind:             KIND_AUTH_REQUIRED,
			AvailableMethods: availableMethods(p),
			Err:              fmt.Errorf("%w: %s requires %s", ErrAuthRequired, p.Name, p.AuthGrade),
		}
	}

	// Only a token carrying our signature picks its method's window. Every
	// unverifiable token counts against the user's unknown method window.
	var method policy.Method
	proof, err := o.params.Proofs.Parse(token)
	if err == nil {
		method = proof.Method
	}
	key := ratelimit.Key(s.userID, methodLabel(method))
	decision, peekErr := o.params.Limiter.Peek(ctx, key)
	if peekErr != nil {
		return peekErr
	}
	if !decision.Allowed {
		return o.throttled(s, method, decision)
	}

	if err == nil && proof.UserID != s.userID {
		err = authproof.ErrSubjectMismatch
	}
	if err != nil {
		return o.rejected(ctx, s, method, key, err)
	}
	if err := o.engine.Authorize(p, proof.Level, proof.VerifiedAt, o.params.Now()); err != nil {
		return err
	}
	if err := o.params.Proofs.Consume(ctx, proof); err != nil {
		if errors.Is(err, authproof.ErrAlreadyConsumed) {
			return o.rejected(ctx, s, method, key, err)
		}
		return err
	}
	if err := o.params.Limiter.Reset(ctx, key); err != nil {
		o.logger.MaybeError(err, "key", key)
	}
	o.params.Metrics.ObserveAuth(methodLabel(method), true)
	s.proof = proof
	return nil
}

// Records a failed attempt and returns AuthFailed, or AuthThrottled once
// the window is exhausted
func (o *Orchestrator) rejected(
	ctx context.Context,
	s *signing,
	method policy.Method,
	key string,
	cause error) error {

	o.params.Metrics.ObserveAuth(methodLabel(method), false)
	decision, err := o.params.Limiter.Allow(ctx, key)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return o.throttled(s, method, decision)
	}
	o.logger.Security(logging.SecurityLogEntry{
		Timestamp:     o.params.Now(),
		Severity:      logging.SeverityMedium,
		Category:      logging.CategoryAuthentication,
		Description:   "authentication proof rejected",
		Details:       fmt.Sprintf("method=%s remaining=%d: %s", methodLabel(method), decision.Remaining, cause),
		Source:        logging.SourceOrchestrator,
		UserID:        s.userID,
		CorrelationID: s.correlationID,
	})
	return &Error{
		Kind:              KIND_AUTH_FAILED,
		AttemptsRemaining: decision.Remaining,
		Err:               cause,
	}
}

func (o *Orchestrator) throttled(s *signing, method policy.Method, decision ratelimit.Decision) error {
	o.logger.Security(logging.SecurityLogEntry{
		Timestamp:     o.params.Now(),
		Severity:      logging.SeverityHigh,
		Category:      logging.CategoryAuthentication,
		Description:   "authentication attempts throttled",
		Details:       fmt.Sprintf("method=%s limit=%d reset=%s", methodLabel(method), decision.Limit, decision.ResetAt.Format(time.RFC3339)),
		Source:        logging.SourceOrchestrator,
		UserID:        s.userID,
		CorrelationID: s.correlationID,
	})
	return fmt.Errorf("%w: retry after %s", ratelimit.ErrThrottled, decision.ResetAt.Format(time.RFC3339))
}

// Steps 4 to 8 for one document
func (o *Orchestrator) sign(ctx context.Context, s *signing, doc Document) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := s.policy

	// The certificate may have been revoked since it was gated
	cert, err := o.certificate(ctx, s)
	if err != nil {
		return nil, err
	}
	x509Cert, err := x509.ParseCertificate(cert.DER)
	if err != nil {
		return nil, errors.Join(certstore.ErrCertInvalid, err)
	}
	strategy, err := container.New(p.Format)
	if err != nil {
		return nil, err
	}
	hash := cms.DigestAlgorithmFor(x509Cert.PublicKey, cert.KeyHandle.HashFunc())
	digest, err := cms.Digest(hash, doc.Payload)
	if err != nil {
		return nil, err
	}
	prepared, err := strategy.Prepare(&container.PrepareRequest{
		PayloadDigest: digest,
		Hash:          hash,
		Certificate:   x509Cert,
		Chain:         o.chain(x509Cert),
		Profile:       p.Profile,
		SigningTime:   o.params.Now(),
		DocumentID:    doc.ID,
	})
	if err != nil {
		return nil, err
	}
	signature, err := o.signature(ctx, cert.KeyHandle, hash, prepared.ToBeSigned, p.SignTimeout)
	if err != nil {
		return nil, err
	}
	signed, err := strategy.Wrap(prepared, signature)
	if err != nil {
		return nil, err
	}

	artifact := &Artifact{
		ID:               uuid.NewString(),
		DocumentID:       doc.ID,
		UserID:           s.userID,
		CertificateID:    cert.ID,
		CertificateState: cert.State,
		Policy:           p.Name,
		Jurisdiction:     s.jurisdiction,
		Format:           p.Format,
		Profile:          prepared.Profile,
		Container:        signed,
		Proof:            s.proofMetadata(),
		BaseClass:        cert.Class,
		CorrelationID:    s.correlationID,
	}
	notes, err := o.timestamp(ctx, s, strategy, artifact)
	if err != nil {
		return nil, err
	}

	grade := policy.AUTH_NONE
	if s.proof != nil {
		grade = s.proof.Level
	}
	var qualification tsa.Qualification
	if artifact.Timestamp != nil {
		qualification = artifact.Timestamp.Qualification
	}
	artifact.Class = o.engine.Classify(p, cert.Class, grade, qualification)

	return o.persist(ctx, s, cert, artifact, notes)
}

// Signs through the HSM gateway, or in process for software keys
func (o *Orchestrator) signature(
	ctx context.Context,
	handle keystore.KeyHandle,
	hash crypto.Hash,
	tbs []byte,
	timeout time.Duration) ([]byte, error) {

	if handle.IsHSM() {
		return o.params.Keys.Sign(ctx, handle.ProviderID, handle.KeyID, tbs,
			hsm.SignOptions{Algorithm: handle.Algorithm, Hash: hash, Timeout: timeout})
	}
	signer, err := o.params.Keys.SignerFor(ctx, handle)
	if err != nil {
		return nil, err
	}
	return keystore.Sign(signer, rand.Reader, handle.Algorithm, hash, tbs)
}

// Step 6. The signature timestamp covers the SHA-256 digest of the core
// signature value; -LTA profiles add an archive timestamp over the
// timestamped container. A timestamp the policy only recommends may fail,
// in which case the profile drops to the level actually reached and a
// note is returned.
func (o *Orchestrator) timestamp(
	ctx context.Context,
	s *signing,
	strategy container.Strategy,
	artifact *Artifact) ([]Note, error) {

	p := s.policy
	if !p.WantsTimestamp() {
		return nil, nil
	}
	if s.timestamp != nil && s.timestamp.Omit {
		artifact.Profile = container.PROFILE_B
		return []Note{NOTE_TIMESTAMP_OMITTED}, nil
	}
	opts := tsa.Options{Qualified: p.RequiresQualifiedTSA(), Timeout: p.TimestampTimeout}
	if s.timestamp != nil {
		opts.ProviderID = s.timestamp.ProviderID
	}

	value, err := strategy.SignatureValue(artifact.Container)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(value)
	token, err := o.params.Timestamps.RequestTimestamp(ctx, digest[:], crypto.SHA256, opts)
	if err != nil {
		if !o.optional(p, err) {
			return nil, err
		}
		o.logger.MaybeError(err, "artifact", artifact.ID, "policy", p.Name)
		artifact.Profile = container.PROFILE_B
		return []Note{NOTE_TIMESTAMP_UNAVAILABLE}, nil
	}
	timestamped, err := strategy.EmbedTimestamp(artifact.Container, token.Token, p.Profile)
	if err != nil {
		return nil, err
	}
	artifact.Container = timestamped
	artifact.Timestamp = token
	if !p.Profile.Archival() {
		return nil, nil
	}

	archiveDigest, err := strategy.ArchiveDigest(artifact.Container, crypto.SHA256)
	if err != nil {
		return nil, err
	}
	archiveToken, err := o.params.Timestamps.RequestTimestamp(ctx, archiveDigest, crypto.SHA256, opts)
	if err != nil {
		if !o.optional(p, err) {
			return nil, err
		}
		o.logger.MaybeError(err, "artifact", artifact.ID, "policy", p.Name)
		artifact.Profile = container.PROFILE_LT
		return []Note{NOTE_ARCHIVE_TIMESTAMP_UNAVAILABLE}, nil
	}
	archived, err := strategy.EmbedArchiveTimestamp(artifact.Container, archiveToken.Token)
	if err != nil {
		return nil, err
	}
	artifact.Container = archived
	artifact.ArchiveTimestamp = archiveToken
	return nil, nil
}

// Returns true if the timestamp failure does not end the operation
func (o *Orchestrator) optional(p policy.Policy, err error) bool {
	return p.Timestamp != policy.TIMESTAMP_REQUIRED && !errors.Is(err, context.Canceled)
}

// Step 8. The artifact and its audit entry are written in one pair write.
// Once the write has started it is not interrupted: a cancellation seen
// afterwards is reported as a note on the returned result.
func (o *Orchestrator) persist(
	ctx context.Context,
	s *signing,
	cert certstore.Certificate,
	artifact *Artifact,
	notes []Note) (*Result, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := o.params.Now().UTC()
	if !cert.ValidAt(now) {
		return nil, fmt.Errorf("%w: %s lapsed before the signature was persisted", certstore.ErrCertExpired, cert.ID)
	}
	artifact.CreatedAt = now
	if s.policy.Retention > 0 {
		artifact.RetainUntil = now.Add(s.policy.Retention)
	}
	data, err := o.artifacts.Encode(*artifact)
	if err != nil {
		return nil, err
	}
	var method policy.Method
	if s.proof != nil {
		method = s.proof.Method
	}
	details := map[string]string{
		"document":          artifact.DocumentID,
		"container":         artifact.ContainerName(),
		"certificate_state": string(artifact.CertificateState),
		"base_class":        string(artifact.BaseClass),
	}
	if artifact.Timestamp != nil {
		details["tsa"] = artifact.Timestamp.ProviderID
		details["tsa_qualification"] = string(artifact.Timestamp.Qualification)
	}
	if s.batch {
		details["batch"] = "true"
	}
	artifactWrite := datastore.PairWrite{
		Partition:       datastore.PartitionSignatures,
		ID:              artifact.ID,
		ExpectedVersion: datastore.VersionAbsent,
		Data:            data,
	}
	_, err = o.params.Audit.AppendWith(context.WithoutCancel(ctx), audit.Entry{
		ID:            "signature-created-" + artifact.ID,
		Operation:     audit.OP_SIGNATURE_CREATED,
		UserID:        s.userID,
		Method:        string(method),
		Class:         string(artifact.Class),
		Policy:        artifact.Policy,
		ArtifactID:    artifact.ID,
		CertificateID: artifact.CertificateID,
		CorrelationID: s.correlationID,
		Details:       details,
		Time:          now,
	}, func(auditWrite datastore.PairWrite) error {
		return o.params.Store.PutPair(context.WithoutCancel(ctx), artifactWrite, auditWrite)
	})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		notes = append(notes, NOTE_CANCELLATION_OBSERVED_AFTER_PERSIST)
	}

	o.params.Metrics.ObserveSignature(string(artifact.Class), artifact.ContainerName())
	o.logger.Info("orchestrator: signature created",
		"artifact", artifact.ID,
		"document", artifact.DocumentID,
		"user", s.userID,
		"policy", artifact.Policy,
		"container", artifact.ContainerName(),
		"class", artifact.Class,
		"correlation", s.correlationID)

	result := &Result{
		ArtifactID:    artifact.ID,
		DocumentID:    artifact.DocumentID,
		Container:     artifact.Container,
		ContainerName: artifact.ContainerName(),
		Class:         artifact.Class,
		Timestamp:     artifact.Timestamp,
		Proof:         artifact.Proof,
		Notes:         notes,
		CreatedAt:     artifact.CreatedAt,
	}
	o.archive(ctx, s, artifact, result)
	return result, nil
}

// Archives the container. The artifact is already durable, so a failure
// is audited and reported as a note.
func (o *Orchestrator) archive(ctx context.Context, s *signing, artifact *Artifact, result *Result) {
	if o.params.Archiver == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	location, err := o.params.Archiver.Archive(ctx, archive.Object{
		ArtifactID:  artifact.ID,
		Format:      string(artifact.Format),
		Policy:      artifact.Policy,
		Class:       string(artifact.Class),
		Data:        artifact.Container,
		CreatedAt:   artifact.CreatedAt,
		RetainUntil: artifact.RetainUntil,
	})
	if err != nil {
		o.logger.Error(err, "artifact", artifact.ID, "correlation", s.correlationID)
		o.appendAudit(ctx, audit.Entry{
			Operation:     audit.OP_ARCHIVE_FAILED,
			UserID:        s.userID,
			Policy:        artifact.Policy,
			ArtifactID:    artifact.ID,
			CertificateID: artifact.CertificateID,
			CorrelationID: s.correlationID,
			Details:       map[string]string{"error": err.Error()},
		})
		result.Notes = append(result.Notes, NOTE_ARCHIVE_FAILED)
		return
	}
	result.ArchiveLocation = location
}

// Wraps err in an *Error, records the failure and appends its audit
// entry. AuthRequired is informational and leaves no trace.
func (o *Orchestrator) fail(ctx context.Context, s *signing, documentID string, err error) error {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: kindOf(err), Err: err}
	}
	e.Op = s.op
	e.CorrelationID = s.correlationID
	if e.Kind == KIND_AUTH_REQUIRED {
		return e
	}
	o.params.Metrics.ObserveFailure(string(e.Kind))
	o.logger.Warn("orchestrator: operation failed",
		"op", s.op,
		"kind", e.Kind,
		"user", s.userID,
		"policy", s.policyName,
		"document", documentID,
		"correlation", s.correlationID,
		"error", e.Err)
	details := map[string]string{"op": s.op}
	if documentID != "" {
		details["document"] = documentID
	}
	if e.Err != nil {
		details["error"] = e.Err.Error()
	}
	o.appendAudit(context.WithoutCancel(ctx), audit.Entry{
		Operation:     audit.OP_SIGNATURE_FAILED,
		UserID:        s.userID,
		Policy:        s.policyName,
		CertificateID: s.certificateID,
		ErrorKind:     string(e.Kind),
		CorrelationID: s.correlationID,
		Details:       details,
	})
	return e
}

func (o *Orchestrator) appendAudit(ctx context.Context, entry audit.Entry) {
	if _, err := o.params.Audit.Append(ctx, entry); err != nil {
		o.logger.Error(err, "operation", entry.Operation, "correlation", entry.CorrelationID)
	}
}

// Returns the issuer of cert among the configured CA certificates
func (o *Orchestrator) issuer(cert *x509.Certificate) *x509.Certificate {
	for _, candidate := range o.params.Issuers {
		if cert.CheckSignatureFrom(candidate) == nil {
			return candidate
		}
	}
	return nil
}

// Returns the chain above cert, issuer first, as far as the configured CA
// certificates reach
func (o *Orchestrator) chain(cert *x509.Certificate) []*x509.Certificate {
	chain := make([]*x509.Certificate, 0, len(o.params.Issuers))
	current := cert
	for len(chain) < len(o.params.Issuers) {
		issuer := o.issuer(current)
		if issuer == nil || issuer.Equal(current) {
			break
		}
		chain = append(chain, issuer)
		current = issuer
	}
	return chain
}

func (s *signing) proofMetadata() *ProofMetadata {
	if s.proof == nil {
		return nil
	}
	return &ProofMetadata{
		ProofID:    s.proof.ID,
		Method:     s.proof.Method,
		Level:      s.proof.Level,
		VerifiedAt: s.proof.VerifiedAt,
		Batch:      s.batch,
	}
}

// Returns the methods whose proofs can meet the policy's grade
func availableMethods(p policy.Policy) []policy.Method {
	methods := make([]policy.Method, 0)
	for _, m := range policy.Methods() {
		if m.Ceiling().AtLeast(p.AuthGrade) {
			methods = append(methods, m)
		}
	}
	return methods
}

func methodLabel(method policy.Method) string {
	if method == "" {
		return "unknown"
	}
	return string(method)
}

func correlationID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func (req *Request) validate() error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: user required", ErrInvalidRequest)
	case req.DocumentID == "":
		return fmt.Errorf("%w: document required", ErrInvalidRequest)
	case req.CertificateID == "":
		return fmt.Errorf("%w: certificate required", ErrInvalidRequest)
	case len(req.Payload) == 0:
		return fmt.Errorf("%w: payload required", ErrInvalidRequest)
	}
	return nil
}
