package orchestrator

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/archive"
	"github.com/jeremyhahn/go-signature-trust/pkg/audit"
	"github.com/jeremyhahn/go-signature-trust/pkg/authproof"
	"github.com/jeremyhahn/go-signature-trust/pkg/common"
	"github.com/jeremyhahn/go-signature-trust/pkg/container"
	"github.com/jeremyhahn/go-signature-trust/pkg/hsm"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/policy"
	"github.com/jeremyhahn/go-signature-trust/pkg/ratelimit"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/certstore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/testutil"
	"github.com/jeremyhahn/go-signature-trust/pkg/trustlist"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	orchestrator *Orchestrator
	store        datastore.Store
	certs        *certstore.CertStore
	proofs       *authproof.Service
	audit        *audit.Log
	clock        *testutil.Clock
	authority    *testutil.Authority

	// Called before the TSA answers each request
	onTimestamp func()
	tsaDown     atomic.Bool
}

func createFixture(t *testing.T) *fixture {
	logger, store, fs := testutil.Datastore(t)
	clock := testutil.NewClock(time.Now().UTC().Truncate(time.Second))
	f := &fixture{
		store:     store,
		clock:     clock,
		authority: testutil.NewAuthority(t, "Test Qualified CA"),
	}

	f.audit = audit.NewLog(&audit.Params{
		Logger:     logger,
		Store:      store,
		Serializer: datastore.SERIALIZER_JSON,
		Now:        clock.Now,
	})
	gateway := hsm.NewGateway(&hsm.Params{
		Logger:     logger,
		Store:      store,
		Serializer: datastore.SERIALIZER_JSON,
		Now:        clock.Now,
	})
	f.certs = certstore.NewCertificateStore(&certstore.Params{
		Logger:     logger,
		Store:      store,
		Serializer: datastore.SERIALIZER_JSON,
		Audit:      f.audit,
		Keys:       gateway,
		Now:        clock.Now,
	})

	_, tsaSigner := testutil.SoftwareHandle(t, keystore.ALGORITHM_ECDSA)
	tsaDER, err := f.authority.Issue(tsaSigner.Public(), testutil.IssueOptions{
		CommonName: "Test Qualified TSA",
		NotBefore:  clock.Now().Add(-time.Hour),
		NotAfter:   clock.Now().Add(24 * time.Hour),
		TimeStamp:  true,
	})
	require.Nil(t, err)
	tsaCert, err := x509.ParseCertificate(tsaDER)
	require.Nil(t, err)
	responder := tsa.NewResponder(&tsa.ResponderParams{
		Logger:      logger,
		Certificate: tsaCert,
		Signer:      tsaSigner,
		IncludeName: true,
		Now:         clock.Now,
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.tsaDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if f.onTimestamp != nil {
			f.onTimestamp()
		}
		responder.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)
	timestamps := tsa.NewService(&tsa.Params{Logger: logger})
	require.Nil(t, timestamps.Register(tsa.ProviderConfig{
		ID:            "qualified-tsa",
		URL:           server.URL,
		Qualification: tsa.QUALIFICATION_QUALIFIED,
		Certificate:   string(testutil.PEM(tsaDER)),
	}))

	f.proofs, err = authproof.NewService(&authproof.Params{
		Logger:     logger,
		Secret:     []byte(strings.Repeat("k", 32)),
		Store:      store,
		Serializer: datastore.SERIALIZER_JSON,
		Now:        clock.Now,
	})
	require.Nil(t, err)

	catalog := policy.NewCatalog(&policy.CatalogParams{
		Logger:     logger,
		Store:      store,
		Serializer: datastore.SERIALIZER_JSON,
		Audit:      f.audit,
	})
	fingerprint := sha256.Sum256(f.authority.Cert.Raw)
	trust := trustlist.NewRegistry(&trustlist.Params{
		Logger: logger,
		Config: trustlist.Config{Static: []trustlist.Entry{{
			Jurisdiction: "DE",
			Name:         "Test Qualified CA",
			SHA256:       hex.EncodeToString(fingerprint[:]),
		}}},
	})
	archiver, err := archive.NewFileArchiver(logger, fs, "/archive")
	require.Nil(t, err)

	f.orchestrator = NewOrchestrator(&Params{
		Logger:       logger,
		Store:        store,
		Serializer:   datastore.SERIALIZER_JSON,
		Audit:        f.audit,
		Engine:       policy.NewEngine(catalog, nil),
		Certificates: f.certs,
		Keys:         gateway,
		Timestamps:   timestamps,
		Proofs:       f.proofs,
		Limiter: ratelimit.NewMemoryLimiter(
			ratelimit.Config{Attempts: 3, Window: 15 * time.Minute}, clock.Now),
		TrustList: trust,
		Archiver:  archiver,
		Issuers:   []*x509.Certificate{f.authority.Cert},
		Now:       clock.Now,
	})
	return f
}

// Imports a certificate for the user valid until notAfter
func (f *fixture) certificate(t *testing.T, user, certType string, notAfter time.Time) string {
	handle, signer := testutil.SoftwareHandle(t, keystore.ALGORITHM_ECDSA)
	der, err := f.authority.Issue(signer.Public(), testutil.IssueOptions{
		CommonName: user,
		NotBefore:  f.clock.Now().Add(-24 * time.Hour),
		NotAfter:   notAfter,
		Qualified:  strings.Contains(certType, "qualified"),
	})
	require.Nil(t, err)
	cert, err := f.certs.ImportCertificate(context.Background(), der, certType, user, "test-ca", handle)
	require.Nil(t, err)
	return cert.ID
}

func (f *fixture) proof(t *testing.T, user string, method policy.Method) string {
	proof, err := f.proofs.Issue(user, method, "", f.clock.Now())
	require.Nil(t, err)
	return proof.Token
}

func (f *fixture) artifacts(t *testing.T) []Artifact {
	artifacts, err := f.orchestrator.artifacts.List(context.Background())
	require.Nil(t, err)
	return artifacts
}

func (f *fixture) request(user, certID, policyName, token string) *Request {
	return &Request{
		UserID:        user,
		DocumentID:    "contract-" + user,
		CertificateID: certID,
		Payload:       []byte("%PDF-1.7 contract between the parties"),
		Policy:        policyName,
		Jurisdiction:  "DE",
		AuthProof:     token,
	}
}

func oneYear(f *fixture) time.Time {
	return f.clock.Now().Add(365 * 24 * time.Hour)
}

func TestBusinessContractRejectsBasicAuth(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "alice", "qualified", oneYear(f))

	req := f.request("alice", certID, "business_contract", f.proof(t, "alice", policy.METHOD_TOTP))
	_, err := f.orchestrator.CreateSignature(context.Background(), req)
	assert.ErrorIs(t, err, policy.ErrAuthEnhancementInsufficient)
	assert.Equal(t, KIND_AUTH_ENHANCEMENT_INSUFFICIENT, KindOf(err))
	assert.Empty(t, f.artifacts(t))

	failures, err := f.audit.Find(context.Background(), audit.Filter{
		Operation: audit.OP_SIGNATURE_FAILED,
		UserID:    "alice",
	})
	require.Nil(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, string(KIND_AUTH_ENHANCEMENT_INSUFFICIENT), failures[0].ErrorKind)
	assert.NotEmpty(t, failures[0].CorrelationID)
}

func TestQualifiedPlusSignature(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "bob", "qualified", oneYear(f))
	req := f.request("bob", certID, "business_contract", f.proof(t, "bob", policy.METHOD_BIOMETRIC))
	req.CorrelationID = "corr-bob"

	result, err := f.orchestrator.CreateSignature(context.Background(), req)
	require.Nil(t, err)
	assert.Equal(t, common.CLASS_QUALIFIED_PLUS, result.Class)
	assert.Equal(t, "PAdES-LTA", result.ContainerName)
	assert.Equal(t, tsa.QUALIFICATION_QUALIFIED, result.Timestamp.Qualification)
	assert.Equal(t, policy.AUTH_ADVANCED, result.Proof.Level)
	assert.Empty(t, result.Notes)
	assert.NotEmpty(t, result.ArchiveLocation)

	strategy, err := container.New(container.FORMAT_PADES)
	require.Nil(t, err)
	v, err := strategy.Verify(result.Container, req.Payload)
	require.Nil(t, err)
	assert.Equal(t, container.PROFILE_LTA, v.Profile)
	assert.NotNil(t, v.ArchiveTimestamp)

	artifact, err := f.orchestrator.GetArtifact(context.Background(), result.ArtifactID)
	require.Nil(t, err)
	cert, err := f.certs.GetCertificate(context.Background(), certID, false)
	require.Nil(t, err)
	assert.True(t, cert.ValidAt(artifact.CreatedAt))
	assert.True(t, artifact.Class.AtLeast(common.CLASS_QUALIFIED))
	assert.True(t, artifact.BaseClass.AtLeast(common.CLASS_QUALIFIED))
	assert.Equal(t, artifact.CreatedAt.Add(10*365*24*time.Hour), artifact.RetainUntil)
	assert.Equal(t, "corr-bob", artifact.CorrelationID)

	entries, err := f.audit.Find(context.Background(), audit.Filter{ArtifactID: result.ArtifactID})
	require.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.OP_SIGNATURE_CREATED, entries[0].Operation)
	assert.Equal(t, "biometric", entries[0].Method)
	assert.Equal(t, "corr-bob", entries[0].CorrelationID)
	assert.Nil(t, audit.Verify(entries[0]))
}

func TestExpiringCertificateSigns(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "carol", "qualified", f.clock.Now().Add(10*24*time.Hour))

	owned, err := f.certs.FindByOwner(context.Background(), "carol")
	require.Nil(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, certstore.CERT_EXPIRING, owned[0].State)

	req := f.request("carol", certID, "healthcare_record", f.proof(t, "carol", policy.METHOD_TOTP))
	result, err := f.orchestrator.CreateSignature(context.Background(), req)
	require.Nil(t, err)
	assert.Equal(t, "CAdES-LT", result.ContainerName)
	assert.Equal(t, common.CLASS_QUALIFIED, result.Class)

	entry, err := f.audit.Get(context.Background(), "signature-created-"+result.ArtifactID)
	require.Nil(t, err)
	assert.Equal(t, string(certstore.CERT_EXPIRING), entry.Details["certificate_state"])
}

func TestBatchCrossesFreshnessWindow(t *testing.T) {

	f := createFixture(t)
	f.onTimestamp = func() { f.clock.Advance(3 * time.Minute) }
	certID := f.certificate(t, "dave", "advanced", oneYear(f))

	documents := make([]Document, 3)
	for i := range documents {
		documents[i] = Document{
			ID:      fmt.Sprintf("payment-%d", i+1),
			Payload: []byte(fmt.Sprintf("payment order %d", i+1)),
		}
	}
	result, err := f.orchestrator.SignBatch(context.Background(), &BatchRequest{
		UserID:        "dave",
		CertificateID: certID,
		Documents:     documents,
		Policy:        "financial_transaction",
		AuthProof:     f.proof(t, "dave", policy.METHOD_TOTP),
	})
	assert.ErrorIs(t, err, policy.ErrAuthStale)
	assert.Equal(t, KIND_AUTH_STALE, KindOf(err))
	require.NotNil(t, result)
	require.Len(t, result.Results, 2)
	assert.Equal(t, "payment-1", result.Results[0].DocumentID)
	assert.Equal(t, "payment-2", result.Results[1].DocumentID)
	assert.Equal(t, "payment-3", result.FailedDocument)
	assert.Empty(t, result.Aborted)
	for _, r := range result.Results {
		assert.Equal(t, "CAdES-T", r.ContainerName)
		assert.True(t, r.Proof.Batch)
	}
	assert.Len(t, f.artifacts(t), 2)

	aborted, err := f.audit.Find(context.Background(), audit.Filter{Operation: audit.OP_BATCH_ABORTED})
	require.Nil(t, err)
	require.Len(t, aborted, 1)
	assert.Equal(t, "payment-3", aborted[0].Details["failed_document"])
}

func TestBatchRequiresFreshProofBeforeFirstDocument(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "dave", "advanced", oneYear(f))
	token := f.proof(t, "dave", policy.METHOD_TOTP)
	f.clock.Advance(6 * time.Minute)

	result, err := f.orchestrator.SignBatch(context.Background(), &BatchRequest{
		UserID:        "dave",
		CertificateID: certID,
		Documents: []Document{
			{ID: "a", Payload: []byte("a")},
			{ID: "b", Payload: []byte("b")},
		},
		Policy:    "financial_transaction",
		AuthProof: token,
	})
	assert.Equal(t, KIND_AUTH_STALE, KindOf(err))
	assert.Empty(t, result.Results)
	assert.Equal(t, []string{"a", "b"}, result.Aborted)
	assert.Empty(t, f.artifacts(t))
}

func TestCrossBorderRecognition(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "erin", "qualified", oneYear(f))
	req := f.request("erin", certID, "healthcare_record", f.proof(t, "erin", policy.METHOD_TOTP))
	signed, err := f.orchestrator.CreateSignature(context.Background(), req)
	require.Nil(t, err)
	require.Equal(t, common.CLASS_QUALIFIED, signed.Class)

	ctx := context.Background()
	result, err := f.orchestrator.ValidateCrossBorder(ctx, signed.ArtifactID, "DE", "FR", "")
	require.Nil(t, err)
	assert.True(t, result.Recognized)
	assert.True(t, result.CATrusted)
	assert.Empty(t, result.Reasons)
	assert.Equal(t, policy.FRAMEWORK_EIDAS, result.FromFramework)
	assert.Equal(t, policy.FRAMEWORK_EIDAS, result.ToFramework)

	// The CA is only on the German trust list
	result, err = f.orchestrator.ValidateCrossBorder(ctx, signed.ArtifactID, "FR", "DE", "")
	require.Nil(t, err)
	assert.False(t, result.Recognized)
	assert.False(t, result.CATrusted)
	assert.Len(t, result.Reasons, 1)

	result, err = f.orchestrator.ValidateCrossBorder(ctx, signed.ArtifactID, "DE", "US", "")
	require.Nil(t, err)
	assert.False(t, result.Recognized)

	entries, err := f.audit.Find(ctx, audit.Filter{Operation: audit.OP_CROSS_BORDER_VALIDATION})
	require.Nil(t, err)
	require.Len(t, entries, 3)
	recognized := 0
	for _, entry := range entries {
		if entry.Details["recognized"] == "true" {
			recognized++
		}
	}
	assert.Equal(t, 1, recognized)

	_, err = f.orchestrator.ValidateCrossBorder(ctx, "missing", "DE", "FR", "")
	assert.Equal(t, KIND_NOT_FOUND, KindOf(err))
}

// revokingProofs revokes the signing certificate as soon as the proof is
// consumed, between authentication and signing
type revokingProofs struct {
	*authproof.Service
	revoke func(ctx context.Context)
}

func (p *revokingProofs) Consume(ctx context.Context, proof *authproof.Proof) error {
	if err := p.Service.Consume(ctx, proof); err != nil {
		return err
	}
	p.revoke(ctx)
	return nil
}

func TestRevocationDuringSigning(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "frank", "qualified", oneYear(f))
	f.orchestrator.params.Proofs = &revokingProofs{
		Service: f.proofs,
		revoke: func(ctx context.Context) {
			_, err := f.certs.MarkRevoked(ctx, certID, "keyCompromise")
			require.Nil(t, err)
		},
	}

	req := f.request("frank", certID, "business_contract", f.proof(t, "frank", policy.METHOD_BIOMETRIC))
	_, err := f.orchestrator.CreateSignature(context.Background(), req)
	assert.ErrorIs(t, err, certstore.ErrCertRevoked)
	assert.Equal(t, KIND_CERTIFICATE_REVOKED, KindOf(err))
	assert.Empty(t, f.artifacts(t))
}

func TestRevokedCertificateCannotSign(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "grace", "qualified", oneYear(f))
	_, err := f.certs.MarkRevoked(context.Background(), certID, "superseded")
	require.Nil(t, err)

	req := f.request("grace", certID, "healthcare_record", f.proof(t, "grace", policy.METHOD_TOTP))
	_, err = f.orchestrator.CreateSignature(context.Background(), req)
	assert.Equal(t, KIND_CERTIFICATE_REVOKED, KindOf(err))
	assert.Empty(t, f.artifacts(t))
}

func TestAuthProofIsSingleUse(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "heidi", "qualified", oneYear(f))
	token := f.proof(t, "heidi", policy.METHOD_TOTP)

	_, err := f.orchestrator.CreateSignature(context.Background(),
		f.request("heidi", certID, "healthcare_record", token))
	require.Nil(t, err)

	_, err = f.orchestrator.CreateSignature(context.Background(),
		f.request("heidi", certID, "healthcare_record", token))
	assert.ErrorIs(t, err, authproof.ErrAlreadyConsumed)
	assert.Equal(t, KIND_AUTH_FAILED, KindOf(err))
	assert.Len(t, f.artifacts(t), 1)
}

func TestProofOfAnotherUserIsRejected(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "ivan", "qualified", oneYear(f))
	_, err := f.orchestrator.CreateSignature(context.Background(),
		f.request("ivan", certID, "healthcare_record", f.proof(t, "mallory", policy.METHOD_TOTP)))
	assert.ErrorIs(t, err, authproof.ErrSubjectMismatch)
	assert.Equal(t, KIND_AUTH_FAILED, KindOf(err))
}

func TestForeignCertificateIsRejected(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()
	bobCert := f.certificate(t, "bob", "qualified", oneYear(f))

	req := f.request("alice", bobCert, "business_contract", f.proof(t, "alice", policy.METHOD_BIOMETRIC))
	_, err := f.orchestrator.CreateSignature(ctx, req)
	assert.ErrorIs(t, err, ErrCertOwnerMismatch)
	assert.Equal(t, KIND_POLICY_VIOLATION, KindOf(err))

	result, err := f.orchestrator.SignBatch(ctx, &BatchRequest{
		UserID:        "alice",
		CertificateID: bobCert,
		Documents: []Document{
			{ID: "a", Payload: []byte("a")},
			{ID: "b", Payload: []byte("b")},
		},
		Policy:    "healthcare_record",
		AuthProof: f.proof(t, "alice", policy.METHOD_TOTP),
	})
	assert.ErrorIs(t, err, ErrCertOwnerMismatch)
	assert.Equal(t, KIND_POLICY_VIOLATION, KindOf(err))
	require.NotNil(t, result)
	assert.Empty(t, result.Results)
	assert.Equal(t, []string{"a", "b"}, result.Aborted)
	assert.Empty(t, f.artifacts(t))

	failures, err := f.audit.Find(ctx, audit.Filter{
		Operation: audit.OP_SIGNATURE_FAILED,
		UserID:    "alice",
	})
	require.Nil(t, err)
	require.NotEmpty(t, failures)
	assert.Equal(t, string(KIND_POLICY_VIOLATION), failures[0].ErrorKind)

	// The owner still signs with the same certificate
	_, err = f.orchestrator.CreateSignature(ctx,
		f.request("bob", bobCert, "business_contract", f.proof(t, "bob", policy.METHOD_BIOMETRIC)))
	assert.Nil(t, err)
}

func TestRequiredTimestampFailureLeavesNoArtifact(t *testing.T) {

	f := createFixture(t)
	f.tsaDown.Store(true)
	certID := f.certificate(t, "judy", "qualified", oneYear(f))

	req := f.request("judy", certID, "business_contract", f.proof(t, "judy", policy.METHOD_BIOMETRIC))
	_, err := f.orchestrator.CreateSignature(context.Background(), req)
	assert.ErrorIs(t, err, tsa.ErrTSAUnreachable)
	assert.Equal(t, KIND_BACKEND_UNAVAILABLE, KindOf(err))
	assert.Empty(t, f.artifacts(t))
}

func TestRecommendedTimestampFailureDowngradesProfile(t *testing.T) {

	f := createFixture(t)
	f.tsaDown.Store(true)
	certID := f.certificate(t, "ken", "qualified", oneYear(f))

	req := f.request("ken", certID, "healthcare_record", f.proof(t, "ken", policy.METHOD_TOTP))
	result, err := f.orchestrator.CreateSignature(context.Background(), req)
	require.Nil(t, err)
	assert.Equal(t, "CAdES-B", result.ContainerName)
	assert.Nil(t, result.Timestamp)
	assert.Equal(t, []Note{NOTE_TIMESTAMP_UNAVAILABLE}, result.Notes)
	assert.Equal(t, common.CLASS_QUALIFIED, result.Class)
}

func TestPolicyTimestampTimeout(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "ruth", "advanced", oneYear(f))
	catalog := f.orchestrator.Engine().Catalog()
	urgent, err := catalog.Get("financial_transaction")
	require.Nil(t, err)
	urgent.Name = "urgent_payment"
	urgent.TimestampTimeout = 20 * time.Millisecond
	require.Nil(t, catalog.Register(context.Background(), urgent))
	f.onTimestamp = func() { time.Sleep(200 * time.Millisecond) }

	_, err = f.orchestrator.CreateSignature(context.Background(),
		f.request("ruth", certID, "urgent_payment", f.proof(t, "ruth", policy.METHOD_TOTP)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, KIND_BACKEND_TIMEOUT, KindOf(err))
	assert.Empty(t, f.artifacts(t))
}

func TestTimestampOmission(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "liz", "qualified", oneYear(f))

	req := f.request("liz", certID, "healthcare_record", f.proof(t, "liz", policy.METHOD_TOTP))
	req.Timestamp = &TimestampPreference{Omit: true}
	result, err := f.orchestrator.CreateSignature(context.Background(), req)
	require.Nil(t, err)
	assert.Equal(t, "CAdES-B", result.ContainerName)
	assert.Equal(t, []Note{NOTE_TIMESTAMP_OMITTED}, result.Notes)

	req = f.request("liz", certID, "financial_transaction", f.proof(t, "liz", policy.METHOD_TOTP))
	req.Timestamp = &TimestampPreference{Omit: true}
	_, err = f.orchestrator.CreateSignature(context.Background(), req)
	assert.Equal(t, KIND_POLICY_VIOLATION, KindOf(err))
}

func TestAuthRequiredListsMethods(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "mike", "qualified", oneYear(f))

	_, err := f.orchestrator.CreateSignature(context.Background(),
		f.request("mike", certID, "business_contract", ""))
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KIND_AUTH_REQUIRED, e.Kind)
	assert.Equal(t, []policy.Method{policy.METHOD_BIOMETRIC}, e.AvailableMethods)

	_, err = f.orchestrator.CreateSignature(context.Background(),
		f.request("mike", certID, "healthcare_record", ""))
	require.True(t, errors.As(err, &e))
	assert.ElementsMatch(t, policy.Methods(), e.AvailableMethods)

	entries, err := f.audit.Find(context.Background(), audit.Filter{Operation: audit.OP_SIGNATURE_FAILED})
	require.Nil(t, err)
	assert.Empty(t, entries)
}

func TestFailedProofsAreThrottled(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "nina", "qualified", oneYear(f))
	req := f.request("nina", certID, "healthcare_record", "not-a-proof")

	for remaining := 2; remaining >= 0; remaining-- {
		_, err := f.orchestrator.CreateSignature(context.Background(), req)
		var e *Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, KIND_AUTH_FAILED, e.Kind)
		assert.Equal(t, remaining, e.AttemptsRemaining)
	}
	_, err := f.orchestrator.CreateSignature(context.Background(), req)
	assert.ErrorIs(t, err, ratelimit.ErrThrottled)
	assert.Equal(t, KIND_AUTH_THROTTLED, KindOf(err))

	// Attempts slide out of the window
	f.clock.Advance(16 * time.Minute)
	req.AuthProof = f.proof(t, "nina", policy.METHOD_TOTP)
	_, err = f.orchestrator.CreateSignature(context.Background(), req)
	assert.Nil(t, err)
}

func TestForgedProofsShareOneWindow(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "nina", "qualified", oneYear(f))
	forger, err := authproof.NewService(&authproof.Params{
		Logger:     logging.NewLogger(slog.LevelError, nil),
		Secret:     []byte(strings.Repeat("x", 32)),
		Store:      f.store,
		Serializer: datastore.SERIALIZER_JSON,
		Now:        f.clock.Now,
	})
	require.Nil(t, err)

	// Rotating the claimed method does not open a new window
	methods := []policy.Method{policy.METHOD_TOTP, policy.METHOD_SMS, policy.METHOD_BACKUP, policy.METHOD_BIOMETRIC}
	for i, method := range methods {
		forged, err := forger.Issue("nina", method, "", f.clock.Now())
		require.Nil(t, err)
		_, err = f.orchestrator.CreateSignature(context.Background(),
			f.request("nina", certID, "healthcare_record", forged.Token))
		if i < 3 {
			var e *Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, KIND_AUTH_FAILED, e.Kind)
			assert.Equal(t, 2-i, e.AttemptsRemaining)
			continue
		}
		assert.Equal(t, KIND_AUTH_THROTTLED, KindOf(err))
	}

	// A genuine proof is counted in its own method's window
	_, err = f.orchestrator.CreateSignature(context.Background(),
		f.request("nina", certID, "healthcare_record", f.proof(t, "nina", policy.METHOD_TOTP)))
	assert.Nil(t, err)
}

// cancellingStore cancels the caller's context while the artifact is
// being written
type cancellingStore struct {
	datastore.Store
	cancel context.CancelFunc
}

func (s *cancellingStore) PutPair(ctx context.Context, a, b datastore.PairWrite) error {
	s.cancel()
	return s.Store.PutPair(ctx, a, b)
}

func TestCancellationObservedAfterPersist(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "oscar", "qualified", oneYear(f))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orchestrator.params.Store = &cancellingStore{Store: f.store, cancel: cancel}

	req := f.request("oscar", certID, "healthcare_record", f.proof(t, "oscar", policy.METHOD_TOTP))
	result, err := f.orchestrator.CreateSignature(ctx, req)
	require.Nil(t, err)
	assert.Contains(t, result.Notes, NOTE_CANCELLATION_OBSERVED_AFTER_PERSIST)
	assert.Len(t, f.artifacts(t), 1)
}

func TestCancelledBeforeSigning(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "peggy", "qualified", oneYear(f))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := f.request("peggy", certID, "healthcare_record", f.proof(t, "peggy", policy.METHOD_TOTP))
	_, err := f.orchestrator.CreateSignature(ctx, req)
	assert.Equal(t, KIND_CANCELLED, KindOf(err))
	assert.Empty(t, f.artifacts(t))
}

func TestRequestErrors(t *testing.T) {

	f := createFixture(t)
	certID := f.certificate(t, "quinn", "advanced", oneYear(f))
	ctx := context.Background()

	_, err := f.orchestrator.CreateSignature(ctx, f.request("quinn", certID, "no_such_policy", ""))
	assert.Equal(t, KIND_POLICY_UNKNOWN, KindOf(err))

	// An advanced certificate can not sign a business contract
	_, err = f.orchestrator.CreateSignature(ctx, f.request("quinn", certID, "business_contract", ""))
	assert.Equal(t, KIND_POLICY_VIOLATION, KindOf(err))

	// Policies apply in the EU only
	req := f.request("quinn", certID, "healthcare_record", "")
	req.Jurisdiction = "US"
	_, err = f.orchestrator.CreateSignature(ctx, req)
	assert.Equal(t, KIND_POLICY_VIOLATION, KindOf(err))

	_, err = f.orchestrator.CreateSignature(ctx, f.request("quinn", "unknown", "healthcare_record", ""))
	assert.Equal(t, KIND_NOT_FOUND, KindOf(err))

	req = f.request("quinn", certID, "healthcare_record", "")
	req.Payload = nil
	_, err = f.orchestrator.CreateSignature(ctx, req)
	assert.Equal(t, KIND_INVALID_REQUEST, KindOf(err))

	_, err = f.orchestrator.GetArtifact(ctx, "unknown")
	assert.Equal(t, KIND_NOT_FOUND, KindOf(err))
}

func TestKindOf(t *testing.T) {

	tests := []struct {
		err  error
		kind Kind
	}{
		{context.Canceled, KIND_CANCELLED},
		{fmt.Errorf("%w: qualified-tsa: %w", tsa.ErrTSAUnreachable, context.Canceled), KIND_CANCELLED},
		{context.DeadlineExceeded, KIND_BACKEND_TIMEOUT},
		{hsm.ErrTimeout, KIND_BACKEND_TIMEOUT},
		{hsm.ErrKeyDeleted, KIND_KEY_UNUSABLE},
		{fmt.Errorf("%w: %w", certstore.ErrKeyUnusable, hsm.ErrNotConnected), KIND_KEY_UNUSABLE},
		{tsa.ErrTSAReject, KIND_BACKEND_REJECTED},
		{datastore.ErrVersionConflict, KIND_PERSISTENCE_CONFLICT},
		{datastore.ErrUnavailable, KIND_PERSISTENCE_UNAVAILABLE},
		{certstore.ErrCertExpired, KIND_CERTIFICATE_EXPIRED},
		{certstore.ErrCertInactive, KIND_CERTIFICATE_INACTIVE},
		{ErrCertOwnerMismatch, KIND_POLICY_VIOLATION},
		{errors.New("boom"), KIND_INTERNAL},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, kindOf(tt.err), tt.err.Error())
	}
}
