package certstore

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/audit"
	"github.com/jeremyhahn/go-signature-trust/pkg/ca"
	"github.com/jeremyhahn/go-signature-trust/pkg/common"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore/pkcs8"
	"github.com/jeremyhahn/go-signature-trust/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeAuthority is an in-memory CA vendor. Requests stay pending until
// marked for issuance.
type fakeAuthority struct {
	mu        sync.Mutex
	issuer    *testutil.Authority
	clock     *testutil.Clock
	csrs      map[string][]byte
	issue     map[string]bool
	failures  int
	polls     int
	validity  time.Duration
	qualified bool
}

func newFakeAuthority(t *testing.T, clock *testutil.Clock) *fakeAuthority {
	return &fakeAuthority{
		issuer:   testutil.NewAuthority(t, "Fake Qualified CA"),
		clock:    clock,
		csrs:     make(map[string][]byte),
		issue:    make(map[string]bool),
		validity: 365 * 24 * time.Hour,
	}
}

func (f *fakeAuthority) Submit(
	ctx context.Context,
	providerID string,
	csrPEM []byte,
	certType string,
	validation map[string]string) (ca.SubmitResult, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("ca-%d", len(f.csrs)+1)
	f.csrs[id] = csrPEM
	return ca.SubmitResult{RequestID: id, State: ca.STATE_PENDING}, nil
}

func (f *fakeAuthority) Poll(ctx context.Context, providerID, requestID string) (ca.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.failures > 0 {
		f.failures--
		return ca.PollResult{}, ca.ErrUnreachable
	}
	csr, ok := f.csrs[requestID]
	if !ok {
		return ca.PollResult{}, ca.ErrUnknownRequest
	}
	if !f.issue[requestID] {
		return ca.PollResult{State: ca.STATE_PENDING}, nil
	}
	now := f.clock.Now()
	der, err := f.issuer.IssueCSR(csr, testutil.IssueOptions{
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(f.validity),
		Qualified: f.qualified,
	})
	if err != nil {
		return ca.PollResult{}, err
	}
	return ca.PollResult{State: ca.STATE_ISSUED, Certificate: der}, nil
}

func (f *fakeAuthority) markIssued(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issue[id] = true
}

type softwareSigners struct{}

func (softwareSigners) SignerFor(ctx context.Context, handle keystore.KeyHandle) (crypto.Signer, error) {
	return pkcs8.ParsePEM(handle.PEM, nil)
}

type keyChecker struct {
	err error
}

func (k *keyChecker) KeyUsable(ctx context.Context, handle keystore.KeyHandle) error {
	return k.err
}

type fixture struct {
	store     *CertStore
	poller    *Poller
	authority *fakeAuthority
	audit     *audit.Log
	clock     *testutil.Clock
	keys      *keyChecker
}

func createFixture(t *testing.T) *fixture {
	logger, store, _ := testutil.Datastore(t)
	clock := testutil.NewClock(epoch)
	auditLog := audit.NewLog(&audit.Params{
		Logger:     logger,
		Store:      store,
		Serializer: datastore.SERIALIZER_JSON,
		Now:        clock.Now,
	})
	keys := &keyChecker{}
	certStore := NewCertificateStore(&Params{
		Logger:     logger,
		Store:      store,
		Serializer: datastore.SERIALIZER_JSON,
		Audit:      auditLog,
		Keys:       keys,
		Now:        clock.Now,
	})
	authority := newFakeAuthority(t, clock)
	poller := NewPoller(&PollerParams{
		Logger:    logger,
		Store:     certStore,
		Authority: authority,
		Signers:   softwareSigners{},
		Now:       clock.Now,
	})
	t.Cleanup(poller.Stop)
	return &fixture{
		store:     certStore,
		poller:    poller,
		authority: authority,
		audit:     auditLog,
		clock:     clock,
		keys:      keys,
	}
}

func newRequest(t *testing.T, user, certType string) (CertificateRequest, crypto.Signer) {
	handle, signer := testutil.SoftwareHandle(t, keystore.ALGORITHM_ECDSA)
	return CertificateRequest{
		ProviderID: "fake-ca",
		Type:       certType,
		Subject:    ca.Subject{CommonName: user, Country: "DE"},
		UserID:     user,
		KeyHandle:  handle,
	}, signer
}

// Creates a request without submitting it
func createRequest(t *testing.T, f *fixture, user, certType string) (CertificateRequest, crypto.Signer) {
	req, signer := newRequest(t, user, certType)
	req, err := f.store.CreateRequest(context.Background(), req)
	require.Nil(t, err)
	return req, signer
}

func issueFor(t *testing.T, f *fixture, signer crypto.Signer, notBefore, notAfter time.Time, qualified bool) []byte {
	der, err := f.authority.issuer.Issue(signer.Public(), testutil.IssueOptions{
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Qualified: qualified,
	})
	require.Nil(t, err)
	return der
}

func TestRequestIssuedThroughPolling(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()

	req, _ := newRequest(t, "alice", "qualified")
	req, err := f.poller.Request(ctx, req)
	require.Nil(t, err)
	assert.Equal(t, REQUEST_PENDING, req.State)
	assert.Equal(t, "ca-1", req.CARequestID)
	assert.Equal(t, epoch.Add(DEFAULT_POLL_TIMEOUT), req.Deadline)
	f.poller.Stop()

	// polling is idempotent until the CA changes state
	for i := 0; i < 3; i++ {
		polled, err := f.poller.PollOnce(ctx, req.ID)
		require.Nil(t, err)
		assert.Equal(t, REQUEST_PENDING, polled.State)
		assert.Empty(t, polled.CertificateID)
	}

	f.authority.markIssued("ca-1")
	polled, err := f.poller.PollOnce(ctx, req.ID)
	require.Nil(t, err)
	assert.Equal(t, REQUEST_ISSUED, polled.State)
	require.NotEmpty(t, polled.CertificateID)

	cert, err := f.store.GetCertificate(ctx, polled.CertificateID, false)
	require.Nil(t, err)
	assert.Equal(t, CERT_ACTIVE, cert.State)
	assert.Equal(t, common.CLASS_QUALIFIED, cert.Class)
	assert.Equal(t, "alice", cert.OwnerID)
	assert.Equal(t, req.ID, cert.RequestID)
	assert.Empty(t, cert.KeyHandle.PEM)
	assert.Contains(t, cert.KeyUsage, "digitalSignature")

	withKey, err := f.store.GetCertificate(ctx, polled.CertificateID, true)
	require.Nil(t, err)
	assert.NotEmpty(t, withKey.KeyHandle.PEM)

	// terminal requests are left alone
	again, err := f.poller.PollOnce(ctx, req.ID)
	require.Nil(t, err)
	assert.Equal(t, polled.CertificateID, again.CertificateID)
}

func TestStoreCertificateIsIdempotent(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()

	req, signer := createRequest(t, f, "bob", "advanced")
	der := issueFor(t, f, signer, epoch.Add(-time.Hour), epoch.Add(90*24*time.Hour), false)

	first, err := f.store.StoreCertificate(ctx, req.ID, der)
	require.Nil(t, err)
	second, err := f.store.StoreCertificate(ctx, req.ID, der)
	require.Nil(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, common.CLASS_ADVANCED, first.Class)

	owned, err := f.store.FindByOwner(ctx, "bob")
	require.Nil(t, err)
	assert.Len(t, owned, 1)

	entries, err := f.audit.Find(ctx, audit.Filter{
		Operation:     audit.OP_CERTIFICATE_STORED,
		CertificateID: first.ID,
	})
	require.Nil(t, err)
	assert.Len(t, entries, 1)

	// a different certificate for an issued request is rejected
	other := issueFor(t, f, signer, epoch.Add(-time.Hour), epoch.Add(90*24*time.Hour), false)
	_, err = f.store.StoreCertificate(ctx, req.ID, other)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStoreCertificateRejectsForeignKey(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()

	req, _ := createRequest(t, f, "carol", "qualified")
	_, foreign := testutil.SoftwareHandle(t, keystore.ALGORITHM_ECDSA)
	der := issueFor(t, f, foreign, epoch.Add(-time.Hour), epoch.Add(24*time.Hour), false)

	_, err := f.store.StoreCertificate(ctx, req.ID, der)
	assert.ErrorIs(t, err, ErrKeyMismatch)

	unchanged, err := f.store.Request(ctx, req.ID)
	require.Nil(t, err)
	assert.Equal(t, REQUEST_PENDING, unchanged.State)
	assert.Empty(t, unchanged.CertificateID)
}

func TestRequestStateTransitions(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()

	req, _ := createRequest(t, f, "dave", "basic")

	_, err := f.store.UpdateRequestState(ctx, req.ID, RequestUpdate{State: REQUEST_ISSUED})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	updated, err := f.store.UpdateRequestState(ctx, req.ID, RequestUpdate{
		State:       REQUEST_AWAITING_VALIDATION,
		CARequestID: "vendor-7",
	})
	require.Nil(t, err)
	assert.Equal(t, REQUEST_AWAITING_VALIDATION, updated.State)
	assert.Equal(t, "vendor-7", updated.CARequestID)

	updated, err = f.store.UpdateRequestState(ctx, req.ID, RequestUpdate{State: REQUEST_FAILED, Reason: "validation failed"})
	require.Nil(t, err)
	assert.Equal(t, "validation failed", updated.Reason)

	_, err = f.store.UpdateRequestState(ctx, req.ID, RequestUpdate{State: REQUEST_PENDING})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.store.UpdateRequestState(ctx, "missing", RequestUpdate{State: REQUEST_FAILED})
	assert.ErrorIs(t, err, ErrRequestNotFound)

	open, err := f.store.OpenRequests(ctx)
	require.Nil(t, err)
	assert.Empty(t, open)

	_, err = f.store.CreateRequest(ctx, CertificateRequest{ProviderID: "fake-ca"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDerivedCertificateStates(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()

	req, signer := createRequest(t, f, "erin", "qualified")
	der := issueFor(t, f, signer, epoch.Add(-time.Hour), epoch.Add(60*24*time.Hour), false)
	cert, err := f.store.StoreCertificate(ctx, req.ID, der)
	require.Nil(t, err)
	assert.Equal(t, CERT_ACTIVE, cert.State)

	f.clock.Advance(35 * 24 * time.Hour)
	counts, err := f.store.Refresh(ctx)
	require.Nil(t, err)
	assert.Equal(t, 1, counts[CERT_EXPIRING])

	usable, err := f.store.Usable(ctx, cert.ID)
	require.Nil(t, err)
	assert.Equal(t, CERT_EXPIRING, usable.State)

	f.clock.Advance(30 * 24 * time.Hour)
	expired, err := f.store.GetCertificate(ctx, cert.ID, false)
	require.Nil(t, err)
	assert.Equal(t, CERT_EXPIRED, expired.State)

	_, err = f.store.Usable(ctx, cert.ID)
	assert.ErrorIs(t, err, ErrCertExpired)

	_, err = f.store.MarkRevoked(ctx, cert.ID, "key_compromise")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	entries, err := f.audit.Find(ctx, audit.Filter{Operation: audit.OP_CERTIFICATE_EXPIRED})
	require.Nil(t, err)
	assert.Len(t, entries, 1)
}

func TestMarkExpired(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()

	req, signer := createRequest(t, f, "frank", "qualified")
	der := issueFor(t, f, signer, epoch.Add(-time.Hour), epoch.Add(365*24*time.Hour), false)
	cert, err := f.store.StoreCertificate(ctx, req.ID, der)
	require.Nil(t, err)

	expired, err := f.store.MarkExpired(ctx, cert.ID)
	require.Nil(t, err)
	assert.Equal(t, CERT_EXPIRED, expired.State)

	_, err = f.store.Usable(ctx, cert.ID)
	assert.ErrorIs(t, err, ErrCertExpired)
}

func TestRevokedCertificateIsUnusable(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()

	req, signer := createRequest(t, f, "grace", "qualified")
	der := issueFor(t, f, signer, epoch.Add(-time.Hour), epoch.Add(365*24*time.Hour), false)
	cert, err := f.store.StoreCertificate(ctx, req.ID, der)
	require.Nil(t, err)

	revoked, err := f.store.MarkRevoked(ctx, cert.ID, "key_compromise")
	require.Nil(t, err)
	assert.Equal(t, CERT_REVOKED, revoked.State)
	require.NotNil(t, revoked.RevokedAt)

	// revoking again is a no-op
	_, err = f.store.MarkRevoked(ctx, cert.ID, "superseded")
	require.Nil(t, err)
	stored, err := f.store.GetCertificate(ctx, cert.ID, false)
	require.Nil(t, err)
	assert.Equal(t, "key_compromise", stored.RevocationReason)

	_, err = f.store.Usable(ctx, cert.ID)
	assert.ErrorIs(t, err, ErrCertRevoked)

	_, err = f.store.MarkExpired(ctx, cert.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	entries, err := f.audit.Find(ctx, audit.Filter{Operation: audit.OP_CERTIFICATE_REVOKED})
	require.Nil(t, err)
	assert.Len(t, entries, 1)
}

func TestUsableChecksKeyHandle(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()

	req, signer := createRequest(t, f, "heidi", "qualified")
	der := issueFor(t, f, signer, epoch.Add(-time.Hour), epoch.Add(365*24*time.Hour), false)
	cert, err := f.store.StoreCertificate(ctx, req.ID, der)
	require.Nil(t, err)

	f.keys.err = errors.New("hsm: provider not connected")
	_, err = f.store.Usable(ctx, cert.ID)
	assert.ErrorIs(t, err, ErrKeyUnusable)

	f.keys.err = nil
	_, err = f.store.Usable(ctx, cert.ID)
	assert.Nil(t, err)

	_, err = f.store.Usable(ctx, "missing")
	assert.ErrorIs(t, err, ErrCertNotFound)
}

func TestFindByOwnerPrefersLatestValidFrom(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()
	handle, signer := testutil.SoftwareHandle(t, keystore.ALGORITHM_ECDSA)

	older := issueFor(t, f, signer, epoch.Add(-90*24*time.Hour), epoch.Add(300*24*time.Hour), false)
	newer := issueFor(t, f, signer, epoch.Add(-10*24*time.Hour), epoch.Add(300*24*time.Hour), false)
	future := issueFor(t, f, signer, epoch.Add(5*24*time.Hour), epoch.Add(400*24*time.Hour), false)

	ids := make([]string, 0, 3)
	for _, der := range [][]byte{older, future, newer} {
		cert, err := f.store.ImportCertificate(ctx, der, "qualified", "ivan", "fake-ca", handle)
		require.Nil(t, err)
		ids = append(ids, cert.ID)
	}

	owned, err := f.store.FindByOwner(ctx, "ivan")
	require.Nil(t, err)
	require.Len(t, owned, 3)
	assert.Equal(t, ids[2], owned[0].ID)
	assert.Equal(t, ids[0], owned[1].ID)
	assert.Equal(t, ids[1], owned[2].ID)

	preferred, err := f.store.Preferred(ctx, "ivan")
	require.Nil(t, err)
	assert.Equal(t, ids[2], preferred.ID)

	_, err = f.store.Preferred(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNoUsableCertificate)
}

func TestQualifiedStatementsRaiseClass(t *testing.T) {

	f := createFixture(t)
	handle, signer := testutil.SoftwareHandle(t, keystore.ALGORITHM_ECDSA)
	der := issueFor(t, f, signer, epoch.Add(-time.Hour), epoch.Add(24*time.Hour), true)

	cert, err := f.store.ImportCertificate(context.Background(), der, "standard", "judy", "fake-ca", handle)
	require.Nil(t, err)
	assert.Equal(t, common.CLASS_QUALIFIED, cert.Class)
	assert.Equal(t, CERT_EXPIRING, cert.State)
}
