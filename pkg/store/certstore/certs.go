package certstore

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-signature-trust/pkg/audit"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/metrics"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore/pkcs8"
)

// KeyChecker reports whether a key handle can sign right now
type KeyChecker interface {
	KeyUsable(ctx context.Context, handle keystore.KeyHandle) error
}

type Params struct {
	Logger        *logging.Logger
	Store         datastore.Store
	Serializer    datastore.Serializer
	Audit         *audit.Log
	Keys          KeyChecker
	Metrics       *metrics.Metrics
	RenewalWindow time.Duration
	PollTimeout   time.Duration
	Now           func() time.Time
}

// CertStore is the source of truth for certificate requests, issued
// certificates and their lifecycle states
type CertStore struct {
	params   *Params
	logger   *logging.Logger
	requests *datastore.Repository[CertificateRequest]
	certs    *datastore.Repository[Certificate]
}

func NewCertificateStore(params *Params) *CertStore {
	if params.RenewalWindow <= 0 {
		params.RenewalWindow = DEFAULT_RENEWAL_WINDOW
	}
	if params.PollTimeout <= 0 {
		params.PollTimeout = DEFAULT_POLL_TIMEOUT
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &CertStore{
		params: params,
		logger: params.Logger.With("component", "certstore"),
		requests: datastore.NewRepository[CertificateRequest](
			params.Store, datastore.PartitionCertificateRequests, params.Serializer),
		certs: datastore.NewRepository[Certificate](
			params.Store, datastore.PartitionCertificates, params.Serializer),
	}
}

// Creates a Pending certificate request. The polling deadline is fixed
// at creation.
func (cs *CertStore) CreateRequest(ctx context.Context, req CertificateRequest) (CertificateRequest, error) {
	if err := req.Validate(); err != nil {
		return CertificateRequest{}, err
	}
	now := cs.params.Now().UTC()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.State = REQUEST_PENDING
	req.CertificateID = ""
	req.CreatedAt = now
	req.UpdatedAt = now
	req.Deadline = now.Add(cs.params.PollTimeout)

	if _, err := cs.requests.Create(ctx, req.ID, req); err != nil {
		return CertificateRequest{}, err
	}
	cs.logger.Info("certstore: certificate request created",
		"request", req.ID, "provider", req.ProviderID, "type", req.Type, "user", req.UserID)
	cs.audit(ctx, audit.Entry{
		Operation: audit.OP_CERTIFICATE_REQUESTED,
		UserID:    req.UserID,
		RequestID: req.ID,
		Details:   map[string]string{"provider": req.ProviderID, "type": req.Type},
	})
	return req, nil
}

func (cs *CertStore) Request(ctx context.Context, id string) (CertificateRequest, error) {
	req, _, err := cs.requests.Get(ctx, id)
	if errors.Is(err, datastore.ErrRecordNotFound) {
		return CertificateRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return req, err
}

// Returns every request that has not reached a terminal state
func (cs *CertStore) OpenRequests(ctx context.Context) ([]CertificateRequest, error) {
	all, err := cs.requests.List(ctx)
	if err != nil {
		return nil, err
	}
	open := make([]CertificateRequest, 0)
	for _, req := range all {
		if !req.State.Terminal() {
			open = append(open, req)
		}
	}
	return open, nil
}

// Applies a state update to a request with compare-and-set, retrying on
// concurrent writers. Issued is reached only through StoreCertificate.
func (cs *CertStore) UpdateRequestState(
	ctx context.Context,
	id string,
	update RequestUpdate) (CertificateRequest, error) {

	if update.State == REQUEST_ISSUED {
		return CertificateRequest{}, fmt.Errorf("%w: issued requires a certificate", ErrInvalidTransition)
	}
	var previous RequestState
	req, err := cs.requests.Mutate(ctx, id, datastore.DefaultMutateAttempts, func(req *CertificateRequest) error {
		previous = req.State
		if update.State != "" {
			if !req.State.CanTransition(update.State) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.State, update.State)
			}
			req.State = update.State
		}
		if update.CARequestID != "" {
			req.CARequestID = update.CARequestID
		}
		if update.Reason != "" {
			req.Reason = update.Reason
		}
		req.UpdatedAt = cs.params.Now().UTC()
		return nil
	})
	if errors.Is(err, datastore.ErrRecordNotFound) {
		return CertificateRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if err != nil {
		return CertificateRequest{}, err
	}
	if previous != req.State {
		cs.logger.Info("certstore: request state changed",
			"request", id, "from", previous, "to", req.State, "reason", req.Reason)
		cs.audit(ctx, audit.Entry{
			Operation: audit.OP_REQUEST_STATE_CHANGED,
			UserID:    req.UserID,
			RequestID: req.ID,
			Details: map[string]string{
				"from":   string(previous),
				"to":     string(req.State),
				"reason": req.Reason,
			},
		})
	}
	return req, nil
}

// Stores the certificate issued for a request and marks the request
// Issued in one atomic pair write. Storing the same certificate for the
// same request again returns the stored certificate without writing.
func (cs *CertStore) StoreCertificate(ctx context.Context, requestID string, der []byte) (Certificate, error) {

	for attempt := 0; attempt < datastore.DefaultMutateAttempts; attempt++ {

		req, version, err := cs.requests.Get(ctx, requestID)
		if errors.Is(err, datastore.ErrRecordNotFound) {
			return Certificate{}, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
		}
		if err != nil {
			return Certificate{}, err
		}

		x509Cert, cert, err := ParseCertificate(der, req.Type)
		if err != nil {
			return Certificate{}, err
		}

		if req.State == REQUEST_ISSUED {
			if req.CertificateID != cert.ID {
				return Certificate{}, fmt.Errorf("%w: request %s already issued", ErrInvalidTransition, requestID)
			}
			stored, err := cs.GetCertificate(ctx, cert.ID, false)
			if err != nil {
				return Certificate{}, err
			}
			cs.auditStored(ctx, &stored)
			return stored, nil
		}
		if !req.State.CanTransition(REQUEST_ISSUED) {
			return Certificate{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.State, REQUEST_ISSUED)
		}
		if err := matchKey(x509Cert, req.KeyHandle); err != nil {
			return Certificate{}, err
		}

		now := cs.params.Now().UTC()
		cert.KeyHandle = req.KeyHandle
		cert.OwnerID = req.UserID
		cert.ProviderID = req.ProviderID
		cert.RequestID = req.ID
		cert.CreatedAt = now
		cert.State = cs.derive(CERT_ACTIVE, &cert, now)

		req.State = REQUEST_ISSUED
		req.CertificateID = cert.ID
		req.UpdatedAt = now

		reqData, err := cs.requests.Encode(req)
		if err != nil {
			return Certificate{}, err
		}
		certData, err := cs.certs.Encode(cert)
		if err != nil {
			return Certificate{}, err
		}
		err = cs.params.Store.PutPair(ctx,
			datastore.PairWrite{
				Partition:       datastore.PartitionCertificateRequests,
				ID:              req.ID,
				ExpectedVersion: version,
				Data:            reqData,
			},
			datastore.PairWrite{
				Partition:       datastore.PartitionCertificates,
				ID:              cert.ID,
				ExpectedVersion: datastore.VersionAbsent,
				Data:            certData,
			})
		if errors.Is(err, datastore.ErrVersionConflict) {
			if _, _, getErr := cs.certs.Get(ctx, cert.ID); getErr == nil {
				if fresh, _ := cs.Request(ctx, requestID); fresh.CertificateID != cert.ID {
					return Certificate{}, fmt.Errorf("%w: certificate %s already stored", datastore.ErrRecordExists, cert.ID)
				}
			}
			continue
		}
		if err != nil {
			cs.logger.Error(err, "request", requestID)
			return Certificate{}, err
		}

		cs.logger.Info("certstore: certificate stored",
			"certificate", cert.ID, "request", req.ID, "owner", cert.OwnerID,
			"class", cert.Class, "state", cert.State, "validTo", cert.ValidTo)
		cs.auditStored(ctx, &cert)
		return cert, nil
	}
	return Certificate{}, datastore.ErrVersionConflict
}

// Imports a certificate that was issued outside of a tracked request
func (cs *CertStore) ImportCertificate(
	ctx context.Context,
	der []byte,
	certType string,
	ownerID string,
	providerID string,
	handle keystore.KeyHandle) (Certificate, error) {

	if err := handle.Validate(); err != nil {
		return Certificate{}, err
	}
	x509Cert, cert, err := ParseCertificate(der, certType)
	if err != nil {
		return Certificate{}, err
	}
	if err := matchKey(x509Cert, handle); err != nil {
		return Certificate{}, err
	}
	now := cs.params.Now().UTC()
	cert.KeyHandle = handle
	cert.OwnerID = ownerID
	cert.ProviderID = providerID
	cert.CreatedAt = now
	cert.State = cs.derive(CERT_ACTIVE, &cert, now)

	if _, err := cs.certs.Create(ctx, cert.ID, cert); err != nil {
		if errors.Is(err, datastore.ErrRecordExists) {
			return cs.GetCertificate(ctx, cert.ID, false)
		}
		return Certificate{}, err
	}
	cs.auditStored(ctx, &cert)
	return cert, nil
}

// Returns a certificate with its derived state brought up to date.
// Software key material is only returned when includePrivateKey is set.
func (cs *CertStore) GetCertificate(ctx context.Context, id string, includePrivateKey bool) (Certificate, error) {
	cert, _, err := cs.certs.Get(ctx, id)
	if errors.Is(err, datastore.ErrRecordNotFound) {
		return Certificate{}, fmt.Errorf("%w: %s", ErrCertNotFound, id)
	}
	if err != nil {
		return Certificate{}, err
	}
	cert = cs.refresh(ctx, cert)
	if !includePrivateKey {
		cert.KeyHandle = cert.KeyHandle.Redacted()
	}
	return cert, nil
}

// Returns the owner's certificates, preferred first: certificates that
// can sign now ordered by the latest validFrom not after now, then the
// rest ordered the same way
func (cs *CertStore) FindByOwner(ctx context.Context, ownerID string) ([]Certificate, error) {
	all, err := cs.certs.List(ctx)
	if err != nil {
		return nil, err
	}
	now := cs.params.Now()
	owned := make([]Certificate, 0)
	for _, cert := range all {
		if cert.OwnerID != ownerID {
			continue
		}
		cert = cs.refresh(ctx, cert)
		cert.KeyHandle = cert.KeyHandle.Redacted()
		owned = append(owned, cert)
	}
	slices.SortStableFunc(owned, func(a, b Certificate) int {
		ua, ub := a.State.Signing() && a.ValidAt(now), b.State.Signing() && b.ValidAt(now)
		if ua != ub {
			if ua {
				return -1
			}
			return 1
		}
		return b.ValidFrom.Compare(a.ValidFrom)
	})
	return owned, nil
}

// Returns the owner's preferred usable certificate
func (cs *CertStore) Preferred(ctx context.Context, ownerID string) (Certificate, error) {
	owned, err := cs.FindByOwner(ctx, ownerID)
	if err != nil {
		return Certificate{}, err
	}
	for _, cert := range owned {
		if _, err := cs.Usable(ctx, cert.ID); err == nil {
			return cert, nil
		}
	}
	return Certificate{}, fmt.Errorf("%w: %s", ErrNoUsableCertificate, ownerID)
}

// Returns the certificate, with its key material, if it can sign now:
// its state is Active or Expiring, now lies within its validity period
// and its key handle is usable
func (cs *CertStore) Usable(ctx context.Context, id string) (Certificate, error) {
	cert, err := cs.GetCertificate(ctx, id, true)
	if err != nil {
		return Certificate{}, err
	}
	now := cs.params.Now()
	switch {
	case cert.State == CERT_REVOKED:
		return cert, fmt.Errorf("%w: %s", ErrCertRevoked, id)
	case cert.State == CERT_EXPIRED || now.After(cert.ValidTo):
		return cert, fmt.Errorf("%w: %s", ErrCertExpired, id)
	case !cert.State.Signing() || now.Before(cert.ValidFrom):
		return cert, fmt.Errorf("%w: %s", ErrCertInactive, id)
	}
	if cs.params.Keys != nil {
		if err := cs.params.Keys.KeyUsable(ctx, cert.KeyHandle); err != nil {
			return cert, fmt.Errorf("%w: %w", ErrKeyUnusable, err)
		}
	} else if err := cert.KeyHandle.Validate(); err != nil {
		return cert, fmt.Errorf("%w: %w", ErrKeyUnusable, err)
	}
	return cert, nil
}

// Marks a certificate Revoked. Expired certificates can not be revoked;
// revoking a revoked certificate is a no-op.
func (cs *CertStore) MarkRevoked(ctx context.Context, id, reason string) (Certificate, error) {
	now := cs.params.Now().UTC()
	changed := false
	cert, err := cs.certs.Mutate(ctx, id, datastore.DefaultMutateAttempts, func(cert *Certificate) error {
		changed = false
		if cert.State == CERT_REVOKED {
			return nil
		}
		cert.State = cs.derive(cert.State, cert, now)
		if !cert.State.CanTransition(CERT_REVOKED) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cert.State, CERT_REVOKED)
		}
		cert.State = CERT_REVOKED
		cert.RevokedAt = &now
		cert.RevocationReason = reason
		changed = true
		return nil
	})
	if errors.Is(err, datastore.ErrRecordNotFound) {
		return Certificate{}, fmt.Errorf("%w: %s", ErrCertNotFound, id)
	}
	if err != nil {
		return Certificate{}, err
	}
	if changed {
		cs.logger.Security(logging.SecurityLogEntry{
			Timestamp:   now,
			Severity:    logging.SeverityHigh,
			Category:    logging.CategoryRevocation,
			Description: "certificate revoked",
			Details:     fmt.Sprintf("certificate=%s reason=%s", id, reason),
			Source:      logging.SourceLifecycle,
			UserID:      cert.OwnerID,
		})
		cs.audit(ctx, audit.Entry{
			ID:            "certificate-revoked-" + cert.ID,
			Operation:     audit.OP_CERTIFICATE_REVOKED,
			UserID:        cert.OwnerID,
			CertificateID: cert.ID,
			Details:       map[string]string{"reason": reason},
		})
	}
	cert.KeyHandle = cert.KeyHandle.Redacted()
	return cert, nil
}

// Marks a certificate Expired. Revoked certificates stay revoked.
func (cs *CertStore) MarkExpired(ctx context.Context, id string) (Certificate, error) {
	cert, changed, err := cs.transition(ctx, id, CERT_EXPIRED)
	if err != nil {
		return Certificate{}, err
	}
	if changed {
		cs.auditExpired(ctx, &cert)
	}
	cert.KeyHandle = cert.KeyHandle.Redacted()
	return cert, nil
}

// Recomputes the derived state of every certificate and persists the
// changes. Returns the number of certificates per state.
func (cs *CertStore) Refresh(ctx context.Context) (map[CertificateState]int, error) {
	all, err := cs.certs.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[CertificateState]int{
		CERT_ACTIVE:   0,
		CERT_EXPIRING: 0,
		CERT_EXPIRED:  0,
		CERT_REVOKED:  0,
	}
	var errs []error
	for _, cert := range all {
		next := cs.derive(cert.State, &cert, cs.params.Now())
		if next != cert.State {
			updated, changed, err := cs.transition(ctx, cert.ID, next)
			if err != nil {
				errs = append(errs, err)
				counts[cert.State]++
				continue
			}
			if changed && updated.State == CERT_EXPIRED {
				cs.auditExpired(ctx, &updated)
			}
			cert = updated
		}
		counts[cert.State]++
	}
	gauge := make(map[string]int, len(counts))
	for state, n := range counts {
		gauge[string(state)] = n
	}
	cs.params.Metrics.SetCertificateStates(gauge)
	return counts, errors.Join(errs...)
}

// Creates a Pending request that renews a certificate for the same owner,
// key, provider and type
func (cs *CertStore) Renew(ctx context.Context, certID string) (CertificateRequest, error) {
	cert, err := cs.GetCertificate(ctx, certID, true)
	if err != nil {
		return CertificateRequest{}, err
	}
	if cert.State == CERT_REVOKED {
		return CertificateRequest{}, fmt.Errorf("%w: %s", ErrCertRevoked, certID)
	}
	renewal := CertificateRequest{
		ProviderID: cert.ProviderID,
		Type:       cert.Type,
		UserID:     cert.OwnerID,
		KeyHandle:  cert.KeyHandle,
		RenewalOf:  cert.ID,
	}
	if original, err := cs.Request(ctx, cert.RequestID); err == nil && cert.RequestID != "" {
		renewal.Subject = original.Subject
		renewal.SANs = original.SANs
		renewal.Validation = original.Validation
	} else {
		x509Cert, err := x509.ParseCertificate(cert.DER)
		if err != nil {
			return CertificateRequest{}, errors.Join(ErrCertInvalid, err)
		}
		renewal.Subject.CommonName = x509Cert.Subject.CommonName
		renewal.Subject.SerialNumber = x509Cert.Subject.SerialNumber
		if len(x509Cert.Subject.Organization) > 0 {
			renewal.Subject.Organization = x509Cert.Subject.Organization[0]
		}
		if len(x509Cert.Subject.Country) > 0 {
			renewal.Subject.Country = x509Cert.Subject.Country[0]
		}
	}
	return cs.CreateRequest(ctx, renewal)
}

// Moves a certificate to the target state with compare-and-set
func (cs *CertStore) transition(
	ctx context.Context,
	id string,
	target CertificateState) (Certificate, bool, error) {

	changed := false
	cert, err := cs.certs.Mutate(ctx, id, datastore.DefaultMutateAttempts, func(cert *Certificate) error {
		changed = false
		if cert.State == target {
			return nil
		}
		if !cert.State.CanTransition(target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cert.State, target)
		}
		cert.State = target
		changed = true
		return nil
	})
	if errors.Is(err, datastore.ErrRecordNotFound) {
		return Certificate{}, false, fmt.Errorf("%w: %s", ErrCertNotFound, id)
	}
	if err == nil && changed {
		cs.logger.Info("certstore: certificate state changed", "certificate", id, "state", target)
	}
	return cert, changed, err
}

// Persists the derived state of cert if it changed. Errors are logged;
// the derived view is returned either way.
func (cs *CertStore) refresh(ctx context.Context, cert Certificate) Certificate {
	next := cs.derive(cert.State, &cert, cs.params.Now())
	if next == cert.State {
		return cert
	}
	updated, changed, err := cs.transition(ctx, cert.ID, next)
	if err != nil {
		cs.logger.MaybeError(err, "certificate", cert.ID)
		cert.State = next
		return cert
	}
	if changed && updated.State == CERT_EXPIRED {
		cs.auditExpired(ctx, &updated)
	}
	return updated
}

// Returns the state a certificate in state current should be in at now
func (cs *CertStore) derive(current CertificateState, cert *Certificate, now time.Time) CertificateState {
	switch current {
	case CERT_REVOKED, CERT_EXPIRED:
		return current
	}
	if now.After(cert.ValidTo) {
		return CERT_EXPIRED
	}
	if cert.ValidTo.Sub(now) < cs.params.RenewalWindow {
		return CERT_EXPIRING
	}
	return current
}

func (cs *CertStore) auditStored(ctx context.Context, cert *Certificate) {
	cs.audit(ctx, audit.Entry{
		ID:            "certificate-stored-" + cert.ID,
		Operation:     audit.OP_CERTIFICATE_STORED,
		UserID:        cert.OwnerID,
		CertificateID: cert.ID,
		RequestID:     cert.RequestID,
		Class:         string(cert.Class),
		Details:       map[string]string{"state": string(cert.State), "provider": cert.ProviderID},
	})
}

func (cs *CertStore) auditExpired(ctx context.Context, cert *Certificate) {
	cs.audit(ctx, audit.Entry{
		ID:            "certificate-expired-" + cert.ID,
		Operation:     audit.OP_CERTIFICATE_EXPIRED,
		UserID:        cert.OwnerID,
		CertificateID: cert.ID,
	})
}

func (cs *CertStore) audit(ctx context.Context, entry audit.Entry) {
	if cs.params.Audit == nil {
		return
	}
	if _, err := cs.params.Audit.Append(ctx, entry); err != nil {
		cs.logger.Error(err, "operation", entry.Operation)
	}
}

// Verifies a software handle's key matches the certificate. HSM keys are
// checked by the CA against the CSR.
func matchKey(cert *x509.Certificate, handle keystore.KeyHandle) error {
	if handle.IsHSM() || len(handle.PEM) == 0 {
		return nil
	}
	signer, err := pkcs8.ParsePEM(handle.PEM, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyMismatch, err)
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}
