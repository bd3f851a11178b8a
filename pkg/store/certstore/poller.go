package certstore

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/ca"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
)

// Authority is the part of the CA gateway the poller drives
type Authority interface {
	Submit(ctx context.Context, providerID string, csrPEM []byte, certType string, validation map[string]string) (ca.SubmitResult, error)
	Poll(ctx context.Context, providerID, requestID string) (ca.PollResult, error)
}

// SignerResolver returns a crypto.Signer for a key handle, used to sign
// CSRs
type SignerResolver interface {
	SignerFor(ctx context.Context, handle keystore.KeyHandle) (crypto.Signer, error)
}

type PollerParams struct {
	Logger       *logging.Logger
	Store        *CertStore
	Authority    Authority
	Signers      SignerResolver
	BaseInterval time.Duration
	MaxInterval  time.Duration
	Now          func() time.Time
	After        func(time.Duration) <-chan time.Time
}

// Poller runs one polling task per in-flight certificate request. A task
// exits when its request reaches a terminal state, its polling deadline
// passes or the poller is stopped.
type Poller struct {
	params *PollerParams
	logger *logging.Logger
	mu     sync.Mutex
	tasks  map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(params *PollerParams) *Poller {
	if params.BaseInterval <= 0 {
		params.BaseInterval = DEFAULT_POLL_INTERVAL
	}
	if params.MaxInterval < params.BaseInterval {
		params.MaxInterval = DEFAULT_POLL_MAX
		if params.MaxInterval < params.BaseInterval {
			params.MaxInterval = params.BaseInterval
		}
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	if params.After == nil {
		params.After = time.After
	}
	return &Poller{
		params: params,
		logger: params.Logger.With("component", "certstore-poller"),
		tasks:  make(map[string]context.CancelFunc),
	}
}

// Creates a request, submits its CSR to the CA and starts polling it
func (p *Poller) Request(ctx context.Context, req CertificateRequest) (CertificateRequest, error) {
	req, err := p.params.Store.CreateRequest(ctx, req)
	if err != nil {
		return CertificateRequest{}, err
	}
	return p.submitAndTrack(ctx, req)
}

// Creates and submits a renewal request for a certificate
func (p *Poller) Renew(ctx context.Context, certID string) (CertificateRequest, error) {
	req, err := p.params.Store.Renew(ctx, certID)
	if err != nil {
		return CertificateRequest{}, err
	}
	return p.submitAndTrack(ctx, req)
}

// Re-attaches polling tasks to every open request, typically at startup
func (p *Poller) Start(ctx context.Context) error {
	open, err := p.params.Store.OpenRequests(ctx)
	if err != nil {
		return err
	}
	for _, req := range open {
		p.Track(ctx, req.ID)
	}
	p.logger.Info("certstore: polling resumed", "requests", len(open))
	return nil
}

// Starts a polling task for the request unless one is already running
func (p *Poller) Track(ctx context.Context, requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tasks[requestID]; ok {
		return
	}
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.tasks[requestID] = cancel
	p.wg.Add(1)
	go p.run(taskCtx, requestID)
}

// Returns true while a polling task is running for the request
func (p *Poller) Tracking(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[requestID]
	return ok
}

// Cancels every polling task and waits for them to exit. Requests stay
// in their current state and are picked up again by Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	for _, cancel := range p.tasks {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Runs a single polling step: times out requests past their deadline,
// submits requests the CA has not seen yet and applies the CA's current
// status. Transient CA errors are returned so the caller can back off.
func (p *Poller) PollOnce(ctx context.Context, requestID string) (CertificateRequest, error) {
	store := p.params.Store
	req, err := store.Request(ctx, requestID)
	if err != nil {
		return CertificateRequest{}, err
	}
	if req.State.Terminal() {
		return req, nil
	}
	if !p.params.Now().Before(req.Deadline) {
		return store.UpdateRequestState(ctx, req.ID, RequestUpdate{
			State:  REQUEST_TIMEOUT,
			Reason: "polling deadline exceeded",
		})
	}
	if req.CARequestID == "" {
		return p.submit(ctx, req)
	}

	result, err := p.params.Authority.Poll(ctx, req.ProviderID, req.CARequestID)
	if err != nil {
		if ca.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return req, err
		}
		return p.fail(ctx, req, err)
	}
	return p.apply(ctx, req, RequestStateOf(result.State), result.Certificate, result.Reason)
}

func (p *Poller) run(ctx context.Context, requestID string) {
	defer func() {
		p.mu.Lock()
		if cancel, ok := p.tasks[requestID]; ok {
			cancel()
			delete(p.tasks, requestID)
		}
		p.mu.Unlock()
		p.wg.Done()
	}()

	interval := p.params.BaseInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.params.After(interval):
		}
		req, err := p.PollOnce(ctx, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrRequestNotFound) || errors.Is(err, ErrInvalidTransition) {
				p.logger.Error(err, "request", requestID)
				return
			}
			interval = min(interval*2, p.params.MaxInterval)
			p.logger.Warn("certstore: polling failed, backing off",
				"request", requestID, "error", err.Error(), "interval", interval)
			continue
		}
		if req.State.Terminal() {
			return
		}
		interval = p.params.BaseInterval
	}
}

func (p *Poller) submitAndTrack(ctx context.Context, req CertificateRequest) (CertificateRequest, error) {
	req, err := p.submit(ctx, req)
	if err != nil && !ca.IsTransient(err) {
		return req, err
	}
	if !req.State.Terminal() {
		p.Track(ctx, req.ID)
	}
	return req, nil
}

// Builds the CSR with the request's key and submits it
func (p *Poller) submit(ctx context.Context, req CertificateRequest) (CertificateRequest, error) {
	signer, err := p.params.Signers.SignerFor(ctx, req.KeyHandle)
	if err != nil {
		return p.fail(ctx, req, err)
	}
	csr, err := ca.NewCSR(signer, req.KeyHandle.HashFunc(), req.Subject, req.SANs)
	if err != nil {
		return p.fail(ctx, req, err)
	}
	result, err := p.params.Authority.Submit(ctx, req.ProviderID, csr, req.Type, req.Validation)
	if err != nil {
		if ca.IsTransient(err) {
			return req, err
		}
		return p.fail(ctx, req, err)
	}
	req, err = p.params.Store.UpdateRequestState(ctx, req.ID, RequestUpdate{CARequestID: result.RequestID})
	if err != nil {
		return req, err
	}
	return p.apply(ctx, req, RequestStateOf(result.State), result.Certificate, "")
}

// Applies a CA status to a request
func (p *Poller) apply(
	ctx context.Context,
	req CertificateRequest,
	state RequestState,
	der []byte,
	reason string) (CertificateRequest, error) {

	store := p.params.Store
	switch state {
	case REQUEST_ISSUED:
		if len(der) == 0 {
			return req, fmt.Errorf("%w: issued without certificate", ca.ErrInvalidResponse)
		}
		if _, err := store.StoreCertificate(ctx, req.ID, der); err != nil {
			if errors.Is(err, ErrCertInvalid) || errors.Is(err, ErrKeyMismatch) {
				return p.fail(ctx, req, err)
			}
			return req, err
		}
		return store.Request(ctx, req.ID)
	case REQUEST_FAILED:
		if reason == "" {
			reason = "rejected by certificate authority"
		}
		return store.UpdateRequestState(ctx, req.ID, RequestUpdate{State: REQUEST_FAILED, Reason: reason})
	case REQUEST_AWAITING_VALIDATION:
		if req.State == REQUEST_AWAITING_VALIDATION {
			return req, nil
		}
		return store.UpdateRequestState(ctx, req.ID, RequestUpdate{State: REQUEST_AWAITING_VALIDATION})
	}
	return req, nil
}

func (p *Poller) fail(ctx context.Context, req CertificateRequest, cause error) (CertificateRequest, error) {
	p.logger.Error(cause, "request", req.ID, "provider", req.ProviderID)
	return p.params.Store.UpdateRequestState(ctx, req.ID, RequestUpdate{
		State:  REQUEST_FAILED,
		Reason: cause.Error(),
	})
}
