// Package ca is the client side gateway to external Certificate Authority
// vendors. Each vendor is described by a ProviderConfig whose endpoint
// templates map the uniform submit, poll, download and revoke operations
// onto the vendor's JSON API.
package ca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/metrics"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	maxResponseSize = 1 << 20

	DEFAULT_BREAKER_FAILURES = 5
	DEFAULT_BREAKER_TIMEOUT  = time.Minute
)

type Params struct {
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	HTTPClient *http.Client

	// Consecutive transport failures that open a provider's circuit, and
	// how long it stays open
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type provider struct {
	config  ProviderConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

type Gateway struct {
	params    *Params
	logger    *logging.Logger
	mu        sync.RWMutex
	providers map[string]*provider
}

func NewGateway(params *Params) *Gateway {
	if params.HTTPClient == nil {
		params.HTTPClient = &http.Client{}
	}
	if params.BreakerFailures == 0 {
		params.BreakerFailures = DEFAULT_BREAKER_FAILURES
	}
	if params.BreakerTimeout == 0 {
		params.BreakerTimeout = DEFAULT_BREAKER_TIMEOUT
	}
	return &Gateway{
		params:    params,
		logger:    params.Logger.With("component", "ca"),
		providers: make(map[string]*provider),
	}
}

// Registers or replaces a CA vendor
func (g *Gateway) Register(config ProviderConfig) error {

	if config.ID == "" || !strings.HasPrefix(config.BaseURL, "http") {
		return ErrInvalidProvider
	}
	if config.Endpoints.Request == "" || config.Endpoints.Status == "" {
		return fmt.Errorf("%w: request and status endpoints required", ErrInvalidProvider)
	}
	if config.Timeout == 0 {
		config.Timeout = DEFAULT_TIMEOUT
	}

	client := *g.params.HTTPClient
	client.Timeout = config.Timeout

	p := &provider{config: config, client: &client}

	switch config.Auth.Scheme {
	case AUTH_API_KEY:
		if config.Auth.APIKey == "" {
			return fmt.Errorf("%w: api key required", ErrInvalidProvider)
		}
		if config.Auth.APIKeyHeader == "" {
			p.config.Auth.APIKeyHeader = DEFAULT_API_KEY_HEADER
		}
	case AUTH_OAUTH:
		if config.Auth.TokenURL == "" || config.Auth.ClientID == "" {
			return fmt.Errorf("%w: oauth token url and client id required", ErrInvalidProvider)
		}
		cc := &clientcredentials.Config{
			ClientID:     config.Auth.ClientID,
			ClientSecret: config.Auth.ClientSecret,
			TokenURL:     config.Auth.TokenURL,
			Scopes:       config.Auth.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &client)
		p.client = cc.Client(ctx)
		p.client.Timeout = config.Timeout
	case "":
	default:
		return fmt.Errorf("%w: unknown auth scheme %s", ErrInvalidProvider, config.Auth.Scheme)
	}

	if config.Rate.PerSecond > 0 {
		burst := config.Rate.Burst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(config.Rate.PerSecond), burst)
	}

	failures := g.params.BreakerFailures
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.ID,
		MaxRequests: 1,
		Timeout:     g.params.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnreachable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("certificate-authority: circuit breaker state changed",
				"provider", name, "from", from.String(), "to", to.String())
		},
	})

	g.mu.Lock()
	g.providers[config.ID] = p
	g.mu.Unlock()
	g.logger.Info("certificate-authority: provider registered",
		"provider", config.ID, "auth", config.Auth.Scheme, "types", config.Types)
	return nil
}

func (g *Gateway) Providers() []ProviderConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	configs := make([]ProviderConfig, 0, len(g.providers))
	for _, p := range g.providers {
		configs = append(configs, p.config)
	}
	slices.SortFunc(configs, func(a, b ProviderConfig) int {
		return strings.Compare(a.ID, b.ID)
	})
	return configs
}

// Returns true if the provider issues the certificate type. Providers
// without a type list accept any type.
func (g *Gateway) Supports(providerID, certType string) bool {
	p, err := g.provider(providerID)
	if err != nil {
		return false
	}
	return len(p.config.Types) == 0 || slices.Contains(p.config.Types, certType)
}

// Submits a PEM encoded CSR for the certificate type and returns the
// vendor request id with its initial state
func (g *Gateway) Submit(
	ctx context.Context,
	providerID string,
	csrPEM []byte,
	certType string,
	validation map[string]string) (result SubmitResult, err error) {

	defer func() { g.params.Metrics.ObserveCA(providerID, "submit", err) }()

	p, err := g.provider(providerID)
	if err != nil {
		return SubmitResult{}, err
	}
	if !g.Supports(providerID, certType) {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrUnsupportedType, certType)
	}
	csr, err := DecodeCSR(csrPEM)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrBadCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrBadCSR, err)
	}

	body := submitRequest{
		CSR:        string(csrPEM),
		Type:       certType,
		Validation: validation,
	}
	var resp vendorResponse
	if err := g.do(ctx, p, http.MethodPost, p.config.Endpoints.Request, "", body, &resp, true); err != nil {
		return SubmitResult{}, err
	}
	if resp.ID == "" || !resp.Status.Valid() {
		return SubmitResult{}, fmt.Errorf("%w: missing request id or status", ErrInvalidResponse)
	}
	result = SubmitResult{
		RequestID:          resp.ID,
		State:              resp.Status,
		EstimatedIssuance:  resp.EstimatedIssuance,
		ValidationRequired: resp.ValidationRequired,
	}
	if resp.Status == STATE_ISSUED && resp.Certificate != "" {
		cert, err := DecodePEM([]byte(resp.Certificate))
		if err != nil {
			return SubmitResult{}, fmt.Errorf("%w: %s", ErrInvalidResponse, err)
		}
		result.Certificate = cert.Raw
	}
	g.logger.Info("certificate-authority: CSR submitted",
		"provider", providerID, "request", resp.ID, "state", resp.Status, "type", certType)
	return result, nil
}

// Returns the current state of a vendor request. Issued requests carry
// the DER certificate, fetched from the download endpoint when the
// status response omits it. Polling has no side effects on the vendor.
func (g *Gateway) Poll(
	ctx context.Context,
	providerID string,
	requestID string) (result PollResult, err error) {

	defer func() { g.params.Metrics.ObserveCA(providerID, "poll", err) }()

	p, err := g.provider(providerID)
	if err != nil {
		return PollResult{}, err
	}
	var resp vendorResponse
	if err := g.do(ctx, p, http.MethodGet, p.config.Endpoints.Status, requestID, nil, &resp, false); err != nil {
		return PollResult{}, err
	}
	if !resp.Status.Valid() {
		return PollResult{}, fmt.Errorf("%w: status %q", ErrInvalidResponse, resp.Status)
	}
	result = PollResult{State: resp.Status, Reason: resp.Reason}
	if resp.Status != STATE_ISSUED {
		return result, nil
	}

	certPEM := []byte(resp.Certificate)
	if len(certPEM) == 0 {
		if certPEM, err = g.download(ctx, p, requestID); err != nil {
			return PollResult{}, err
		}
	}
	cert, err := DecodePEM(certPEM)
	if err != nil {
		return PollResult{}, fmt.Errorf("%w: %s", ErrInvalidResponse, err)
	}
	result.Certificate = cert.Raw
	return result, nil
}

// Fetches the issued certificate for a request as DER
func (g *Gateway) Download(ctx context.Context, providerID, requestID string) ([]byte, error) {
	p, err := g.provider(providerID)
	if err != nil {
		return nil, err
	}
	certPEM, err := g.download(ctx, p, requestID)
	if err != nil {
		return nil, err
	}
	cert, err := DecodePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, err)
	}
	return cert.Raw, nil
}

// Asks the vendor to revoke a certificate. The identifier is the vendor's
// certificate id or serial number.
func (g *Gateway) Revoke(
	ctx context.Context,
	providerID string,
	certIdentifier string,
	reason RevocationReason) (err error) {

	defer func() { g.params.Metrics.ObserveCA(providerID, "revoke", err) }()

	p, err := g.provider(providerID)
	if err != nil {
		return err
	}
	if p.config.Endpoints.Revoke == "" {
		return fmt.Errorf("%w: provider has no revoke endpoint", ErrRejected)
	}
	if reason == "" {
		reason = REASON_UNSPECIFIED
	}
	err = g.do(ctx, p, http.MethodPost, p.config.Endpoints.Revoke, certIdentifier,
		revokeRequest{Reason: reason}, nil, false)
	if err != nil {
		return err
	}
	g.logger.Info("certificate-authority: certificate revoked",
		"provider", providerID, "certificate", certIdentifier, "reason", reason)
	return nil
}

func (g *Gateway) download(ctx context.Context, p *provider, requestID string) ([]byte, error) {
	if p.config.Endpoints.Download == "" {
		return nil, fmt.Errorf("%w: issued without certificate and no download endpoint", ErrInvalidResponse)
	}
	var resp vendorResponse
	if err := g.do(ctx, p, http.MethodGet, p.config.Endpoints.Download, requestID, nil, &resp, false); err != nil {
		return nil, err
	}
	if resp.Certificate == "" {
		return nil, ErrNotIssued
	}
	return []byte(resp.Certificate), nil
}

func (g *Gateway) provider(id string) (*provider, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, nil
}

// Executes a vendor call through the provider's rate envelope and
// circuit breaker
func (g *Gateway) do(
	ctx context.Context,
	p *provider,
	method, template, id string,
	body, out any,
	submit bool) error {

	if p.limiter != nil && !p.limiter.Allow() {
		return fmt.Errorf("%w: %s rate envelope exhausted", ErrThrottled, p.config.ID)
	}

	endpoint := p.config.BaseURL + strings.ReplaceAll(template, "{id}", url.PathEscape(id))

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, g.roundTrip(ctx, p, method, endpoint, body, out, submit)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s circuit open", ErrUnreachable, p.config.ID)
	}
	return err
}

func (g *Gateway) roundTrip(
	ctx context.Context,
	p *provider,
	method, endpoint string,
	body, out any,
	submit bool) error {

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.config.Auth.Scheme == AUTH_API_KEY {
		req.Header.Set(p.config.Auth.APIKeyHeader, p.config.Auth.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Warn("certificate-authority: transport error",
			"provider", p.config.ID, "error", err.Error())
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	if err := statusError(resp.StatusCode, data, submit); err != nil {
		g.logger.Debug("certificate-authority: vendor error",
			"provider", p.config.ID, "method", method, "status", resp.StatusCode)
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidResponse, err)
	}
	return nil
}

func statusError(status int, body []byte, submit bool) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var vendorErr vendorError
	json.Unmarshal(body, &vendorErr)
	detail := fmt.Sprintf("%d %s %s", status, vendorErr.Code, vendorErr.Message)
	switch {
	case (status == http.StatusBadRequest || status == http.StatusUnprocessableEntity) && submit:
		return fmt.Errorf("%w: %s", ErrBadCSR, detail)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownRequest, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrThrottled, detail)
	case status >= 500:
		return fmt.Errorf("%w: %s", ErrUnreachable, detail)
	}
	return fmt.Errorf("%w: %s", ErrRejected, detail)
}
