package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/metrics"
	"github.com/sony/gobreaker"
)

const maxResponseSize = 1 << 20

type Params struct {
	Logger          *logging.Logger
	Metrics         *metrics.Metrics
	HTTPClient      *http.Client
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type provider struct {
	config  ProviderConfig
	pinned  *x509.Certificate
	breaker *gobreaker.CircuitBreaker
}

type Service struct {
	params    *Params
	logger    *logging.Logger
	mu        sync.RWMutex
	providers map[string]*provider
}

func NewService(params *Params) *Service {
	if params.HTTPClient == nil {
		params.HTTPClient = &http.Client{}
	}
	if params.BreakerFailures == 0 {
		params.BreakerFailures = 5
	}
	if params.BreakerTimeout == 0 {
		params.BreakerTimeout = time.Minute
	}
	return &Service{
		params:    params,
		logger:    params.Logger.With("component", "tsa"),
		providers: make(map[string]*provider),
	}
}

// Registers or replaces a TSA
func (s *Service) Register(config ProviderConfig) error {
	if config.ID == "" || !strings.HasPrefix(config.URL, "http") {
		return ErrInvalidProvider
	}
	if !config.Qualification.Valid() {
		return fmt.Errorf("%w: qualification %q", ErrInvalidProvider, config.Qualification)
	}
	if config.Timeout == 0 {
		config.Timeout = DEFAULT_TIMEOUT
	}
	p := &provider{config: config}
	if config.Certificate != "" {
		block, _ := pem.Decode([]byte(config.Certificate))
		if block == nil {
			return fmt.Errorf("%w: certificate PEM", ErrInvalidProvider)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidProvider, err)
		}
		p.pinned = cert
	}
	failures := s.params.BreakerFailures
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.ID,
		MaxRequests: 1,
		Timeout:     s.params.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTSAUnreachable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("timestamp: circuit breaker state changed",
				"provider", name, "from", from.String(), "to", to.String())
		},
	})
	s.mu.Lock()
	s.providers[config.ID] = p
	s.mu.Unlock()
	s.logger.Info("timestamp: provider registered",
		"provider", config.ID, "qualification", config.Qualification)
	return nil
}

func (s *Service) Providers() []ProviderConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	configs := make([]ProviderConfig, 0, len(s.providers))
	for _, p := range s.providers {
		configs = append(configs, p.config)
	}
	slices.SortFunc(configs, func(a, b ProviderConfig) int {
		return strings.Compare(a.ID, b.ID)
	})
	return configs
}

// Requests a timestamp token over digest. With no provider id the first
// registered provider meeting the qualification requirement is used.
// The token is verified against the request before it is returned.
func (s *Service) RequestTimestamp(
	ctx context.Context,
	digest []byte,
	hash crypto.Hash,
	opts Options) (token *TimestampToken, err error) {

	p, err := s.selectProvider(opts)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { s.params.Metrics.ObserveTSA(p.config.ID, start, err) }()

	req, err := NewRequest(digest, hash)
	if err != nil {
		return nil, err
	}
	der, err := req.Marshal()
	if err != nil {
		return nil, err
	}

	timeout := p.config.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return s.post(ctx, p, der)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s: %s", ErrTSAUnreachable, p.config.ID, err)
		}
		s.logger.MaybeError(err)
		return nil, err
	}

	status, parsed, err := ParseResponse(result.([]byte))
	if err != nil {
		return nil, err
	}
	if status.Status != StatusGranted && status.Status != StatusGrantedWithMods {
		return nil, fmt.Errorf("%w: %s", ErrTSAReject, statusText(status))
	}
	if parsed == nil {
		return nil, fmt.Errorf("%w: granted without token", ErrInvalidResponse)
	}
	if !parsed.Info.MessageImprint.Equal(req.MessageImprint) {
		return nil, fmt.Errorf("%w: message imprint mismatch", ErrTSAReject)
	}
	if parsed.Info.Nonce == nil || parsed.Info.Nonce.Cmp(req.Nonce) != 0 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrTSAReject)
	}
	signer, err := parsed.Verify(digest)
	if err != nil {
		return nil, err
	}
	if p.pinned != nil && !bytes.Equal(p.pinned.Raw, signer.Raw) {
		return nil, fmt.Errorf("%w: unexpected signer %s", ErrTSAReject, signer.Subject)
	}

	token = &TimestampToken{
		Token:         parsed.Raw,
		TSAIdentity:   parsed.Identity(signer),
		TSATime:       parsed.Info.GenTime.UTC(),
		Qualification: p.config.Qualification,
		ProviderID:    p.config.ID,
		SerialNumber:  parsed.Info.SerialNumber.Text(16),
	}
	s.logger.Debug("timestamp: token received",
		"provider", p.config.ID,
		"tsa", token.TSAIdentity,
		"time", token.TSATime,
		"serial", token.SerialNumber)
	return token, nil
}

func (s *Service) selectProvider(opts Options) (*provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if opts.ProviderID != "" {
		p, ok := s.providers[opts.ProviderID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, opts.ProviderID)
		}
		if opts.Qualified && p.config.Qualification != QUALIFICATION_QUALIFIED {
			return nil, fmt.Errorf("%w: %s is %s", ErrNoQualifiedProvider, p.config.ID, p.config.Qualification)
		}
		return p, nil
	}
	ids := make([]string, 0, len(s.providers))
	for id := range s.providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		p := s.providers[id]
		if !opts.Qualified || p.config.Qualification == QUALIFICATION_QUALIFIED {
			return p, nil
		}
	}
	if opts.Qualified {
		return nil, ErrNoQualifiedProvider
	}
	return nil, ErrUnknownProvider
}

func (s *Service) post(ctx context.Context, p *provider, der []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(der))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProvider, err)
	}
	req.Header.Set("Content-Type", CONTENT_TYPE_QUERY)
	req.Header.Set("Accept", CONTENT_TYPE_REPLY)

	resp, err := s.params.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrTSAUnreachable, p.config.ID, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrTSAUnreachable, p.config.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrTSAUnreachable, p.config.ID, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s: http %d", ErrTSAUnreachable, p.config.ID, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s: http %d", ErrTSAReject, p.config.ID, resp.StatusCode)
	}
	return body, nil
}
