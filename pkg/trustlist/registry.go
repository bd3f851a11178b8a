// Package trustlist keeps the per-jurisdiction lists of trusted signing
// CAs used by cross border validation. Lists are seeded from static
// configuration and refreshed periodically from HTTP(S) sources that
// serve JSON or YAML documents.
package trustlist

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/policy"
	"gopkg.in/yaml.v2"
)

const (
	DEFAULT_REFRESH_INTERVAL = 6 * time.Hour
	DEFAULT_TIMEOUT          = 30 * time.Second
	MAX_DOCUMENT_SIZE        = 4 << 20
)

var (
	ErrInvalidDocument = errors.New("trustlist: invalid document")
	ErrFetch           = errors.New("trustlist: fetch failed")
)

// Entry identifies a trusted CA by subject DN, certificate fingerprint or
// both
type Entry struct {
	Jurisdiction string `yaml:"jurisdiction" json:"jurisdiction" mapstructure:"jurisdiction"`
	Name         string `yaml:"name" json:"name" mapstructure:"name"`
	SubjectDN    string `yaml:"subject" json:"subject" mapstructure:"subject"`
	SHA256       string `yaml:"sha256" json:"sha256" mapstructure:"sha256"`
}

// Document is the wire form of a trust list
type Document struct {
	Jurisdiction string  `yaml:"jurisdiction" json:"jurisdiction"`
	Issued       string  `yaml:"issued" json:"issued"`
	Entries      []Entry `yaml:"entries" json:"entries"`
}

// Source is a trust list URL. Entries without a jurisdiction of their
// own take the document's, then the source's.
type Source struct {
	URL          string `yaml:"url" json:"url" mapstructure:"url"`
	Jurisdiction string `yaml:"jurisdiction" json:"jurisdiction" mapstructure:"jurisdiction"`
}

type Config struct {
	Sources []Source      `yaml:"sources" json:"sources" mapstructure:"sources"`
	Refresh time.Duration `yaml:"refresh" json:"refresh" mapstructure:"refresh"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	Static  []Entry       `yaml:"static" json:"static" mapstructure:"static"`
}

type Params struct {
	Logger     *logging.Logger
	Config     Config
	HTTPClient *http.Client
	Now        func() time.Time
}

type Registry struct {
	logger  *logging.Logger
	config  Config
	client  *http.Client
	now     func() time.Time
	mu      sync.RWMutex
	fetched map[string][]Entry
	lists   map[string][]Entry
	updated time.Time
}

func NewRegistry(params *Params) *Registry {
	config := params.Config
	if config.Refresh <= 0 {
		config.Refresh = DEFAULT_REFRESH_INTERVAL
	}
	if config.Timeout <= 0 {
		config.Timeout = DEFAULT_TIMEOUT
	}
	client := params.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		logger:  params.Logger.With("component", "trustlist"),
		config:  config,
		client:  client,
		now:     now,
		fetched: make(map[string][]Entry),
	}
	r.rebuild()
	return r
}

// Fetches every source and rebuilds the lists. A source that fails keeps
// the entries of its last successful fetch; the joined fetch errors are
// returned.
func (r *Registry) Refresh(ctx context.Context) error {
	var errs []error
	for _, source := range r.config.Sources {
		entries, err := r.fetch(ctx, source)
		if err != nil {
			r.logger.MaybeError(err, "source", source.URL)
			errs = append(errs, err)
			continue
		}
		r.mu.Lock()
		r.fetched[source.URL] = entries
		r.mu.Unlock()
		r.logger.Debug("trustlist: source refreshed", "source", source.URL, "entries", len(entries))
	}
	r.rebuild()
	return errors.Join(errs...)
}

// Refreshes on the configured interval until the context is done
func (r *Registry) Run(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.MaybeError(err)
	}
	ticker := time.NewTicker(r.config.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.MaybeError(err)
			}
		}
	}
}

// Adds an entry to the static list
func (r *Registry) Add(entry Entry) {
	r.mu.Lock()
	r.config.Static = append(r.config.Static, entry)
	r.mu.Unlock()
	r.rebuild()
}

// Returns the entries that apply in the jurisdiction. The lists of EU
// member states include the EU wide list.
func (r *Registry) Entries(jurisdiction string) []Entry {
	jurisdiction = strings.ToUpper(jurisdiction)
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := append([]Entry{}, r.lists[jurisdiction]...)
	if policy.IsEUMember(jurisdiction) {
		entries = append(entries, r.lists[policy.JURISDICTION_EU]...)
	}
	return entries
}

// Returns true if the CA that issued the certificate is on the trust list
// of the jurisdiction. The issuer certificate, when known, is matched by
// fingerprint; otherwise the issuer DN is matched.
func (r *Registry) Trusted(jurisdiction string, cert *x509.Certificate, issuer *x509.Certificate) bool {
	var fingerprint string
	if issuer != nil {
		sum := sha256.Sum256(issuer.Raw)
		fingerprint = hex.EncodeToString(sum[:])
	}
	issuerDN := cert.Issuer.String()
	for _, entry := range r.Entries(jurisdiction) {
		if fingerprint != "" && entry.SHA256 != "" {
			if strings.EqualFold(entry.SHA256, fingerprint) {
				return true
			}
			continue
		}
		if entry.SubjectDN != "" && entry.SubjectDN == issuerDN {
			return true
		}
	}
	return false
}

func (r *Registry) Updated() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updated
}

func (r *Registry) rebuild() {
	r.mu.Lock()
	defer r.mu.Unlock()
	lists := make(map[string][]Entry)
	add := func(entry Entry) {
		j := strings.ToUpper(entry.Jurisdiction)
		lists[j] = append(lists[j], entry)
	}
	for _, entry := range r.config.Static {
		add(entry)
	}
	for _, source := range r.config.Sources {
		for _, entry := range r.fetched[source.URL] {
			add(entry)
		}
	}
	r.lists = lists
	r.updated = r.now()
}

func (r *Registry) fetch(ctx context.Context, source Source) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, source.URL, err)
	}
	req.Header.Set("Accept", "application/json, application/yaml")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, source.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetch, source.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MAX_DOCUMENT_SIZE))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, source.URL, err)
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source.URL, err)
	}
	for i := range doc.Entries {
		if doc.Entries[i].Jurisdiction == "" {
			doc.Entries[i].Jurisdiction = doc.Jurisdiction
		}
		if doc.Entries[i].Jurisdiction == "" {
			doc.Entries[i].Jurisdiction = source.Jurisdiction
		}
		if doc.Entries[i].Jurisdiction == "" {
			return nil, fmt.Errorf("%w: %s: entry %q has no jurisdiction",
				ErrInvalidDocument, source.URL, doc.Entries[i].Name)
		}
	}
	return doc.Entries, nil
}

// Decodes a JSON or YAML trust list document
func Decode(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, err)
	}
	for _, entry := range doc.Entries {
		if entry.SubjectDN == "" && entry.SHA256 == "" {
			return nil, fmt.Errorf("%w: entry %q has neither subject nor sha256", ErrInvalidDocument, entry.Name)
		}
	}
	return &doc, nil
}
