package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-signature-trust/pkg/audit"
	"github.com/jeremyhahn/go-signature-trust/pkg/common"
	"github.com/jeremyhahn/go-signature-trust/pkg/container"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

type CatalogParams struct {
	Logger     *logging.Logger
	Store      datastore.Store
	Serializer datastore.Serializer
	Audit      *audit.Log
}

// Catalog holds the named policies. Lookups see either the catalog
// before or after a Replace, never a mix of both.
type Catalog struct {
	logger   *logging.Logger
	audit    *audit.Log
	mu       sync.RWMutex
	policies map[string]Policy
	records  *datastore.Repository[Policy]
}

// Creates a catalog seeded with the built-in policies
func NewCatalog(params *CatalogParams) *Catalog {
	c := &Catalog{
		logger:   params.Logger.With("component", "policy"),
		audit:    params.Audit,
		policies: make(map[string]Policy),
	}
	if params.Store != nil {
		c.records = datastore.NewRepository[Policy](
			params.Store, datastore.PartitionPolicies, params.Serializer)
	}
	for _, p := range Builtins() {
		c.policies[p.Name] = p
	}
	return c
}

// Returns the named policy
func (c *Catalog) Get(name string) (Policy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[strings.ToLower(name)]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrPolicyUnknown, name)
	}
	return p, nil
}

// Returns every policy, sorted by name
func (c *Catalog) List() []Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	policies := make([]Policy, 0, len(c.policies))
	for _, p := range c.policies {
		policies = append(policies, p)
	}
	slices.SortFunc(policies, func(a, b Policy) int {
		return strings.Compare(a.Name, b.Name)
	})
	return policies
}

// Adds or replaces a single policy
func (c *Catalog) Register(ctx context.Context, p Policy) error {
	p, err := normalize(p)
	if err != nil {
		return err
	}
	if c.records != nil {
		if _, err := c.records.Save(ctx, p.Name, p); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.policies[p.Name] = p
	c.mu.Unlock()
	c.logger.Info("policy: registered", "policy", p.Name, "container", p.ContainerName())
	return nil
}

// Atomically replaces the whole catalog. Every policy is validated before
// anything changes; an invalid policy leaves the catalog untouched.
func (c *Catalog) Replace(ctx context.Context, userID string, policies []Policy) error {
	next := make(map[string]Policy, len(policies))
	for _, p := range policies {
		p, err := normalize(p)
		if err != nil {
			return err
		}
		if _, exists := next[p.Name]; exists {
			return fmt.Errorf("%w: duplicate policy %s", ErrInvalidPolicy, p.Name)
		}
		next[p.Name] = p
	}
	if len(next) == 0 {
		return fmt.Errorf("%w: empty catalog", ErrInvalidPolicy)
	}

	c.mu.Lock()
	previous := c.policies
	c.policies = next
	c.mu.Unlock()

	if err := c.persist(ctx, previous, next); err != nil {
		c.logger.Error(err, "policies", len(next))
		return err
	}
	if c.audit != nil {
		names := make([]string, 0, len(next))
		for name := range next {
			names = append(names, name)
		}
		slices.Sort(names)
		if _, err := c.audit.Append(ctx, audit.Entry{
			Operation: audit.OP_POLICY_CATALOG_REPLACED,
			UserID:    userID,
			Details:   map[string]string{"policies": strings.Join(names, ",")},
		}); err != nil {
			return err
		}
	}
	c.logger.Info("policy: catalog replaced", "policies", len(next), "user", userID)
	return nil
}

func (c *Catalog) persist(ctx context.Context, previous, next map[string]Policy) error {
	if c.records == nil {
		return nil
	}
	for name, p := range next {
		if _, err := c.records.Save(ctx, name, p); err != nil {
			return err
		}
	}
	for name := range previous {
		if _, ok := next[name]; ok {
			continue
		}
		if err := c.records.Delete(ctx, name); err != nil && !errors.Is(err, datastore.ErrRecordNotFound) {
			return err
		}
	}
	return nil
}

// Loads the persisted catalog. The built-in policies remain in effect
// when nothing has been persisted.
func (c *Catalog) Load(ctx context.Context) error {
	if c.records == nil {
		return nil
	}
	stored, err := c.records.List(ctx)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		c.logger.Debug("policy: no persisted catalog, using built-in policies")
		return nil
	}
	next := make(map[string]Policy, len(stored))
	for _, p := range stored {
		p, err := normalize(p)
		if err != nil {
			return err
		}
		next[p.Name] = p
	}
	c.mu.Lock()
	c.policies = next
	c.mu.Unlock()
	c.logger.Info("policy: catalog loaded", "policies", len(next))
	return nil
}

// catalogFile is the on-disk catalog document
type catalogFile struct {
	Policies []Policy `yaml:"policies"`
}

// Reads a YAML catalog document from the file system
func LoadFile(fs afero.Fs, path string) ([]Policy, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decodes a YAML (or JSON) catalog document. Both a document with a
// top level "policies" list and a bare list are accepted.
func Decode(data []byte) ([]Policy, error) {
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Policies) > 0 {
		return doc.Policies, nil
	}
	var list []Policy
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPolicy, err)
	}
	return list, nil
}

// Encodes policies as a YAML catalog document
func Encode(policies []Policy) ([]byte, error) {
	return yaml.Marshal(catalogFile{Policies: policies})
}

func normalize(p Policy) (Policy, error) {
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	p.Jurisdictions = slices.Clone(p.Jurisdictions)
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	p.MinClass, _ = common.ParseClass(string(p.MinClass))
	p.Format, _ = container.ParseFormat(string(p.Format))
	p.Profile, _ = container.ParseProfile(string(p.Profile))
	return p, nil
}
