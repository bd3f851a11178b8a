package policy

import (
	"fmt"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/common"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
)

// Engine evaluates signature requests against the catalog and the
// framework table. It holds no per-request state.
type Engine struct {
	catalog    *Catalog
	frameworks *Frameworks
}

func NewEngine(catalog *Catalog, frameworks *Frameworks) *Engine {
	if frameworks == nil {
		frameworks = NewFrameworks()
	}
	return &Engine{catalog: catalog, frameworks: frameworks}
}

func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

func (e *Engine) Frameworks() *Frameworks {
	return e.frameworks
}

// Resolves the named policy. A non-empty jurisdiction must be one the
// policy applies in.
func (e *Engine) Resolve(name, jurisdiction string) (Policy, error) {
	p, err := e.catalog.Get(name)
	if err != nil {
		return Policy{}, err
	}
	if jurisdiction != "" && !p.Applies(jurisdiction) {
		return Policy{}, fmt.Errorf("%w: %s does not apply in %s", ErrJurisdiction, p.Name, jurisdiction)
	}
	return p, nil
}

// Checks an authentication of the given grade, verified at verifiedAt,
// against the policy
func (e *Engine) Authorize(p Policy, grade AuthGrade, verifiedAt, now time.Time) error {
	if err := p.CheckAuth(grade); err != nil {
		return err
	}
	return p.CheckFreshness(verifiedAt, now)
}

// Returns the declared class of a signature made under the policy. The
// timestamp qualification only counts when the policy asks for one.
func (e *Engine) Classify(p Policy, base common.Class, grade AuthGrade, timestamp tsa.Qualification) common.Class {
	if !p.WantsTimestamp() {
		timestamp = ""
	}
	return Classify(base, grade, timestamp)
}

func (e *Engine) Evaluate(from, to string, caTrusted bool, declared common.Class) Recognition {
	return e.frameworks.Evaluate(from, to, caTrusted, declared)
}
