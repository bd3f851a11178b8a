package policy

import (
	"fmt"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/common"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
)

// A classification rule matches a certificate class exactly and the
// authentication and timestamp inputs at or above the given levels
type rule struct {
	base   common.Class
	auth   AuthGrade
	tsa    tsa.Qualification
	result common.Class
}

// Evaluated top down, first match wins. Every base class ends in a
// catch-all row so classification never lowers the certificate class.
var classification = []rule{
	{common.CLASS_QUALIFIED_PLUS, AUTH_NONE, "", common.CLASS_QUALIFIED_PLUS},

	{common.CLASS_QUALIFIED, AUTH_ADVANCED, tsa.QUALIFICATION_QUALIFIED, common.CLASS_QUALIFIED_PLUS},
	{common.CLASS_QUALIFIED, AUTH_NONE, "", common.CLASS_QUALIFIED},

	{common.CLASS_ADVANCED, AUTH_ADVANCED, tsa.QUALIFICATION_QUALIFIED, common.CLASS_QUALIFIED_PLUS},
	{common.CLASS_ADVANCED, AUTH_NONE, "", common.CLASS_ADVANCED},

	{common.CLASS_BASIC, AUTH_BASIC, "", common.CLASS_ADVANCED},
	{common.CLASS_BASIC, AUTH_NONE, "", common.CLASS_BASIC},
}

// Returns the declared legal class of a signature from the certificate
// class, the authentication enhancement and the qualification of the
// timestamp, if any
func Classify(base common.Class, auth AuthGrade, timestamp tsa.Qualification) common.Class {
	for _, r := range classification {
		if r.base == base && auth.AtLeast(r.auth) && tsaRank[timestamp] >= tsaRank[r.tsa] {
			return r.result
		}
	}
	return common.CLASS_NONE
}

// Returns nil if a certificate of the class may sign under the policy
func (p Policy) CheckCertificate(class common.Class) error {
	if !class.AtLeast(p.MinClass) {
		return fmt.Errorf("%w: %s requires %s, certificate is %s",
			ErrClassInsufficient, p.Name, p.MinClass, class)
	}
	return nil
}

// Returns nil if the authentication enhancement satisfies the policy
func (p Policy) CheckAuth(grade AuthGrade) error {
	if !grade.AtLeast(p.AuthGrade) {
		return fmt.Errorf("%w: %s requires %s, proof provides %s",
			ErrAuthEnhancementInsufficient, p.Name, p.AuthGrade, grade)
	}
	return nil
}

// Returns nil while an authentication verified at verifiedAt is within
// the policy freshness window
func (p Policy) CheckFreshness(verifiedAt, now time.Time) error {
	window := p.Freshness
	if window == 0 {
		window = DEFAULT_FRESHNESS_WINDOW
	}
	if now.Sub(verifiedAt) > window {
		return fmt.Errorf("%w: verified %s ago, window %s",
			ErrAuthStale, now.Sub(verifiedAt).Truncate(time.Second), window)
	}
	return nil
}

// Returns true if the policy's operation requires step-up authentication
func (p Policy) RequiresAuth() bool {
	return p.Operation.Sensitive() || p.AuthGrade != AUTH_NONE
}
