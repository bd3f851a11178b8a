// Package policy is the signature policy engine. It resolves named
// policies, gates certificates and step-up authentication against them,
// derives the declared legal class of a signature and decides whether a
// signature is recognized across jurisdictions.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/common"
	"github.com/jeremyhahn/go-signature-trust/pkg/container"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
)

type AuthGrade string

type Method string

type Operation string

type TimestampRequirement string

const (
	AUTH_NONE      AuthGrade = ""
	AUTH_BASIC     AuthGrade = "basic_auth"
	AUTH_ADVANCED  AuthGrade = "advanced_auth"
	AUTH_QUALIFIED AuthGrade = "qualified_auth"

	METHOD_TOTP      Method = "totp"
	METHOD_SMS       Method = "sms"
	METHOD_BIOMETRIC Method = "biometric"
	METHOD_BACKUP    Method = "backup"
)

const (
	OP_CERTIFICATE_REQUEST  Operation = "certificate_request"
	OP_DIGITAL_SIGNATURE    Operation = "digital_signature"
	OP_TIMESTAMP_SIGNATURE  Operation = "timestamp_signature"
	OP_KEY_GENERATION       Operation = "key_generation"
	OP_CERTIFICATE_RENEWAL  Operation = "certificate_renewal"
	OP_DOCUMENT_SIGNING     Operation = "document_signing"
	OP_SIGNATURE_VALIDATION Operation = "signature_validation"
)

const (
	TIMESTAMP_NONE        TimestampRequirement = "none"
	TIMESTAMP_RECOMMENDED TimestampRequirement = "recommended"
	TIMESTAMP_REQUIRED    TimestampRequirement = "required"

	DEFAULT_FRESHNESS_WINDOW = 5 * time.Minute
)

var (
	ErrPolicyUnknown               = errors.New("policy: unknown policy")
	ErrInvalidPolicy               = errors.New("policy: invalid policy")
	ErrClassInsufficient           = errors.New("policy: certificate class below policy minimum")
	ErrAuthEnhancementInsufficient = errors.New("policy: authentication enhancement insufficient")
	ErrAuthStale                   = errors.New("policy: authentication proof is no longer fresh")
	ErrJurisdiction                = errors.New("policy: jurisdiction not covered by policy")
	ErrInvalidAuthGrade            = errors.New("policy: invalid authentication grade")
	ErrInvalidMethod               = errors.New("policy: invalid authentication method")
)

var authRank = map[AuthGrade]int{
	AUTH_NONE:      0,
	AUTH_BASIC:     1,
	AUTH_ADVANCED:  2,
	AUTH_QUALIFIED: 3,
}

func (g AuthGrade) Rank() int {
	return authRank[g]
}

func (g AuthGrade) AtLeast(other AuthGrade) bool {
	return g.Rank() >= other.Rank()
}

func ParseAuthGrade(s string) (AuthGrade, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "none" {
		return AUTH_NONE, nil
	}
	if !strings.HasSuffix(s, "_auth") {
		s += "_auth"
	}
	grade := AuthGrade(s)
	if _, ok := authRank[grade]; !ok {
		return AUTH_NONE, fmt.Errorf("%w: %s", ErrInvalidAuthGrade, s)
	}
	return grade, nil
}

// Methods accepted for step-up authentication
func Methods() []Method {
	return []Method{METHOD_TOTP, METHOD_SMS, METHOD_BIOMETRIC, METHOD_BACKUP}
}

func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Methods(), m) {
		return "", fmt.Errorf("%w: %s", ErrInvalidMethod, s)
	}
	return m, nil
}

// Returns the enhancement a successful authentication with the method
// provides
func (m Method) Enhancement() AuthGrade {
	switch m {
	case METHOD_TOTP, METHOD_SMS, METHOD_BACKUP:
		return AUTH_BASIC
	case METHOD_BIOMETRIC:
		return AUTH_ADVANCED
	}
	return AUTH_NONE
}

// Returns the highest enhancement an authenticator may attest for the
// method. Only biometric verification against a qualified identity
// record reaches qualified_auth.
func (m Method) Ceiling() AuthGrade {
	if m == METHOD_BIOMETRIC {
		return AUTH_QUALIFIED
	}
	return m.Enhancement()
}

// Operations gated on step-up authentication
var sensitiveOperations = []Operation{
	OP_CERTIFICATE_REQUEST,
	OP_DIGITAL_SIGNATURE,
	OP_TIMESTAMP_SIGNATURE,
	OP_KEY_GENERATION,
	OP_CERTIFICATE_RENEWAL,
	OP_DOCUMENT_SIGNING,
}

func (op Operation) Sensitive() bool {
	return slices.Contains(sensitiveOperations, op)
}

var tsaRank = map[tsa.Qualification]int{
	tsa.QUALIFICATION_BASIC:     1,
	tsa.QUALIFICATION_ADVANCED:  2,
	tsa.QUALIFICATION_QUALIFIED: 3,
}

// Policy is a named set of assurance requirements
type Policy struct {
	Name          string               `yaml:"name" json:"name" mapstructure:"name"`
	Description   string               `yaml:"description" json:"description" mapstructure:"description"`
	MinClass      common.Class         `yaml:"min-class" json:"min_class" mapstructure:"min-class"`
	Format        container.Format     `yaml:"format" json:"format" mapstructure:"format"`
	Profile       container.Profile    `yaml:"profile" json:"profile" mapstructure:"profile"`
	AuthGrade     AuthGrade            `yaml:"auth-grade" json:"auth_grade" mapstructure:"auth-grade"`
	Operation     Operation            `yaml:"operation" json:"operation" mapstructure:"operation"`
	Timestamp     TimestampRequirement `yaml:"timestamp" json:"timestamp" mapstructure:"timestamp"`
	TSALevel      tsa.Qualification    `yaml:"tsa-level" json:"tsa_level" mapstructure:"tsa-level"`
	Freshness     time.Duration        `yaml:"freshness" json:"freshness" mapstructure:"freshness"`
	Retention     time.Duration        `yaml:"retention" json:"retention" mapstructure:"retention"`
	Jurisdictions []string             `yaml:"jurisdictions" json:"jurisdictions" mapstructure:"jurisdictions"`

	// Override the HSM provider's sign timeout and the TSA's request
	// timeout when set
	SignTimeout      time.Duration `yaml:"sign-timeout,omitempty" json:"sign_timeout,omitempty" mapstructure:"sign-timeout"`
	TimestampTimeout time.Duration `yaml:"timestamp-timeout,omitempty" json:"timestamp_timeout,omitempty" mapstructure:"timestamp-timeout"`
}

// Fills unset fields with their defaults
func (p Policy) WithDefaults() Policy {
	if p.Operation == "" {
		p.Operation = OP_DOCUMENT_SIGNING
	}
	if p.Timestamp == "" {
		p.Timestamp = TIMESTAMP_NONE
	}
	if p.Freshness == 0 {
		p.Freshness = DEFAULT_FRESHNESS_WINDOW
	}
	if p.Profile == "" {
		p.Profile = container.PROFILE_B
	}
	if len(p.Jurisdictions) == 0 {
		p.Jurisdictions = []string{JURISDICTION_EU}
	}
	for i, j := range p.Jurisdictions {
		p.Jurisdictions[i] = strings.ToUpper(j)
	}
	return p
}

func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidPolicy)
	}
	if _, err := common.ParseClass(string(p.MinClass)); err != nil {
		return fmt.Errorf("%w: %s: min class %q", ErrInvalidPolicy, p.Name, p.MinClass)
	}
	if _, err := container.ParseFormat(string(p.Format)); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidPolicy, p.Name, err)
	}
	if _, err := container.ParseProfile(string(p.Profile)); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidPolicy, p.Name, err)
	}
	if _, ok := authRank[p.AuthGrade]; !ok {
		return fmt.Errorf("%w: %s: auth grade %q", ErrInvalidPolicy, p.Name, p.AuthGrade)
	}
	switch p.Timestamp {
	case TIMESTAMP_NONE:
		if p.Profile != container.PROFILE_B && p.Format != container.FORMAT_PKCS7 {
			return fmt.Errorf("%w: %s: profile %s needs a timestamp", ErrInvalidPolicy, p.Name, p.Profile)
		}
	case TIMESTAMP_RECOMMENDED, TIMESTAMP_REQUIRED:
		if p.TSALevel != "" && !p.TSALevel.Valid() {
			return fmt.Errorf("%w: %s: tsa level %q", ErrInvalidPolicy, p.Name, p.TSALevel)
		}
	default:
		return fmt.Errorf("%w: %s: timestamp %q", ErrInvalidPolicy, p.Name, p.Timestamp)
	}
	if p.Freshness < 0 || p.Retention < 0 || p.SignTimeout < 0 || p.TimestampTimeout < 0 {
		return fmt.Errorf("%w: %s: negative duration", ErrInvalidPolicy, p.Name)
	}
	return nil
}

// Returns true if a timestamp is part of the policy, required or not
func (p Policy) WantsTimestamp() bool {
	return p.Timestamp == TIMESTAMP_REQUIRED || p.Timestamp == TIMESTAMP_RECOMMENDED
}

func (p Policy) RequiresQualifiedTSA() bool {
	return p.TSALevel == tsa.QUALIFICATION_QUALIFIED
}

// Returns the container name, e.g. PAdES-LTA
func (p Policy) ContainerName() string {
	return container.Name(p.Format, p.Profile)
}

// Returns true if the policy applies in the jurisdiction. A policy for
// EU applies in every member state.
func (p Policy) Applies(jurisdiction string) bool {
	jurisdiction = strings.ToUpper(jurisdiction)
	for _, j := range p.Jurisdictions {
		if j == jurisdiction || (j == JURISDICTION_EU && IsEUMember(jurisdiction)) {
			return true
		}
	}
	return false
}

// The policies every deployment starts with
func Builtins() []Policy {
	const year = 365 * 24 * time.Hour
	policies := []Policy{
		{
			Name:        "business_contract",
			Description: "Commercial contracts between legal entities",
			MinClass:    common.CLASS_QUALIFIED,
			Format:      container.FORMAT_PADES,
			Profile:     container.PROFILE_LTA,
			AuthGrade:   AUTH_ADVANCED,
			Timestamp:   TIMESTAMP_REQUIRED,
			TSALevel:    tsa.QUALIFICATION_QUALIFIED,
			Retention:   10 * year,
		},
		{
			Name:        "legal_document",
			Description: "Court filings, powers of attorney and notarial deeds",
			MinClass:    common.CLASS_QUALIFIED,
			Format:      container.FORMAT_XADES,
			Profile:     container.PROFILE_LTA,
			AuthGrade:   AUTH_ADVANCED,
			Timestamp:   TIMESTAMP_REQUIRED,
			TSALevel:    tsa.QUALIFICATION_QUALIFIED,
			Retention:   30 * year,
		},
		{
			Name:        "healthcare_record",
			Description: "Patient records and prescriptions",
			MinClass:    common.CLASS_ADVANCED,
			Format:      container.FORMAT_CADES,
			Profile:     container.PROFILE_LT,
			AuthGrade:   AUTH_BASIC,
			Timestamp:   TIMESTAMP_RECOMMENDED,
			Retention:   30 * year,
		},
		{
			Name:        "financial_transaction",
			Description: "Payment orders and account mandates",
			MinClass:    common.CLASS_ADVANCED,
			Format:      container.FORMAT_CADES,
			Profile:     container.PROFILE_T,
			AuthGrade:   AUTH_BASIC,
			Timestamp:   TIMESTAMP_REQUIRED,
			Retention:   10 * year,
		},
	}
	for i := range policies {
		policies[i] = policies[i].WithDefaults()
	}
	return policies
}
