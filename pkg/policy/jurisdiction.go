package policy

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-signature-trust/pkg/common"
)

const (
	JURISDICTION_EU = "EU"

	FRAMEWORK_EIDAS    = "eIDAS"
	FRAMEWORK_UK_EIDAS = "UK-eIDAS"
	FRAMEWORK_ZERTES   = "ZertES"
	FRAMEWORK_ESIGN    = "ESIGN"
)

var euMembers = []string{
	"AT", "BE", "BG", "CY", "CZ", "DE", "DK", "EE", "ES", "FI",
	"FR", "GR", "HR", "HU", "IE", "IT", "LT", "LU", "LV", "MT",
	"NL", "PL", "PT", "RO", "SE", "SI", "SK",
}

func IsEUMember(jurisdiction string) bool {
	_, found := slices.BinarySearch(euMembers, strings.ToUpper(jurisdiction))
	return found
}

// Returns the EU member state codes
func EUMembers() []string {
	return slices.Clone(euMembers)
}

type pair struct {
	from, to string
}

// Frameworks maps jurisdictions onto the electronic signature framework
// that governs them and declares which jurisdiction pairs mutually
// recognize each other's qualified signatures. Every pair of eIDAS
// jurisdictions is recognized. Other pairs must be added explicitly.
type Frameworks struct {
	mu         sync.RWMutex
	frameworks map[string]string
	recognized map[pair]bool
}

func NewFrameworks() *Frameworks {
	f := &Frameworks{
		frameworks: map[string]string{
			"GB": FRAMEWORK_UK_EIDAS,
			"CH": FRAMEWORK_ZERTES,
			"US": FRAMEWORK_ESIGN,
		},
		recognized: make(map[pair]bool),
	}
	for _, member := range euMembers {
		f.frameworks[member] = FRAMEWORK_EIDAS
	}
	return f
}

// Returns the framework governing the jurisdiction, or an empty string
func (f *Frameworks) Framework(jurisdiction string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.frameworks[strings.ToUpper(jurisdiction)]
}

// Assigns a jurisdiction to a framework
func (f *Frameworks) SetFramework(jurisdiction, framework string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frameworks[strings.ToUpper(jurisdiction)] = framework
}

// Declares mutual recognition between two jurisdictions, in both
// directions
func (f *Frameworks) AddRecognition(a, b string) {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recognized[pair{a, b}] = true
	f.recognized[pair{b, a}] = true
}

// Returns true if signatures from one jurisdiction are mutually
// recognized in the other
func (f *Frameworks) MutuallyRecognized(from, to string) bool {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.recognized[pair{from, to}] {
		return true
	}
	return f.frameworks[from] == FRAMEWORK_EIDAS && f.frameworks[to] == FRAMEWORK_EIDAS
}

// Recognition is the outcome of a cross border validation
type Recognition struct {
	From       string   `yaml:"from" json:"from"`
	To         string   `yaml:"to" json:"to"`
	Recognized bool     `yaml:"recognized" json:"recognized"`
	Reasons    []string `yaml:"reasons" json:"reasons,omitempty"`
}

// Evaluates mutual recognition of a signature of the declared class whose
// issuing CA is, or is not, on the trust list of the signer's
// jurisdiction. Every unmet condition is reported as a reason.
func (f *Frameworks) Evaluate(from, to string, caTrusted bool, declared common.Class) Recognition {
	r := Recognition{
		From: strings.ToUpper(from),
		To:   strings.ToUpper(to),
	}
	if !f.MutuallyRecognized(from, to) {
		r.Reasons = append(r.Reasons,
			fmt.Sprintf("%s and %s are not in the mutual recognition set", r.From, r.To))
	}
	if !caTrusted {
		r.Reasons = append(r.Reasons,
			fmt.Sprintf("signing CA is not on the %s trust list", r.From))
	}
	if !declared.AtLeast(common.CLASS_QUALIFIED) {
		r.Reasons = append(r.Reasons,
			fmt.Sprintf("declared class %s is below %s", declared, common.CLASS_QUALIFIED))
	}
	r.Recognized = len(r.Reasons) == 0
	return r
}
