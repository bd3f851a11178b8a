package common

import (
	"encoding/asn1"
	"errors"
	"strings"
	"time"
)

// Class is the strength of a certificate, a policy requirement or a
// declared signature. Classes are totally ordered.
type Class string

// Clock returns the current time. Components accept one so expiry,
// freshness and polling can be driven deterministically.
type Clock func() time.Time

const (
	CLASS_NONE           Class = ""
	CLASS_BASIC          Class = "Basic"
	CLASS_ADVANCED       Class = "Advanced"
	CLASS_QUALIFIED      Class = "Qualified"
	CLASS_QUALIFIED_PLUS Class = "Qualified+"
)

var (
	ErrInvalidClass = errors.New("signature-trust: invalid class")
	ErrCorruptWrite = errors.New("signature-trust: corrupt write: bytes written don't match source length")

	// ETSI EN 319 412-5 qualified certificate statements
	OIDQcStatements   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 3}
	OIDQcCompliance   = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 1}
	OIDQcSSCD         = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 4}
	OIDQcType         = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 6}
	OIDQcTypeESign    = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 6, 1}
	OIDQcTypeESeal    = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 6, 2}
	OIDQcRetentionPer = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 3}
)

var classRank = map[Class]int{
	CLASS_NONE:           0,
	CLASS_BASIC:          1,
	CLASS_ADVANCED:       2,
	CLASS_QUALIFIED:      3,
	CLASS_QUALIFIED_PLUS: 4,
}

func (c Class) Rank() int {
	return classRank[c]
}

// Returns true if c is the same or stronger than other
func (c Class) AtLeast(other Class) bool {
	return c.Rank() >= other.Rank()
}

func (c Class) String() string {
	if c == CLASS_NONE {
		return "None"
	}
	return string(c)
}

// Parses a class name, case insensitive. "QualifiedPlus" is accepted as
// an alias of "Qualified+".
func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic":
		return CLASS_BASIC, nil
	case "advanced":
		return CLASS_ADVANCED, nil
	case "qualified":
		return CLASS_QUALIFIED, nil
	case "qualified+", "qualifiedplus", "qualified_plus":
		return CLASS_QUALIFIED_PLUS, nil
	}
	return CLASS_NONE, ErrInvalidClass
}

// Returns the weaker of two classes
func MinClass(a, b Class) Class {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}
