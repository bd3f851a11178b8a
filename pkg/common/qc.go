package common

import "encoding/asn1"

// QcStatement is one entry of the QcStatements certificate extension
type QcStatement struct {
	ID   asn1.ObjectIdentifier
	Info asn1.RawValue `asn1:"optional"`
}

// Encodes a QcStatements extension value declaring QcCompliance, QcSSCD
// and the eSign QcType
func QualifiedStatements() ([]byte, error) {
	qcType, err := asn1.Marshal([]asn1.ObjectIdentifier{OIDQcTypeESign})
	if err != nil {
		return nil, err
	}
	return asn1.Marshal([]QcStatement{
		{ID: OIDQcCompliance},
		{ID: OIDQcSSCD},
		{ID: OIDQcType, Info: asn1.RawValue{FullBytes: qcType}},
	})
}
