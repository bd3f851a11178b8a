package orchestrator

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jeremyhahn/go-signature-trust/pkg/audit"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/certstore"
)

// Evaluates whether a persisted signature created in one jurisdiction is
// recognized in another. Recognition needs a mutual recognition agreement
// between the frameworks, an issuing CA on the trust list of the origin
// jurisdiction and a declared class of at least Qualified.
func (o *Orchestrator) ValidateCrossBorder(
	ctx context.Context,
	artifactID, from, to, correlation string) (*CrossBorderResult, error) {

	s := &signing{
		op:            OP_VALIDATE_CROSS_BORDER,
		correlationID: correlationID(correlation),
	}
	if artifactID == "" || from == "" || to == "" {
		return nil, o.fail(ctx, s, "",
			fmt.Errorf("%w: artifact and both jurisdictions required", ErrInvalidRequest))
	}
	artifact, err := o.artifact(ctx, artifactID)
	if err != nil {
		return nil, o.fail(ctx, s, "", err)
	}
	s.userID = artifact.UserID
	s.policyName = artifact.Policy
	s.certificateID = artifact.CertificateID

	cert, err := o.params.Certificates.GetCertificate(ctx, artifact.CertificateID, false)
	if err != nil {
		return nil, o.fail(ctx, s, artifact.DocumentID, err)
	}
	x509Cert, err := x509.ParseCertificate(cert.DER)
	if err != nil {
		return nil, o.fail(ctx, s, artifact.DocumentID, errors.Join(certstore.ErrCertInvalid, err))
	}
	issuer := o.issuer(x509Cert)
	trusted := o.params.TrustList != nil && o.params.TrustList.Trusted(from, x509Cert, issuer)

	recognition := o.engine.Evaluate(from, to, trusted, artifact.Class)
	frameworks := o.engine.Frameworks()
	result := &CrossBorderResult{
		ArtifactID:    artifact.ID,
		Recognition:   recognition,
		Class:         artifact.Class,
		CATrusted:     trusted,
		Issuer:        x509Cert.Issuer.String(),
		FromFramework: frameworks.Framework(from),
		ToFramework:   frameworks.Framework(to),
	}

	o.appendAudit(ctx, audit.Entry{
		Operation:     audit.OP_CROSS_BORDER_VALIDATION,
		UserID:        artifact.UserID,
		Class:         string(artifact.Class),
		Policy:        artifact.Policy,
		ArtifactID:    artifact.ID,
		CertificateID: artifact.CertificateID,
		CorrelationID: s.correlationID,
		Details: map[string]string{
			"from":       recognition.From,
			"to":         recognition.To,
			"recognized": strconv.FormatBool(recognition.Recognized),
			"reasons":    strings.Join(recognition.Reasons, "; "),
		},
	})
	o.logger.Debug("orchestrator: cross border validation",
		"artifact", artifact.ID,
		"from", recognition.From,
		"to", recognition.To,
		"recognized", recognition.Recognized,
		"correlation", s.correlationID)
	return result, nil
}
