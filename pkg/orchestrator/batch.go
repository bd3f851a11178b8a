package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-signature-trust/pkg/audit"
)

// Signs every document in order under one policy resolution and one
// AuthProof. The proof must stay within the policy's freshness window for
// each document; the first failure stops the batch. Artifacts completed
// before the failure are durable and returned with the aborted document
// ids alongside the error.
func (o *Orchestrator) SignBatch(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	s := &signing{
		op:            OP_BATCH_SIGN,
		correlationID: correlationID(req.CorrelationID),
		userID:        req.UserID,
		certificateID: req.CertificateID,
		policyName:    req.Policy,
		jurisdiction:  req.Jurisdiction,
		timestamp:     req.Timestamp,
		batch:         true,
	}
	result := &BatchResult{Results: make([]*Result, 0, len(req.Documents))}

	if err := req.validate(); err != nil {
		return o.abort(ctx, s, result, req.Documents, -1, err)
	}
	if err := o.authorize(ctx, s, req.AuthProof); err != nil {
		return o.abort(ctx, s, result, req.Documents, -1, err)
	}

	for i, doc := range req.Documents {
		if err := o.fresh(s); err != nil {
			return o.abort(ctx, s, result, req.Documents, i, err)
		}
		signed, err := o.sign(ctx, s, doc)
		if err != nil {
			return o.abort(ctx, s, result, req.Documents, i, err)
		}
		result.Results = append(result.Results, signed)
	}
	o.logger.Info("orchestrator: batch signed",
		"user", s.userID,
		"policy", s.policyName,
		"documents", len(result.Results),
		"correlation", s.correlationID)
	return result, nil
}

// Re-checks the freshness of the batch proof before each document
func (o *Orchestrator) fresh(s *signing) error {
	if s.proof == nil {
		return nil
	}
	return o.engine.Authorize(s.policy, s.proof.Level, s.proof.VerifiedAt, o.params.Now())
}

func (o *Orchestrator) abort(
	ctx context.Context,
	s *signing,
	result *BatchResult,
	documents []Document,
	failed int,
	err error) (*BatchResult, error) {

	// failed is -1 when the batch stopped before its first document
	var documentID string
	if failed >= 0 {
		documentID = documents[failed].ID
	}
	for _, doc := range documents[failed+1:] {
		result.Aborted = append(result.Aborted, doc.ID)
	}
	err = o.fail(ctx, s, documentID, err)
	result.FailedDocument = documentID
	result.Err = err
	if KindOf(err) == KIND_AUTH_REQUIRED {
		return result, err
	}

	completed := make([]string, 0, len(result.Results))
	for _, r := range result.Results {
		completed = append(completed, r.ArtifactID)
	}
	o.appendAudit(context.WithoutCancel(ctx), audit.Entry{
		Operation:     audit.OP_BATCH_ABORTED,
		UserID:        s.userID,
		Policy:        s.policyName,
		CertificateID: s.certificateID,
		ErrorKind:     string(KindOf(err)),
		CorrelationID: s.correlationID,
		Details: map[string]string{
			"failed_document": documentID,
			"completed":       strings.Join(completed, ","),
			"aborted":         strings.Join(result.Aborted, ","),
		},
	})
	return result, err
}

func (req *BatchRequest) validate() error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: user required", ErrInvalidRequest)
	case req.CertificateID == "":
		return fmt.Errorf("%w: certificate required", ErrInvalidRequest)
	case len(req.Documents) == 0:
		return fmt.Errorf("%w: no documents", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(req.Documents))
	for _, doc := range req.Documents {
		if doc.ID == "" || len(doc.Payload) == 0 {
			return fmt.Errorf("%w: every document needs an id and a payload", ErrInvalidRequest)
		}
		if _, ok := seen[doc.ID]; ok {
			return fmt.Errorf("%w: duplicate document %s", ErrInvalidRequest, doc.ID)
		}
		seen[doc.ID] = struct{}{}
	}
	return nil
}
