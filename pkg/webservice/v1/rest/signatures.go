package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/orchestrator"
	"github.com/jeremyhahn/go-signature-trust/pkg/webservice/v1/middleware"
	"github.com/jeremyhahn/go-signature-trust/pkg/webservice/v1/response"
)

type Signer interface {
	CreateSignature(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error)
	SignBatch(ctx context.Context, req *orchestrator.BatchRequest) (*orchestrator.BatchResult, error)
	GetArtifact(ctx context.Context, id string) (*orchestrator.Artifact, error)
	ValidateCrossBorder(ctx context.Context, artifactID, from, to, correlation string) (*orchestrator.CrossBorderResult, error)
}

type SignatureRestServicer interface {
	Create(w http.ResponseWriter, r *http.Request)
	Batch(w http.ResponseWriter, r *http.Request)
	Get(w http.ResponseWriter, r *http.Request)
	Validate(w http.ResponseWriter, r *http.Request)
}

// ValidationRequest is the body of a cross border validation
type ValidationRequest struct {
	From          string `json:"from"`
	To            string `json:"to"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// BatchResponse is returned for completed and aborted batches. Artifacts
// created before an abort are listed in Results.
type BatchResponse struct {
	*orchestrator.BatchResult
	Error *ErrorPayload `json:"error,omitempty"`
}

type SignatureRestService struct {
	httpWriter response.HttpWriter
	logger     *logging.Logger
	signer     Signer
}

func NewSignatureRestService(
	signer Signer,
	httpWriter response.HttpWriter,
	logger *logging.Logger) SignatureRestServicer {

	return &SignatureRestService{
		httpWriter: httpWriter,
		logger:     logger,
		signer:     signer}
}

// Creates a single signature
func (rs *SignatureRestService) Create(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decode(w, r, &req); err != nil {
		rs.httpWriter.Error400(w, r, err)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = middleware.CorrelationID(r.Context())
	}
	result, err := rs.signer.CreateSignature(r.Context(), &req)
	if err != nil {
		rs.writeError(w, r, err)
		return
	}
	rs.httpWriter.Success201(w, r, result)
}

// Signs a batch. An aborted batch is answered with the status of its
// error and the artifacts it completed.
func (rs *SignatureRestService) Batch(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.BatchRequest
	if err := decode(w, r, &req); err != nil {
		rs.httpWriter.Error400(w, r, err)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = middleware.CorrelationID(r.Context())
	}
	result, err := rs.signer.SignBatch(r.Context(), &req)
	if err != nil {
		status, payload := describe(err)
		rs.httpWriter.Error(w, r, status, err, BatchResponse{BatchResult: result, Error: payload})
		return
	}
	rs.httpWriter.Success201(w, r, BatchResponse{BatchResult: result})
}

// Returns a persisted signature artifact
func (rs *SignatureRestService) Get(w http.ResponseWriter, r *http.Request) {
	artifact, err := rs.signer.GetArtifact(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		rs.writeError(w, r, err)
		return
	}
	rs.httpWriter.Success200(w, r, artifact)
}

// Validates a signature for use in another jurisdiction
func (rs *SignatureRestService) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidationRequest
	if err := decode(w, r, &req); err != nil {
		rs.httpWriter.Error400(w, r, err)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = middleware.CorrelationID(r.Context())
	}
	result, err := rs.signer.ValidateCrossBorder(
		r.Context(), mux.Vars(r)["id"], req.From, req.To, req.CorrelationID)
	if err != nil {
		rs.writeError(w, r, err)
		return
	}
	rs.httpWriter.Success200(w, r, result)
}

func (rs *SignatureRestService) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, payload := describe(err)
	if status == http.StatusInternalServerError {
		rs.logger.Error(err)
	}
	rs.httpWriter.Error(w, r, status, err, payload)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, MAX_BODY_SIZE))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBody, err)
	}
	return nil
}
