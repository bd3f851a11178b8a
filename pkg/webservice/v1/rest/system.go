package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jeremyhahn/go-signature-trust/pkg/hsm"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/policy"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/certstore"
	"github.com/jeremyhahn/go-signature-trust/pkg/webservice/v1/response"
)

// 8 MiB, enough for a base64 payload batch
const MAX_BODY_SIZE = 8 << 20

type CertificateFinder interface {
	FindByOwner(ctx context.Context, ownerID string) ([]certstore.Certificate, error)
}

type PolicyLister interface {
	List() []policy.Policy
}

type HealthChecker interface {
	Health(ctx context.Context, providerID string) (hsm.Health, error)
}

type SystemRestServicer interface {
	Certificates(w http.ResponseWriter, r *http.Request)
	Policies(w http.ResponseWriter, r *http.Request)
	HSMHealth(w http.ResponseWriter, r *http.Request)
}

type SystemRestService struct {
	certificates CertificateFinder
	policies     PolicyLister
	health       HealthChecker
	httpWriter   response.HttpWriter
	logger       *logging.Logger
}

func NewSystemRestService(
	certificates CertificateFinder,
	policies PolicyLister,
	health HealthChecker,
	httpWriter response.HttpWriter,
	logger *logging.Logger) SystemRestServicer {

	return &SystemRestService{
		certificates: certificates,
		policies:     policies,
		health:       health,
		httpWriter:   httpWriter,
		logger:       logger}
}

// Lists an owner's certificates, preferred first
func (rs *SystemRestService) Certificates(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		rs.httpWriter.Error400(w, r, ErrOwnerMissing)
		return
	}
	certs, err := rs.certificates.FindByOwner(r.Context(), owner)
	if err != nil {
		rs.logger.Error(err)
		rs.httpWriter.Error500(w, r, err)
		return
	}
	rs.httpWriter.Success200(w, r, certs)
}

func (rs *SystemRestService) Policies(w http.ResponseWriter, r *http.Request) {
	rs.httpWriter.Success200(w, r, rs.policies.List())
}

func (rs *SystemRestService) HSMHealth(w http.ResponseWriter, r *http.Request) {
	health, err := rs.health.Health(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, hsm.ErrUnknownProvider) {
			rs.httpWriter.Error404(w, r, err)
			return
		}
		rs.logger.Error(err)
		rs.httpWriter.Error500(w, r, err)
		return
	}
	rs.httpWriter.Success200(w, r, health)
}
