package v1

import (
	"net/http"

	"github.com/codegangsta/negroni"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/webservice/v1/middleware"
	"github.com/jeremyhahn/go-signature-trust/pkg/webservice/v1/response"
	"github.com/jeremyhahn/go-signature-trust/pkg/webservice/v1/rest"
)

type RouterParams struct {
	Logger        *logging.Logger
	Signer        rest.Signer
	Certificates  rest.CertificateFinder
	Policies      rest.PolicyLister
	Health        rest.HealthChecker
	Authenticator rest.Authenticator
	Gatherer      prometheus.Gatherer
	HTTPWriter    response.HttpWriter
}

type RouterV1 struct {
	params     *RouterParams
	signatures rest.SignatureRestServicer
	system     rest.SystemRestServicer
	auth       rest.AuthRestServicer
	endpoints  []string
}

func NewRouterV1(params *RouterParams) *RouterV1 {
	if params.HTTPWriter == nil {
		params.HTTPWriter = response.NewResponseWriter(params.Logger)
	}
	return &RouterV1{
		params: params,
		signatures: rest.NewSignatureRestService(
			params.Signer, params.HTTPWriter, params.Logger),
		system: rest.NewSystemRestService(
			params.Certificates, params.Policies, params.Health, params.HTTPWriter, params.Logger),
		auth: rest.NewAuthRestService(
			params.Authenticator, params.HTTPWriter, params.Logger),
	}
}

// Registers the REST endpoints under baseURI and the Prometheus scrape
// endpoint at /metrics. Returns the registered endpoint list.
func (v1 *RouterV1) RegisterRoutes(router *mux.Router, baseURI string) []string {
	api := router.PathPrefix(baseURI).Subrouter()

	v1.handle(api, baseURI, http.MethodPost, "/signatures", v1.signatures.Create)
	v1.handle(api, baseURI, http.MethodPost, "/signatures/batch", v1.signatures.Batch)
	v1.handle(api, baseURI, http.MethodGet, "/signatures/{id}", v1.signatures.Get)
	v1.handle(api, baseURI, http.MethodPost, "/signatures/{id}/validate", v1.signatures.Validate)
	v1.handle(api, baseURI, http.MethodGet, "/certificates", v1.system.Certificates)
	v1.handle(api, baseURI, http.MethodGet, "/policies", v1.system.Policies)
	v1.handle(api, baseURI, http.MethodGet, "/hsm/{id}/health", v1.system.HSMHealth)
	v1.handle(api, baseURI, http.MethodPost, "/auth/enroll", v1.auth.Enroll)
	v1.handle(api, baseURI, http.MethodPost, "/auth/proofs", v1.auth.Proof)

	if v1.params.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(
			v1.params.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
		v1.endpoints = append(v1.endpoints, "GET /metrics")
	}
	return v1.endpoints
}

func (v1 *RouterV1) handle(
	router *mux.Router,
	baseURI, method, path string,
	handler http.HandlerFunc) {

	router.Handle(path, negroni.New(
		negroni.HandlerFunc(middleware.Correlation),
		negroni.Wrap(handler),
	)).Methods(method)
	v1.endpoints = append(v1.endpoints, method+" "+baseURI+path)
}
