package response

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"gopkg.in/yaml.v2"
)

type HttpWriter interface {
	Write(w http.ResponseWriter, r *http.Request, status int, response interface{})
	WriteYaml(w http.ResponseWriter, status int, response interface{})
	WriteJson(w http.ResponseWriter, status int, response interface{})
	Success200(w http.ResponseWriter, r *http.Request, payload interface{})
	Success201(w http.ResponseWriter, r *http.Request, payload interface{})
	Error(w http.ResponseWriter, r *http.Request, status int, err error, payload interface{})
	Error400(w http.ResponseWriter, r *http.Request, err error)
	Error404(w http.ResponseWriter, r *http.Request, err error)
	Error500(w http.ResponseWriter, r *http.Request, err error)
}

type WebServiceResponse struct {
	Code    int         `yaml:"code" json:"code"`
	Error   string      `yaml:"error,omitempty" json:"error,omitempty"`
	Success bool        `yaml:"success" json:"success"`
	Payload interface{} `yaml:"payload,omitempty" json:"payload,omitempty"`
}

type ResponseWriter struct {
	logger *logging.Logger
}

func NewResponseWriter(logger *logging.Logger) HttpWriter {
	return &ResponseWriter{logger: logger.With("component", "webservice")}
}

// Writes a response using the accept header to choose between the JSON
// and YAML serializers. JSON is the default.
func (writer *ResponseWriter) Write(w http.ResponseWriter, r *http.Request, status int, response interface{}) {
	switch r.Header.Get("Accept") {
	case "application/yaml", "text/yaml":
		writer.WriteYaml(w, status, response)
	default:
		writer.WriteJson(w, status, response)
	}
}

func (writer *ResponseWriter) WriteYaml(w http.ResponseWriter, status int, response interface{}) {
	yamlResponse, err := yaml.Marshal(response)
	if err != nil {
		writer.marshalError(w, response, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(status)
	w.Write(yamlResponse)
	writer.logResponse(status)
}

func (writer *ResponseWriter) WriteJson(w http.ResponseWriter, status int, response interface{}) {
	jsonResponse, err := json.Marshal(response)
	if err != nil {
		writer.marshalError(w, response, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonResponse)
	writer.logResponse(status)
}

func (writer *ResponseWriter) Success200(w http.ResponseWriter, r *http.Request, payload interface{}) {
	writer.logRequest(r)
	writer.Write(w, r, http.StatusOK, WebServiceResponse{
		Code:    http.StatusOK,
		Success: true,
		Payload: payload})
}

func (writer *ResponseWriter) Success201(w http.ResponseWriter, r *http.Request, payload interface{}) {
	writer.logRequest(r)
	writer.Write(w, r, http.StatusCreated, WebServiceResponse{
		Code:    http.StatusCreated,
		Success: true,
		Payload: payload})
}

func (writer *ResponseWriter) Error(w http.ResponseWriter, r *http.Request, status int, err error, payload interface{}) {
	writer.logError(r, status, err)
	writer.Write(w, r, status, WebServiceResponse{
		Code:    status,
		Error:   err.Error(),
		Success: false,
		Payload: payload})
}

func (writer *ResponseWriter) Error400(w http.ResponseWriter, r *http.Request, err error) {
	writer.Error(w, r, http.StatusBadRequest, err, nil)
}

func (writer *ResponseWriter) Error404(w http.ResponseWriter, r *http.Request, err error) {
	writer.Error(w, r, http.StatusNotFound, err, nil)
}

func (writer *ResponseWriter) Error500(w http.ResponseWriter, r *http.Request, err error) {
	writer.Error(w, r, http.StatusInternalServerError, err, nil)
}

func (writer *ResponseWriter) marshalError(w http.ResponseWriter, response interface{}, err error) {
	writer.logger.Error(err, "entity", reflect.TypeOf(response).String())
	body, _ := json.Marshal(WebServiceResponse{
		Code:  http.StatusInternalServerError,
		Error: fmt.Sprintf("failed to marshal response entity %s", reflect.TypeOf(response)),
	})
	http.Error(w, string(body), http.StatusInternalServerError)
}

func (writer *ResponseWriter) logResponse(status int) {
	writer.logger.Debug("response written", "status", status)
}

func (writer *ResponseWriter) logRequest(r *http.Request) {
	writer.logger.Debug("request",
		"url", r.URL.Path, "method", r.Method, "remoteAddress", r.RemoteAddr)
}

func (writer *ResponseWriter) logError(r *http.Request, status int, err error) {
	writer.logger.Debug("request failed",
		"url", r.URL.Path, "method", r.Method, "remoteAddress", r.RemoteAddr,
		"status", status, "error", err)
}
