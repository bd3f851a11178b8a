package tsa

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/cms"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
)

const maxRequestSize = 64 << 10

// Default policy OID used by the reference responder
var OIDDefaultPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 1, 1}

type ResponderParams struct {
	Logger      *logging.Logger
	Certificate *x509.Certificate
	Signer      crypto.Signer
	Policy      asn1.ObjectIdentifier
	Accuracy    Accuracy
	IncludeName bool
	Now         func() time.Time
}

// Responder is a minimal RFC 3161 server
type Responder struct {
	params *ResponderParams
	logger *logging.Logger
}

func NewResponder(params *ResponderParams) *Responder {
	if len(params.Policy) == 0 {
		params.Policy = OIDDefaultPolicy
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Responder{
		params: params,
		logger: params.Logger.With("component", "tsa-responder"),
	}
}

func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if req.Header.Get("Content-Type") != CONTENT_TYPE_QUERY {
		http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestSize))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	resp := r.Respond(body)
	der, err := asn1.Marshal(resp)
	if err != nil {
		r.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", CONTENT_TYPE_REPLY)
	w.WriteHeader(http.StatusOK)
	w.Write(der)
}

// Builds the response for a DER request
func (r *Responder) Respond(der []byte) TimeStampResp {
	req, err := ParseRequest(der)
	if err != nil {
		return rejection(FailBadDataFormat, "malformed request")
	}
	hash, err := req.MessageImprint.Hash()
	if err != nil {
		return rejection(FailBadAlg, "unsupported hash algorithm")
	}
	if err := checkDigest(req.MessageImprint.HashedMessage, hash); err != nil {
		return rejection(FailBadDataFormat, "digest length does not match algorithm")
	}
	if len(req.ReqPolicy) > 0 && !req.ReqPolicy.Equal(r.params.Policy) {
		return rejection(FailUnacceptedPolicy, "policy not supported")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return rejection(FailSystemFailure, "serial generation failed")
	}
	info := TSTInfo{
		Version:        1,
		Policy:         r.params.Policy,
		MessageImprint: req.MessageImprint,
		SerialNumber:   serial,
		GenTime:        r.params.Now().UTC().Truncate(time.Second),
		Accuracy:       r.params.Accuracy,
		Nonce:          req.Nonce,
	}
	if r.params.IncludeName {
		if info.TSA, err = directoryName(r.params.Certificate); err != nil {
			return rejection(FailSystemFailure, "tsa name encoding failed")
		}
	}
	content, err := asn1.Marshal(info)
	if err != nil {
		r.logger.Error(err)
		return rejection(FailSystemFailure, "encoding failed")
	}
	token, err := cms.Sign(content, &cms.SignerConfig{
		Certificate:  r.params.Certificate,
		Signer:       r.params.Signer,
		DigestAlg:    hash,
		SigningTime:  info.GenTime,
		ContentType:  cms.OIDTSTInfo,
		IncludeCerts: req.CertReq,
	})
	if err != nil {
		r.logger.Error(err)
		return rejection(FailSystemFailure, "signing failed")
	}
	r.logger.Debug("tsa-responder: token issued", "serial", serial.Text(16), "hash", hash.String())
	return TimeStampResp{
		Status:         PKIStatusInfo{Status: StatusGranted},
		TimeStampToken: asn1.RawValue{FullBytes: token},
	}
}

func rejection(bit int, message string) TimeStampResp {
	return TimeStampResp{Status: PKIStatusInfo{
		Status:       StatusRejection,
		StatusString: []string{message},
		FailInfo:     failInfo(bit),
	}}
}
