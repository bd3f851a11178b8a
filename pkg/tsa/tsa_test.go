package tsa

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tsaFixture struct {
	logger    *logging.Logger
	responder *Responder
	cert      *x509.Certificate
	server    *httptest.Server
	service   *Service
}

func createFixture(t *testing.T, handler func(*Responder) http.Handler) *tsaFixture {
	logger := logging.NewLogger(slog.LevelDebug, nil)
	_, signer := testutil.SoftwareHandle(t, keystore.ALGORITHM_ECDSA)
	authority := testutil.NewAuthority(t, "TSA Root")
	der, err := authority.Issue(signer.Public(), testutil.IssueOptions{
		CommonName: "Test Qualified TSA",
		NotBefore:  time.Now().Add(-time.Hour),
		NotAfter:   time.Now().Add(time.Hour),
		TimeStamp:  true,
	})
	require.Nil(t, err)
	cert, err := x509.ParseCertificate(der)
	require.Nil(t, err)

	responder := NewResponder(&ResponderParams{
		Logger:      logger,
		Certificate: cert,
		Signer:      signer,
		IncludeName: true,
		Now:         func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	var h http.Handler = responder
	if handler != nil {
		h = handler(responder)
	}
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	return &tsaFixture{
		logger:    logger,
		responder: responder,
		cert:      cert,
		server:    server,
		service:   NewService(&Params{Logger: logger}),
	}
}

func digestOf(data string) []byte {
	sum := sha256.Sum256([]byte(data))
	return sum[:]
}

func TestRequestTimestamp(t *testing.T) {

	f := createFixture(t, nil)
	require.Nil(t, f.service.Register(ProviderConfig{
		ID:            "qualified",
		URL:           f.server.URL,
		Qualification: QUALIFICATION_QUALIFIED,
		Certificate:   string(testutil.PEM(f.cert.Raw)),
	}))

	digest := digestOf("signature value")
	token, err := f.service.RequestTimestamp(context.Background(), digest, crypto.SHA256,
		Options{Qualified: true})
	require.Nil(t, err)

	assert.Equal(t, QUALIFICATION_QUALIFIED, token.Qualification)
	assert.Equal(t, "qualified", token.ProviderID)
	assert.Equal(t, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), token.TSATime)
	assert.Contains(t, token.TSAIdentity, "Test Qualified TSA")
	assert.NotEmpty(t, token.SerialNumber)

	parsed, err := ParseToken(token.Token)
	require.Nil(t, err)
	_, err = parsed.Verify(digest)
	assert.Nil(t, err)
	_, err = parsed.Verify(digestOf("something else"))
	assert.ErrorIs(t, err, ErrTSAReject)
}

func TestRequestTimestampSHA512(t *testing.T) {

	f := createFixture(t, nil)
	require.Nil(t, f.service.Register(ProviderConfig{
		ID: "basic", URL: f.server.URL, Qualification: QUALIFICATION_BASIC,
	}))

	digest, err := keystore.Digest(crypto.SHA512, []byte("payload"))
	require.Nil(t, err)
	token, err := f.service.RequestTimestamp(context.Background(), digest, crypto.SHA512, Options{})
	require.Nil(t, err)
	assert.Equal(t, QUALIFICATION_BASIC, token.Qualification)
}

func TestDigestUnsupported(t *testing.T) {

	f := createFixture(t, nil)
	require.Nil(t, f.service.Register(ProviderConfig{
		ID: "basic", URL: f.server.URL, Qualification: QUALIFICATION_BASIC,
	}))

	_, err := f.service.RequestTimestamp(context.Background(), make([]byte, 20), crypto.SHA1, Options{})
	assert.ErrorIs(t, err, ErrDigestUnsupported)

	_, err = f.service.RequestTimestamp(context.Background(), make([]byte, 20), crypto.SHA256, Options{})
	assert.ErrorIs(t, err, ErrDigestUnsupported)
}

func TestQualifiedProviderSelection(t *testing.T) {

	f := createFixture(t, nil)
	require.Nil(t, f.service.Register(ProviderConfig{
		ID: "basic", URL: f.server.URL, Qualification: QUALIFICATION_BASIC,
	}))

	_, err := f.service.RequestTimestamp(context.Background(), digestOf("x"), crypto.SHA256,
		Options{Qualified: true})
	assert.ErrorIs(t, err, ErrNoQualifiedProvider)

	_, err = f.service.RequestTimestamp(context.Background(), digestOf("x"), crypto.SHA256,
		Options{ProviderID: "basic", Qualified: true})
	assert.ErrorIs(t, err, ErrNoQualifiedProvider)

	_, err = f.service.RequestTimestamp(context.Background(), digestOf("x"), crypto.SHA256,
		Options{ProviderID: "missing"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.ErrorIs(t, f.service.Register(ProviderConfig{
		ID: "bad", URL: f.server.URL, Qualification: "gold",
	}), ErrInvalidProvider)
}

func TestNonceMismatchIsRejected(t *testing.T) {

	var mu sync.Mutex
	var replay []byte
	f := createFixture(t, func(responder *Responder) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			if replay != nil {
				w.Header().Set("Content-Type", CONTENT_TYPE_REPLY)
				w.Write(replay)
				return
			}
			rec := httptest.NewRecorder()
			responder.ServeHTTP(rec, r)
			replay, _ = io.ReadAll(rec.Result().Body)
			w.Header().Set("Content-Type", CONTENT_TYPE_REPLY)
			w.Write(replay)
		})
	})
	require.Nil(t, f.service.Register(ProviderConfig{
		ID: "basic", URL: f.server.URL, Qualification: QUALIFICATION_BASIC,
	}))

	digest := digestOf("replayed")
	_, err := f.service.RequestTimestamp(context.Background(), digest, crypto.SHA256, Options{})
	require.Nil(t, err)

	_, err = f.service.RequestTimestamp(context.Background(), digest, crypto.SHA256, Options{})
	assert.ErrorIs(t, err, ErrTSAReject)
}

func TestUnreachableAndTimeout(t *testing.T) {

	f := createFixture(t, func(*Responder) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/slow" {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	})
	require.Nil(t, f.service.Register(ProviderConfig{
		ID: "down", URL: f.server.URL, Qualification: QUALIFICATION_BASIC,
	}))
	require.Nil(t, f.service.Register(ProviderConfig{
		ID:            "slow",
		URL:           f.server.URL + "/slow",
		Qualification: QUALIFICATION_BASIC,
		Timeout:       50 * time.Millisecond,
	}))

	_, err := f.service.RequestTimestamp(context.Background(), digestOf("x"), crypto.SHA256,
		Options{ProviderID: "down"})
	assert.ErrorIs(t, err, ErrTSAUnreachable)

	_, err = f.service.RequestTimestamp(context.Background(), digestOf("x"), crypto.SHA256,
		Options{ProviderID: "slow"})
	assert.ErrorIs(t, err, ErrTSAUnreachable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A per request timeout replaces the provider's
	_, err = f.service.RequestTimestamp(context.Background(), digestOf("x"), crypto.SHA256,
		Options{ProviderID: "down", Timeout: time.Minute})
	assert.ErrorIs(t, err, ErrTSAUnreachable)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestTimeoutOverride(t *testing.T) {

	f := createFixture(t, func(r *Responder) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			select {
			case <-req.Context().Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			r.ServeHTTP(w, req)
		})
	})
	require.Nil(t, f.service.Register(ProviderConfig{
		ID:            "tsa",
		URL:           f.server.URL,
		Qualification: QUALIFICATION_BASIC,
		Certificate:   string(testutil.PEM(f.cert.Raw)),
		Timeout:       5 * time.Second,
	}))

	_, err := f.service.RequestTimestamp(context.Background(), digestOf("x"), crypto.SHA256,
		Options{ProviderID: "tsa", Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	token, err := f.service.RequestTimestamp(context.Background(), digestOf("x"), crypto.SHA256,
		Options{ProviderID: "tsa"})
	require.Nil(t, err)
	assert.NotEmpty(t, token.Token)
}

func TestResponderRejectsBadRequests(t *testing.T) {

	f := createFixture(t, nil)

	resp := f.responder.Respond([]byte("garbage"))
	assert.Equal(t, StatusRejection, resp.Status.Status)
	assert.Equal(t, 1, resp.Status.FailInfo.At(FailBadDataFormat))

	req, err := NewRequest(digestOf("x"), crypto.SHA256)
	require.Nil(t, err)
	req.ReqPolicy = []int{1, 2, 3}
	der, err := req.Marshal()
	require.Nil(t, err)
	resp = f.responder.Respond(der)
	assert.Equal(t, StatusRejection, resp.Status.Status)
	assert.Equal(t, 1, resp.Status.FailInfo.At(FailUnacceptedPolicy))

	httpResp, err := http.Get(f.server.URL)
	require.Nil(t, err)
	httpResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, httpResp.StatusCode)
}
