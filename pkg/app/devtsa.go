package app

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/ca"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
)

const DEV_TSA_ID = "dev-tsa"

// DevTSA is a self-signed RFC 3161 responder on a loopback port. It
// stands in for a real TSA during development and is registered as a
// basic (non-qualified) provider.
type DevTSA struct {
	URL         string
	Certificate *x509.Certificate
	server      *http.Server
}

func NewDevTSA(logger *logging.Logger) (*DevTSA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Signature Trust Development TSA",
			Organization: []string{Name},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	responder := tsa.NewResponder(&tsa.ResponderParams{
		Logger:      logger,
		Certificate: cert,
		Signer:      key,
		IncludeName: true,
	})
	dev := &DevTSA{
		URL:         fmt.Sprintf("http://%s/", listener.Addr()),
		Certificate: cert,
		server: &http.Server{
			Handler:     responder,
			ReadTimeout: 5 * time.Second,
		},
	}
	go func() {
		if err := dev.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err)
		}
	}()
	logger.Warn("app: development TSA started", "url", dev.URL)
	return dev, nil
}

// Returns the provider registration of the responder
func (d *DevTSA) ProviderConfig() (tsa.ProviderConfig, error) {
	certPEM, err := ca.EncodePEM(d.Certificate.Raw)
	if err != nil {
		return tsa.ProviderConfig{}, err
	}
	return tsa.ProviderConfig{
		ID:            DEV_TSA_ID,
		URL:           d.URL,
		Qualification: tsa.QUALIFICATION_BASIC,
		Certificate:   string(certPEM),
	}, nil
}

func (d *DevTSA) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.server.Shutdown(ctx)
}
