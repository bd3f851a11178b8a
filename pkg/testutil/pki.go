// Package testutil provides an in-memory datastore, software key handles
// and a throwaway issuing authority for package tests.
package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/common"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore/kvstore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore/pkcs8"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// Returns a debug logger and an afero memory backed datastore
func Datastore(t *testing.T) (*logging.Logger, datastore.Store, afero.Fs) {
	logger := logging.NewLogger(slog.LevelDebug, nil)
	fs := afero.NewMemMapFs()
	store, err := kvstore.NewAferoStore(logger, fs, "/datastore", 50)
	require.Nil(t, err)
	return logger, store, fs
}

// Generates a software key and returns its handle
func SoftwareHandle(t *testing.T, algorithm keystore.Algorithm) (keystore.KeyHandle, crypto.Signer) {
	signer, err := pkcs8.GenerateKey(rand.Reader, keystore.KeySpec{Algorithm: algorithm})
	require.Nil(t, err)
	pemBytes, err := pkcs8.EncodePEM(signer, nil)
	require.Nil(t, err)
	usage := keystore.UsageSet{keystore.USAGE_SIGN, keystore.USAGE_VERIFY}
	return keystore.NewSoftwareHandle(pemBytes, algorithm, usage), signer
}

// Clock is a settable clock safe for concurrent use
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Authority issues end entity certificates for tests
type Authority struct {
	Key    *ecdsa.PrivateKey
	Cert   *x509.Certificate
	mu     sync.Mutex
	serial int64
}

type IssueOptions struct {
	CommonName string
	NotBefore  time.Time
	NotAfter   time.Time
	Qualified  bool
	TimeStamp  bool
}

func NewAuthority(t *testing.T, commonName string) *Authority {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.Nil(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"Test Trust Services"}, Country: []string{"DE"}},
		NotBefore:             time.Now().Add(-10 * 365 * 24 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		SubjectKeyId:          []byte{1, 2, 3, 4},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.Nil(t, err)
	cert, err := x509.ParseCertificate(der)
	require.Nil(t, err)
	return &Authority{Key: key, Cert: cert, serial: 1}
}

// Issues a DER certificate for the public key
func (a *Authority) Issue(pub crypto.PublicKey, opts IssueOptions) ([]byte, error) {
	if opts.CommonName == "" {
		opts.CommonName = "signer"
	}
	a.mu.Lock()
	a.serial++
	serial := a.serial
	a.mu.Unlock()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: opts.CommonName},
		NotBefore:    opts.NotBefore,
		NotAfter:     opts.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}
	if opts.TimeStamp {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping}
	}
	if opts.Qualified {
		ext, err := common.QualifiedStatements()
		if err != nil {
			return nil, err
		}
		template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
			Id:    common.OIDQcStatements,
			Value: ext,
		})
	}
	return x509.CreateCertificate(rand.Reader, template, a.Cert, pub, a.Key)
}

// Issues a certificate for a PEM encoded CSR
func (a *Authority) IssueCSR(csrPEM []byte, opts IssueOptions) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return nil, errors.New("testutil: invalid CSR PEM")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, err
	}
	if opts.CommonName == "" {
		opts.CommonName = csr.Subject.CommonName
	}
	return a.Issue(csr.PublicKey, opts)
}

// Returns the PEM encoding of a DER certificate
func PEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
