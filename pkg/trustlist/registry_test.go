package trustlist

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issue(t *testing.T, authority *testutil.Authority) *x509.Certificate {
	_, signer := testutil.SoftwareHandle(t, keystore.ALGORITHM_ECDSA)
	der, err := authority.Issue(signer.Public(), testutil.IssueOptions{
		CommonName: "signer",
		NotBefore:  time.Now().Add(-time.Hour),
		NotAfter:   time.Now().Add(time.Hour),
	})
	require.Nil(t, err)
	cert, err := x509.ParseCertificate(der)
	require.Nil(t, err)
	return cert
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func TestRefreshFromSources(t *testing.T) {

	logger, _, _ := testutil.Datastore(t)
	german := testutil.NewAuthority(t, "German Qualified CA")
	french := testutil.NewAuthority(t, "French Qualified CA")
	rogue := testutil.NewAuthority(t, "Rogue CA")

	var failing atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/de.json", func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jurisdiction": "DE", "entries": [{"name": "German Qualified CA", "sha256": "` +
			fingerprint(german.Cert) + `"}]}`))
	})
	mux.HandleFunc("/eu.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Write([]byte("entries:\n  - name: French Qualified CA\n    subject: \"" +
			french.Cert.Subject.String() + "\"\n"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	registry := NewRegistry(&Params{
		Logger: logger,
		Config: Config{
			Sources: []Source{
				{URL: server.URL + "/de.json"},
				{URL: server.URL + "/eu.yaml", Jurisdiction: "EU"},
			},
		},
	})

	germanSigner := issue(t, german)
	frenchSigner := issue(t, french)
	rogueSigner := issue(t, rogue)

	assert.False(t, registry.Trusted("DE", germanSigner, german.Cert))

	require.Nil(t, registry.Refresh(context.Background()))
	assert.True(t, registry.Trusted("DE", germanSigner, german.Cert))
	assert.False(t, registry.Trusted("FR", germanSigner, german.Cert))
	assert.False(t, registry.Trusted("DE", rogueSigner, rogue.Cert))

	// EU wide entries apply in every member state, matched by issuer DN
	assert.True(t, registry.Trusted("FR", frenchSigner, nil))
	assert.True(t, registry.Trusted("DE", frenchSigner, nil))
	assert.False(t, registry.Trusted("CH", frenchSigner, nil))

	// A failing source keeps its last good entries
	failing.Store(true)
	err := registry.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrFetch)
	assert.True(t, registry.Trusted("DE", germanSigner, german.Cert))
}

func TestStaticEntries(t *testing.T) {

	logger, _, _ := testutil.Datastore(t)
	authority := testutil.NewAuthority(t, "Swiss Qualified CA")
	registry := NewRegistry(&Params{
		Logger: logger,
		Config: Config{Static: []Entry{{
			Jurisdiction: "ch",
			Name:         "Swiss Qualified CA",
			SHA256:       fingerprint(authority.Cert),
		}}},
	})
	signer := issue(t, authority)
	assert.True(t, registry.Trusted("CH", signer, authority.Cert))
	assert.Len(t, registry.Entries("CH"), 1)

	other := testutil.NewAuthority(t, "Other CA")
	assert.False(t, registry.Trusted("CH", issue(t, other), other.Cert))
	registry.Add(Entry{Jurisdiction: "CH", SubjectDN: other.Cert.Subject.String()})
	assert.True(t, registry.Trusted("CH", issue(t, other), nil))
}

func TestDecodeRejectsInvalidDocuments(t *testing.T) {

	_, err := Decode([]byte(`{"entries": [{"name": "anonymous"}]}`))
	assert.ErrorIs(t, err, ErrInvalidDocument)

	_, err = Decode([]byte("entries: [: broken"))
	assert.ErrorIs(t, err, ErrInvalidDocument)

	doc, err := Decode([]byte(`{"jurisdiction": "AT", "issued": "2026-05-01", "entries": []}`))
	require.Nil(t, err)
	assert.Equal(t, "AT", doc.Jurisdiction)
}
