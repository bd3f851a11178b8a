package policy

import (
	"context"
	"testing"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/audit"
	"github.com/jeremyhahn/go-signature-trust/pkg/common"
	"github.com/jeremyhahn/go-signature-trust/pkg/container"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/jeremyhahn/go-signature-trust/pkg/testutil"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createCatalog(t *testing.T) (*Catalog, datastore.Store, *audit.Log) {
	logger, store, _ := testutil.Datastore(t)
	log := audit.NewLog(&audit.Params{
		Logger:     logger,
		Store:      store,
		Serializer: datastore.SERIALIZER_JSON,
	})
	catalog := NewCatalog(&CatalogParams{
		Logger:     logger,
		Store:      store,
		Serializer: datastore.SERIALIZER_JSON,
		Audit:      log,
	})
	return catalog, store, log
}

func testLogger(t *testing.T) *logging.Logger {
	logger, _, _ := testutil.Datastore(t)
	return logger
}

func TestBuiltins(t *testing.T) {

	catalog, _, _ := createCatalog(t)

	policies := catalog.List()
	require.Len(t, policies, 4)
	assert.Equal(t, "business_contract", policies[0].Name)

	p, err := catalog.Get("business_contract")
	require.Nil(t, err)
	assert.Equal(t, common.CLASS_QUALIFIED, p.MinClass)
	assert.Equal(t, "PAdES-LTA", p.ContainerName())
	assert.Equal(t, AUTH_ADVANCED, p.AuthGrade)
	assert.Equal(t, TIMESTAMP_REQUIRED, p.Timestamp)
	assert.Equal(t, []string{JURISDICTION_EU}, p.Jurisdictions)
	assert.Equal(t, DEFAULT_FRESHNESS_WINDOW, p.Freshness)
	assert.True(t, p.RequiresAuth())
	assert.True(t, p.RequiresQualifiedTSA())

	for _, p := range policies {
		assert.Nil(t, p.Validate(), p.Name)
	}

	_, err = catalog.Get("mortgage")
	assert.ErrorIs(t, err, ErrPolicyUnknown)
}

func TestClassify(t *testing.T) {

	tests := []struct {
		base      common.Class
		auth      AuthGrade
		timestamp tsa.Qualification
		want      common.Class
	}{
		{common.CLASS_BASIC, AUTH_NONE, "", common.CLASS_BASIC},
		{common.CLASS_BASIC, AUTH_BASIC, "", common.CLASS_ADVANCED},
		{common.CLASS_BASIC, AUTH_ADVANCED, tsa.QUALIFICATION_QUALIFIED, common.CLASS_ADVANCED},
		{common.CLASS_ADVANCED, AUTH_BASIC, tsa.QUALIFICATION_QUALIFIED, common.CLASS_ADVANCED},
		{common.CLASS_ADVANCED, AUTH_ADVANCED, tsa.QUALIFICATION_BASIC, common.CLASS_ADVANCED},
		{common.CLASS_ADVANCED, AUTH_ADVANCED, tsa.QUALIFICATION_QUALIFIED, common.CLASS_QUALIFIED_PLUS},
		{common.CLASS_QUALIFIED, AUTH_NONE, "", common.CLASS_QUALIFIED},
		{common.CLASS_QUALIFIED, AUTH_ADVANCED, "", common.CLASS_QUALIFIED},
		{common.CLASS_QUALIFIED, AUTH_ADVANCED, tsa.QUALIFICATION_QUALIFIED, common.CLASS_QUALIFIED_PLUS},
		{common.CLASS_QUALIFIED, AUTH_QUALIFIED, tsa.QUALIFICATION_QUALIFIED, common.CLASS_QUALIFIED_PLUS},
		{common.CLASS_NONE, AUTH_QUALIFIED, tsa.QUALIFICATION_QUALIFIED, common.CLASS_NONE},
	}
	for _, tt := range tests {
		got := Classify(tt.base, tt.auth, tt.timestamp)
		assert.Equal(t, tt.want, got, "%s + %s + %s", tt.base, tt.auth, tt.timestamp)
		assert.True(t, got.AtLeast(tt.base))
	}
}

func TestBusinessContractScenarios(t *testing.T) {

	catalog, _, _ := createCatalog(t)
	engine := NewEngine(catalog, nil)
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	p, err := engine.Resolve("business_contract", "DE")
	require.Nil(t, err)
	require.Nil(t, p.CheckCertificate(common.CLASS_QUALIFIED))

	// TOTP only reaches basic_auth
	err = engine.Authorize(p, METHOD_TOTP.Enhancement(), now, now)
	assert.ErrorIs(t, err, ErrAuthEnhancementInsufficient)

	// Biometric with a qualified timestamp reaches Qualified+
	require.Nil(t, engine.Authorize(p, METHOD_BIOMETRIC.Enhancement(), now, now))
	class := engine.Classify(p, common.CLASS_QUALIFIED, METHOD_BIOMETRIC.Enhancement(), tsa.QUALIFICATION_QUALIFIED)
	assert.Equal(t, common.CLASS_QUALIFIED_PLUS, class)

	err = p.CheckCertificate(common.CLASS_ADVANCED)
	assert.ErrorIs(t, err, ErrClassInsufficient)

	_, err = engine.Resolve("business_contract", "US")
	assert.ErrorIs(t, err, ErrJurisdiction)
}

func TestFreshness(t *testing.T) {

	p := Builtins()[3]
	verified := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	assert.Nil(t, p.CheckFreshness(verified, verified.Add(5*time.Minute)))
	assert.ErrorIs(t, p.CheckFreshness(verified, verified.Add(6*time.Minute)), ErrAuthStale)

	p.Freshness = time.Minute
	assert.ErrorIs(t, p.CheckFreshness(verified, verified.Add(2*time.Minute)), ErrAuthStale)
}

func TestClassifyIgnoresTimestampWhenPolicyDoesNot(t *testing.T) {

	engine := NewEngine(NewCatalog(&CatalogParams{Logger: testLogger(t)}), nil)
	p := Policy{
		Name:      "plain",
		MinClass:  common.CLASS_ADVANCED,
		Format:    container.FORMAT_CADES,
		AuthGrade: AUTH_ADVANCED,
	}.WithDefaults()
	class := engine.Classify(p, common.CLASS_ADVANCED, AUTH_ADVANCED, tsa.QUALIFICATION_QUALIFIED)
	assert.Equal(t, common.CLASS_ADVANCED, class)
}

func TestCrossBorder(t *testing.T) {

	frameworks := NewFrameworks()

	r := frameworks.Evaluate("DE", "FR", true, common.CLASS_QUALIFIED)
	assert.True(t, r.Recognized)
	assert.Empty(t, r.Reasons)

	r = frameworks.Evaluate("de", "us", false, common.CLASS_ADVANCED)
	assert.False(t, r.Recognized)
	assert.Len(t, r.Reasons, 3)

	assert.False(t, frameworks.MutuallyRecognized("DE", "CH"))
	frameworks.AddRecognition("CH", "DE")
	assert.True(t, frameworks.MutuallyRecognized("DE", "CH"))
	assert.Equal(t, FRAMEWORK_ZERTES, frameworks.Framework("ch"))

	assert.True(t, IsEUMember("fr"))
	assert.False(t, IsEUMember("GB"))
	assert.Len(t, EUMembers(), 27)
}

func TestReplaceAndLoad(t *testing.T) {

	catalog, store, log := createCatalog(t)
	ctx := context.Background()

	custom := Policy{
		Name:          "Invoice",
		MinClass:      common.CLASS_ADVANCED,
		Format:        container.FORMAT_XADES,
		Profile:       container.PROFILE_T,
		AuthGrade:     AUTH_BASIC,
		Timestamp:     TIMESTAMP_REQUIRED,
		Jurisdictions: []string{"de", "at"},
	}
	invalid := custom
	invalid.Name = "broken"
	invalid.Format = "JAdES"

	err := catalog.Replace(ctx, "admin", []Policy{custom, invalid})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	assert.Len(t, catalog.List(), 4)

	require.Nil(t, catalog.Replace(ctx, "admin", []Policy{custom}))
	policies := catalog.List()
	require.Len(t, policies, 1)
	assert.Equal(t, "invoice", policies[0].Name)
	assert.Equal(t, []string{"DE", "AT"}, policies[0].Jurisdictions)
	_, err = catalog.Get("business_contract")
	assert.ErrorIs(t, err, ErrPolicyUnknown)

	entries, err := log.Find(ctx, audit.Filter{Operation: audit.OP_POLICY_CATALOG_REPLACED})
	require.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "invoice", entries[0].Details["policies"])

	reloaded := NewCatalog(&CatalogParams{
		Logger:     testLogger(t),
		Store:      store,
		Serializer: datastore.SERIALIZER_JSON,
	})
	assert.Len(t, reloaded.List(), 4)
	require.Nil(t, reloaded.Load(ctx))
	policies = reloaded.List()
	require.Len(t, policies, 1)
	assert.Equal(t, container.PROFILE_T, policies[0].Profile)
}

func TestLoadFile(t *testing.T) {

	fs := afero.NewMemMapFs()
	doc := `
policies:
  - name: notarial_deed
    description: Deeds executed before a notary
    min-class: Qualified
    format: XAdES
    profile: LTA
    auth-grade: advanced_auth
    timestamp: required
    tsa-level: qualified_tsa
    freshness: 2m
    retention: 262800h
    jurisdictions: [DE, AT]
`
	require.Nil(t, afero.WriteFile(fs, "/etc/policies.yaml", []byte(doc), 0644))

	policies, err := LoadFile(fs, "/etc/policies.yaml")
	require.Nil(t, err)
	require.Len(t, policies, 1)
	p := policies[0]
	assert.Equal(t, common.CLASS_QUALIFIED, p.MinClass)
	assert.Equal(t, container.PROFILE_LTA, p.Profile)
	assert.Equal(t, 2*time.Minute, p.Freshness)
	assert.Equal(t, 262800*time.Hour, p.Retention)
	assert.Nil(t, p.Validate())

	encoded, err := Encode(policies)
	require.Nil(t, err)
	decoded, err := Decode(encoded)
	require.Nil(t, err)
	assert.Equal(t, policies, decoded)

	_, err = LoadFile(fs, "/etc/missing.yaml")
	assert.NotNil(t, err)
}

func TestValidate(t *testing.T) {

	base := Builtins()[0]

	p := base
	p.Timestamp = TIMESTAMP_NONE
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)

	p = base
	p.MinClass = "Platinum"
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)

	p = base
	p.AuthGrade = "strong_auth"
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)

	p = base
	p.SignTimeout = -time.Second
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)

	p = base
	p.TimestampTimeout = 2 * time.Second
	assert.Nil(t, p.Validate())

	grade, err := ParseAuthGrade("advanced")
	require.Nil(t, err)
	assert.Equal(t, AUTH_ADVANCED, grade)
	_, err = ParseAuthGrade("ultra")
	assert.ErrorIs(t, err, ErrInvalidAuthGrade)

	method, err := ParseMethod("Biometric")
	require.Nil(t, err)
	assert.Equal(t, AUTH_QUALIFIED, method.Ceiling())
	assert.Equal(t, AUTH_BASIC, METHOD_SMS.Ceiling())
	_, err = ParseMethod("carrier-pigeon")
	assert.ErrorIs(t, err, ErrInvalidMethod)

	assert.True(t, OP_KEY_GENERATION.Sensitive())
	assert.False(t, OP_SIGNATURE_VALIDATION.Sensitive())
}
