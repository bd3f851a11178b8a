package config

import (
	"testing"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	"github.com/jeremyhahn/go-signature-trust/pkg/tsa"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T, document string) *viper.Viper {
	fs := afero.NewMemMapFs()
	require.Nil(t, afero.WriteFile(fs, "/etc/signature-trust/config.yaml", []byte(document), 0644))
	v := viper.New()
	v.SetFs(fs)
	return v
}

func TestDefaults(t *testing.T) {

	v := newViper(t, "auth:\n  secret: 0123456789abcdef0123456789abcdef\n")
	config, err := Load(v, "/etc/signature-trust/config.yaml")
	require.Nil(t, err)

	assert.Equal(t, 10*time.Second, config.HSM.SignTimeout)
	assert.Equal(t, 30*time.Second, config.TSA.Timeout)
	assert.Equal(t, 5*time.Minute, config.Certificates.PollInterval)
	assert.Equal(t, time.Hour, config.Certificates.PollMax)
	assert.Equal(t, 24*time.Hour, config.Certificates.PollTimeout)
	assert.Equal(t, 720*time.Hour, config.Certificates.RenewalWindow)
	assert.Equal(t, 5*time.Minute, config.Auth.Freshness)
	assert.Equal(t, 3, config.Auth.Attempts.Attempts)
	assert.Equal(t, 15*time.Minute, config.Auth.Attempts.Window)
	assert.Equal(t, LIMITER_MEMORY, config.Auth.Limiter)
	assert.Equal(t, "yaml", config.Datastore.Serializer)
	assert.Equal(t, ":8080", config.WebService.Listen)
}

func TestProviders(t *testing.T) {

	v := newViper(t, `
log-level: debug
auth:
  secret: 0123456789abcdef0123456789abcdef
hsm:
  sign-timeout: 4s
  providers:
    - id: local
      connect: true
      descriptor:
        vendor: software
        connection-type: local
        fips-level: 1
        concurrent: true
    - id: luna-1
      descriptor:
        vendor: thales-luna
        connection-type: network
        fips-level: 3
        options:
          library: /usr/lib/libCryptoki2_64.so
      credentials:
        partition: signing
        password: secret
ca:
  providers:
    - id: qualified-ca
      base-url: https://ca.example.com/api
      types: [qualified, advanced]
      endpoints:
        request: /requests
        status: /requests/{id}
      rate:
        per-second: 2
        burst: 4
tsa:
  providers:
    - id: qualified-tsa
      url: https://tsa.example.com
      qualification: qualified_tsa
      timeout: 45s
`)
	config, err := Load(v, "/etc/signature-trust/config.yaml")
	require.Nil(t, err)

	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, 4*time.Second, config.HSM.SignTimeout)
	require.Len(t, config.HSM.Providers, 2)
	assert.True(t, config.HSM.Providers[0].Connect)
	assert.Equal(t, keystore.VENDOR_SOFTWARE, config.HSM.Providers[0].Descriptor.Vendor)
	assert.True(t, config.HSM.Providers[0].Descriptor.Concurrent)
	assert.Equal(t, keystore.VENDOR_THALES_LUNA, config.HSM.Providers[1].Descriptor.Vendor)
	assert.Equal(t, 3, config.HSM.Providers[1].Descriptor.FIPSLevel)
	assert.Equal(t, "/usr/lib/libCryptoki2_64.so", config.HSM.Providers[1].Descriptor.Options["library"])
	assert.Equal(t, "signing", config.HSM.Providers[1].Credentials.Partition)

	require.Len(t, config.CA.Providers, 1)
	assert.Equal(t, []string{"qualified", "advanced"}, config.CA.Providers[0].Types)
	assert.Equal(t, "/requests/{id}", config.CA.Providers[0].Endpoints.Status)
	assert.Equal(t, 2.0, config.CA.Providers[0].Rate.PerSecond)

	require.Len(t, config.TSA.Providers, 1)
	assert.Equal(t, tsa.QUALIFICATION_QUALIFIED, config.TSA.Providers[0].Qualification)
	assert.Equal(t, 45*time.Second, config.TSA.Providers[0].Timeout)
}

func TestSecretFromEnvironment(t *testing.T) {

	t.Setenv("SIGTRUST_AUTH_SECRET", "from-the-environment-0123456789ab")
	v := viper.New()
	v.SetFs(afero.NewMemMapFs())

	config, err := Load(v, "")
	require.Nil(t, err)
	assert.Equal(t, "from-the-environment-0123456789ab", config.Auth.Secret)
}

func TestValidate(t *testing.T) {

	tests := []struct {
		name     string
		document string
		err      error
	}{
		{"missing secret", "log-level: info\n", ErrSecretRequired},
		{"redis without address", "auth:\n  secret: s\n  limiter: redis\n", ErrInvalidLimiter},
		{"unknown limiter", "auth:\n  secret: s\n  limiter: memcached\n", ErrInvalidLimiter},
		{"duplicate tsa", `
auth:
  secret: s
tsa:
  providers:
    - {id: a, url: "http://a"}
    - {id: a, url: "http://b"}
`, ErrDuplicateID},
		{"ca without url", `
auth:
  secret: s
ca:
  providers:
    - {id: a}
`, ErrInvalidProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newViper(t, tt.document), "/etc/signature-trust/config.yaml")
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
