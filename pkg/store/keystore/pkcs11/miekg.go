package pkcs11

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
	libpkcs11 "github.com/miekg/pkcs11"
)

var (
	oidNamedCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidNamedCurveP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidNamedCurveP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

// PKCS11 is a low level connection to the cryptoki library used for token
// information and object creation, which crypto11 does not expose
type PKCS11 struct {
	logger *logging.Logger
	config *Config
	ctx    *libpkcs11.Ctx
	slot   uint
}

// Loads the library, locates the configured token and verifies the PIN.
// The library is finalized again afterwards so crypto11 can own the
// cryptoki initialization.
func NewPKCS11(logger *logging.Logger, config *Config) (*PKCS11, error) {

	ctx := libpkcs11.New(config.Library)
	if ctx == nil {
		return nil, fmt.Errorf("%w: %s: %s",
			keystore.ErrBackendUnavailable, ErrLibraryLoad, config.Library)
	}
	p11 := &PKCS11{logger: logger, config: config, ctx: ctx}

	if err := ctx.Initialize(); err != nil && !alreadyInitialized(err) {
		return nil, mapError(err)
	}

	slot, err := p11.findSlot()
	if err != nil {
		ctx.Finalize()
		return nil, err
	}
	p11.slot = slot

	session, err := ctx.OpenSession(slot, libpkcs11.CKF_SERIAL_SESSION|libpkcs11.CKF_RW_SESSION)
	if err != nil {
		ctx.Finalize()
		return nil, mapError(err)
	}
	if err := ctx.Login(session, libpkcs11.CKU_USER, config.Pin); err != nil &&
		!strings.Contains(err.Error(), "CKR_USER_ALREADY_LOGGED_IN") {
		ctx.CloseSession(session)
		ctx.Finalize()
		return nil, mapError(err)
	}
	ctx.Logout(session)
	ctx.CloseSession(session)
	if err := ctx.Finalize(); err != nil {
		logger.MaybeError(err)
	}
	return p11, nil
}

func alreadyInitialized(err error) bool {
	return strings.Contains(err.Error(), "CKR_CRYPTOKI_ALREADY_INITIALIZED")
}

func (p11 *PKCS11) findSlot() (uint, error) {
	slots, err := p11.ctx.GetSlotList(true)
	if err != nil {
		return 0, mapError(err)
	}
	if p11.config.Slot != nil {
		for _, slot := range slots {
			if slot == uint(*p11.config.Slot) {
				return slot, nil
			}
		}
		return 0, fmt.Errorf("%w: slot %d", keystore.ErrBackendUnavailable, *p11.config.Slot)
	}
	for _, slot := range slots {
		token, err := p11.ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if strings.TrimSpace(token.Label) == p11.config.TokenLabel {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("%w: token not found: %s",
		keystore.ErrBackendUnavailable, p11.config.TokenLabel)
}

// Returns library and token details for provider health reports
func (p11 *PKCS11) Info() (map[string]string, error) {
	info, err := p11.ctx.GetInfo()
	if err != nil {
		return nil, mapError(err)
	}
	token, err := p11.ctx.GetTokenInfo(p11.slot)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]string{
		"library":       strings.TrimSpace(info.LibraryDescription),
		"manufacturer":  strings.TrimSpace(token.ManufacturerID),
		"model":         strings.TrimSpace(token.Model),
		"serial":        strings.TrimSpace(token.SerialNumber),
		"label":         strings.TrimSpace(token.Label),
		"firmware":      fmt.Sprintf("%d.%d", token.FirmwareVersion.Major, token.FirmwareVersion.Minor),
		"sessions":      fmt.Sprintf("%d/%d", token.SessionCount, token.MaxSessionCount),
		"free_priv_mem": fmt.Sprintf("%d", token.FreePrivateMemory),
	}, nil
}

// Creates private and public key objects on the token from existing key
// material. Both objects carry the id as CKA_ID and CKA_LABEL so crypto11
// can locate the pair.
func (p11 *PKCS11) ImportKey(id string, key crypto.PrivateKey) error {

	privTemplate, pubTemplate, err := keyTemplates([]byte(id), key)
	if err != nil {
		return err
	}

	session, err := p11.ctx.OpenSession(p11.slot, libpkcs11.CKF_SERIAL_SESSION|libpkcs11.CKF_RW_SESSION)
	if err != nil {
		return mapError(err)
	}
	defer p11.ctx.CloseSession(session)

	if err := p11.ctx.Login(session, libpkcs11.CKU_USER, p11.config.Pin); err != nil &&
		!strings.Contains(err.Error(), "CKR_USER_ALREADY_LOGGED_IN") {
		return mapError(err)
	}

	privHandle, err := p11.ctx.CreateObject(session, privTemplate)
	if err != nil {
		return mapError(err)
	}
	if _, err := p11.ctx.CreateObject(session, pubTemplate); err != nil {
		p11.ctx.DestroyObject(session, privHandle)
		return mapError(err)
	}
	return nil
}

func (p11 *PKCS11) Destroy() {
	if p11 != nil && p11.ctx != nil {
		p11.ctx.Destroy()
	}
}

func keyTemplates(id []byte, key crypto.PrivateKey) ([]*libpkcs11.Attribute, []*libpkcs11.Attribute, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		k.Precompute()
		e := big.NewInt(int64(k.E)).Bytes()
		priv := []*libpkcs11.Attribute{
			libpkcs11.NewAttribute(libpkcs11.CKA_CLASS, libpkcs11.CKO_PRIVATE_KEY),
			libpkcs11.NewAttribute(libpkcs11.CKA_KEY_TYPE, libpkcs11.CKK_RSA),
			libpkcs11.NewAttribute(libpkcs11.CKA_TOKEN, true),
			libpkcs11.NewAttribute(libpkcs11.CKA_PRIVATE, true),
			libpkcs11.NewAttribute(libpkcs11.CKA_SENSITIVE, true),
			libpkcs11.NewAttribute(libpkcs11.CKA_SIGN, true),
			libpkcs11.NewAttribute(libpkcs11.CKA_ID, id),
			libpkcs11.NewAttribute(libpkcs11.CKA_LABEL, id),
			libpkcs11.NewAttribute(libpkcs11.CKA_MODULUS, k.N.Bytes()),
			libpkcs11.NewAttribute(libpkcs11.CKA_PUBLIC_EXPONENT, e),
			libpkcs11.NewAttribute(libpkcs11.CKA_PRIVATE_EXPONENT, k.D.Bytes()),
			libpkcs11.NewAttribute(libpkcs11.CKA_PRIME_1, k.Primes[0].Bytes()),
			libpkcs11.NewAttribute(libpkcs11.CKA_PRIME_2, k.Primes[1].Bytes()),
			libpkcs11.NewAttribute(libpkcs11.CKA_EXPONENT_1, k.Precomputed.Dp.Bytes()),
			libpkcs11.NewAttribute(libpkcs11.CKA_EXPONENT_2, k.Precomputed.Dq.Bytes()),
			libpkcs11.NewAttribute(libpkcs11.CKA_COEFFICIENT, k.Precomputed.Qinv.Bytes()),
		}
		pub := []*libpkcs11.Attribute{
			libpkcs11.NewAttribute(libpkcs11.CKA_CLASS, libpkcs11.CKO_PUBLIC_KEY),
			libpkcs11.NewAttribute(libpkcs11.CKA_KEY_TYPE, libpkcs11.CKK_RSA),
			libpkcs11.NewAttribute(libpkcs11.CKA_TOKEN, true),
			libpkcs11.NewAttribute(libpkcs11.CKA_VERIFY, true),
			libpkcs11.NewAttribute(libpkcs11.CKA_ID, id),
			libpkcs11.NewAttribute(libpkcs11.CKA_LABEL, id),
			libpkcs11.NewAttribute(libpkcs11.CKA_MODULUS, k.N.Bytes()),
			libpkcs11.NewAttribute(libpkcs11.CKA_PUBLIC_EXPONENT, e),
		}
		return priv, pub, nil

	case *ecdsa.PrivateKey:
		params, err := curveParams(k.Curve)
		if err != nil {
			return nil, nil, err
		}
		size := (k.Curve.Params().BitSize + 7) / 8
		point, err := asn1.Marshal(elliptic.Marshal(k.Curve, k.X, k.Y))
		if err != nil {
			return nil, nil, err
		}
		priv := []*libpkcs11.Attribute{
			libpkcs11.NewAttribute(libpkcs11.CKA_CLASS, libpkcs11.CKO_PRIVATE_KEY),
			libpkcs11.NewAttribute(libpkcs11.CKA_KEY_TYPE, libpkcs11.CKK_EC),
			libpkcs11.NewAttribute(libpkcs11.CKA_TOKEN, true),
			libpkcs11.NewAttribute(libpkcs11.CKA_PRIVATE, true),
			libpkcs11.NewAttribute(libpkcs11.CKA_SENSITIVE, true),
			libpkcs11.NewAttribute(libpkcs11.CKA_SIGN, true),
			libpkcs11.NewAttribute(libpkcs11.CKA_ID, id),
			libpkcs11.NewAttribute(libpkcs11.CKA_LABEL, id),
			libpkcs11.NewAttribute(libpkcs11.CKA_EC_PARAMS, params),
			libpkcs11.NewAttribute(libpkcs11.CKA_VALUE, k.D.FillBytes(make([]byte, size))),
		}
		pub := []*libpkcs11.Attribute{
			libpkcs11.NewAttribute(libpkcs11.CKA_CLASS, libpkcs11.CKO_PUBLIC_KEY),
			libpkcs11.NewAttribute(libpkcs11.CKA_KEY_TYPE, libpkcs11.CKK_EC),
			libpkcs11.NewAttribute(libpkcs11.CKA_TOKEN, true),
			libpkcs11.NewAttribute(libpkcs11.CKA_VERIFY, true),
			libpkcs11.NewAttribute(libpkcs11.CKA_ID, id),
			libpkcs11.NewAttribute(libpkcs11.CKA_LABEL, id),
			libpkcs11.NewAttribute(libpkcs11.CKA_EC_PARAMS, params),
			libpkcs11.NewAttribute(libpkcs11.CKA_EC_POINT, point),
		}
		return priv, pub, nil
	}
	return nil, nil, ErrUnsupportedKeyAlgorithm
}

// Returns the DER encoded named curve OID for CKA_EC_PARAMS
func curveParams(curve elliptic.Curve) ([]byte, error) {
	switch curve {
	case elliptic.P256():
		return asn1.Marshal(oidNamedCurveP256)
	case elliptic.P384():
		return asn1.Marshal(oidNamedCurveP384)
	case elliptic.P521():
		return asn1.Marshal(oidNamedCurveP521)
	}
	return nil, keystore.ErrInvalidCurve
}
