package keyvault

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
)

var b64 = base64.RawURLEncoding

// JSONWebKey is the subset of RFC 7517 fields the vault exchanges
type JSONWebKey struct {
	Kid    string   `json:"kid,omitempty"`
	Kty    string   `json:"kty"`
	KeyOps []string `json:"key_ops,omitempty"`
	N      string   `json:"n,omitempty"`
	E      string   `json:"e,omitempty"`
	D      string   `json:"d,omitempty"`
	P      string   `json:"p,omitempty"`
	Q      string   `json:"q,omitempty"`
	DP     string   `json:"dp,omitempty"`
	DQ     string   `json:"dq,omitempty"`
	QI     string   `json:"qi,omitempty"`
	Crv    string   `json:"crv,omitempty"`
	X      string   `json:"x,omitempty"`
	Y      string   `json:"y,omitempty"`
}

type createKeyRequest struct {
	Kty     string   `json:"kty"`
	KeySize int      `json:"key_size,omitempty"`
	Crv     string   `json:"crv,omitempty"`
	KeyOps  []string `json:"key_ops,omitempty"`
}

type importKeyRequest struct {
	Key JSONWebKey `json:"key"`
	HSM bool       `json:"hsm"`
}

type keyBundle struct {
	Key JSONWebKey `json:"key"`
}

type signRequest struct {
	Alg   string `json:"alg"`
	Value string `json:"value"`
}

type signResponse struct {
	Kid   string `json:"kid"`
	Value string `json:"value"`
}

type vaultError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func jwkCurveName(curve string) (string, error) {
	c, err := keystore.ParseCurve(curve)
	if err != nil {
		return "", err
	}
	return c.Params().Name, nil
}

func jwkCurve(name string) (elliptic.Curve, error) {
	return keystore.ParseCurve(name)
}

// Decodes the public half of the key
func (jwk JSONWebKey) PublicKey() (crypto.PublicKey, error) {
	switch jwk.Kty {
	case "RSA", "RSA-HSM":
		n, err := b64.DecodeString(jwk.N)
		if err != nil {
			return nil, err
		}
		e, err := b64.DecodeString(jwk.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	case "EC", "EC-HSM":
		curve, err := jwkCurve(jwk.Crv)
		if err != nil {
			return nil, err
		}
		x, err := b64.DecodeString(jwk.X)
		if err != nil {
			return nil, err
		}
		y, err := b64.DecodeString(jwk.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", keystore.ErrInvalidKeyAlgorithm, jwk.Kty)
}

// Encodes a public key as a JWK
func PublicJWK(pub crypto.PublicKey) (JSONWebKey, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return JSONWebKey{
			Kty: "RSA",
			N:   b64.EncodeToString(k.N.Bytes()),
			E:   b64.EncodeToString(big.NewInt(int64(k.E)).Bytes()),
		}, nil
	case *ecdsa.PublicKey:
		size := (k.Curve.Params().BitSize + 7) / 8
		return JSONWebKey{
			Kty: "EC",
			Crv: k.Curve.Params().Name,
			X:   b64.EncodeToString(k.X.FillBytes(make([]byte, size))),
			Y:   b64.EncodeToString(k.Y.FillBytes(make([]byte, size))),
		}, nil
	}
	return JSONWebKey{}, keystore.ErrInvalidKeyAlgorithm
}

func privateJWK(key crypto.PrivateKey) (JSONWebKey, error) {
	pub, err := publicOf(key)
	if err != nil {
		return JSONWebKey{}, err
	}
	jwk, err := PublicJWK(pub)
	if err != nil {
		return JSONWebKey{}, err
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		k.Precompute()
		jwk.Kty = "RSA-HSM"
		jwk.D = b64.EncodeToString(k.D.Bytes())
		jwk.P = b64.EncodeToString(k.Primes[0].Bytes())
		jwk.Q = b64.EncodeToString(k.Primes[1].Bytes())
		jwk.DP = b64.EncodeToString(k.Precomputed.Dp.Bytes())
		jwk.DQ = b64.EncodeToString(k.Precomputed.Dq.Bytes())
		jwk.QI = b64.EncodeToString(k.Precomputed.Qinv.Bytes())
	case *ecdsa.PrivateKey:
		size := (k.Curve.Params().BitSize + 7) / 8
		jwk.Kty = "EC-HSM"
		jwk.D = b64.EncodeToString(k.D.FillBytes(make([]byte, size)))
	}
	return jwk, nil
}

// Converts a fixed width r||s signature to ASN.1 DER
func rawToASN1(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: malformed EC signature", keystore.ErrBackendRejected)
	}
	half := len(raw) / 2
	return asn1.Marshal(struct {
		R, S *big.Int
	}{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}
