package keystore

import (
	"context"
	"crypto"
	"io"
)

// SignFunc signs a digest (or message for EdDSA) with a key held by a
// backend that never releases the private key
type SignFunc func(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error)

type OpaqueKey interface {
	KeyAttributes() *KeyAttributes
	crypto.Signer
}

type Opaque struct {
	ctx   context.Context
	attrs *KeyAttributes
	pub   crypto.PublicKey
	sign  SignFunc
}

// Create an opaque private key backed by a key storage backend. The
// context bounds every signature made through the key.
func NewOpaqueKey(
	ctx context.Context,
	attrs *KeyAttributes,
	pub crypto.PublicKey,
	sign SignFunc) OpaqueKey {

	return &Opaque{
		ctx:   ctx,
		attrs: attrs,
		pub:   pub,
		sign:  sign,
	}
}

func (opaque *Opaque) KeyAttributes() *KeyAttributes {
	return opaque.attrs
}

// Returns the public half of the opaque key
// Implements crypto.Signer
// https://pkg.go.dev/crypto#Signer
func (opaque *Opaque) Public() crypto.PublicKey {
	return opaque.pub
}

// Implements crypto.Signer
// https://pkg.go.dev/crypto#Signer
func (opaque *Opaque) Sign(
	rand io.Reader,
	digest []byte,
	opts crypto.SignerOpts) (signature []byte, err error) {

	return opaque.sign(opaque.ctx, digest, opts)
}
