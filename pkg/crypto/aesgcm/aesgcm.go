package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	KEY_SIZE   = 32
	NONCE_SIZE = 12
)

var (
	ErrInvalidNonce = errors.New("aesgcm: incorrect nonce length")
	ErrOpen         = errors.New("aesgcm: message authentication failed")
	ErrSecretEmpty  = errors.New("aesgcm: key derivation secret required")
)

// AESGCM seals and opens data with AES-256 in GCM mode under a key derived
// from a long lived secret with HKDF-SHA256. Every Seal draws a fresh 96
// bit nonce from the configured entropy source. Additional data binds a
// ciphertext to its context, e.g. the record it belongs to.
type AESGCM struct {
	key    []byte
	random io.Reader
}

// Derives the AES-256 key for info from secret. A nil random uses
// crypto/rand.
func NewAESGCM(secret []byte, info string, random io.Reader) (*AESGCM, error) {
	if len(secret) == 0 {
		return nil, ErrSecretEmpty
	}
	if random == nil {
		random = rand.Reader
	}
	key := make([]byte, KEY_SIZE)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return &AESGCM{key: key, random: random}, nil
}

// Returns the ciphertext and the nonce it was sealed with
func (a *AESGCM) Seal(plaintext, additionalData []byte) ([]byte, []byte, error) {
	aead, err := a.aead()
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, NONCE_SIZE)
	if _, err := io.ReadFull(a.random, nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nonce, nil
}

// Opens a ciphertext sealed with the same key and additional data. The
// runtime panics on a malformed nonce; that case is returned as
// ErrInvalidNonce instead.
func (a *AESGCM) Open(ciphertext, nonce, additionalData []byte) ([]byte, error) {
	if len(nonce) != NONCE_SIZE {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidNonce, len(nonce))
	}
	aead, err := a.aead()
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, errors.Join(ErrOpen, err)
	}
	return plaintext, nil
}

func (a *AESGCM) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
