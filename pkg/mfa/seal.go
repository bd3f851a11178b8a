package mfa

import (
	"errors"
	"io"

	"github.com/jeremyhahn/go-signature-trust/pkg/crypto/aesgcm"
)

const sealInfo = "signature-trust mfa enrollment secret"

var ErrUnseal = errors.New("mfa: unable to open sealed secret")

// sealer encrypts enrollment secrets at rest. The user id is bound as
// additional data, so a sealed secret cannot be moved to another
// enrollment.
type sealer struct {
	aead *aesgcm.AESGCM
}

func newSealer(secret []byte, random io.Reader) (*sealer, error) {
	aead, err := aesgcm.NewAESGCM(secret, sealInfo, random)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

// Returns the ciphertext and the nonce it was sealed with
func (s *sealer) Seal(plaintext []byte, userID string) ([]byte, []byte, error) {
	return s.aead.Seal(plaintext, []byte(userID))
}

func (s *sealer) Open(ciphertext, nonce []byte, userID string) ([]byte, error) {
	plaintext, err := s.aead.Open(ciphertext, nonce, []byte(userID))
	if err != nil {
		return nil, errors.Join(ErrUnseal, err)
	}
	return plaintext, nil
}
