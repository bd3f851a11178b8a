package pkcs11

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
)

var (
	ErrUnsupportedKeyAlgorithm = errors.New("keystore/pkcs11: unsupported key algorithm")
	ErrInvalidUserPIN          = errors.New("keystore/pkcs11: invalid user pin")
	ErrInvalidTokenLabel       = errors.New("keystore/pkcs11: invalid token label")
	ErrLibraryLoad             = errors.New("keystore/pkcs11: unable to load PKCS #11 library")
)

// Maps PKCS #11 return values embedded in library error strings to the
// key store error kinds
func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "CKR_PIN_INCORRECT"),
		strings.Contains(msg, "CKR_PIN_INVALID"),
		strings.Contains(msg, "CKR_PIN_LEN_RANGE"),
		strings.Contains(msg, "CKR_USER_TYPE_INVALID"),
		strings.Contains(msg, "CKR_PIN_LOCKED"):
		return fmt.Errorf("%w: %s", keystore.ErrBadCredentials, msg)
	case strings.Contains(msg, "could not open PKCS#11"),
		strings.Contains(msg, "CKR_DEVICE_ERROR"),
		strings.Contains(msg, "CKR_DEVICE_REMOVED"),
		strings.Contains(msg, "CKR_TOKEN_NOT_PRESENT"),
		strings.Contains(msg, "CKR_SESSION_HANDLE_INVALID"),
		strings.Contains(msg, "CKR_GENERAL_ERROR"),
		strings.Contains(msg, "no suitable slot"),
		strings.Contains(msg, "token not found"):
		return fmt.Errorf("%w: %s", keystore.ErrBackendUnavailable, msg)
	case strings.Contains(msg, "CKR_MECHANISM_INVALID"),
		strings.Contains(msg, "CKR_KEY_TYPE_INCONSISTENT"),
		strings.Contains(msg, "CKR_KEY_FUNCTION_NOT_PERMITTED"):
		return fmt.Errorf("%w: %s", keystore.ErrBackendRejected, msg)
	}
	return err
}
