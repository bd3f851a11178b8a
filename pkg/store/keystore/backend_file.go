package keystore

import (
	"errors"
	"fmt"
	"os"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/spf13/afero"
)

type FSExtension string

const (
	FSEXT_PRIVATE_PKCS8_PEM FSExtension = ".key.pem"
	FSEXT_PUBLIC_PEM        FSExtension = ".pub.pem"
)

var (
	ErrFileAlreadyExists = errors.New("store/keystore: file already exists")
	ErrFileNotFound      = errors.New("store/keystore: file not found")
)

type KeyBackend interface {
	Get(id string, extension FSExtension) ([]byte, error)
	Save(id string, data []byte, extension FSExtension, overwrite bool) error
	Delete(id string) error
}

// FileBackend stores key material beneath <root>/<partition>/ on an
// afero filesystem
type FileBackend struct {
	logger       *logging.Logger
	fs           afero.Fs
	partitionDir string
}

func NewFileBackend(
	logger *logging.Logger,
	fs afero.Fs,
	rootDir string,
	partition string) (KeyBackend, error) {

	dir := fmt.Sprintf("%s/%s", rootDir, partition)
	if err := fs.MkdirAll(dir, os.ModePerm); err != nil {
		logger.Error(err)
		return nil, err
	}
	return &FileBackend{
		logger:       logger,
		fs:           fs,
		partitionDir: dir,
	}, nil
}

// Saves the provided data to the file system
func (fb *FileBackend) Save(
	id string,
	data []byte,
	extension FSExtension,
	overwrite bool) error {

	file := fb.fileName(id, extension)
	if !overwrite {
		if _, err := fb.fs.Stat(file); err == nil {
			return fmt.Errorf("%w: %s", ErrFileAlreadyExists, file)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := afero.WriteFile(fb.fs, file, data, 0600); err != nil {
		fb.logger.Errorf("%s: %s", err, file)
		return err
	}
	return nil
}

// Retrieves the requested data
func (fb *FileBackend) Get(id string, extension FSExtension) ([]byte, error) {
	file := fb.fileName(id, extension)
	bytes, err := afero.ReadFile(fb.fs, file)
	if err != nil {
		if os.IsNotExist(err) {
			fb.logger.Warnf("%s: %s", ErrFileNotFound, file)
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return bytes, nil
}

// Deletes the private and public key files for the id
func (fb *FileBackend) Delete(id string) error {
	found := false
	for _, ext := range []FSExtension{FSEXT_PRIVATE_PKCS8_PEM, FSEXT_PUBLIC_PEM} {
		file := fb.fileName(id, ext)
		if _, err := fb.fs.Stat(file); err != nil {
			continue
		}
		found = true
		if err := fb.fs.Remove(file); err != nil {
			fb.logger.Errorf("%s: %s", err, file)
			return err
		}
	}
	if !found {
		return ErrFileNotFound
	}
	return nil
}

func (fb *FileBackend) fileName(id string, extension FSExtension) string {
	return fmt.Sprintf("%s/%s%s", fb.partitionDir, id, extension)
}
