package archive

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/spf13/afero"
)

const DEFAULT_DIR = "archive"

// FileArchiver writes each container and a JSON metadata sidecar into a
// directory. Files are created exclusively and made read-only.
type FileArchiver struct {
	logger *logging.Logger
	fs     afero.Fs
	dir    string
}

func NewFileArchiver(logger *logging.Logger, fs afero.Fs, dir string) (*FileArchiver, error) {
	if dir == "" {
		dir = DEFAULT_DIR
	}
	if err := fs.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	return &FileArchiver{
		logger: logger.With("component", "archive", "backend", BACKEND_FILE),
		fs:     fs,
		dir:    dir,
	}, nil
}

func (a *FileArchiver) Archive(ctx context.Context, object Object) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(a.dir, object.ArtifactID+object.Extension())
	if err := a.create(path, object.Data); err != nil {
		return "", err
	}
	metadata, err := json.MarshalIndent(object, "", "  ")
	if err != nil {
		return "", err
	}
	if err := a.create(filepath.Join(a.dir, object.ArtifactID+".json"), metadata); err != nil {
		return "", err
	}
	a.logger.Debug("archive: container archived",
		"artifact", object.ArtifactID, "path", path, "retain-until", object.RetainUntil)
	return path, nil
}

func (a *FileArchiver) Fetch(ctx context.Context, artifactID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metadata, err := afero.ReadFile(a.fs, filepath.Join(a.dir, artifactID+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var object Object
	if err := json.Unmarshal(metadata, &object); err != nil {
		return nil, err
	}
	return afero.ReadFile(a.fs, filepath.Join(a.dir, artifactID+object.Extension()))
}

func (a *FileArchiver) create(path string, data []byte) error {
	f, err := a.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0444)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrExists
		}
		return err
	}
	defer f.Close()
	n, err := f.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return errors.New("archive: short write")
	}
	return nil
}
