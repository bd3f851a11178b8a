// Package archive stores signature containers for their retention period
// outside the datastore, on a file system or in S3 with object lock.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/spf13/afero"
)

const (
	BACKEND_FILE = "file"
	BACKEND_S3   = "s3"
)

var (
	ErrNotFound       = errors.New("archive: object not found")
	ErrExists         = errors.New("archive: object already archived")
	ErrInvalidBackend = errors.New("archive: invalid backend")
	ErrBucketRequired = errors.New("archive: bucket required")
)

// Object is a signature container and the metadata archived with it
type Object struct {
	ArtifactID  string    `json:"artifact_id"`
	Format      string    `json:"format"`
	Policy      string    `json:"policy"`
	Class       string    `json:"class"`
	Data        []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	RetainUntil time.Time `json:"retain_until"`
}

// Returns the file name extension of the container format
func (o Object) Extension() string {
	if o.Format == "XAdES" {
		return ".xml"
	}
	return ".p7s"
}

func (o Object) ContentType() string {
	if o.Format == "XAdES" {
		return "application/xml"
	}
	return "application/pkcs7-signature"
}

type Archiver interface {
	// Archives the object and returns its location. Archived objects are
	// never overwritten.
	Archive(ctx context.Context, object Object) (string, error)
	Fetch(ctx context.Context, artifactID string) ([]byte, error)
}

type Config struct {
	Backend  string `yaml:"backend" json:"backend" mapstructure:"backend"`
	Dir      string `yaml:"dir" json:"dir" mapstructure:"dir"`
	Bucket   string `yaml:"bucket" json:"bucket" mapstructure:"bucket"`
	Prefix   string `yaml:"prefix" json:"prefix" mapstructure:"prefix"`
	Region   string `yaml:"region" json:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint" mapstructure:"endpoint"`
}

func (c Config) Validate() error {
	switch c.Backend {
	case "", BACKEND_FILE:
		return nil
	case BACKEND_S3:
		if c.Bucket == "" {
			return ErrBucketRequired
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidBackend, c.Backend)
}

// Creates the archiver the config selects
func New(ctx context.Context, logger *logging.Logger, fs afero.Fs, config Config) (Archiver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Backend == BACKEND_S3 {
		return NewS3Archiver(ctx, logger, config)
	}
	return NewFileArchiver(logger, fs, config.Dir)
}
