package datastore

import (
	"errors"

	"github.com/spf13/afero"
)

type Backend string

func (b Backend) String() string {
	return string(b)
}

var (
	BackendAferoFS     Backend = "AFERO_FS"
	BackendAferoMemory Backend = "AFERO_MEMORY"

	ErrInvalidBackend = errors.New("datastore: invalid backend")
)

type Config struct {
	Backend        string `yaml:"backend" json:"backend" mapstructure:"backend"`
	ReadBufferSize int    `yaml:"read-buffer-size" json:"read_buffer_size" mapstructure:"read-buffer-size"`
	RootDir        string `yaml:"home" json:"home" mapstructure:"home"`
	Serializer     string `yaml:"serializer" json:"serializer" mapstructure:"serializer"`
}

func ParseAferoBackend(backend string) (afero.Fs, error) {
	switch backend {
	case BackendAferoFS.String():
		return afero.NewOsFs(), nil
	case BackendAferoMemory.String():
		return afero.NewMemMapFs(), nil
	default:
		return nil, ErrInvalidBackend
	}
}
