package datastore

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	DefaultConfig = Config{
		Backend:        BackendAferoFS.String(),
		Serializer:     "json",
		ReadBufferSize: 50,
		RootDir:        "datastore",
	}

	ErrRecordNotFound  = errors.New("datastore: record not found")
	ErrRecordExists    = errors.New("datastore: record already exists")
	ErrVersionConflict = errors.New("datastore: version conflict")
	ErrUnavailable     = errors.New("datastore: unavailable")
	ErrInvalidID       = errors.New("datastore: invalid record id")
)

// Partition names a collection of records
type Partition string

func (p Partition) String() string {
	return string(p)
}

const (
	PartitionCertificateRequests Partition = "certificate_requests"
	PartitionCertificates        Partition = "certificates"
	PartitionSignatures          Partition = "signatures"
	PartitionPolicies            Partition = "policies"
	PartitionAudit               Partition = "audit"
	PartitionHSMProviders        Partition = "hsm_providers"
	PartitionHSMKeys             Partition = "hsm_keys"
	PartitionAuthProofs          Partition = "auth_proofs"
	PartitionMFAEnrollments      Partition = "mfa_enrollments"
)

const (
	// Expected version of a record that must not exist yet
	VersionAbsent uint64 = 0

	// Expected version that matches any existing or missing record
	VersionAny uint64 = math.MaxUint64
)

// Record is a versioned, serialized entity. Versions start at 1 and
// increase by one on every successful write.
type Record struct {
	ID        string    `yaml:"id" json:"id"`
	Version   uint64    `yaml:"version" json:"version"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
	Data      []byte    `yaml:"data" json:"data"`
}

// PairWrite is one half of an atomic two-record write
type PairWrite struct {
	Partition       Partition
	ID              string
	ExpectedVersion uint64
	Data            []byte
}

// Store is the durable key/value map the trust core reads and writes
// through. Implementations must be linearizable per (partition, id).
type Store interface {
	Get(ctx context.Context, partition Partition, id string) (Record, error)
	Put(ctx context.Context, partition Partition, id string, data []byte) (uint64, error)
	CompareAndSwap(ctx context.Context, partition Partition, id string, expectedVersion uint64, data []byte) (uint64, error)
	PutPair(ctx context.Context, a, b PairWrite) error
	Delete(ctx context.Context, partition Partition, id string) error
	List(ctx context.Context, partition Partition) ([]Record, error)
}
