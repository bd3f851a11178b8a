// Package audit records the trust core's audit trail. Entries are written
// to the audit partition of the datastore and never carry secrets. Every
// entry is sealed with a SHA-256 digest over its content, its sequence
// number and the digest of the entry before it, so editing, removing or
// reordering stored entries breaks the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
)

type Operation string

const (
	OP_SIGNATURE_CREATED       Operation = "signature_created"
	OP_SIGNATURE_FAILED        Operation = "signature_failed"
	OP_BATCH_ABORTED           Operation = "batch_aborted"
	OP_CERTIFICATE_STORED      Operation = "certificate_stored"
	OP_CERTIFICATE_REVOKED     Operation = "certificate_revoked"
	OP_CERTIFICATE_EXPIRED     Operation = "certificate_expired"
	OP_CERTIFICATE_REQUESTED   Operation = "certificate_requested"
	OP_REQUEST_STATE_CHANGED   Operation = "request_state_changed"
	OP_CROSS_BORDER_VALIDATION Operation = "cross_border_validation"
	OP_ARCHIVE_FAILED          Operation = "archive_failed"
	OP_POLICY_CATALOG_REPLACED Operation = "policy_catalog_replaced"
)

// Previous digest of the first entry in the chain
const GENESIS_DIGEST = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	ErrTampered    = errors.New("audit: entry digest mismatch")
	ErrChainBroken = errors.New("audit: hash chain broken")
)

// Entry is a single immutable audit record
type Entry struct {
	ID            string            `yaml:"id" json:"id"`
	Operation     Operation         `yaml:"operation" json:"operation"`
	UserID        string            `yaml:"user" json:"user,omitempty"`
	Method        string            `yaml:"method" json:"method,omitempty"`
	Class         string            `yaml:"class" json:"class,omitempty"`
	Policy        string            `yaml:"policy" json:"policy,omitempty"`
	ArtifactID    string            `yaml:"artifact-id" json:"artifact_id,omitempty"`
	CertificateID string            `yaml:"certificate-id" json:"certificate_id,omitempty"`
	RequestID     string            `yaml:"request-id" json:"request_id,omitempty"`
	ErrorKind     string            `yaml:"error-kind" json:"error_kind,omitempty"`
	CorrelationID string            `yaml:"correlation-id" json:"correlation_id,omitempty"`
	Details       map[string]string `yaml:"details" json:"details,omitempty"`
	Time          time.Time         `yaml:"time" json:"time"`
	Sequence      uint64            `yaml:"sequence" json:"sequence"`
	Previous      string            `yaml:"previous" json:"previous"`
	Digest        string            `yaml:"digest" json:"digest"`
}

// Filter selects entries by any combination of non-empty fields
type Filter struct {
	Operation     Operation
	UserID        string
	ArtifactID    string
	CertificateID string
	CorrelationID string
}

func (f Filter) matches(e Entry) bool {
	return (f.Operation == "" || f.Operation == e.Operation) &&
		(f.UserID == "" || f.UserID == e.UserID) &&
		(f.ArtifactID == "" || f.ArtifactID == e.ArtifactID) &&
		(f.CertificateID == "" || f.CertificateID == e.CertificateID) &&
		(f.CorrelationID == "" || f.CorrelationID == e.CorrelationID)
}

type Params struct {
	Logger     *logging.Logger
	Store      datastore.Store
	Serializer datastore.Serializer
	Now        func() time.Time
}

// Log is a single-writer hash chain. The chain head is kept in memory and
// recovered from the stored entries on first use.
type Log struct {
	logger  *logging.Logger
	now     func() time.Time
	store   datastore.Store
	entries *datastore.Repository[Entry]

	mu       sync.Mutex
	loaded   bool
	sequence uint64
	head     string
}

func NewLog(params *Params) *Log {
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		logger:  params.Logger.With("component", "audit"),
		now:     now,
		store:   params.Store,
		entries: datastore.NewRepository[Entry](params.Store, datastore.PartitionAudit, params.Serializer),
	}
}

// Appends an entry. Entries with a caller assigned id are written at most
// once; appending the same id again returns the stored entry.
func (l *Log) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.ID != "" {
		existing, _, err := l.entries.Get(ctx, entry.ID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, datastore.ErrRecordNotFound) {
			return Entry{}, err
		}
	}
	entry, err := l.AppendWith(ctx, entry, func(write datastore.PairWrite) error {
		_, err := l.store.CompareAndSwap(ctx, write.Partition, write.ID, write.ExpectedVersion, write.Data)
		if errors.Is(err, datastore.ErrVersionConflict) {
			return datastore.ErrRecordExists
		}
		return err
	})
	if errors.Is(err, datastore.ErrRecordExists) {
		existing, _, err := l.entries.Get(ctx, entry.ID)
		return existing, err
	}
	return entry, err
}

// Links the entry into the chain and hands its create-only write to the
// caller, which persists it, usually atomically with another record. The
// chain head only advances when write succeeds.
func (l *Log) AppendWith(
	ctx context.Context,
	entry Entry,
	write func(datastore.PairWrite) error) (Entry, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(ctx); err != nil {
		return Entry{}, err
	}
	entry = l.seal(entry)
	data, err := l.entries.Encode(entry)
	if err != nil {
		return Entry{}, err
	}
	err = write(datastore.PairWrite{
		Partition:       datastore.PartitionAudit,
		ID:              entry.ID,
		ExpectedVersion: datastore.VersionAbsent,
		Data:            data,
	})
	if err != nil {
		if !errors.Is(err, datastore.ErrRecordExists) {
			l.logger.Error(err, "operation", entry.Operation)
		}
		return entry, err
	}
	l.sequence = entry.Sequence
	l.head = entry.Digest
	l.logger.Debug("audit: entry appended",
		"id", entry.ID, "operation", entry.Operation, "sequence", entry.Sequence)
	return entry, nil
}

// Recovers the chain head from the stored entries
func (l *Log) load(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	all, err := l.entries.List(ctx)
	if err != nil {
		return err
	}
	l.sequence, l.head = 0, GENESIS_DIGEST
	for _, e := range all {
		if e.Sequence > l.sequence {
			l.sequence, l.head = e.Sequence, e.Digest
		}
	}
	l.loaded = true
	return nil
}

func (l *Log) Get(ctx context.Context, id string) (Entry, error) {
	entry, _, err := l.entries.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	return entry, Verify(entry)
}

// Returns the matching entries oldest first
func (l *Log) Find(ctx context.Context, filter Filter) ([]Entry, error) {
	all, err := l.entries.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]Entry, 0)
	for _, e := range all {
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}
	slices.SortFunc(matched, func(a, b Entry) int {
		return compareSequence(a, b)
	})
	return matched, nil
}

// Verifies every stored entry and the links between them
func (l *Log) VerifyChain(ctx context.Context) error {
	all, err := l.entries.List(ctx)
	if err != nil {
		return err
	}
	slices.SortFunc(all, compareSequence)
	previous := GENESIS_DIGEST
	for i, e := range all {
		if err := Verify(e); err != nil {
			return fmt.Errorf("%w: %s", err, e.ID)
		}
		if e.Sequence != uint64(i+1) || e.Previous != previous {
			return fmt.Errorf("%w: at entry %s (sequence %d)", ErrChainBroken, e.ID, e.Sequence)
		}
		previous = e.Digest
	}
	return nil
}

func compareSequence(a, b Entry) int {
	switch {
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	}
	return 0
}

func (l *Log) seal(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Time.IsZero() {
		entry.Time = l.now()
	}
	entry.Time = entry.Time.UTC()
	entry.Sequence = l.sequence + 1
	entry.Previous = l.head
	entry.Digest = digest(entry)
	return entry
}

// Verifies the entry's own digest. VerifyChain also checks the links.
func Verify(entry Entry) error {
	if entry.Digest != digest(entry) {
		return ErrTampered
	}
	return nil
}

func digest(entry Entry) string {
	entry.Digest = ""
	data, _ := json.Marshal(entry)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
