package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/datastore"
	"github.com/spf13/afero"
)

const lockStripes = 64

var (
	ErrInvalidReadBufferSize = errors.New("kvstore/afero: invalid read buffer size")
)

// AferoStore is a versioned record store backed by an afero filesystem.
// Each record lives in <root>/<partition>/<escaped id>.rec as a JSON
// envelope carrying the version and the serialized entity.
type AferoStore struct {
	readBufferSize int
	logger         *logging.Logger
	fs             afero.Fs
	rootDir        string
	stripes        [lockStripes]sync.Mutex
	now            func() time.Time
}

// Creates a key/value record store on the provided filesystem
func NewAferoStore(
	logger *logging.Logger,
	fs afero.Fs,
	rootDir string,
	readBufferSize int) (*AferoStore, error) {

	if readBufferSize <= 0 {
		return nil, ErrInvalidReadBufferSize
	}
	rootDir = strings.TrimRight(rootDir, "/")
	if rootDir == "" {
		rootDir = "."
	}
	if err := fs.MkdirAll(rootDir, os.ModePerm); err != nil {
		logger.Error(err)
		return nil, fmt.Errorf("%w: %s", datastore.ErrUnavailable, err)
	}
	return &AferoStore{
		logger:         logger,
		fs:             fs,
		rootDir:        rootDir,
		readBufferSize: readBufferSize,
		now:            time.Now,
	}, nil
}

func (s *AferoStore) Get(ctx context.Context, partition datastore.Partition, id string) (datastore.Record, error) {
	if err := ctx.Err(); err != nil {
		return datastore.Record{}, err
	}
	mu := s.lockFor(partition, id)
	mu.Lock()
	defer mu.Unlock()
	return s.read(partition, id)
}

func (s *AferoStore) Put(ctx context.Context, partition datastore.Partition, id string, data []byte) (uint64, error) {
	return s.CompareAndSwap(ctx, partition, id, datastore.VersionAny, data)
}

// Writes the record if its stored version equals expectedVersion. Use
// datastore.VersionAbsent to require that the record does not exist and
// datastore.VersionAny to write unconditionally.
func (s *AferoStore) CompareAndSwap(
	ctx context.Context,
	partition datastore.Partition,
	id string,
	expectedVersion uint64,
	data []byte) (uint64, error) {

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	mu := s.lockFor(partition, id)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.currentVersion(partition, id)
	if err != nil {
		return 0, err
	}
	if expectedVersion != datastore.VersionAny && current != expectedVersion {
		return 0, datastore.ErrVersionConflict
	}
	record := datastore.Record{
		ID:        id,
		Version:   current + 1,
		UpdatedAt: s.now(),
		Data:      data,
	}
	if err := s.write(partition, record); err != nil {
		return 0, err
	}
	return record.Version, nil
}

// Writes both records or neither. Both stripes are locked in a fixed
// order, both expected versions are checked, then both records are
// written. If the second write fails the first record is restored.
func (s *AferoStore) PutPair(ctx context.Context, a, b datastore.PairWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ia, ib := s.stripe(a.Partition, a.ID), s.stripe(b.Partition, b.ID)
	locks := []int{ia}
	if ib != ia {
		locks = append(locks, ib)
	}
	sort.Ints(locks)
	for _, i := range locks {
		s.stripes[i].Lock()
	}
	defer func() {
		for _, i := range locks {
			s.stripes[i].Unlock()
		}
	}()

	versionA, err := s.currentVersion(a.Partition, a.ID)
	if err != nil {
		return err
	}
	versionB, err := s.currentVersion(b.Partition, b.ID)
	if err != nil {
		return err
	}
	if a.ExpectedVersion != datastore.VersionAny && versionA != a.ExpectedVersion {
		return datastore.ErrVersionConflict
	}
	if b.ExpectedVersion != datastore.VersionAny && versionB != b.ExpectedVersion {
		return datastore.ErrVersionConflict
	}

	var previous *datastore.Record
	if versionA > 0 {
		record, err := s.read(a.Partition, a.ID)
		if err != nil {
			return err
		}
		previous = &record
	}

	now := s.now()
	if err := s.write(a.Partition, datastore.Record{
		ID: a.ID, Version: versionA + 1, UpdatedAt: now, Data: a.Data}); err != nil {
		return err
	}
	if err := s.write(b.Partition, datastore.Record{
		ID: b.ID, Version: versionB + 1, UpdatedAt: now, Data: b.Data}); err != nil {
		s.rollback(a.Partition, a.ID, previous)
		return err
	}
	return nil
}

func (s *AferoStore) Delete(ctx context.Context, partition datastore.Partition, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mu := s.lockFor(partition, id)
	mu.Lock()
	defer mu.Unlock()
	path := s.path(partition, id)
	if _, err := s.fs.Stat(path); err != nil {
		return datastore.ErrRecordNotFound
	}
	return s.fs.Remove(path)
}

// Returns all records in the partition using buffered directory reads
func (s *AferoStore) List(ctx context.Context, partition datastore.Partition) ([]datastore.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := s.partitionDir(partition)
	f, err := s.fs.Open(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []datastore.Record{}, nil
		}
		return nil, fmt.Errorf("%w: %s", datastore.ErrUnavailable, err)
	}
	defer f.Close()

	var names []string
	for {
		batch, err := f.Readdirnames(s.readBufferSize)
		names = append(names, batch...)
		if err == io.EOF || len(batch) == 0 {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(names)

	records := make([]datastore.Record, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, ".rec") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".rec"))
		if err != nil {
			continue
		}
		mu := s.lockFor(partition, id)
		mu.Lock()
		record, err := s.read(partition, id)
		mu.Unlock()
		if err != nil {
			if errors.Is(err, datastore.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *AferoStore) stripe(partition datastore.Partition, id string) int {
	return int(xxhash.Sum64String(partition.String()+"/"+id) % lockStripes)
}

func (s *AferoStore) lockFor(partition datastore.Partition, id string) *sync.Mutex {
	return &s.stripes[s.stripe(partition, id)]
}

func (s *AferoStore) partitionDir(partition datastore.Partition) string {
	return fmt.Sprintf("%s/%s", s.rootDir, partition)
}

func (s *AferoStore) path(partition datastore.Partition, id string) string {
	return fmt.Sprintf("%s/%s.rec", s.partitionDir(partition), url.PathEscape(id))
}

// Caller must hold the record's stripe lock
func (s *AferoStore) read(partition datastore.Partition, id string) (datastore.Record, error) {
	if id == "" {
		return datastore.Record{}, datastore.ErrInvalidID
	}
	bytes, err := afero.ReadFile(s.fs, s.path(partition, id))
	if err != nil {
		if os.IsNotExist(err) {
			return datastore.Record{}, datastore.ErrRecordNotFound
		}
		s.logger.Error(err, slog.String("partition", partition.String()), slog.String("id", id))
		return datastore.Record{}, fmt.Errorf("%w: %s", datastore.ErrUnavailable, err)
	}
	var record datastore.Record
	if err := json.Unmarshal(bytes, &record); err != nil {
		return datastore.Record{}, err
	}
	return record, nil
}

// Caller must hold the record's stripe lock
func (s *AferoStore) currentVersion(partition datastore.Partition, id string) (uint64, error) {
	record, err := s.read(partition, id)
	if err != nil {
		if errors.Is(err, datastore.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return record.Version, nil
}

// Writes the envelope to a temporary file and renames it over the record
// so readers never observe a partial write. Caller must hold the lock.
func (s *AferoStore) write(partition datastore.Partition, record datastore.Record) error {
	if record.ID == "" {
		return datastore.ErrInvalidID
	}
	dir := s.partitionDir(partition)
	if err := s.fs.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("%w: %s", datastore.ErrUnavailable, err)
	}
	bytes, err := json.Marshal(record)
	if err != nil {
		return err
	}
	path := s.path(partition, record.ID)
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, bytes, 0644); err != nil {
		s.logger.Error(err, slog.String("path", tmp))
		return fmt.Errorf("%w: %s", datastore.ErrUnavailable, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		s.logger.Error(err, slog.String("path", path))
		return fmt.Errorf("%w: %s", datastore.ErrUnavailable, err)
	}
	return nil
}

func (s *AferoStore) rollback(partition datastore.Partition, id string, previous *datastore.Record) {
	var err error
	if previous == nil {
		err = s.fs.Remove(s.path(partition, id))
	} else {
		err = s.write(partition, *previous)
	}
	if err != nil {
		s.logger.Error(err,
			slog.String("partition", partition.String()),
			slog.String("id", id),
			slog.String("op", "rollback"))
	}
}
