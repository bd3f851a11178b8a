package datastore

import (
	"context"
	"errors"
)

// Default number of attempts Mutate makes before giving up on a
// contended record
const DefaultMutateAttempts = 5

// Repository is a typed view over one partition of a Store
type Repository[E any] struct {
	store      Store
	partition  Partition
	serializer Serializer
}

func NewRepository[E any](store Store, partition Partition, serializer Serializer) *Repository[E] {
	return &Repository[E]{
		store:      store,
		partition:  partition,
		serializer: serializer,
	}
}

func (r *Repository[E]) Partition() Partition {
	return r.partition
}

// Encodes an entity for use in a PairWrite
func (r *Repository[E]) Encode(entity E) ([]byte, error) {
	return Serialize(entity, r.serializer)
}

// Retrieves the entity and its current version
func (r *Repository[E]) Get(ctx context.Context, id string) (E, uint64, error) {
	record, err := r.store.Get(ctx, r.partition, id)
	if err != nil {
		return *new(E), 0, err
	}
	e, err := Deserialize[E](record.Data, r.serializer)
	if err != nil {
		return *new(E), 0, err
	}
	return e, record.Version, nil
}

// Saves the entity unconditionally
func (r *Repository[E]) Save(ctx context.Context, id string, entity E) (uint64, error) {
	data, err := r.Encode(entity)
	if err != nil {
		return 0, err
	}
	return r.store.Put(ctx, r.partition, id, data)
}

// Saves the entity only if no record with the id exists. Returns
// ErrRecordExists otherwise.
func (r *Repository[E]) Create(ctx context.Context, id string, entity E) (uint64, error) {
	data, err := r.Encode(entity)
	if err != nil {
		return 0, err
	}
	version, err := r.store.CompareAndSwap(ctx, r.partition, id, VersionAbsent, data)
	if errors.Is(err, ErrVersionConflict) {
		return 0, ErrRecordExists
	}
	return version, err
}

// Saves the entity if the stored version still equals expectedVersion
func (r *Repository[E]) Update(ctx context.Context, id string, expectedVersion uint64, entity E) (uint64, error) {
	data, err := r.Encode(entity)
	if err != nil {
		return 0, err
	}
	return r.store.CompareAndSwap(ctx, r.partition, id, expectedVersion, data)
}

// Reads the entity, applies fn and writes it back with compare-and-set,
// retrying up to attempts times when another writer wins the race. The
// mutation function may return an error to abort without writing.
func (r *Repository[E]) Mutate(ctx context.Context, id string, attempts int, fn func(*E) error) (E, error) {
	if attempts < 1 {
		attempts = DefaultMutateAttempts
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		entity, version, err := r.Get(ctx, id)
		if err != nil {
			return *new(E), err
		}
		if err := fn(&entity); err != nil {
			return *new(E), err
		}
		if _, err = r.Update(ctx, id, version, entity); err == nil {
			return entity, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return *new(E), err
		}
		lastErr = err
	}
	return *new(E), lastErr
}

func (r *Repository[E]) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, r.partition, id)
}

// Returns every entity in the partition
func (r *Repository[E]) List(ctx context.Context) ([]E, error) {
	records, err := r.store.List(ctx, r.partition)
	if err != nil {
		return nil, err
	}
	entities := make([]E, 0, len(records))
	for _, record := range records {
		e, err := Deserialize[E](record.Data, r.serializer)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}
