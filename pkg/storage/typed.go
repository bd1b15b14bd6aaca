package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/onefuzz/controlplane/pkg/types"
)

// Entity constrains a generic TypedStore to pointer-receiver entity
// types that implement types.Record: one bucket per kind, one JSON
// blob per row, every write conditional on the caller's version
// stamp.
type Entity[T any] interface {
	*T
	types.Record
}

// TypedStore is a single entity kind's slice of the Record Store
// Abstraction: Get/Query/Insert/Replace/Delete keyed by (partition,
// row), every mutation advancing the entity's ETag.
type TypedStore[T any, PT Entity[T]] struct {
	db     *bolt.DB
	bucket []byte
}

func newTypedStore[T any, PT Entity[T]](db *bolt.DB, bucket []byte) *TypedStore[T, PT] {
	return &TypedStore[T, PT]{db: db, bucket: bucket}
}

func compositeKey(partition, row string) []byte {
	return []byte(partition + "\x00" + row)
}

// NextETag derives the version stamp a successful write advances to,
// as a pure function of the previous stamp and the written payload.
// Determinism matters: the same mutation applied independently on
// every replica's state machine must land on the same stamp, or a
// later conditional write would conflict on some replicas and not
// others. A write with an unchanged payload still advances the stamp,
// since the previous stamp feeds the hash.
func NextETag(prev string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Get fetches a single entity by (partition, row). Returns
// ErrNotFound if absent.
func (s *TypedStore[T, PT]) Get(partition, row string) (PT, error) {
	var t T
	pt := PT(&t)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		v := b.Get(compositeKey(partition, row))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, pt)
	})
	if err != nil {
		return nil, err
	}
	return pt, nil
}

// Query returns every entity in this kind's bucket matching pred. The
// scan happens inside a single read transaction; pred runs against a
// decoded copy, so it may freely inspect any attribute.
func (s *TypedStore[T, PT]) Query(pred func(PT) bool) ([]PT, error) {
	var out []PT
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.ForEach(func(k, v []byte) error {
			var t T
			pt := PT(&t)
			if err := json.Unmarshal(v, pt); err != nil {
				return err
			}
			if pred == nil || pred(pt) {
				out = append(out, pt)
			}
			return nil
		})
	})
	return out, err
}

// Insert adds a new entity. Fails with ErrAlreadyExists if
// (partition, row) is already present.
func (s *TypedStore[T, PT]) Insert(entity PT) error {
	meta := entity.RecordMeta()
	if meta.Partition == "" || meta.Row == "" {
		return errors.New("storage: insert requires partition and row")
	}
	seed, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	meta.ETag = NextETag("", seed)
	meta.Timestamp = time.Now()
	key := compositeKey(meta.Partition, meta.Row)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b.Get(key) != nil {
			return ErrAlreadyExists
		}
		data, err := json.Marshal(entity)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Replace overwrites an existing entity, conditional on the ETag
// already present on entity matching the stored value's ETag. On
// success the entity's ETag is advanced in place.
func (s *TypedStore[T, PT]) Replace(entity PT) error {
	meta := entity.RecordMeta()
	key := compositeKey(meta.Partition, meta.Row)
	expected := meta.ETag
	seed, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	next := NextETag(expected, seed)

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		cur := b.Get(key)
		if cur == nil {
			return ErrNotFound
		}
		var stored T
		spt := PT(&stored)
		if err := json.Unmarshal(cur, spt); err != nil {
			return err
		}
		if spt.RecordMeta().ETag != expected {
			return ErrVersionConflict
		}
		meta.ETag = next
		meta.Timestamp = time.Now()
		data, err := json.Marshal(entity)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		meta.ETag = expected
		return err
	}
	return nil
}

// Delete removes an entity, conditional on its ETag matching the
// stored value.
func (s *TypedStore[T, PT]) Delete(entity PT) error {
	meta := entity.RecordMeta()
	key := compositeKey(meta.Partition, meta.Row)
	expected := meta.ETag

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		cur := b.Get(key)
		if cur == nil {
			return ErrNotFound
		}
		var stored T
		spt := PT(&stored)
		if err := json.Unmarshal(cur, spt); err != nil {
			return err
		}
		if spt.RecordMeta().ETag != expected {
			return ErrVersionConflict
		}
		return b.Delete(key)
	})
}
