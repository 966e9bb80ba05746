// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package tabledata stores primary-table row data per storage node and
// provides the scan source index builds read from, including the shared
// parallel-scan cursor that shards a table across build participants.
package tabledata

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/logger"
	"github.com/burrowdb/burrow/tuple"
	bolt "go.etcd.io/bbolt"
)

// Store holds row data for every storage node of a database, one bucket per
// node, rows keyed by row identifier.
type Store struct {
	db  *bolt.DB
	log logger.Logger
}

// OpenStore opens (creating if needed) the row store at path.
func OpenStore(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NopLogger
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}
	db, err := bolt.Open(path, 0o666, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening row store %s", path)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nodeBucket(storage catalog.StorageID) []byte {
	return []byte("rows-" + storage.String())
}

func rowKey(rowid uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, rowid)
	return k
}

// Insert appends rows to the storage node, assigning sequential row
// identifiers. It returns the identifier of the last row inserted.
func (s *Store) Insert(storage catalog.StorageID, rows []tuple.Row) (uint64, error) {
	var last uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(nodeBucket(storage))
		if err != nil {
			return errors.Wrap(err, "creating node bucket")
		}
		for _, row := range rows {
			rowid, err := b.NextSequence()
			if err != nil {
				return errors.Wrap(err, "assigning rowid")
			}
			img, err := tuple.EncodeRow(row)
			if err != nil {
				return err
			}
			if err := b.Put(rowKey(rowid), img); err != nil {
				return errors.Wrap(err, "writing row")
			}
			last = rowid
		}
		return nil
	})
	return last, err
}

// Put writes one row under an explicit row identifier. Rebuilds use it to
// materialize rows into a table's new storage node.
func (s *Store) Put(storage catalog.StorageID, rowid uint64, row tuple.Row) error {
	img, err := tuple.EncodeRow(row)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(nodeBucket(storage))
		if err != nil {
			return errors.Wrap(err, "creating node bucket")
		}
		if rowid > b.Sequence() {
			if err := b.SetSequence(rowid); err != nil {
				return errors.Wrap(err, "advancing rowid sequence")
			}
		}
		return errors.Wrap(b.Put(rowKey(rowid), img), "writing row")
	})
}

// Count returns the number of rows in the storage node.
func (s *Store) Count(storage catalog.StorageID) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket(storage))
		if b == nil {
			return nil
		}
		n = int64(b.Stats().KeyN)
		return nil
	})
	return n, err
}

// DataExists reports whether the storage node holds any rows.
func (s *Store) DataExists(storage catalog.StorageID) (bool, error) {
	n, err := s.Count(storage)
	return n > 0, err
}

// MaxRowID returns the highest row identifier in the storage node, zero
// when empty.
func (s *Store) MaxRowID(storage catalog.StorageID) (uint64, error) {
	var max uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket(storage))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().Last()
		if k != nil {
			max = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return max, err
}

// DropNode removes a storage node and its rows. Transient nodes of an
// aborted rewrite are discarded this way on unwind.
func (s *Store) DropNode(storage catalog.StorageID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(nodeBucket(storage))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return errors.Wrap(err, "dropping node bucket")
	})
}
