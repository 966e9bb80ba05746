// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/logger"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTables = []byte("tables")
	bucketUndo   = []byte("undo")
	bucketMeta   = []byte("meta")
)

// Store is the versioned catalog: table definitions keyed by identity, each
// stamped with the transaction id and commit sequence number that produced
// it, plus the undo log. It also owns the descriptor cache.
type Store struct {
	db  *bolt.DB
	log logger.Logger

	mu      sync.Mutex
	descrs  map[uint64]*TableDescr
	onAbort []RelIDs
}

// OpenStore opens (creating if needed) the catalog database at path.
func OpenStore(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NopLogger
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}
	db, err := bolt.Open(path, 0o666, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening catalog %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTables, bucketUndo, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "creating bucket %s", b)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		log:    log,
		descrs: make(map[uint64]*TableDescr),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// tableEntry is the stored form of one catalog row.
type tableEntry struct {
	Table *Table `json:"table"`
	Oxid  Oxid   `json:"oxid"`
	CSN   CSN    `json:"csn"`
}

func tableKey(ids RelIDs) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint32(k[0:], ids.DB)
	binary.BigEndian.PutUint32(k[4:], ids.Rel)
	return k
}

func cacheKey(ids RelIDs) uint64 {
	return uint64(ids.DB)<<32 | uint64(ids.Rel)
}

// Get returns the table definition for the given identity, or
// ErrTableNotFound. When ids carries a storage node, it must match the
// stored one; a mismatch means the catalog and storage mapping diverged.
func (s *Store) Get(ids RelIDs) (*Table, error) {
	var t *Table
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTables).Get(tableKey(ids))
		if v == nil {
			return errors.Newf(errors.ErrTableNotFound,
				"table does not exist for ids = %s", ids)
		}
		var e tableEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return errors.Wrap(err, "decoding catalog row")
		}
		t = e.Table
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ids.Storage != (StorageID{}) && ids.Storage != t.IDs.Storage {
		return nil, errors.Newf(errors.ErrCatalogInconsistent,
			"catalog holds storage %s for table %d/%d, expected %s",
			t.IDs.Storage, ids.DB, ids.Rel, ids.Storage)
	}
	return t, nil
}

// Add inserts a new catalog row for the table.
func (s *Store) Add(t *Table, oxid Oxid, csn CSN) error {
	return s.put(t, oxid, csn, false)
}

// Update replaces the catalog row for an existing table.
func (s *Store) Update(t *Table, oxid Oxid, csn CSN) error {
	return s.put(t, oxid, csn, true)
}

func (s *Store) put(t *Table, oxid Oxid, csn CSN, mustExist bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTables)
		k := tableKey(t.IDs)
		if mustExist && b.Get(k) == nil {
			return errors.Newf(errors.ErrTableNotFound,
				"table does not exist for ids = %s", t.IDs)
		}
		v, err := json.Marshal(tableEntry{Table: t, Oxid: oxid, CSN: csn})
		if err != nil {
			return errors.Wrap(err, "encoding catalog row")
		}
		return errors.Wrap(b.Put(k, v), "writing catalog row")
	})
}

// DropByIDs removes the catalog row for the given identity. The storage node
// in ids must match the stored one.
func (s *Store) DropByIDs(ids RelIDs, oxid Oxid, csn CSN) error {
	if _, err := s.Get(ids); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return errors.Wrap(tx.Bucket(bucketTables).Delete(tableKey(ids)),
			"deleting catalog row")
	})
}

// FetchDescr returns the cached runtime descriptor for the identity,
// building one from the current catalog row if needed.
func (s *Store) FetchDescr(ids RelIDs) (*TableDescr, error) {
	s.mu.Lock()
	if d, ok := s.descrs[cacheKey(ids)]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()
	return s.RecreateDescr(ids)
}

// RecreateDescr rebuilds and caches the descriptor from the current catalog
// row, replacing whatever was cached.
func (s *Store) RecreateDescr(ids RelIDs) (*TableDescr, error) {
	t, err := s.Get(RelIDs{DB: ids.DB, Rel: ids.Rel})
	if err != nil {
		return nil, err
	}
	d, err := FillTmpDescr(t)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.descrs[cacheKey(ids)] = d
	s.mu.Unlock()
	return d, nil
}

// InvalidateDescr drops any cached descriptor for the identity.
func (s *Store) InvalidateDescr(ids RelIDs) {
	s.mu.Lock()
	delete(s.descrs, cacheKey(ids))
	s.mu.Unlock()
}

// InvalidateOnAbort registers an identity whose cached descriptor must be
// dropped if the enclosing operation aborts.
func (s *Store) InvalidateOnAbort(ids RelIDs) {
	s.mu.Lock()
	s.onAbort = append(s.onAbort, ids)
	s.mu.Unlock()
}

// Abort drops every descriptor registered with InvalidateOnAbort. Called on
// operation unwind.
func (s *Store) Abort() {
	s.mu.Lock()
	pending := s.onAbort
	s.onAbort = nil
	s.mu.Unlock()
	for _, ids := range pending {
		s.InvalidateDescr(ids)
	}
}
