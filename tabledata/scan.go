// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package tabledata

import (
	"encoding/binary"
	"sync"

	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/tuple"
	bolt "go.etcd.io/bbolt"
)

// defaultScanBatch is the number of row-identifier slots one participant
// claims from the shared cursor at a time.
const defaultScanBatch = 256

// ParallelScan is the shared cursor partitioning one table scan across
// build participants. Each participant's scan claims disjoint rowid ranges
// until the whole keyspace is handed out. It lives in the shared build
// state and is addressed identically by every participant.
type ParallelScan struct {
	mu    sync.Mutex
	next  uint64
	max   uint64
	batch uint64
}

// NewParallelScan initializes a shared cursor over rowids 1..max.
func NewParallelScan(max uint64) *ParallelScan {
	return &ParallelScan{next: 1, max: max, batch: defaultScanBatch}
}

// nextRange claims the next rowid range. ok is false once the keyspace is
// exhausted.
func (ps *ParallelScan) nextRange() (lo, hi uint64, ok bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.next > ps.max {
		return 0, 0, false
	}
	lo = ps.next
	hi = lo + ps.batch - 1
	if hi > ps.max {
		hi = ps.max
	}
	ps.next = hi + 1
	return lo, hi, true
}

// Scan is a lazy row sequence over one storage node, owned by a single
// participant. With a shared cursor it yields only that participant's
// shard; without one it yields every row.
type Scan struct {
	store   *Store
	storage catalog.StorageID
	par     *ParallelScan

	buf  []scanRow
	pos  int
	next uint64 // next rowid for the serial path
	done bool
}

type scanRow struct {
	rowid uint64
	row   tuple.Row
}

// NewScan opens a scan of the storage node. par is nil for a serial scan.
func (s *Store) NewScan(storage catalog.StorageID, par *ParallelScan) *Scan {
	return &Scan{store: s, storage: storage, par: par, next: 1}
}

// Next returns the next row of the shard. ok is false at end of scan.
func (sc *Scan) Next() (row tuple.Row, rowid uint64, ok bool, err error) {
	for {
		if sc.pos < len(sc.buf) {
			r := sc.buf[sc.pos]
			sc.pos++
			return r.row, r.rowid, true, nil
		}
		if sc.done {
			return nil, 0, false, nil
		}
		if err := sc.fill(); err != nil {
			return nil, 0, false, err
		}
		if len(sc.buf) == 0 && sc.done {
			return nil, 0, false, nil
		}
	}
}

// fill loads the next rowid range into the buffer. Ranges may be empty;
// the scan keeps claiming until rows appear or the keyspace ends.
func (sc *Scan) fill() error {
	sc.buf = sc.buf[:0]
	sc.pos = 0
	for len(sc.buf) == 0 {
		var lo, hi uint64
		if sc.par != nil {
			var ok bool
			lo, hi, ok = sc.par.nextRange()
			if !ok {
				sc.done = true
				return nil
			}
		} else {
			lo = sc.next
			hi = lo + defaultScanBatch - 1
			sc.next = hi + 1
		}
		n, err := sc.load(lo, hi)
		if err != nil {
			return err
		}
		if sc.par == nil && n == 0 {
			// The serial path ends at the first empty range past the data.
			empty, err := sc.pastEnd(lo)
			if err != nil {
				return err
			}
			if empty {
				sc.done = true
				return nil
			}
		}
	}
	return nil
}

func (sc *Scan) load(lo, hi uint64) (int, error) {
	n := 0
	err := sc.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket(sc.storage))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		loKey := rowKey(lo)
		for k, v := c.Seek(loKey); k != nil; k, v = c.Next() {
			rowid := binary.BigEndian.Uint64(k)
			if rowid > hi {
				break
			}
			row, err := tuple.DecodeRow(v)
			if err != nil {
				return errors.Wrapf(err, "decoding row %d", rowid)
			}
			sc.buf = append(sc.buf, scanRow{rowid: rowid, row: row})
			n++
		}
		return nil
	})
	return n, err
}

// pastEnd reports whether no rows exist at or beyond rowid lo.
func (sc *Scan) pastEnd(lo uint64) (bool, error) {
	empty := true
	err := sc.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket(sc.storage))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().Seek(rowKey(lo))
		empty = k == nil
		return nil
	})
	return empty, err
}
