// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package build

import (
	"github.com/burrowdb/burrow/btree"
	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/extsort"
	"github.com/burrowdb/burrow/tuple"
)

// RebuildStats reports what one full-table rebuild did.
type RebuildStats struct {
	HeapRows    int64
	IndexRows   []int64
	ToastChunks int64
	Headers     []btree.FileHeader
	ToastHeader btree.FileHeader
}

// RebuildIndexes rewrites every tree of the table in one pass over the old
// row data: the primary tree, every secondary index, the toast store, and
// the row data itself under the new table's storage identities. It runs
// serially. On success the commit lock is held shared; the caller must
// release it after the catalog update. On error it is not held.
func (e *Env) RebuildIndexes(oldTbl *catalog.Table, newTbl *catalog.Table, newDescr *catalog.TableDescr) (RebuildStats, error) {
	nIdx := newDescr.NumIndices()
	stats := RebuildStats{
		IndexRows: make([]int64, nIdx),
		Headers:   make([]btree.FileHeader, nIdx),
	}

	sorts := make([]*extsort.Sort, nIdx)
	trs := make([]*tuple.Transformer, nIdx)
	for i, idx := range newDescr.Indexes {
		sorts[i] = extsort.Begin(idx, e.WorkMem/(nIdx+1), nil)
		trs[i] = tuple.NewTransformer(newDescr, idx)
	}
	toastSort := extsort.Begin(newDescr.Toast, e.WorkMem/(nIdx+1), nil)
	defer func() {
		for _, s := range sorts {
			s.End()
		}
		toastSort.End()
	}()

	primary := newDescr.Primary()
	newData := newTbl.DataStorage().Storage
	var ctid uint64

	sc := e.Data.NewScan(oldTbl.DataStorage().Storage, nil)
	for {
		row, rowid, ok, err := sc.Next()
		if err != nil {
			return stats, err
		}
		if !ok {
			break
		}
		stats.HeapRows++

		var rowKey []byte
		newRowid := rowid
		if primary.PrimaryIsRowID {
			ctid++
			newRowid = ctid
			rowKey = tuple.AppendRowID(nil, ctid)
		} else {
			if rowKey, err = tuple.RowKey(newDescr, row, 0); err != nil {
				return stats, err
			}
		}

		stored, chunks, err := tuple.ToastRow(row, rowKey)
		if err != nil {
			return stats, err
		}

		for i, tr := range trs {
			// Predicates and key parts see the full row; only the stored
			// image carries toast references.
			match, err := tr.PredicateSatisfied(row)
			if err != nil {
				return stats, err
			}
			if !match {
				continue
			}
			var rec extsort.Record
			if i == 0 {
				rec, err = tr.MakeOrphan(stored, rowKey)
			} else {
				rec, err = tr.MakeSecondary(row, rowKey)
			}
			if err != nil {
				return stats, err
			}
			if err := sorts[i].Put(rec); err != nil {
				return stats, err
			}
			stats.IndexRows[i]++
		}
		for _, c := range chunks {
			if err := toastSort.Put(c); err != nil {
				return stats, err
			}
			stats.ToastChunks++
		}
		if err := e.Data.Put(newData, newRowid, stored); err != nil {
			return stats, err
		}
	}

	for i, idx := range newDescr.Indexes {
		if err := sorts[i].PerformSort(); err != nil {
			return stats, err
		}
		stream, err := sorts[i].Stream()
		if err != nil {
			return stats, err
		}
		startID := uint64(0)
		if i == 0 && primary.PrimaryIsRowID {
			startID = ctid
		}
		if stats.Headers[i], err = btree.WriteIndexData(e.TreeDir, idx, stream, startID); err != nil {
			return stats, err
		}
	}
	if err := toastSort.PerformSort(); err != nil {
		return stats, err
	}
	toastStream, err := toastSort.Stream()
	if err != nil {
		return stats, err
	}
	if stats.ToastHeader, err = btree.WriteIndexData(e.TreeDir, newDescr.Toast, toastStream, 0); err != nil {
		return stats, err
	}

	e.CommitLock.RLock()
	for i, idx := range newDescr.Indexes {
		if err := btree.WriteFileHeader(e.TreeDir, idx, stats.Headers[i]); err != nil {
			e.CommitLock.RUnlock()
			return stats, err
		}
	}
	if err := btree.WriteFileHeader(e.TreeDir, newDescr.Toast, stats.ToastHeader); err != nil {
		e.CommitLock.RUnlock()
		return stats, err
	}
	e.Log.Infof("rebuilt table %s: %d heap rows across %d trees, %d toast chunks",
		newTbl.IDs, stats.HeapRows, nIdx, stats.ToastChunks)
	return stats, nil
}
