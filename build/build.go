// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package build

import (
	"context"
	"sync"

	"github.com/burrowdb/burrow/btree"
	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/extsort"
	"github.com/burrowdb/burrow/logger"
	"github.com/burrowdb/burrow/tabledata"
)

// Env carries everything a build needs: the row store to scan, the
// directory tree files land in, the memory budgets, the worker policy, and
// the launcher deploying participants. One Env serves many builds.
type Env struct {
	Data    *tabledata.Store
	TreeDir string
	Log     logger.Logger

	// WorkMem is the sort budget for one build, divided evenly among its
	// participants.
	WorkMem int

	// SharedMemLimit bounds the shared-state estimate of a parallel build;
	// past it the build silently degrades to serial. Zero means no limit.
	SharedMemLimit int

	Policy   ParallelPolicy
	Launcher Launcher

	// CommitLock serializes tree-file commit against catalog updates.
	// Builds take it shared before writing file headers; the caller
	// releases it after the catalog update so the two stay in step.
	CommitLock *sync.RWMutex
}

// Stats reports what one secondary-index build did.
type Stats struct {
	HeapRows  int64
	IndexRows int64
	Parallel  bool
	Workers   int
	Header    btree.FileHeader
}

// BuildSecondaryIndex materializes secondary index ixNum of the table from
// its existing row data. On success the tree file is committed and the
// commit lock is held shared; the caller must release it after updating
// the catalog. On error the lock is not held.
func (e *Env) BuildSecondaryIndex(ctx context.Context, tbl *catalog.Table, descr *catalog.TableDescr, ixNum int) (Stats, error) {
	idx := descr.Indexes[descr.SlotFor(ixNum)]
	bs := &BuildState{
		Spool: &Spool{
			Table:    tbl,
			Descr:    descr,
			Index:    idx,
			IsUnique: idx.Unique,
		},
		Kind:     KindSecondary,
		IndexNum: ixNum,
	}

	request := 0
	if e.Launcher != nil {
		rows, err := e.Data.Count(tbl.DataStorage().Storage)
		if err != nil {
			return Stats{}, err
		}
		request = e.Policy.Workers(rows)
	}
	if request > 0 {
		if _, err := e.beginParallel(ctx, bs, request); err != nil {
			return Stats{}, err
		}
	}

	var co *extsort.Coordinate
	if bs.Leader != nil {
		co = &extsort.Coordinate{
			NParticipants: bs.Leader.nParticipants,
			Shared:        bs.Leader.sortShared,
		}
	}
	srt := extsort.Begin(idx, e.WorkMem, co)
	defer srt.End()

	stats := Stats{Parallel: bs.Leader != nil}
	if bs.Leader == nil {
		if err := e.scanSecondary(descr, idx, nil, srt, &stats.HeapRows, &stats.IndexRows); err != nil {
			return Stats{}, err
		}
	} else {
		scanned, accepted, err := bs.Leader.waitScan()
		if err != nil {
			_ = e.endParallel(bs.Leader)
			return Stats{}, err
		}
		stats.HeapRows = scanned
		stats.IndexRows = accepted[0]
		stats.Workers = bs.Leader.nParticipants - 1
	}

	if err := srt.PerformSort(); err != nil {
		if bs.Leader != nil {
			_ = e.endParallel(bs.Leader)
		}
		return Stats{}, err
	}
	stream, err := srt.Stream()
	if err != nil {
		if bs.Leader != nil {
			_ = e.endParallel(bs.Leader)
		}
		return Stats{}, err
	}
	hdr, err := btree.WriteIndexData(e.TreeDir, idx, stream, 1)
	if err != nil {
		if bs.Leader != nil {
			_ = e.endParallel(bs.Leader)
		}
		return Stats{}, err
	}
	if bs.Leader != nil {
		if err := e.endParallel(bs.Leader); err != nil {
			return Stats{}, err
		}
	}

	e.CommitLock.RLock()
	if err := btree.WriteFileHeader(e.TreeDir, idx, hdr); err != nil {
		e.CommitLock.RUnlock()
		return Stats{}, err
	}
	stats.Header = hdr
	e.Log.Infof("built index %q: %d heap rows, %d index rows (%s, %d workers)",
		idx.Name, stats.HeapRows, stats.IndexRows, buildModeName(stats.Parallel), stats.Workers)
	return stats, nil
}

func buildModeName(parallel bool) string {
	if parallel {
		return "parallel"
	}
	return "serial"
}
