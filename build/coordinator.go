// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package build

import (
	"context"
	"time"

	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/extsort"
	"github.com/burrowdb/burrow/tabledata"
	"github.com/burrowdb/burrow/tuple"
)

// Spool describes the sort target of one participant: the table being
// scanned and the index being built.
type Spool struct {
	Table    *catalog.Table
	Descr    *catalog.TableDescr
	Index    *catalog.IndexDescr
	IsUnique bool
}

// clone derives the leader's private spool over the same index.
func (sp *Spool) clone() *Spool {
	c := *sp
	return &c
}

// BuildState tracks one build operation from launch to merge.
type BuildState struct {
	Spool    *Spool
	Kind     Kind
	IndexNum int
	Leader   *Leader
}

// Usage is one participant's resource accounting, collected by the
// coordinator after the workers-done barrier. It exists only in the
// launching process.
type Usage struct {
	ScannedRows  int64
	AcceptedRows int64
	SortSpills   int
	Elapsed      time.Duration
}

// Leader is the coordinator's handle on a parallel build: the shared state,
// the launcher that deployed the participants, and the per-participant
// usage accumulators.
type Leader struct {
	Shared     *Shared
	launcher   Launcher
	sortShared *extsort.SharedSort

	// nParticipants is the barrier target: launched workers plus the
	// leader itself.
	nParticipants int

	usage []Usage
}

// beginParallel sets up shared state, launches participants, and runs the
// leader's own participation. It returns nil (and no error) when the build
// must degrade to a serial one: shared-state budget exceeded, or a replay
// pool with no free members. bs.Leader is set on success.
func (e *Env) beginParallel(ctx context.Context, bs *BuildState, request int) (*Leader, error) {
	tableData, err := bs.Spool.Table.Serialize()
	if err != nil {
		return nil, err
	}
	if limit := e.SharedMemLimit; limit > 0 && estimateSharedSize(len(tableData)) > limit {
		e.Log.Debugf("shared state for index %q build exceeds %d bytes, building serially",
			bs.Spool.Index.Name, limit)
		return nil, nil
	}

	maxRow, err := e.Data.MaxRowID(bs.Spool.Table.DataStorage().Storage)
	if err != nil {
		return nil, err
	}

	shared := NewShared(1)
	shared.IsUnique = bs.Spool.IsUnique
	shared.Kind = bs.Kind
	shared.IndexNum = bs.IndexNum
	shared.WorkMem = e.WorkMem
	// Participants sizes the per-participant sort budget and is fixed
	// before launch; the barrier target below reflects how many actually
	// started.
	shared.Participants = request + 1
	shared.Scan = tabledata.NewParallelScan(maxRow)

	var tableMsg []byte
	switch e.Launcher.Mode() {
	case ModeReplay:
		tableMsg = tableData
	default:
		shared.TableData = tableData
	}

	leader := &Leader{
		Shared:     shared,
		launcher:   e.Launcher,
		sortShared: extsort.NewSharedSort(),
		usage:      make([]Usage, request+1),
	}

	launched, err := e.Launcher.Launch(ctx, request, tableMsg, func(workerNum int, msg []byte) error {
		return e.workerMain(shared, leader.sortShared, nil, msg, workerNum, &leader.usage[workerNum])
	})
	if err != nil {
		return nil, err
	}
	if launched == 0 && e.Launcher.Mode() == ModeReplay {
		// No pool members free; the pool cannot grow mid-build.
		e.Log.Debugf("no replay workers available for index %q build, building serially",
			bs.Spool.Index.Name)
		return nil, nil
	}
	leader.nParticipants = launched + 1
	if tableMsg != nil {
		e.Log.Infof("%d bytes of table definition sent to %d replay workers",
			len(tableMsg), launched)
	}
	bs.Leader = leader

	// The leader always participates, scanning its own share through a
	// private spool. Its errors surface through the shared state like any
	// other participant's.
	leaderSpool := bs.Spool.clone()
	_ = e.workerMain(shared, leader.sortShared, leaderSpool.Table, nil, launched, &leader.usage[launched])

	if e.Launcher.Mode() == ModeReplay {
		// Replay members may still be parked in the pool queue; wait for
		// every participant to attach before the scan barrier.
		shared.WaitJoined(leader.nParticipants)
	}
	return leader, nil
}

// workerMain is one participant's body, shared by launched workers and the
// leader. It always reports done, carrying its error into the shared state,
// so the coordinator's barrier terminates even on failure.
func (e *Env) workerMain(shared *Shared, ss *extsort.SharedSort, tbl *catalog.Table, tableMsg []byte, workerNum int, usage *Usage) (err error) {
	start := time.Now()
	var scanned int64
	accepted := make([]int64, 1)
	defer func() {
		if usage != nil {
			usage.ScannedRows = scanned
			usage.AcceptedRows = accepted[0]
			usage.Elapsed = time.Since(start)
		}
		shared.ReportDone(scanned, accepted, err)
	}()

	if tbl == nil {
		data := tableMsg
		if len(data) == 0 {
			data = shared.TableData
		}
		if len(data) == 0 {
			shared.ReportJoined()
			return errors.New(errors.ErrUncoded, "worker has no table definition")
		}
		if tbl, err = catalog.DeserializeTable(data); err != nil {
			shared.ReportJoined()
			return err
		}
	}
	descr, err := catalog.FillTmpDescr(tbl)
	if err != nil {
		shared.ReportJoined()
		return err
	}
	shared.ReportJoined()

	sortMem := shared.WorkMem / shared.Participants
	switch shared.Kind {
	case KindSecondary:
		idx := descr.Indexes[descr.SlotFor(shared.IndexNum)]
		srt := extsort.Begin(idx, sortMem, &extsort.Coordinate{IsWorker: true, Shared: ss})
		defer func() {
			if usage != nil {
				usage.SortSpills = srt.Spills()
			}
			srt.End()
		}()
		if err = e.scanSecondary(descr, idx, shared.Scan, srt, &scanned, &accepted[0]); err != nil {
			return err
		}
		return srt.PerformSort()
	default:
		return errors.Newf(errors.ErrUncoded, "%s build has no parallel worker", shared.Kind)
	}
}

// scanSecondary scans the participant's shard (the whole table when par is
// nil) and feeds accepted rows into the sort.
func (e *Env) scanSecondary(descr *catalog.TableDescr, idx *catalog.IndexDescr, par *tabledata.ParallelScan, srt *extsort.Sort, scanned, accepted *int64) error {
	tr := tuple.NewTransformer(descr, idx)
	sc := e.Data.NewScan(descr.Table.DataStorage().Storage, par)
	for {
		row, rowid, ok, err := sc.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		*scanned++
		match, err := tr.PredicateSatisfied(row)
		if err != nil {
			return err
		}
		if !match {
			continue
		}
		rowKey, err := tuple.RowKey(descr, row, rowid)
		if err != nil {
			return err
		}
		rec, err := tr.MakeSecondary(row, rowKey)
		if err != nil {
			return err
		}
		if err := srt.Put(rec); err != nil {
			return err
		}
		*accepted++
	}
}

// waitScan is the coordinator's workers-done barrier. It returns aggregated
// row totals and the first participant error, after which every
// participant's sorted runs are published to the shared sort.
func (l *Leader) waitScan() (scanned int64, accepted []int64, err error) {
	return l.Shared.WaitDone(l.nParticipants)
}

// endParallel reclaims the launched participants and logs their usage.
func (e *Env) endParallel(l *Leader) error {
	err := l.launcher.WaitFinished()
	for i, u := range l.usage {
		if u.ScannedRows == 0 && u.AcceptedRows == 0 && u.Elapsed == 0 {
			continue
		}
		e.Log.Debugf("build participant %d: scanned %d rows, accepted %d, %d spills, %v",
			i, u.ScannedRows, u.AcceptedRows, u.SortSpills, u.Elapsed)
	}
	return err
}
