// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package build is the bulk index-build engine: it materializes a B-tree
// index from existing table data, either serially or by coordinating a pool
// of parallel participants that each scan a shard of the table, transform
// rows, sort them, and hand their sorted runs to the coordinator's merge.
package build

import (
	"sync"
	"unsafe"

	"github.com/burrowdb/burrow/tabledata"
)

// Kind selects which scan/sort behavior participants run: a plain
// secondary-index build or a full-table rebuild. It is dispatched once at
// build start and carried in the shared state.
type Kind int

const (
	KindSecondary Kind = iota
	KindRebuild
)

func (k Kind) String() string {
	switch k {
	case KindSecondary:
		return "secondary"
	case KindRebuild:
		return "rebuild"
	}
	return "unknown"
}

// Shared is the per-build state every participant addresses, identically in
// ordinary and replay deployment. The immutable fields are set before any
// participant launches; the mutable counters are only touched under mu.
type Shared struct {
	// Immutable state.
	IsUnique     bool
	IsConcurrent bool
	// Participants is the number of sort states the build was sized for
	// (requested workers plus the leader); participants divide the work-mem
	// budget by it.
	Participants int
	Kind         Kind
	IndexNum     int
	WorkMem      int

	// TableData is the serialized table definition embedded for ordinary
	// workers. Length zero is the replay-mode sentinel: the definition
	// arrives as an explicit message instead.
	TableData []byte

	// Scan is the shared parallel-scan cursor sharding the table.
	Scan *tabledata.ParallelScan

	mu         sync.Mutex
	doneCond   *sync.Cond // workers-done
	joinedCond *sync.Cond // workers-joined, replay mode only

	// Mutable state, guarded by mu.
	participantsDone int
	joined           int
	scannedRows      int64
	acceptedRows     []int64
	errs             []error
}

// NewShared initializes shared build state for nIndexes accepted-row
// counters.
func NewShared(nIndexes int) *Shared {
	s := &Shared{
		acceptedRows: make([]int64, nIndexes),
	}
	s.doneCond = sync.NewCond(&s.mu)
	s.joinedCond = sync.NewCond(&s.mu)
	return s
}

// ReportJoined records that one participant attached to the shared state
// and wakes the coordinator's replay-mode attach wait.
func (s *Shared) ReportJoined() {
	s.mu.Lock()
	s.joined++
	s.mu.Unlock()
	s.joinedCond.Signal()
}

// WaitJoined blocks until n participants have attached. Used by the
// coordinator in replay mode in place of the process-attach barrier.
func (s *Shared) WaitJoined(n int) {
	s.mu.Lock()
	for s.joined < n {
		s.joinedCond.Wait()
	}
	s.mu.Unlock()
}

// ReportDone records one participant's completion: its row counts are added
// to the shared totals and the workers-done condition is signaled. A
// participant that failed still reports, with its error recorded, so the
// coordinator's barrier always terminates.
func (s *Shared) ReportDone(scanned int64, accepted []int64, err error) {
	s.mu.Lock()
	s.participantsDone++
	s.scannedRows += scanned
	for i := range accepted {
		if i < len(s.acceptedRows) {
			s.acceptedRows[i] += accepted[i]
		}
	}
	if err != nil {
		s.errs = append(s.errs, err)
	}
	s.mu.Unlock()
	s.doneCond.Signal()
}

// WaitDone blocks until n participants have reported completion, then
// returns the aggregated totals and the first recorded participant error.
// This is a barrier, not a queue: it re-checks the counter under the mutex
// on every wake-up.
func (s *Shared) WaitDone(n int) (scanned int64, accepted []int64, err error) {
	s.mu.Lock()
	for s.participantsDone < n {
		s.doneCond.Wait()
	}
	scanned = s.scannedRows
	accepted = append([]int64(nil), s.acceptedRows...)
	if len(s.errs) > 0 {
		err = s.errs[0]
	}
	s.mu.Unlock()
	return scanned, accepted, err
}

// DoneCount returns the number of participants that reported completion.
func (s *Shared) DoneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantsDone
}

const sharedAlign = 64

// estimateSharedSize is the shared-memory footprint of one build: the
// aligned fixed-layout state plus the embedded serialized table and the
// scan cursor. Replay mode embeds no table (it is pushed as a message).
func estimateSharedSize(tableLen int) int {
	fixed := int(unsafe.Sizeof(Shared{}))
	fixed = (fixed + sharedAlign - 1) &^ (sharedAlign - 1)
	return fixed + tableLen + int(unsafe.Sizeof(tabledata.ParallelScan{}))
}
