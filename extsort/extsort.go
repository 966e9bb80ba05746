// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package extsort is the external merge-sort primitive used by index builds.
// A Sort accepts key/value records, buffers them in memory up to a budget,
// spills sorted runs to temp files past it, and produces one sorted stream.
// Parallel builds share a SharedSort: each worker registers its sorted runs
// there, and the coordinator's final sort merges every participant's runs.
package extsort

import (
	"bufio"
	"bytes"
	"container/heap"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
	"golang.org/x/exp/slices"
)

// Record is one key/value pair fed to a sort.
type Record struct {
	Key   []byte
	Value []byte
}

// Size is the serialized size of the record.
func (r Record) Size() int {
	return len(r.Key) + len(r.Value)
}

// Compare orders records by key, then by value. The value tie-break makes
// merge output deterministic regardless of how records were distributed
// across participants.
func Compare(a, b Record) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	return bytes.Compare(a.Value, b.Value)
}

// SharedSort collects sorted runs from every participant of one parallel
// sort. It is the shared, sort-managed state referenced by a Coordinate.
type SharedSort struct {
	mu   sync.Mutex
	runs []run
}

// NewSharedSort returns shared sort state for a parallel merge.
func NewSharedSort() *SharedSort {
	return &SharedSort{}
}

func (ss *SharedSort) register(runs []run) {
	ss.mu.Lock()
	ss.runs = append(ss.runs, runs...)
	ss.mu.Unlock()
}

func (ss *SharedSort) take() []run {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	runs := ss.runs
	ss.runs = nil
	return runs
}

// Coordinate carries the participant count and shared state of a parallel
// sort. IsWorker distinguishes a participant's partial sort from the
// coordinator's final merging sort.
type Coordinate struct {
	IsWorker      bool
	NParticipants int
	Shared        *SharedSort
}

// run is one sorted batch: either still in memory or spilled to a file.
type run struct {
	recs []Record
	path string
}

// Sort is one sort pipeline handle.
type Sort struct {
	idx       *catalog.IndexDescr
	memBudget int
	co        *Coordinate

	cur      []Record
	curBytes int
	runs     []run
	spills   int
	sorted   bool
	stream   *Stream
}

// Begin opens a sort pipeline for the given index. memBudget is the number
// of record bytes held in memory before spilling a run. co is nil for a
// plain serial sort.
func Begin(idx *catalog.IndexDescr, memBudget int, co *Coordinate) *Sort {
	if memBudget <= 0 {
		memBudget = 1 << 20
	}
	return &Sort{idx: idx, memBudget: memBudget, co: co}
}

// Put adds one record. The record bytes are copied.
func (s *Sort) Put(rec Record) error {
	if s.sorted {
		return errors.New(errors.ErrUncoded, "extsort: Put after PerformSort")
	}
	c := Record{
		Key:   append([]byte(nil), rec.Key...),
		Value: append([]byte(nil), rec.Value...),
	}
	s.cur = append(s.cur, c)
	s.curBytes += c.Size()
	if s.curBytes >= s.memBudget {
		if err := s.spill(); err != nil {
			return err
		}
	}
	return nil
}

// Spills reports how many runs went to disk.
func (s *Sort) Spills() int {
	return s.spills
}

func (s *Sort) spill() error {
	slices.SortFunc(s.cur, func(a, b Record) bool { return Compare(a, b) < 0 })
	path, err := writeRun(s.cur)
	if err != nil {
		return err
	}
	s.runs = append(s.runs, run{path: path})
	s.spills++
	s.cur = nil
	s.curBytes = 0
	return nil
}

// PerformSort finishes the local sort. A worker sort publishes its runs to
// the shared state and holds no stream; a serial or coordinator sort
// prepares the merged stream (the coordinator merges every participant's
// published runs, including empty ones).
func (s *Sort) PerformSort() error {
	if s.sorted {
		return nil
	}
	s.sorted = true
	slices.SortFunc(s.cur, func(a, b Record) bool { return Compare(a, b) < 0 })
	runs := s.runs
	s.runs = nil
	if len(s.cur) > 0 {
		runs = append(runs, run{recs: s.cur})
		s.cur = nil
	}

	if s.co != nil && s.co.IsWorker {
		s.co.Shared.register(runs)
		return nil
	}
	if s.co != nil {
		runs = append(runs, s.co.Shared.take()...)
	}
	st, err := newStream(runs)
	if err != nil {
		return err
	}
	s.stream = st
	return nil
}

// Stream returns the sorted stream. Only valid on a serial or coordinator
// sort after PerformSort.
func (s *Sort) Stream() (*Stream, error) {
	if !s.sorted || s.stream == nil {
		return nil, errors.New(errors.ErrUncoded, "extsort: no stream; PerformSort not run or worker sort")
	}
	return s.stream, nil
}

// End releases the sort's resources, removing any temp files it still owns.
// The coordinator's sort also owns whatever the shared state still holds:
// runs published by workers whose merge never ran are reclaimed here, so an
// aborted parallel sort leaves no spilled files behind.
func (s *Sort) End() {
	if s.co != nil && !s.co.IsWorker && s.co.Shared != nil {
		for _, r := range s.co.Shared.take() {
			if r.path != "" {
				os.Remove(r.path)
			}
		}
	}
	for _, r := range s.runs {
		if r.path != "" {
			os.Remove(r.path)
		}
	}
	s.runs = nil
	s.cur = nil
	if s.stream != nil {
		s.stream.close()
		s.stream = nil
	}
}

// Stream is a merged, sorted record stream.
type Stream struct {
	h       mergeHeap
	sources []*runReader
}

func newStream(runs []run) (*Stream, error) {
	st := &Stream{}
	for _, r := range runs {
		rr, err := newRunReader(r)
		if err != nil {
			st.close()
			return nil, err
		}
		st.sources = append(st.sources, rr)
		rec, ok, err := rr.next()
		if err != nil {
			st.close()
			return nil, err
		}
		if ok {
			st.h = append(st.h, mergeItem{rec: rec, src: rr})
		}
	}
	heap.Init(&st.h)
	return st, nil
}

// Next returns the next record in sorted order. ok is false at end of
// stream.
func (st *Stream) Next() (rec Record, ok bool, err error) {
	if len(st.h) == 0 {
		return Record{}, false, nil
	}
	top := st.h[0]
	rec = top.rec
	nxt, more, err := top.src.next()
	if err != nil {
		return Record{}, false, err
	}
	if more {
		st.h[0] = mergeItem{rec: nxt, src: top.src}
		heap.Fix(&st.h, 0)
	} else {
		heap.Pop(&st.h)
	}
	return rec, true, nil
}

func (st *Stream) close() {
	for _, src := range st.sources {
		src.close()
	}
	st.sources = nil
	st.h = nil
}

type mergeItem struct {
	rec Record
	src *runReader
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return Compare(h[i].rec, h[j].rec) < 0 }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// runReader streams one run, in-memory or spilled.
type runReader struct {
	recs []Record
	pos  int

	f  *os.File
	br *bufio.Reader
}

func newRunReader(r run) (*runReader, error) {
	if r.path == "" {
		return &runReader{recs: r.recs}, nil
	}
	f, err := os.Open(r.path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening run %s", r.path)
	}
	return &runReader{f: f, br: bufio.NewReader(f)}, nil
}

func (rr *runReader) next() (Record, bool, error) {
	if rr.f == nil {
		if rr.pos >= len(rr.recs) {
			return Record{}, false, nil
		}
		rec := rr.recs[rr.pos]
		rr.pos++
		return rec, true, nil
	}
	var hdr [8]byte
	if _, err := io.ReadFull(rr.br, hdr[:]); err != nil {
		if err == io.EOF {
			return Record{}, false, nil
		}
		return Record{}, false, errors.Wrap(err, "reading run record header")
	}
	klen := binary.BigEndian.Uint32(hdr[0:])
	vlen := binary.BigEndian.Uint32(hdr[4:])
	rec := Record{
		Key:   make([]byte, klen),
		Value: make([]byte, vlen),
	}
	if _, err := io.ReadFull(rr.br, rec.Key); err != nil {
		return Record{}, false, errors.Wrap(err, "reading run record key")
	}
	if _, err := io.ReadFull(rr.br, rec.Value); err != nil {
		return Record{}, false, errors.Wrap(err, "reading run record value")
	}
	return rec, true, nil
}

func (rr *runReader) close() {
	if rr.f != nil {
		rr.f.Close()
		os.Remove(rr.f.Name())
		rr.f = nil
	}
}

// RunFilePattern globs this process's spilled run files. Runs are scoped by
// process id so concurrent test binaries never observe each other's spills.
func RunFilePattern() string {
	return filepath.Join(os.TempDir(), "burrow-sort-"+strconv.Itoa(os.Getpid())+"-*.run")
}

func writeRun(recs []Record) (string, error) {
	f, err := os.CreateTemp("", "burrow-sort-"+strconv.Itoa(os.Getpid())+"-*.run")
	if err != nil {
		return "", errors.Wrap(err, "creating run file")
	}
	bw := bufio.NewWriter(f)
	var hdr [8]byte
	for _, rec := range recs {
		binary.BigEndian.PutUint32(hdr[0:], uint32(len(rec.Key)))
		binary.BigEndian.PutUint32(hdr[4:], uint32(len(rec.Value)))
		if _, err := bw.Write(hdr[:]); err != nil {
			f.Close()
			return "", errors.Wrap(err, "writing run record")
		}
		if _, err := bw.Write(rec.Key); err != nil {
			f.Close()
			return "", errors.Wrap(err, "writing run record")
		}
		if _, err := bw.Write(rec.Value); err != nil {
			f.Close()
			return "", errors.Wrap(err, "writing run record")
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return "", errors.Wrap(err, "flushing run file")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "closing run file")
	}
	return f.Name(), nil
}
