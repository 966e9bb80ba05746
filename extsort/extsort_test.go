// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package extsort_test

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/burrowdb/burrow/extsort"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomRecords(n int, seed int64) []extsort.Record {
	rng := rand.New(rand.NewSource(seed))
	recs := make([]extsort.Record, n)
	for i := range recs {
		recs[i] = extsort.Record{
			Key:   []byte(fmt.Sprintf("key-%06d", rng.Intn(n*10))),
			Value: []byte(fmt.Sprintf("val-%06d", i)),
		}
	}
	return recs
}

func drain(t *testing.T, s *extsort.Sort) []extsort.Record {
	t.Helper()
	require.NoError(t, s.PerformSort())
	stream, err := s.Stream()
	require.NoError(t, err)
	var out []extsort.Record
	for {
		rec, ok, err := stream.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

func assertSorted(t *testing.T, recs []extsort.Record) {
	t.Helper()
	for i := 1; i < len(recs); i++ {
		assert.LessOrEqual(t, extsort.Compare(recs[i-1], recs[i]), 0)
	}
}

func TestSortInMemory(t *testing.T) {
	s := extsort.Begin(nil, 1<<20, nil)
	defer s.End()
	in := randomRecords(500, 1)
	for _, rec := range in {
		require.NoError(t, s.Put(rec))
	}
	out := drain(t, s)
	require.Len(t, out, len(in))
	assertSorted(t, out)
	assert.Zero(t, s.Spills())
}

func TestSortSpills(t *testing.T) {
	// A tiny budget forces runs to disk; the merged stream is still fully
	// sorted and complete.
	s := extsort.Begin(nil, 256, nil)
	defer s.End()
	in := randomRecords(2000, 2)
	for _, rec := range in {
		require.NoError(t, s.Put(rec))
	}
	require.Positive(t, s.Spills())
	out := drain(t, s)
	require.Len(t, out, len(in))
	assertSorted(t, out)
}

func TestSortEmpty(t *testing.T) {
	s := extsort.Begin(nil, 1<<20, nil)
	defer s.End()
	out := drain(t, s)
	assert.Empty(t, out)
}

func TestPutAfterPerformSort(t *testing.T) {
	s := extsort.Begin(nil, 1<<20, nil)
	defer s.End()
	require.NoError(t, s.PerformSort())
	assert.Error(t, s.Put(extsort.Record{Key: []byte("k")}))
}

func countRunFiles(t *testing.T) int {
	t.Helper()
	paths, err := filepath.Glob(extsort.RunFilePattern())
	require.NoError(t, err)
	return len(paths)
}

func TestAbortedParallelSortRemovesSpilledRuns(t *testing.T) {
	before := countRunFiles(t)

	// Workers spill and publish their runs; the coordinator never merges,
	// as happens when another participant fails the build.
	shared := extsort.NewSharedSort()
	for w := 0; w < 2; w++ {
		ws := extsort.Begin(nil, 256, &extsort.Coordinate{IsWorker: true, Shared: shared})
		for _, rec := range randomRecords(1000, int64(w)) {
			require.NoError(t, ws.Put(rec))
		}
		require.Positive(t, ws.Spills())
		require.NoError(t, ws.PerformSort())
		ws.End()
	}
	require.Greater(t, countRunFiles(t), before)

	co := extsort.Begin(nil, 256, &extsort.Coordinate{NParticipants: 2, Shared: shared})
	co.End()
	assert.Equal(t, before, countRunFiles(t))
}

func TestParallelMatchesSerial(t *testing.T) {
	in := randomRecords(3000, 3)

	serial := extsort.Begin(nil, 512, nil)
	defer serial.End()
	for _, rec := range in {
		require.NoError(t, serial.Put(rec))
	}
	want := drain(t, serial)

	const workers = 3
	shared := extsort.NewSharedSort()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws := extsort.Begin(nil, 512, &extsort.Coordinate{IsWorker: true, Shared: shared})
			defer ws.End()
			for i := w; i < len(in); i += workers {
				if err := ws.Put(in[i]); err != nil {
					t.Error(err)
					return
				}
			}
			if err := ws.PerformSort(); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	co := extsort.Begin(nil, 512, &extsort.Coordinate{NParticipants: workers, Shared: shared})
	defer co.End()
	got := drain(t, co)

	require.Len(t, got, len(want))
	assert.Equal(t, want, got)
}
