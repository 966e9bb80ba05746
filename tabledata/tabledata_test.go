// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package tabledata_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/tabledata"
	"github.com/burrowdb/burrow/tuple"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *tabledata.Store {
	t.Helper()
	s, err := tabledata.OpenStore(filepath.Join(t.TempDir(), "rows.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertRows(t *testing.T, s *tabledata.Store, storage catalog.StorageID, n int) {
	t.Helper()
	batch := make([]tuple.Row, 0, 100)
	for i := 0; i < n; i++ {
		batch = append(batch, tuple.Row{int64(i), fmt.Sprintf("row-%d", i)})
		if len(batch) == cap(batch) || i == n-1 {
			_, err := s.Insert(storage, batch)
			require.NoError(t, err)
			batch = batch[:0]
		}
	}
}

func TestInsertAndCount(t *testing.T) {
	s := openTestStore(t)
	storage := catalog.NewStorageID()

	n, err := s.Count(storage)
	require.NoError(t, err)
	assert.Zero(t, n)
	exists, err := s.DataExists(storage)
	require.NoError(t, err)
	assert.False(t, exists)

	insertRows(t, s, storage, 250)

	n, err = s.Count(storage)
	require.NoError(t, err)
	assert.Equal(t, int64(250), n)
	max, err := s.MaxRowID(storage)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), max)
	exists, err = s.DataExists(storage)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPutExplicitRowID(t *testing.T) {
	s := openTestStore(t)
	storage := catalog.NewStorageID()

	require.NoError(t, s.Put(storage, 7, tuple.Row{int64(7)}))
	max, err := s.MaxRowID(storage)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), max)

	// The sequence is advanced past explicit ids.
	last, err := s.Insert(storage, []tuple.Row{{int64(8)}})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), last)
}

func TestSerialScan(t *testing.T) {
	s := openTestStore(t)
	storage := catalog.NewStorageID()
	const n = 700
	insertRows(t, s, storage, n)

	sc := s.NewScan(storage, nil)
	seen := 0
	var lastID uint64
	for {
		row, rowid, ok, err := sc.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Greater(t, rowid, lastID)
		lastID = rowid
		require.Len(t, row, 2)
		assert.Equal(t, int64(rowid-1), row[0])
		seen++
	}
	assert.Equal(t, n, seen)
}

func TestParallelScanCoversAllRowsOnce(t *testing.T) {
	s := openTestStore(t)
	storage := catalog.NewStorageID()
	const n = 3000
	insertRows(t, s, storage, n)

	par := tabledata.NewParallelScan(uint64(n))
	var mu sync.Mutex
	seen := make(map[uint64]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc := s.NewScan(storage, par)
			for {
				_, rowid, ok, err := sc.Next()
				if err != nil {
					t.Error(err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[rowid]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for rowid, count := range seen {
		require.Equal(t, 1, count, "rowid %d scanned %d times", rowid, count)
	}
}

func TestDropNode(t *testing.T) {
	s := openTestStore(t)
	storage := catalog.NewStorageID()
	insertRows(t, s, storage, 10)

	require.NoError(t, s.DropNode(storage))
	n, err := s.Count(storage)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Dropping a missing node is not an error.
	require.NoError(t, s.DropNode(catalog.NewStorageID()))
}
