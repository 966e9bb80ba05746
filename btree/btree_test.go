// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package btree_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/burrowdb/burrow/btree"
	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/extsort"
	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIndex() *catalog.IndexDescr {
	return &catalog.IndexDescr{
		Name: "items_name_idx",
		Kind: catalog.IndexRegular,
		IDs:  catalog.RelIDs{DB: 1, Rel: 12, Storage: catalog.NewStorageID()},
	}
}

func sortedStream(t *testing.T, n int) *extsort.Sort {
	t.Helper()
	s := extsort.Begin(nil, 1<<20, nil)
	for i := 0; i < n; i++ {
		require.NoError(t, s.Put(extsort.Record{
			Key:   []byte(fmt.Sprintf("key-%06d", i)),
			Value: []byte(fmt.Sprintf("val-%06d", i)),
		}))
	}
	require.NoError(t, s.PerformSort())
	return s
}

func TestWriteAndReadTree(t *testing.T) {
	dir := t.TempDir()
	idx := testIndex()
	const n = 5000

	s := sortedStream(t, n)
	defer s.End()
	stream, err := s.Stream()
	require.NoError(t, err)

	hdr, err := btree.WriteIndexData(dir, idx, stream, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), hdr.Rows)
	assert.Positive(t, hdr.RootPage)
	assert.Equal(t, idx.IDs.Storage, hdr.Storage)

	// Until the header is written the file is not committed.
	_, err = btree.ReadFileHeader(dir, idx.IDs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIO))

	require.NoError(t, btree.WriteFileHeader(dir, idx, hdr))

	got, err := btree.ReadFileHeader(dir, idx.IDs)
	require.NoError(t, err)
	assert.Equal(t, hdr, got)

	_, recs, err := btree.ReadTree(dir, idx.IDs)
	require.NoError(t, err)
	require.Len(t, recs, n)
	assert.Equal(t, []byte("key-000000"), recs[0].Key)
	assert.Equal(t, []byte(fmt.Sprintf("key-%06d", n-1)), recs[n-1].Key)
	for i := 1; i < len(recs); i++ {
		assert.Negative(t, extsort.Compare(recs[i-1], recs[i]))
	}
}

func TestWriteEmptyTree(t *testing.T) {
	dir := t.TempDir()
	idx := testIndex()

	s := sortedStream(t, 0)
	defer s.End()
	stream, err := s.Stream()
	require.NoError(t, err)

	hdr, err := btree.WriteIndexData(dir, idx, stream, 0)
	require.NoError(t, err)
	assert.Zero(t, hdr.Rows)
	assert.Zero(t, hdr.RootPage)
	require.NoError(t, btree.WriteFileHeader(dir, idx, hdr))

	_, recs, err := btree.ReadTree(dir, idx.IDs)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestOversizedRecordFailsBuild(t *testing.T) {
	dir := t.TempDir()
	idx := testIndex()

	s := extsort.Begin(nil, 1<<20, nil)
	defer s.End()
	require.NoError(t, s.Put(extsort.Record{
		Key:   []byte("big"),
		Value: make([]byte, btree.PageSize),
	}))
	require.NoError(t, s.PerformSort())
	stream, err := s.Stream()
	require.NoError(t, err)

	_, err = btree.WriteIndexData(dir, idx, stream, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRecordTooLarge))
}

func TestChecksumCoversDataPages(t *testing.T) {
	dir := t.TempDir()
	idx := testIndex()

	s := sortedStream(t, 2000)
	defer s.End()
	stream, err := s.Stream()
	require.NoError(t, err)
	hdr, err := btree.WriteIndexData(dir, idx, stream, 0)
	require.NoError(t, err)

	// The header checksum is the digest of every page past the header page.
	content, err := os.ReadFile(btree.TreePath(dir, idx.IDs))
	require.NoError(t, err)
	require.Zero(t, len(content)%btree.PageSize)
	assert.Equal(t, xxhash.Sum64(content[btree.PageSize:]), hdr.Checksum)
}

func TestChecksumDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	idx := testIndex()

	s := sortedStream(t, 1000)
	defer s.End()
	stream, err := s.Stream()
	require.NoError(t, err)
	hdr, err := btree.WriteIndexData(dir, idx, stream, 0)
	require.NoError(t, err)
	hdr.Checksum++
	require.NoError(t, btree.WriteFileHeader(dir, idx, hdr))

	_, _, err = btree.ReadTree(dir, idx.IDs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIO))
}
