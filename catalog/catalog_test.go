// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package catalog_test

import (
	"path/filepath"
	"testing"

	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(hasPrimary bool) *catalog.Table {
	t := &catalog.Table{
		IDs:  catalog.RelIDs{DB: 1, Rel: 10, Storage: catalog.NewStorageID()},
		Name: "accounts",
		Fields: []catalog.Field{
			{Name: "id", Type: catalog.FieldTypeInt, NotNull: true},
			{Name: "name", Type: catalog.FieldTypeString},
			{Name: "balance", Type: catalog.FieldTypeFloat},
		},
		ToastStorage: catalog.NewStorageID(),
	}
	if hasPrimary {
		t.HasPrimary = true
		t.Indexes = append(t.Indexes, catalog.TableIndex{
			Name:         "accounts_pkey",
			Kind:         catalog.IndexPrimary,
			Fields:       []catalog.IndexField{{Name: "id"}},
			NumFields:    1,
			NumKeyFields: 1,
			IDs:          catalog.RelIDs{DB: 1, Rel: 11, Storage: catalog.NewStorageID()},
		})
	}
	return t
}

func openTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.OpenStore(filepath.Join(t.TempDir(), "catalog.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	tbl := testTable(true)

	require.NoError(t, s.Add(tbl, 1, 1))

	t.Run("get by logical ids", func(t *testing.T) {
		got, err := s.Get(catalog.RelIDs{DB: 1, Rel: 10})
		require.NoError(t, err)
		assert.Equal(t, tbl.Name, got.Name)
		assert.Equal(t, tbl.IDs, got.IDs)
	})

	t.Run("storage mismatch is inconsistency", func(t *testing.T) {
		_, err := s.Get(catalog.RelIDs{DB: 1, Rel: 10, Storage: catalog.NewStorageID()})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCatalogInconsistent))
	})

	t.Run("missing table", func(t *testing.T) {
		_, err := s.Get(catalog.RelIDs{DB: 1, Rel: 99})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTableNotFound))
	})

	t.Run("update replaces", func(t *testing.T) {
		mod := tbl.Clone()
		mod.Name = "accounts2"
		require.NoError(t, s.Update(mod, 2, 2))
		got, err := s.Get(catalog.RelIDs{DB: 1, Rel: 10})
		require.NoError(t, err)
		assert.Equal(t, "accounts2", got.Name)
	})

	t.Run("update of missing table fails", func(t *testing.T) {
		other := testTable(false)
		other.IDs.Rel = 77
		err := s.Update(other, 3, 3)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTableNotFound))
	})
}

func TestDescrCache(t *testing.T) {
	s := openTestStore(t)
	tbl := testTable(true)
	require.NoError(t, s.Add(tbl, 1, 1))

	d1, err := s.FetchDescr(tbl.IDs)
	require.NoError(t, err)
	d2, err := s.FetchDescr(tbl.IDs)
	require.NoError(t, err)
	assert.Same(t, d1, d2)

	s.InvalidateDescr(tbl.IDs)
	d3, err := s.FetchDescr(tbl.IDs)
	require.NoError(t, err)
	assert.NotSame(t, d1, d3)

	// Abort drops only registered identities.
	s.InvalidateOnAbort(tbl.IDs)
	s.Abort()
	d4, err := s.FetchDescr(tbl.IDs)
	require.NoError(t, err)
	assert.NotSame(t, d3, d4)
}

func TestFillTmpDescr(t *testing.T) {
	t.Run("declared primary", func(t *testing.T) {
		tbl := testTable(true)
		d, err := catalog.FillTmpDescr(tbl)
		require.NoError(t, err)
		require.Equal(t, 1, d.NumIndices())
		assert.True(t, d.Primary().Unique)
		assert.False(t, d.Primary().PrimaryIsRowID)
		assert.Equal(t, 0, d.SlotFor(0))
	})

	t.Run("synthetic primary", func(t *testing.T) {
		tbl := testTable(false)
		tbl.Indexes = append(tbl.Indexes, catalog.TableIndex{
			Name:         "accounts_name_idx",
			Kind:         catalog.IndexRegular,
			Fields:       []catalog.IndexField{{Name: "name"}},
			NumFields:    1,
			NumKeyFields: 1,
			IDs:          catalog.RelIDs{DB: 1, Rel: 12, Storage: catalog.NewStorageID()},
		})
		d, err := catalog.FillTmpDescr(tbl)
		require.NoError(t, err)
		require.Equal(t, 2, d.NumIndices())
		assert.True(t, d.Primary().PrimaryIsRowID)
		// Table index 0 is the secondary, in descriptor slot 1.
		assert.Equal(t, 1, d.SlotFor(0))
		assert.Equal(t, "accounts_name_idx", d.Indexes[1].Name)
		require.NotNil(t, d.Toast)
		assert.Equal(t, tbl.ToastStorage, d.Toast.IDs.Storage)
	})

	t.Run("expression and predicate compile", func(t *testing.T) {
		tbl := testTable(true)
		tbl.Indexes = append(tbl.Indexes, catalog.TableIndex{
			Name:         "accounts_lower_idx",
			Kind:         catalog.IndexRegular,
			Fields:       []catalog.IndexField{{Expr: `lower(name)`}},
			NumFields:    1,
			NumKeyFields: 1,
			Predicate:    `balance > 100`,
			IDs:          catalog.RelIDs{DB: 1, Rel: 12, Storage: catalog.NewStorageID()},
		})
		d, err := catalog.FillTmpDescr(tbl)
		require.NoError(t, err)
		idx := d.Indexes[1]
		require.Len(t, idx.KeyParts, 1)
		assert.Equal(t, -1, idx.KeyParts[0].FieldNum)
		assert.NotNil(t, idx.Predicate)
	})

	t.Run("unknown indexed field", func(t *testing.T) {
		tbl := testTable(true)
		tbl.Indexes = append(tbl.Indexes, catalog.TableIndex{
			Name:   "bad",
			Kind:   catalog.IndexRegular,
			Fields: []catalog.IndexField{{Name: "nope"}},
			IDs:    catalog.RelIDs{DB: 1, Rel: 12, Storage: catalog.NewStorageID()},
		})
		_, err := catalog.FillTmpDescr(tbl)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrValidation))
	})

	t.Run("bad expression", func(t *testing.T) {
		_, err := catalog.CompileExpr("((")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrValidation))
	})
}

func TestSerializeRoundTrip(t *testing.T) {
	tbl := testTable(true)
	b, err := tbl.Serialize()
	require.NoError(t, err)
	got, err := catalog.DeserializeTable(b)
	require.NoError(t, err)
	assert.Equal(t, tbl, got)

	c := tbl.Clone()
	c.Name = "changed"
	assert.NotEqual(t, tbl.Name, c.Name)
}

func TestUndoLog(t *testing.T) {
	s := openTestStore(t)
	tbl := testTable(true)

	require.NoError(t, s.RecordCreateNodes(tbl.IDs, tbl.IndexIDs(), 5, 5))
	require.NoError(t, s.RecordDropNodes(tbl.IDs, []catalog.RelIDs{tbl.Indexes[0].IDs}, 6, 6))

	old := tbl.Clone()
	niu := tbl.Clone()
	niu.IDs.Storage = catalog.NewStorageID()
	require.NoError(t, s.RecordTruncateNodes(old.IDs, old.IndexIDs(), niu.IDs, niu.IndexIDs(), 7, 7))

	recs, err := s.UndoRecords()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, catalog.UndoCreateNodes, recs[0].Kind)
	assert.Equal(t, catalog.UndoDropNodes, recs[1].Kind)
	assert.Equal(t, catalog.UndoTruncateNodes, recs[2].Kind)
	assert.Equal(t, catalog.Oxid(7), recs[2].Oxid)
	// The truncate record leads with the table nodes themselves.
	assert.Equal(t, old.IDs, recs[2].OldNodes[0])
	assert.Equal(t, niu.IDs, recs[2].NewNodes[0])
}

func TestTxnManager(t *testing.T) {
	m := catalog.NewTxnManager(100, 200)
	o1, c1 := m.Current()
	o2, c2 := m.Current()
	assert.Equal(t, catalog.Oxid(101), o1)
	assert.Equal(t, catalog.CSN(201), c1)
	assert.Greater(t, uint64(o2), uint64(o1))
	assert.Greater(t, uint64(c2), uint64(c1))
}
