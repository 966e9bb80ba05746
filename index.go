// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package burrow

import (
	"context"
	"strings"

	"github.com/burrowdb/burrow/btree"
	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
)

// IndexStatement is one requested index definition, as parsed from DDL.
type IndexStatement struct {
	TableIDs catalog.RelIDs

	// IndexRel is the relation id assigned to the new index.
	IndexRel uint32

	// Name is the index name; empty means derive one from the table and
	// field names.
	Name string

	// AccessMethod must be empty or "btree".
	AccessMethod string

	Primary    bool
	Unique     bool
	Concurrent bool
	Tablespace string

	Fields      []catalog.IndexField
	Predicate   string
	Compression string

	// OldStorage, when set, names an existing storage node whose data
	// files the index reuses instead of building.
	OldStorage catalog.StorageID

	// SkipBuild registers the index definition without materializing its
	// tree; a later reindex builds it. Ignored when reusing a live node.
	SkipBuild bool
}

// DefineIndexContext is the validated plan for one index definition,
// produced by DefineIndexValidate and consumed by DefineIndex.
type DefineIndexContext struct {
	Table *catalog.Table
	Index catalog.TableIndex

	// Reuse is set when OldStorage named a live node; the build is skipped
	// and the node adopted.
	Reuse bool

	// SkipBuild defers the physical build, carried from the statement.
	SkipBuild bool
}

// DDLContext carries what an enclosing DDL operation needs its nested
// operations to know. It is passed explicitly; there is no ambient
// in-progress flag.
type DDLContext struct {
	// InRebuild marks index work running inside a whole-table rewrite; the
	// rewrite's own undo record covers it, so nested undo logging is
	// skipped.
	InRebuild bool
}

// FindIndexByName returns the position of the named index in t.Indexes, or
// -1 when no index has that name.
func FindIndexByName(t *catalog.Table, name string) int {
	for i := range t.Indexes {
		if t.Indexes[i].Name == name {
			return i
		}
	}
	return -1
}

// DefineIndexValidate checks the statement against the current table
// definition and returns the validated plan. All rejections are
// ErrValidation; the table must exist.
func (e *Engine) DefineIndexValidate(stmt IndexStatement) (*DefineIndexContext, error) {
	if stmt.AccessMethod != "" && stmt.AccessMethod != "btree" {
		return nil, errors.Newf(errors.ErrValidation,
			"access method %q is not supported", stmt.AccessMethod)
	}
	if stmt.Concurrent {
		return nil, errors.New(errors.ErrValidation, "concurrent index creation not supported")
	}
	if stmt.Tablespace != "" && stmt.Tablespace != "default" {
		return nil, errors.Newf(errors.ErrValidation,
			"tablespace %q is not supported", stmt.Tablespace)
	}
	if len(stmt.Fields) == 0 {
		return nil, errors.New(errors.ErrValidation, "index has no fields")
	}

	t, err := e.Catalog.Get(stmt.TableIDs)
	if err != nil {
		return nil, err
	}

	if stmt.Primary && t.HasPrimary {
		return nil, errors.Newf(errors.ErrValidation,
			"table %q already has a primary key", t.Name)
	}

	// Combined key-field count: the declared fields plus the primary-key
	// fields every secondary record carries.
	nKey := len(stmt.Fields)
	if !stmt.Primary {
		if pk := t.PrimaryIndex(); pk != nil {
			nKey += pk.NumKeyFields
		} else {
			nKey++ // synthetic row identifier
		}
	}
	if nKey > catalog.MaxIndexKeys {
		return nil, errors.Newf(errors.ErrValidation,
			"cannot use more than %d fields in an index, %d asked", catalog.MaxIndexKeys, nKey)
	}

	var nameParts []string
	for _, f := range stmt.Fields {
		if f.Expr != "" {
			if stmt.Primary {
				return nil, errors.New(errors.ErrValidation,
					"expressions are not supported in a primary key")
			}
			if _, err := catalog.CompileExpr(f.Expr); err != nil {
				return nil, err
			}
			nameParts = append(nameParts, "expr")
			continue
		}
		n := t.FieldNum(f.Name)
		if n == len(t.Fields) {
			return nil, errors.Newf(errors.ErrValidation,
				"column %q does not exist", f.Name)
		}
		fld := t.Fields[n]
		if stmt.Primary && !fld.NotNull {
			return nil, errors.Newf(errors.ErrValidation,
				"primary key field %q must be NOT NULL", f.Name)
		}
		if fld.Collation != "" && !fld.Type.Collatable() {
			return nil, errors.Newf(errors.ErrValidation,
				"field %q of type %s does not support collation %q", f.Name, fld.Type, fld.Collation)
		}
		nameParts = append(nameParts, f.Name)
	}
	if stmt.Predicate != "" {
		if stmt.Primary {
			return nil, errors.New(errors.ErrValidation,
				"a primary key cannot be partial")
		}
		if _, err := catalog.CompileExpr(stmt.Predicate); err != nil {
			return nil, err
		}
	}

	name := stmt.Name
	if name == "" {
		if stmt.Primary {
			name = t.Name + "_pkey"
		} else {
			name = t.Name + "_" + strings.Join(nameParts, "_") + "_idx"
		}
	}
	if FindIndexByName(t, name) >= 0 {
		return nil, errors.Newf(errors.ErrValidation,
			"index %q already exists on table %q", name, t.Name)
	}

	kind := catalog.IndexRegular
	switch {
	case stmt.Primary:
		kind = catalog.IndexPrimary
	case stmt.Unique:
		kind = catalog.IndexUnique
	}
	compression := stmt.Compression
	if compression == "" {
		compression = t.DefaultCompression
	}

	ictx := &DefineIndexContext{
		Table:     t,
		SkipBuild: stmt.SkipBuild,
		Index: catalog.TableIndex{
			Name:         name,
			Kind:         kind,
			Fields:       stmt.Fields,
			NumFields:    len(stmt.Fields),
			NumKeyFields: len(stmt.Fields),
			Compression:  compression,
			Predicate:    stmt.Predicate,
			IDs: catalog.RelIDs{
				DB:      t.IDs.DB,
				Rel:     stmt.IndexRel,
				Storage: catalog.NewStorageID(),
			},
		},
	}
	if stmt.OldStorage != (catalog.StorageID{}) {
		ictx.Index.IDs.Storage = stmt.OldStorage
		// Reusable only when the old node's tree file is committed.
		if _, err := btree.ReadFileHeader(e.TreeDir, ictx.Index.IDs); err == nil {
			ictx.Reuse = true
		}
	}
	return ictx, nil
}

// DefineIndex validates the statement and creates the index: a primary key
// rewrites the whole table, a secondary index is bulk-built from existing
// data (or adopted wholesale when reusing a live node).
func (e *Engine) DefineIndex(ctx context.Context, stmt IndexStatement) error {
	ictx, err := e.DefineIndexValidate(stmt)
	if err != nil {
		return err
	}
	return e.defineIndex(ctx, ictx, DDLContext{})
}

func (e *Engine) defineIndex(ctx context.Context, ictx *DefineIndexContext, ddl DDLContext) error {
	old := ictx.Table

	if ictx.Index.Kind == catalog.IndexPrimary {
		newTbl := old.Clone()
		newTbl.Indexes = append([]catalog.TableIndex{ictx.Index}, newTbl.Indexes...)
		newTbl.HasPrimary = true
		newTbl.PrimaryInitFields = len(newTbl.Fields)
		return e.recreateTable(old, newTbl)
	}

	newTbl := old.Clone()
	newTbl.Indexes = append(newTbl.Indexes, ictx.Index)
	ixNum := len(newTbl.Indexes) - 1
	descr, err := catalog.FillTmpDescr(newTbl)
	if err != nil {
		return err
	}

	hasData, err := e.Data.DataExists(old.DataStorage().Storage)
	if err != nil {
		return err
	}
	isBuild := hasData && !ictx.Reuse && !ictx.SkipBuild

	if isBuild {
		// BuildSecondaryIndex returns holding the commit lock shared; the
		// catalog update below happens under it.
		if _, err := e.env.BuildSecondaryIndex(ctx, newTbl, descr, ixNum); err != nil {
			e.Catalog.Abort()
			return err
		}
		defer e.commitLock.RUnlock()
	}

	oxid, csn := e.Txn.Current()
	if err := e.Catalog.Update(newTbl, oxid, csn); err != nil {
		return err
	}
	if !ddl.InRebuild {
		if err := e.Catalog.RecordCreateNodes(newTbl.IDs,
			[]catalog.RelIDs{ictx.Index.IDs}, oxid, csn); err != nil {
			return err
		}
	}
	_, err = e.Catalog.RecreateDescr(newTbl.IDs)
	return err
}

// DropIndex removes the named index. Dropping the primary key rewrites the
// table onto synthetic row identifiers; dropping a secondary index is a
// metadata change, its tree reclaimed later through the undo log.
func (e *Engine) DropIndex(ctx context.Context, tableIDs catalog.RelIDs, name string) error {
	t, err := e.Catalog.Get(tableIDs)
	if err != nil {
		return err
	}
	ix := FindIndexByName(t, name)
	if ix < 0 {
		return errors.Newf(errors.ErrIndexNotFound,
			"index %q does not exist on table %q", name, t.Name)
	}

	if t.Indexes[ix].Kind == catalog.IndexPrimary {
		newTbl := t.Clone()
		newTbl.Indexes = append([]catalog.TableIndex{}, newTbl.Indexes[1:]...)
		newTbl.HasPrimary = false
		newTbl.PrimaryInitFields = len(newTbl.Fields) + 1
		return e.recreateTable(t, newTbl)
	}

	dropped := t.Indexes[ix]
	newTbl := t.Clone()
	newTbl.Indexes = append(newTbl.Indexes[:ix], newTbl.Indexes[ix+1:]...)

	oxid, csn := e.Txn.Current()
	e.commitLock.RLock()
	defer e.commitLock.RUnlock()
	if err := e.Catalog.Update(newTbl, oxid, csn); err != nil {
		return err
	}
	if err := e.Catalog.RecordDropNodes(newTbl.IDs,
		[]catalog.RelIDs{dropped.IDs}, oxid, csn); err != nil {
		return err
	}
	_, err = e.Catalog.RecreateDescr(newTbl.IDs)
	return err
}

// Reindex rebuilds the named index from table data under a fresh storage
// identity. Reindexing the primary key rewrites the whole table.
func (e *Engine) Reindex(ctx context.Context, tableIDs catalog.RelIDs, name string) error {
	t, err := e.Catalog.Get(tableIDs)
	if err != nil {
		return err
	}
	ix := FindIndexByName(t, name)
	if ix < 0 {
		return errors.Newf(errors.ErrIndexNotFound,
			"index %q does not exist on table %q", name, t.Name)
	}
	if t.Indexes[ix].Kind == catalog.IndexPrimary {
		return e.RebuildTable(ctx, tableIDs)
	}

	oldNode := t.Indexes[ix].IDs
	newTbl := t.Clone()
	newTbl.Indexes[ix].IDs.Storage = catalog.NewStorageID()
	descr, err := catalog.FillTmpDescr(newTbl)
	if err != nil {
		return err
	}

	// The stale descriptor must not be served while the index is rebuilt,
	// and the fresh one must go if the operation unwinds.
	e.Catalog.InvalidateDescr(newTbl.IDs)
	e.Catalog.InvalidateOnAbort(newTbl.IDs)

	if _, err := e.env.BuildSecondaryIndex(ctx, newTbl, descr, ix); err != nil {
		e.Catalog.Abort()
		return err
	}
	defer e.commitLock.RUnlock()

	oxid, csn := e.Txn.Current()
	if err := e.Catalog.Update(newTbl, oxid, csn); err != nil {
		return err
	}
	if err := e.Catalog.RecordTruncateNodes(
		t.IDs, []catalog.RelIDs{oldNode},
		newTbl.IDs, []catalog.RelIDs{newTbl.Indexes[ix].IDs},
		oxid, csn); err != nil {
		return err
	}
	_, err = e.Catalog.RecreateDescr(newTbl.IDs)
	return err
}

// RebuildTable rewrites the table and every one of its trees under fresh
// storage identities, keeping the definitions unchanged.
func (e *Engine) RebuildTable(ctx context.Context, tableIDs catalog.RelIDs) error {
	t, err := e.Catalog.Get(tableIDs)
	if err != nil {
		return err
	}
	return e.recreateTable(t, t.Clone())
}

// recreateTable is the whole-table rewrite path shared by primary-key
// changes and full rebuilds: assign fresh storage identities, rebuild every
// tree serially from the old data, then swap the catalog row and log the
// truncation, all committed under the catalog lock.
func (e *Engine) recreateTable(old, newTbl *catalog.Table) error {
	assignNewStorageIDs(newTbl)
	descr, err := catalog.FillTmpDescr(newTbl)
	if err != nil {
		return err
	}

	e.Catalog.InvalidateDescr(newTbl.IDs)
	e.Catalog.InvalidateOnAbort(newTbl.IDs)

	// An empty table has nothing to rewrite; the catalog swap alone
	// suffices and no tree files are produced.
	hasData, err := e.Data.DataExists(old.DataStorage().Storage)
	if err != nil {
		return err
	}
	if hasData {
		if _, err := e.env.RebuildIndexes(old, newTbl, descr); err != nil {
			e.Catalog.Abort()
			return err
		}
	} else {
		e.commitLock.RLock()
	}
	defer e.commitLock.RUnlock()

	oxid, csn := e.Txn.Current()
	if err := e.Catalog.Update(newTbl, oxid, csn); err != nil {
		return err
	}
	if err := e.Catalog.RecordTruncateNodes(
		old.IDs, old.IndexIDs(), newTbl.IDs, newTbl.IndexIDs(), oxid, csn); err != nil {
		return err
	}
	_, err = e.Catalog.RecreateDescr(newTbl.IDs)
	return err
}

// assignNewStorageIDs gives the table and every one of its trees fresh
// storage identities. Relation ids are unchanged; only the physical nodes
// churn.
func assignNewStorageIDs(t *catalog.Table) {
	t.IDs.Storage = catalog.NewStorageID()
	for i := range t.Indexes {
		t.Indexes[i].IDs.Storage = catalog.NewStorageID()
	}
	t.ToastStorage = catalog.NewStorageID()
}
