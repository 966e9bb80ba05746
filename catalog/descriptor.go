// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"math"
	"strings"

	"github.com/PaesslerAG/gval"
	"github.com/burrowdb/burrow/errors"
)

// IndexToast marks the descriptor for the out-of-line value store. It never
// appears in Table.Indexes.
const IndexToast IndexKind = "toast"

// exprLang is the expression language available to index expressions and
// partial-index predicates. Anything outside it is rejected at validation.
var exprLang = gval.NewLanguage(
	gval.Full(),
	gval.Function("lower", strings.ToLower),
	gval.Function("upper", strings.ToUpper),
	gval.Function("abs", math.Abs),
	gval.Function("length", func(s string) float64 { return float64(len(s)) }),
)

// CompileExpr compiles an index expression or predicate.
func CompileExpr(src string) (gval.Evaluable, error) {
	ev, err := exprLang.NewEvaluable(src)
	if err != nil {
		return nil, errors.Newf(errors.ErrValidation, "unsupported expression %q: %v", src, err)
	}
	return ev, nil
}

// KeyPart is one component of an index key: either a direct field reference
// (FieldNum >= 0) or a compiled expression.
type KeyPart struct {
	FieldNum int // -1 when Expr is set
	Type     FieldType
	Expr     gval.Evaluable
	Src      string
}

// IndexDescr is the runtime descriptor for one physical tree. Unlike
// TableIndex it carries compiled expressions and resolved field positions,
// and it exists for the synthetic row-id primary and the toast store too.
type IndexDescr struct {
	Name         string
	Kind         IndexKind
	IDs          RelIDs
	TableIDs     RelIDs
	KeyParts     []KeyPart
	NumFields    int
	NumKeyFields int
	Unique       bool
	Compression  string

	// Predicate is nil for a total index.
	Predicate    gval.Evaluable
	PredicateSrc string

	// PrimaryIsRowID is set on the slot-0 descriptor when the table has no
	// declared primary key; rows are keyed by a synthetic row identifier.
	PrimaryIsRowID bool

	// MaxRecordSize bounds serialized record size for this tree.
	MaxRecordSize int
}

// TableDescr is the runtime descriptor for a whole table. Indexes[0] is
// always the primary tree (synthetic row-id primary when the table has no
// declared primary key), followed by the secondary indexes in table order.
type TableDescr struct {
	Table   *Table
	Indexes []*IndexDescr
	Toast   *IndexDescr
}

// NumIndices returns the number of tree descriptors, toast excluded.
func (d *TableDescr) NumIndices() int {
	return len(d.Indexes)
}

// SlotFor maps a table index number to its descriptor slot. Table index
// numbers skip the synthetic primary, descriptor slots do not.
func (d *TableDescr) SlotFor(ixNum int) int {
	if d.Table.HasPrimary {
		return ixNum
	}
	return ixNum + 1
}

// Primary returns the slot-0 descriptor.
func (d *TableDescr) Primary() *IndexDescr {
	return d.Indexes[0]
}

// DataStorage returns the storage node holding the table's row data: the
// primary index tree when one exists, the table's own node otherwise.
func (t *Table) DataStorage() RelIDs {
	if t.HasPrimary && len(t.Indexes) > 0 {
		return t.Indexes[0].IDs
	}
	return t.IDs
}

// FillTmpDescr builds a transient runtime descriptor for the given table
// definition, compiling predicates and key expressions. The descriptor is
// not cached; builds use it for the lifetime of one operation.
func FillTmpDescr(t *Table) (*TableDescr, error) {
	d := &TableDescr{Table: t}

	if !t.HasPrimary {
		d.Indexes = append(d.Indexes, syntheticPrimaryDescr(t))
	}
	for i := range t.Indexes {
		id, err := indexDescr(t, &t.Indexes[i])
		if err != nil {
			return nil, errors.Wrapf(err, "building descriptor for index %q", t.Indexes[i].Name)
		}
		d.Indexes = append(d.Indexes, id)
	}
	d.Toast = toastDescr(t)
	return d, nil
}

func indexDescr(t *Table, ti *TableIndex) (*IndexDescr, error) {
	id := &IndexDescr{
		Name:          ti.Name,
		Kind:          ti.Kind,
		IDs:           ti.IDs,
		TableIDs:      t.IDs,
		NumFields:     ti.NumFields,
		NumKeyFields:  ti.NumKeyFields,
		Unique:        ti.Kind == IndexPrimary || ti.Kind == IndexUnique,
		Compression:   ti.Compression,
		PredicateSrc:  ti.Predicate,
		MaxRecordSize: DefaultMaxRecordSize,
	}
	if ti.Predicate != "" {
		ev, err := CompileExpr(ti.Predicate)
		if err != nil {
			return nil, err
		}
		id.Predicate = ev
	}
	for _, f := range ti.Fields {
		kp, err := keyPart(t, f)
		if err != nil {
			return nil, err
		}
		id.KeyParts = append(id.KeyParts, kp)
	}
	return id, nil
}

func keyPart(t *Table, f IndexField) (KeyPart, error) {
	if f.Expr != "" {
		ev, err := CompileExpr(f.Expr)
		if err != nil {
			return KeyPart{}, err
		}
		return KeyPart{FieldNum: -1, Expr: ev, Src: f.Expr}, nil
	}
	n := t.FieldNum(f.Name)
	if n == len(t.Fields) {
		return KeyPart{}, errors.Newf(errors.ErrValidation,
			"indexed field %q is not found in table %s", f.Name, t.IDs)
	}
	return KeyPart{FieldNum: n, Type: t.Fields[n].Type}, nil
}

// syntheticPrimaryDescr describes the row-id keyed primary tree of a table
// with no declared primary key.
func syntheticPrimaryDescr(t *Table) *IndexDescr {
	return &IndexDescr{
		Name:           "rowid",
		Kind:           IndexPrimary,
		IDs:            t.IDs,
		TableIDs:       t.IDs,
		NumKeyFields:   1,
		Unique:         true,
		PrimaryIsRowID: true,
		Compression:    t.PrimaryCompression,
		MaxRecordSize:  DefaultMaxRecordSize,
	}
}

func toastDescr(t *Table) *IndexDescr {
	return &IndexDescr{
		Name:          "toast",
		Kind:          IndexToast,
		IDs:           RelIDs{DB: t.IDs.DB, Rel: t.IDs.Rel, Storage: t.ToastStorage},
		TableIDs:      t.IDs,
		NumKeyFields:  3, // row key, field number, chunk number
		Unique:        true,
		MaxRecordSize: DefaultMaxRecordSize,
	}
}
