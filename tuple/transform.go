// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package tuple

import (
	"context"

	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/extsort"
)

// Transformer converts primary-table rows into records for one target
// index: predicate evaluation, key formation in the index's key-field
// order, and record-size enforcement. One transformer serves one index for
// the lifetime of one build and is owned by a single participant.
type Transformer struct {
	descr *catalog.TableDescr
	idx   *catalog.IndexDescr
}

// NewTransformer returns a transformer producing records for idx.
func NewTransformer(descr *catalog.TableDescr, idx *catalog.IndexDescr) *Transformer {
	return &Transformer{descr: descr, idx: idx}
}

// PredicateSatisfied evaluates the index's partial-index predicate against
// the row. A total index accepts every row.
func (tr *Transformer) PredicateSatisfied(row Row) (bool, error) {
	if tr.idx.Predicate == nil {
		return true, nil
	}
	v, err := tr.idx.Predicate(context.Background(), row.Env(tr.descr.Table.Fields))
	if err != nil {
		return false, errors.Wrapf(err, "evaluating predicate %q", tr.idx.PredicateSrc)
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Newf(errors.ErrValidation,
			"predicate %q did not evaluate to a boolean", tr.idx.PredicateSrc)
	}
	return b, nil
}

// keyBytes encodes the index's key parts from the row.
func (tr *Transformer) keyBytes(row Row) ([]byte, error) {
	buf := make([]byte, 0, 32)
	for _, kp := range tr.idx.KeyParts {
		var v Value
		if kp.FieldNum >= 0 {
			if kp.FieldNum >= len(row) {
				return nil, errors.Newf(errors.ErrUncoded,
					"row has %d fields, index %q wants field %d", len(row), tr.idx.Name, kp.FieldNum)
			}
			v = row[kp.FieldNum]
		} else {
			var err error
			v, err = evalExpr(kp, row, tr.descr.Table.Fields)
			if err != nil {
				return nil, err
			}
		}
		var err error
		buf, err = AppendKeyValue(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// RowKey returns the primary-tree key for the row: the declared primary key
// when the table has one, the synthetic row identifier otherwise.
func RowKey(descr *catalog.TableDescr, row Row, rowid uint64) ([]byte, error) {
	primary := descr.Primary()
	if primary.PrimaryIsRowID {
		return AppendRowID(nil, rowid), nil
	}
	return NewTransformer(descr, primary).keyBytes(row)
}

// MakeSecondary forms the secondary-index record for the row. rowKey is the
// primary-tree key locating the row; a non-unique index appends it to the
// record key so that duplicates stay ordered.
func (tr *Transformer) MakeSecondary(row Row, rowKey []byte) (extsort.Record, error) {
	key, err := tr.keyBytes(row)
	if err != nil {
		return extsort.Record{}, err
	}
	if !tr.idx.Unique {
		key = append(key, rowKey...)
	}
	rec := extsort.Record{Key: key, Value: rowKey}
	if err := tr.checkSize(rec); err != nil {
		return extsort.Record{}, err
	}
	return rec, nil
}

// MakeOrphan forms the primary-tree record for the row during a full
// rebuild: the row image keyed by rowKey.
func (tr *Transformer) MakeOrphan(row Row, rowKey []byte) (extsort.Record, error) {
	img, err := EncodeRow(row)
	if err != nil {
		return extsort.Record{}, err
	}
	rec := extsort.Record{Key: rowKey, Value: img}
	if err := tr.checkSize(rec); err != nil {
		return extsort.Record{}, err
	}
	return rec, nil
}

// checkSize enforces the tree's maximum record size. Overflow is fatal to
// the enclosing build, never a skip.
func (tr *Transformer) checkSize(rec extsort.Record) error {
	if max := tr.idx.MaxRecordSize; max > 0 && rec.Size() > max {
		return errors.Newf(errors.ErrRecordTooLarge,
			"index %q: record of %d bytes exceeds maximum %d", tr.idx.Name, rec.Size(), max)
	}
	return nil
}
