// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package tuple converts primary-table rows into the key/value records that
// index builds feed to the sort pipeline: order-preserving key encoding, a
// compact row codec, partial-index predicate evaluation, and out-of-line
// (toast) value handling.
package tuple

import (
	"context"

	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
)

// Value is one field value: int64, float64, string, []byte, bool, ToastRef
// or nil.
type Value interface{}

// Row is one table row, field values in table field order.
type Row []Value

// ToastRef replaces an oversized value stored out of line in the toast
// tree. Size is the byte length of the full value.
type ToastRef struct {
	FieldNum int
	Size     int
}

// Env renders the row as an evaluation environment for predicate and
// expression evaluation, keyed by field name.
func (r Row) Env(fields []catalog.Field) map[string]interface{} {
	env := make(map[string]interface{}, len(fields))
	for i, f := range fields {
		if i >= len(r) {
			break
		}
		switch v := r[i].(type) {
		case int64:
			// gval arithmetic works in float64.
			env[f.Name] = float64(v)
		case []byte:
			env[f.Name] = string(v)
		case ToastRef:
			env[f.Name] = nil
		default:
			env[f.Name] = v
		}
	}
	return env
}

// evalExpr evaluates a compiled key-part expression against the row.
func evalExpr(kp catalog.KeyPart, row Row, fields []catalog.Field) (Value, error) {
	v, err := kp.Expr(context.Background(), row.Env(fields))
	if err != nil {
		return nil, errors.Wrapf(err, "evaluating index expression %q", kp.Src)
	}
	return v, nil
}
