// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package catalog holds the table and index metadata for the storage layer:
// identity triples, table and index definitions, the versioned catalog store,
// and the undo log used to roll back structural changes.
package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/burrowdb/burrow/errors"
	"github.com/google/uuid"
)

// MaxIndexKeys is the hard limit on the total number of key fields in one
// index, counting the primary-key fields appended to secondary indexes.
const MaxIndexKeys = 32

// DefaultMaxRecordSize bounds the serialized size of a single tree record.
// A transformed record over this limit fails the whole build.
const DefaultMaxRecordSize = 2048

// StorageID identifies one physical on-disk tree. It changes every time the
// tree is rewritten; the logical identity (RelIDs.DB, RelIDs.Table) does not.
type StorageID = uuid.UUID

// NewStorageID returns a fresh storage identity.
func NewStorageID() StorageID {
	return uuid.New()
}

// RelIDs is the identity triple for a relation: database, relation id, and
// the storage node currently backing it.
type RelIDs struct {
	DB      uint32    `json:"db"`
	Rel     uint32    `json:"rel"`
	Storage StorageID `json:"storage"`
}

func (ids RelIDs) String() string {
	return fmt.Sprintf("%d/%d/%s", ids.DB, ids.Rel, ids.Storage)
}

// Valid reports whether the identity refers to a real relation.
func (ids RelIDs) Valid() bool {
	return ids.Rel != 0
}

// IndexKind describes how an index constrains and orders table rows.
type IndexKind string

const (
	IndexInvalid IndexKind = ""
	IndexPrimary IndexKind = "primary"
	IndexUnique  IndexKind = "unique"
	IndexRegular IndexKind = "regular"
)

// FieldType is the storage type of one table field.
type FieldType string

const (
	FieldTypeInt    FieldType = "int"
	FieldTypeFloat  FieldType = "float"
	FieldTypeString FieldType = "string"
	FieldTypeBytes  FieldType = "bytes"
	FieldTypeBool   FieldType = "bool"
)

// Collatable reports whether values of the type are ordered by a collation.
func (ft FieldType) Collatable() bool {
	return ft == FieldTypeString
}

// Field is one column of a table.
type Field struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	NotNull   bool      `json:"notNull"`
	Collation string    `json:"collation,omitempty"`
}

// IndexField is one indexed field: either a bare column reference or an
// expression over columns. Exactly one of Name and Expr is set.
type IndexField struct {
	Name string `json:"name,omitempty"`
	Expr string `json:"expr,omitempty"`
}

// TableIndex is the persisted definition of one index belonging to a table.
// Identity is immutable once assigned but IDs.Storage changes on rewrite.
type TableIndex struct {
	Name         string       `json:"name"`
	Kind         IndexKind    `json:"kind"`
	Fields       []IndexField `json:"fields"`
	NumFields    int          `json:"numFields"`
	NumKeyFields int          `json:"numKeyFields"`
	Compression  string       `json:"compression,omitempty"`
	Predicate    string       `json:"predicate,omitempty"`
	IDs          RelIDs       `json:"ids"`
}

// Table is the persisted definition of one table: ordered fields, ordered
// indexes (primary first when present), and identity. It is owned by the
// index lifecycle manager for the duration of a DDL operation and persisted
// to the catalog store on commit.
type Table struct {
	IDs                RelIDs       `json:"ids"`
	Name               string       `json:"name"`
	Fields             []Field      `json:"fields"`
	Indexes            []TableIndex `json:"indexes"`
	HasPrimary         bool         `json:"hasPrimary"`
	PrimaryInitFields  int          `json:"primaryInitFields"`
	ToastStorage       StorageID    `json:"toastStorage"`
	DefaultCompression string       `json:"defaultCompression,omitempty"`
	PrimaryCompression string       `json:"primaryCompression,omitempty"`
}

// FieldNum returns the position of the named field, or len(t.Fields) when
// the field does not exist.
func (t *Table) FieldNum(name string) int {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return i
		}
	}
	return len(t.Fields)
}

// PrimaryIndex returns the primary index definition, or nil.
func (t *Table) PrimaryIndex() *TableIndex {
	if !t.HasPrimary || len(t.Indexes) == 0 {
		return nil
	}
	return &t.Indexes[0]
}

// IndexIDs returns the identity of every index tree belonging to the table,
// toast included.
func (t *Table) IndexIDs() []RelIDs {
	ids := make([]RelIDs, 0, len(t.Indexes)+1)
	for i := range t.Indexes {
		ids = append(ids, t.Indexes[i].IDs)
	}
	ids = append(ids, RelIDs{DB: t.IDs.DB, Rel: t.IDs.Rel, Storage: t.ToastStorage})
	return ids
}

// Serialize renders the table definition to the form embedded in shared
// build state and pushed to replay workers.
func (t *Table) Serialize() ([]byte, error) {
	b, err := json.Marshal(t)
	return b, errors.Wrap(err, "serializing table")
}

// DeserializeTable is the inverse of Serialize.
func DeserializeTable(b []byte) (*Table, error) {
	t := &Table{}
	if err := json.Unmarshal(b, t); err != nil {
		return nil, errors.Wrap(err, "deserializing table")
	}
	return t, nil
}

// Clone returns a deep copy of the table definition.
func (t *Table) Clone() *Table {
	b, err := t.Serialize()
	if err != nil {
		panic(err) // a Table always round-trips
	}
	c, err := DeserializeTable(b)
	if err != nil {
		panic(err)
	}
	return c
}
