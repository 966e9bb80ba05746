// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"encoding/binary"
	"encoding/json"

	"github.com/burrowdb/burrow/errors"
	bolt "go.etcd.io/bbolt"
)

// UndoKind distinguishes the structural changes the undo log can roll back.
type UndoKind string

const (
	UndoCreateNodes   UndoKind = "create-nodes"
	UndoDropNodes     UndoKind = "drop-nodes"
	UndoTruncateNodes UndoKind = "truncate-nodes"
)

// UndoRecord is one log entry enabling rollback of a structural catalog or
// storage change on abort.
type UndoRecord struct {
	Kind     UndoKind `json:"kind"`
	TableIDs RelIDs   `json:"tableIDs"`
	OldNodes []RelIDs `json:"oldNodes,omitempty"`
	NewNodes []RelIDs `json:"newNodes,omitempty"`
	Oxid     Oxid     `json:"oxid"`
	CSN      CSN      `json:"csn"`
}

// RecordUndo appends an entry to the undo log.
func (s *Store) RecordUndo(rec UndoRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUndo)
		seq, err := b.NextSequence()
		if err != nil {
			return errors.Wrap(err, "undo sequence")
		}
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, seq)
		v, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "encoding undo record")
		}
		return errors.Wrap(b.Put(k, v), "writing undo record")
	})
}

// RecordCreateNodes logs the creation of new storage nodes so they can be
// removed on abort.
func (s *Store) RecordCreateNodes(tableIDs RelIDs, nodes []RelIDs, oxid Oxid, csn CSN) error {
	return s.RecordUndo(UndoRecord{
		Kind:     UndoCreateNodes,
		TableIDs: tableIDs,
		NewNodes: nodes,
		Oxid:     oxid,
		CSN:      csn,
	})
}

// RecordDropNodes logs dropped storage nodes so they can be resurrected on
// abort.
func (s *Store) RecordDropNodes(tableIDs RelIDs, nodes []RelIDs, oxid Oxid, csn CSN) error {
	return s.RecordUndo(UndoRecord{
		Kind:     UndoDropNodes,
		TableIDs: tableIDs,
		OldNodes: nodes,
		Oxid:     oxid,
		CSN:      csn,
	})
}

// RecordTruncateNodes logs a full rewrite: the old node set to restore on
// abort and the new node set to discard.
func (s *Store) RecordTruncateNodes(oldIDs RelIDs, oldNodes []RelIDs, newIDs RelIDs, newNodes []RelIDs, oxid Oxid, csn CSN) error {
	return s.RecordUndo(UndoRecord{
		Kind:     UndoTruncateNodes,
		TableIDs: newIDs,
		OldNodes: append([]RelIDs{oldIDs}, oldNodes...),
		NewNodes: append([]RelIDs{newIDs}, newNodes...),
		Oxid:     oxid,
		CSN:      csn,
	})
}

// UndoRecords returns the undo log in append order.
func (s *Store) UndoRecords() ([]UndoRecord, error) {
	var recs []UndoRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUndo).ForEach(func(k, v []byte) error {
			var rec UndoRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrap(err, "decoding undo record")
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}
