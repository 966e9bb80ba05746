// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package catalog

import "sync/atomic"

// Oxid is a transaction identifier.
type Oxid uint64

// CSN is a commit sequence number, the monotonically increasing visibility
// marker assigned to a transaction's changes.
type CSN uint64

// TxnManager hands out transaction ids and commit sequence numbers. The real
// transaction/snapshot machinery lives outside this subsystem; the catalog
// only needs markers that are unique and monotonic within a process.
type TxnManager struct {
	oxid uint64
	csn  uint64
}

// NewTxnManager returns a manager whose counters start above the given
// values.
func NewTxnManager(oxid Oxid, csn CSN) *TxnManager {
	return &TxnManager{oxid: uint64(oxid), csn: uint64(csn)}
}

// Current assigns and returns the transaction id and commit sequence number
// for the current operation.
func (m *TxnManager) Current() (Oxid, CSN) {
	return Oxid(atomic.AddUint64(&m.oxid, 1)), CSN(atomic.AddUint64(&m.csn, 1))
}
