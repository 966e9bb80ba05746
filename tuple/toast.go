// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package tuple

import (
	"github.com/burrowdb/burrow/extsort"
)

const (
	// ToastThreshold is the inline size limit; string and bytes values over
	// it move to the toast tree during a rebuild.
	ToastThreshold = 512

	// ToastChunkSize is the payload size of one toast tree record.
	ToastChunkSize = 256
)

// ToastRow re-toasts the row for storage under a new layout: every string
// or bytes value larger than ToastThreshold is replaced by a ToastRef and
// chunked into toast-tree records keyed by (row key, field number, chunk
// number). The returned row is the storable image; the input row is not
// modified.
func ToastRow(row Row, rowKey []byte) (Row, []extsort.Record, error) {
	var chunks []extsort.Record
	stored := row
	copied := false
	for i, v := range row {
		var payload []byte
		switch x := v.(type) {
		case string:
			if len(x) <= ToastThreshold {
				continue
			}
			payload = []byte(x)
		case []byte:
			if len(x) <= ToastThreshold {
				continue
			}
			payload = x
		default:
			continue
		}
		if !copied {
			stored = append(Row(nil), row...)
			copied = true
		}
		stored[i] = ToastRef{FieldNum: i, Size: len(payload)}
		for chunk := 0; len(payload) > 0; chunk++ {
			n := ToastChunkSize
			if n > len(payload) {
				n = len(payload)
			}
			key := append([]byte(nil), rowKey...)
			key, _ = AppendKeyValue(key, int64(i))
			key, _ = AppendKeyValue(key, int64(chunk))
			chunks = append(chunks, extsort.Record{
				Key:   key,
				Value: append([]byte(nil), payload[:n]...),
			})
			payload = payload[n:]
		}
	}
	return stored, chunks, nil
}
