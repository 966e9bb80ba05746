// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/extsort"
	"github.com/cespare/xxhash/v2"
)

// ReadFileHeader reads and validates the committed header of a tree file.
// An uncommitted file (header page still zeroed) is reported as ErrIO.
func ReadFileHeader(dir string, ids catalog.RelIDs) (FileHeader, error) {
	path := TreePath(dir, ids)
	f, err := os.Open(path)
	if err != nil {
		return FileHeader{}, errors.Wrapf(err, "opening tree file %s", path)
	}
	defer f.Close()
	return readHeader(f, ids)
}

func readHeader(f *os.File, ids catalog.RelIDs) (FileHeader, error) {
	buf := make([]byte, PageSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return FileHeader{}, errors.Wrap(err, "reading header page")
	}
	hdr := FileHeader{
		Magic:    binary.BigEndian.Uint32(buf[0:]),
		RootPage: binary.BigEndian.Uint64(buf[20:]),
	}
	copy(hdr.Storage[:], buf[4:20])
	hdr.PageCount = binary.BigEndian.Uint64(buf[28:])
	hdr.Rows = binary.BigEndian.Uint64(buf[36:])
	hdr.StartID = binary.BigEndian.Uint64(buf[44:])
	hdr.Checksum = binary.BigEndian.Uint64(buf[52:])
	if hdr.Magic != Magic {
		return FileHeader{}, errors.Newf(errors.ErrIO,
			"tree file for %s is not committed (bad magic 0x%08x)", ids, hdr.Magic)
	}
	return hdr, nil
}

// ReadTree returns the committed tree's records in key order, verifying the
// page checksum against the header. Intended for verification and tests;
// point lookups go through the tree's directory instead.
func ReadTree(dir string, ids catalog.RelIDs) (FileHeader, []extsort.Record, error) {
	path := TreePath(dir, ids)
	f, err := os.Open(path)
	if err != nil {
		return FileHeader{}, nil, errors.Wrapf(err, "opening tree file %s", path)
	}
	defer f.Close()

	hdr, err := readHeader(f, ids)
	if err != nil {
		return FileHeader{}, nil, err
	}

	digest := xxhash.New()
	var recs []extsort.Record
	buf := make([]byte, PageSize)
	for pageNo := uint64(1); pageNo < hdr.PageCount; pageNo++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			return hdr, nil, errors.Wrapf(err, "reading page %d", pageNo)
		}
		_, _ = digest.Write(buf)
		if hdr.RootPage != 0 && pageNo >= hdr.RootPage {
			continue // directory layer
		}
		count := int(binary.BigEndian.Uint16(buf[0:]))
		off := pageHeaderSize
		for i := 0; i < count; i++ {
			klen := int(binary.BigEndian.Uint16(buf[off:]))
			vlen := int(binary.BigEndian.Uint16(buf[off+2:]))
			off += recHeaderSize
			rec := extsort.Record{
				Key:   append([]byte(nil), buf[off:off+klen]...),
				Value: append([]byte(nil), buf[off+klen:off+klen+vlen]...),
			}
			off += klen + vlen
			recs = append(recs, rec)
		}
	}
	if sum := digest.Sum64(); sum != hdr.Checksum {
		return hdr, nil, errors.Newf(errors.ErrIO,
			"tree file for %s fails checksum: have %016x, header says %016x", ids, sum, hdr.Checksum)
	}
	return hdr, recs, nil
}
