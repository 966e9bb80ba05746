// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package btree writes the on-disk tree files produced by index builds. A
// build streams sorted records into WriteIndexData, which lays out leaf
// pages followed by a directory layer and returns the file header; the
// header itself is only written by WriteFileHeader, so a tree file is not
// readable as committed until the caller's metadata commit step runs.
package btree

import (
	"bufio"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/extsort"
	"github.com/cespare/xxhash/v2"
)

const (
	// PageSize is the fixed on-disk page size.
	PageSize = 8192

	// Magic marks a committed tree file header.
	Magic = uint32(0xB7EE0001)

	pageHeaderSize = 4 // uint16 record count, uint16 free offset
	recHeaderSize  = 4 // uint16 key len, uint16 value len
)

// FileHeader describes one written tree file. It is returned by
// WriteIndexData and persisted by WriteFileHeader during metadata commit.
type FileHeader struct {
	Magic     uint32
	Storage   catalog.StorageID
	RootPage  uint64
	PageCount uint64
	Rows      uint64
	StartID   uint64
	Checksum  uint64
}

// TreePath returns the file backing the given storage node.
func TreePath(dir string, ids catalog.RelIDs) string {
	return filepath.Join(dir, ids.Storage.String()+".tree")
}

// WriteIndexData writes the sorted stream into the tree file for idx under
// dir. startID carries the synthetic row-identifier high-water mark for a
// primary rebuild (zero otherwise). Page 0 is left zeroed; the returned
// header must be persisted with WriteFileHeader to commit the file.
func WriteIndexData(dir string, idx *catalog.IndexDescr, stream *extsort.Stream, startID uint64) (FileHeader, error) {
	hdr := FileHeader{
		Magic:   Magic,
		Storage: idx.IDs.Storage,
		StartID: startID,
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return hdr, errors.Wrapf(err, "mkdir %s", dir)
	}
	path := TreePath(dir, idx.IDs)
	f, err := os.Create(path)
	if err != nil {
		return hdr, errors.Wrapf(err, "creating tree file %s", path)
	}
	defer f.Close()

	w := &pageWriter{
		bw:     bufio.NewWriter(f),
		digest: xxhash.New(),
	}
	// Reserve the header page.
	if err := w.writeRaw(make([]byte, PageSize), false); err != nil {
		return hdr, err
	}

	// Directory entries: first key of each leaf page.
	type dirEntry struct {
		firstKey []byte
		pageNo   uint64
	}
	var dir1 []dirEntry

	page := newPage()
	var firstKey []byte
	for {
		rec, ok, err := stream.Next()
		if err != nil {
			return hdr, errors.Wrap(err, "reading sorted stream")
		}
		if !ok {
			break
		}
		if !page.fits(rec) {
			if page.count == 0 {
				return hdr, errors.Newf(errors.ErrRecordTooLarge,
					"index %q: record of %d bytes does not fit a page", idx.Name, rec.Size())
			}
			dir1 = append(dir1, dirEntry{firstKey: firstKey, pageNo: w.pageNo})
			if err := w.writeRaw(page.flush(), true); err != nil {
				return hdr, err
			}
			firstKey = nil
		}
		if page.count == 0 {
			firstKey = append([]byte(nil), rec.Key...)
		}
		page.add(rec)
		hdr.Rows++
	}
	if page.count > 0 {
		dir1 = append(dir1, dirEntry{firstKey: firstKey, pageNo: w.pageNo})
		if err := w.writeRaw(page.flush(), true); err != nil {
			return hdr, err
		}
	}

	// Directory layer: one run of pages mapping first key to leaf page
	// number. The root is the first directory page; an empty tree roots at
	// the header page.
	hdr.RootPage = 0
	if len(dir1) > 0 {
		hdr.RootPage = w.pageNo
		page = newPage()
		for _, de := range dir1 {
			var pn [8]byte
			binary.BigEndian.PutUint64(pn[:], de.pageNo)
			rec := extsort.Record{Key: de.firstKey, Value: pn[:]}
			if !page.fits(rec) {
				if err := w.writeRaw(page.flush(), true); err != nil {
					return hdr, err
				}
			}
			page.add(rec)
		}
		if err := w.writeRaw(page.flush(), true); err != nil {
			return hdr, err
		}
	}

	if err := w.bw.Flush(); err != nil {
		return hdr, errors.Wrap(err, "flushing tree file")
	}
	if err := f.Sync(); err != nil {
		return hdr, errors.Wrap(err, "syncing tree file")
	}
	hdr.PageCount = w.pageNo
	hdr.Checksum = w.digest.Sum64()
	return hdr, nil
}

// WriteFileHeader persists the header into page 0, committing the tree
// file. Callers hold the catalog commit lock across this and the catalog
// update so the two are never observed out of step.
func WriteFileHeader(dir string, idx *catalog.IndexDescr, hdr FileHeader) error {
	path := TreePath(dir, idx.IDs)
	f, err := os.OpenFile(path, os.O_WRONLY, 0o666)
	if err != nil {
		return errors.Wrapf(err, "opening tree file %s", path)
	}
	defer f.Close()

	buf := make([]byte, PageSize)
	binary.BigEndian.PutUint32(buf[0:], hdr.Magic)
	copy(buf[4:20], hdr.Storage[:])
	binary.BigEndian.PutUint64(buf[20:], hdr.RootPage)
	binary.BigEndian.PutUint64(buf[28:], hdr.PageCount)
	binary.BigEndian.PutUint64(buf[36:], hdr.Rows)
	binary.BigEndian.PutUint64(buf[44:], hdr.StartID)
	binary.BigEndian.PutUint64(buf[52:], hdr.Checksum)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "writing file header")
	}
	return errors.Wrap(f.Sync(), "syncing file header")
}

// pageWriter appends fixed-size pages, folding every data page into the
// running checksum.
type pageWriter struct {
	bw     *bufio.Writer
	digest *xxhash.Digest
	pageNo uint64
}

func (w *pageWriter) writeRaw(page []byte, sum bool) error {
	if sum {
		_, _ = w.digest.Write(page)
	}
	if _, err := w.bw.Write(page); err != nil {
		return errors.Wrap(err, "writing page")
	}
	w.pageNo++
	return nil
}

// page packs records into one fixed-size page:
// [count u16][free u16] followed by [klen u16][vlen u16][key][value]...
type page struct {
	buf   []byte
	count int
	used  int
}

func newPage() *page {
	return &page{buf: make([]byte, PageSize), used: pageHeaderSize}
}

func (p *page) fits(rec extsort.Record) bool {
	return p.used+recHeaderSize+rec.Size() <= PageSize
}

func (p *page) add(rec extsort.Record) {
	binary.BigEndian.PutUint16(p.buf[p.used:], uint16(len(rec.Key)))
	binary.BigEndian.PutUint16(p.buf[p.used+2:], uint16(len(rec.Value)))
	p.used += recHeaderSize
	copy(p.buf[p.used:], rec.Key)
	p.used += len(rec.Key)
	copy(p.buf[p.used:], rec.Value)
	p.used += len(rec.Value)
	p.count++
}

func (p *page) flush() []byte {
	binary.BigEndian.PutUint16(p.buf[0:], uint16(p.count))
	binary.BigEndian.PutUint16(p.buf[2:], uint16(p.used))
	out := p.buf
	p.buf = make([]byte, PageSize)
	p.count = 0
	p.used = pageHeaderSize
	return out
}
