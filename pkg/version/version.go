/*
Copyright 2026 The Xapiancore Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package version manages a shard's version file: the authoritative,
// atomically-replaced record of the current revision, naming each
// table's root block and carrying the database-wide statistics
// (spec.md §4.3).
package version

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"xapiancore.dev/pkg/block"
	"xapiancore.dev/pkg/xerrors"
)

// Magic identifies this engine's version-file format, written at the very
// start of the file (spec.md §4.3/§6).
const Magic = "iamglass"

// FormatVersion is the single byte following Magic. Bumped only if the
// on-disk layout changes incompatibly.
const FormatVersion = 1

// MaxFileSize bounds a well-formed version file (spec.md §6: "Total ≤ 1
// KiB in normal use"); reading anything larger is treated as corruption
// rather than read without limit.
const MaxFileSize = 64 << 10

// TableNames fixes the set and serialization order of tables every shard
// carries (spec.md §4.5). Order matters: it determines each table's slot
// in the version file's RootInfo array.
var TableNames = []string{"postlist", "termlist", "position", "docdata", "spelling", "synonym"}

// RootInfo is the per-table summary published in a version file: where
// its root block is, how many entries it has, its compression floor, and
// the freelist pointer for the revision being published (spec.md §3).
type RootInfo struct {
	RootBlock   block.Number
	NumEntries  uint32
	CompressMin uint32
	Freelist    block.Pointer
}

// Stats carries the whole-database statistics a version file publishes
// alongside per-table RootInfo, mirroring HoneyVersion's bookkeeping
// (original_source/xapian-core/backends/honey/honey_version.h).
type Stats struct {
	DocCount                   uint32
	TotalDocLen                uint64
	LastDocID                  uint32
	DoclenLowerBound           uint32
	DoclenUpperBound           uint32
	WdfUpperBound              uint32
	SpellingWordfreqUpperBound uint32
	UniqueTermsLowerBound      uint32
	UniqueTermsUpperBound      uint32
	OldestChangeset            uint32
}

// AddDocument folds a newly added document of the given length into the
// running bounds, mirroring HoneyVersion::add_document.
func (s *Stats) AddDocument(doclen uint32) {
	s.DocCount++
	if s.TotalDocLen == 0 || (doclen != 0 && doclen < s.DoclenLowerBound) {
		s.DoclenLowerBound = doclen
	}
	if doclen > s.DoclenUpperBound {
		s.DoclenUpperBound = doclen
	}
	s.TotalDocLen += uint64(doclen)
}

// DeleteDocument removes a document's contribution, mirroring
// HoneyVersion::delete_document: once no postings remain the bounds reset
// rather than staying stuck at a stale floor.
func (s *Stats) DeleteDocument(doclen uint32) {
	s.DocCount--
	s.TotalDocLen -= uint64(doclen)
	if s.TotalDocLen == 0 {
		s.DoclenLowerBound = 0
		s.DoclenUpperBound = 0
		s.WdfUpperBound = 0
	}
}

// CheckWDF widens WdfUpperBound if wdf exceeds it.
func (s *Stats) CheckWDF(wdf uint32) {
	if wdf > s.WdfUpperBound {
		s.WdfUpperBound = wdf
	}
}

// NextDocID returns the next document id to assign and advances
// LastDocID, mirroring HoneyVersion::get_next_docid.
func (s *Stats) NextDocID() uint32 {
	s.LastDocID++
	return s.LastDocID
}

// File is an open shard's version manager: the last successfully read or
// written revision, in memory, plus enough state to perform the next
// atomic commit.
type File struct {
	dir      string
	uuid     uuid.UUID
	revision uint32
	roots    map[string]RootInfo
	stats    Stats
}

func versionPath(dir string) string { return filepath.Join(dir, Magic) }

// Create initializes a brand new shard's version file at revision 0 with
// a freshly generated UUID, and writes it to disk immediately.
func Create(dir string) (*File, error) {
	f := &File{
		dir:      dir,
		uuid:     uuid.New(),
		revision: 0,
		roots:    make(map[string]RootInfo, len(TableNames)),
	}
	for _, name := range TableNames {
		f.roots[name] = RootInfo{RootBlock: block.Invalid}
	}
	if err := f.writeAtomic(0); err != nil {
		return nil, err
	}
	return f, nil
}

// Open reads an existing shard's version file.
func Open(dir string) (*File, error) {
	data, err := os.ReadFile(versionPath(dir))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Opening, err, "reading version file in %s", dir)
	}
	f := &File{dir: dir, roots: make(map[string]RootInfo, len(TableNames))}
	if err := f.unserialize(data); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Revision() uint32           { return f.revision }
func (f *File) UUID() uuid.UUID            { return f.uuid }
func (f *File) Stats() Stats               { return f.stats }
func (f *File) SetStats(s Stats)           { f.stats = s }
func (f *File) Root(table string) RootInfo { return f.roots[table] }
func (f *File) SetRoot(table string, r RootInfo) {
	f.roots[table] = r
}

// Commit publishes newRevision with the roots and stats currently held in
// memory, via the write-temp/fsync/rename sequence spec.md §4.3
// describes and that pkg/blobserver/localdisk/receive.go's ReceiveBlob
// models for a single file: stage the new content in a sibling temp
// file, fsync it, close it, then rename it over the old version file.
// The rename is atomic, so a reader never observes a partially written
// version file; on any failure before the rename, the prior version file
// is untouched and the temp file is removed.
func (f *File) Commit(newRevision uint32) error {
	return f.writeAtomic(newRevision)
}

func (f *File) writeAtomic(newRevision uint32) error {
	data := f.serialize(newRevision)
	tmp, err := os.CreateTemp(f.dir, Magic+".tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.IO, err, "creating temp version file in %s", f.dir)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.IO, err, "writing temp version file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.IO, err, "fsyncing temp version file")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.IO, err, "closing temp version file")
	}
	if err := os.Rename(tmpPath, versionPath(f.dir)); err != nil {
		return xerrors.Wrap(xerrors.IO, err, "renaming version file into place")
	}
	success = true
	f.revision = newRevision
	return nil
}

func (f *File) serialize(newRevision uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.WriteByte(FormatVersion)
	uuidBytes, _ := f.uuid.MarshalBinary()
	buf.Write(uuidBytes)
	var varint [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varint[:], uint64(newRevision))
	buf.Write(varint[:n])
	for _, name := range TableNames {
		r := f.roots[name]
		n = binary.PutUvarint(varint[:], uint64(r.RootBlock))
		buf.Write(varint[:n])
		n = binary.PutUvarint(varint[:], uint64(r.NumEntries))
		buf.Write(varint[:n])
		n = binary.PutUvarint(varint[:], uint64(r.CompressMin))
		buf.Write(varint[:n])
		for _, v := range []uint32{
			uint32(r.Freelist.ReadBlock), uint32(r.Freelist.ReadOffset),
			uint32(r.Freelist.WriteBlock), uint32(r.Freelist.WriteOffset),
		} {
			n = binary.PutUvarint(varint[:], uint64(v))
			buf.Write(varint[:n])
		}
	}
	for _, v := range []uint64{
		uint64(f.stats.DocCount), f.stats.TotalDocLen, uint64(f.stats.LastDocID),
		uint64(f.stats.DoclenLowerBound), uint64(f.stats.DoclenUpperBound),
		uint64(f.stats.WdfUpperBound), uint64(f.stats.SpellingWordfreqUpperBound),
		uint64(f.stats.UniqueTermsLowerBound), uint64(f.stats.UniqueTermsUpperBound),
		uint64(f.stats.OldestChangeset),
	} {
		n = binary.PutUvarint(varint[:], v)
		buf.Write(varint[:n])
	}
	return buf.Bytes()
}

func (f *File) unserialize(data []byte) error {
	if len(data) > MaxFileSize {
		return xerrors.New(xerrors.Corrupt, "version file is %d bytes, exceeds %d byte limit", len(data), MaxFileSize)
	}
	r := bytes.NewReader(data)
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != Magic {
		return xerrors.New(xerrors.Corrupt, "version file missing %q magic", Magic)
	}
	formatByte, err := r.ReadByte()
	if err != nil {
		return xerrors.New(xerrors.Corrupt, "version file truncated reading format byte")
	}
	if formatByte != FormatVersion {
		return xerrors.New(xerrors.Corrupt, "version file format %d unsupported (want %d)", formatByte, FormatVersion)
	}
	uuidBytes := make([]byte, 16)
	if _, err := io.ReadFull(r, uuidBytes); err != nil {
		return xerrors.New(xerrors.Corrupt, "version file truncated reading uuid")
	}
	if err := f.uuid.UnmarshalBinary(uuidBytes); err != nil {
		return xerrors.Wrap(xerrors.Corrupt, err, "parsing uuid")
	}
	rev, err := binary.ReadUvarint(r)
	if err != nil {
		return xerrors.New(xerrors.Corrupt, "version file truncated reading revision")
	}
	f.revision = uint32(rev)
	for _, name := range TableNames {
		rootBlock, err := binary.ReadUvarint(r)
		if err != nil {
			return xerrors.New(xerrors.Corrupt, "version file truncated reading %s root", name)
		}
		numEntries, err := binary.ReadUvarint(r)
		if err != nil {
			return xerrors.New(xerrors.Corrupt, "version file truncated reading %s entry count", name)
		}
		compressMin, err := binary.ReadUvarint(r)
		if err != nil {
			return xerrors.New(xerrors.Corrupt, "version file truncated reading %s compress min", name)
		}
		var fl [4]uint64
		for i := range fl {
			fl[i], err = binary.ReadUvarint(r)
			if err != nil {
				return xerrors.New(xerrors.Corrupt, "version file truncated reading %s freelist pointer", name)
			}
		}
		f.roots[name] = RootInfo{
			RootBlock:   block.Number(rootBlock),
			NumEntries:  uint32(numEntries),
			CompressMin: uint32(compressMin),
			Freelist: block.Pointer{
				ReadBlock: block.Number(fl[0]), ReadOffset: uint16(fl[1]),
				WriteBlock: block.Number(fl[2]), WriteOffset: uint16(fl[3]),
			},
		}
	}
	vals := make([]uint64, 10)
	for i := range vals {
		vals[i], err = binary.ReadUvarint(r)
		if err != nil {
			return xerrors.New(xerrors.Corrupt, "version file truncated reading statistics")
		}
	}
	f.stats = Stats{
		DocCount: uint32(vals[0]), TotalDocLen: vals[1], LastDocID: uint32(vals[2]),
		DoclenLowerBound: uint32(vals[3]), DoclenUpperBound: uint32(vals[4]),
		WdfUpperBound: uint32(vals[5]), SpellingWordfreqUpperBound: uint32(vals[6]),
		UniqueTermsLowerBound: uint32(vals[7]), UniqueTermsUpperBound: uint32(vals[8]),
		OldestChangeset: uint32(vals[9]),
	}
	return nil
}
