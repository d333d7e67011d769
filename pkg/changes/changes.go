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

// Package changes implements the optional per-revision changes log
// (spec.md §4.4): the list of blocks a commit modified, recorded so a
// replica can be brought forward incrementally instead of by a full
// copy.
package changes

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"xapiancore.dev/pkg/block"
	"xapiancore.dev/pkg/xerrors"
)

const filePrefix = "changes"

// Path returns the per-revision changes file path within dir.
func Path(dir string, revision uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d", filePrefix, revision))
}

// sentinel marks the end of one table's block sequence within a changes
// file (spec.md §4.4: "terminated by a sentinel").
const sentinel = uint32(block.Invalid)

// Writer appends modified-block records to a single revision's changes
// file, grouped by table, mirroring the walk-until-marker record stream
// pkg/blobserver/diskpacked/reindex.go's walkPack reads back (there, a
// '['...']' header framing each record; here, a fixed-width header since
// block numbers and sizes are already fixed-width).
type Writer struct {
	f *os.File
}

// Create opens a new changes file for revision, truncating any existing
// one (a changes file is only ever written once, by the commit that owns
// its revision number).
func Create(dir string, revision uint32) (*Writer, error) {
	f, err := os.OpenFile(Path(dir, revision), os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_CLOEXEC, 0644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IO, err, "creating changes file for revision %d", revision)
	}
	return &Writer{f: f}, nil
}

// BeginTable writes the header for a table's block-change section.
func (w *Writer) BeginTable(table string, blockSize int) error {
	if len(table) > 255 {
		return xerrors.New(xerrors.InvalidArgument, "table name %q too long for changes header", table)
	}
	if _, err := w.f.Write([]byte{byte(len(table))}); err != nil {
		return xerrors.Wrap(xerrors.IO, err, "writing changes table header")
	}
	if _, err := w.f.WriteString(table); err != nil {
		return xerrors.Wrap(xerrors.IO, err, "writing changes table header")
	}
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(blockSize))
	if _, err := w.f.Write(sizeBuf[:]); err != nil {
		return xerrors.Wrap(xerrors.IO, err, "writing changes table header")
	}
	return nil
}

// AppendBlock records that b was modified, writing its current contents.
func (w *Writer) AppendBlock(b *block.Block) error {
	var numBuf [4]byte
	binary.BigEndian.PutUint32(numBuf[:], uint32(b.Num))
	if _, err := w.f.Write(numBuf[:]); err != nil {
		return xerrors.Wrap(xerrors.IO, err, "appending changed block %d", b.Num)
	}
	if _, err := w.f.Write(b.Bytes()); err != nil {
		return xerrors.Wrap(xerrors.IO, err, "appending changed block %d", b.Num)
	}
	return nil
}

// EndTable writes the sentinel closing a table's change section. Call
// BeginTable again to start recording another table in the same file.
func (w *Writer) EndTable() error {
	var sentinelBuf [4]byte
	binary.BigEndian.PutUint32(sentinelBuf[:], sentinel)
	if _, err := w.f.Write(sentinelBuf[:]); err != nil {
		return xerrors.Wrap(xerrors.IO, err, "writing changes sentinel")
	}
	return nil
}

// Sync fsyncs the changes file. spec.md §4.4: this must happen before the
// version file that references this revision is renamed into place.
func (w *Writer) Sync() error {
	if err := w.f.Sync(); err != nil {
		return xerrors.Wrap(xerrors.IO, err, "fsyncing changes file")
	}
	return nil
}

func (w *Writer) Close() error {
	return w.f.Close()
}

// Record is one changed block read back from a changes file.
type Record struct {
	Table string
	Block *block.Block
}

// Walk replays every complete (table, block) record in the changes file
// at dir/revision, calling fn for each. It stops and returns the
// underlying error if fn returns one. An incomplete trailing record (a
// truncated write, e.g. from a crash before Sync) is treated as the
// natural end of the file rather than as corruption — a replica applier
// simply stops at the last complete record.
func Walk(dir string, revision uint32, fn func(Record) error) error {
	f, err := os.Open(Path(dir, revision))
	if err != nil {
		return xerrors.Wrap(xerrors.Opening, err, "opening changes file for revision %d", revision)
	}
	defer f.Close()

	for {
		table, blockSize, ok, err := readTableHeader(f)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		for {
			var numBuf [4]byte
			if _, err := io.ReadFull(f, numBuf[:]); err != nil {
				return nil
			}
			num := binary.BigEndian.Uint32(numBuf[:])
			if num == sentinel {
				break
			}
			buf := make([]byte, blockSize)
			if _, err := io.ReadFull(f, buf); err != nil {
				return nil
			}
			if err := fn(Record{Table: table, Block: block.FromBytes(block.Number(num), buf)}); err != nil {
				return err
			}
		}
	}
}

func readTableHeader(f *os.File) (table string, blockSize int, ok bool, err error) {
	var nameLen [1]byte
	if _, err := io.ReadFull(f, nameLen[:]); err != nil {
		if err == io.EOF {
			return "", 0, false, nil
		}
		return "", 0, false, xerrors.Wrap(xerrors.Corrupt, err, "reading changes table header")
	}
	name := make([]byte, nameLen[0])
	if _, err := io.ReadFull(f, name); err != nil {
		return "", 0, false, xerrors.New(xerrors.Corrupt, "changes file truncated reading table name")
	}
	var sizeBuf [4]byte
	if _, err := io.ReadFull(f, sizeBuf[:]); err != nil {
		return "", 0, false, xerrors.New(xerrors.Corrupt, "changes file truncated reading block size")
	}
	return string(name), int(binary.BigEndian.Uint32(sizeBuf[:])), true, nil
}

// Prune removes changes files for revisions strictly older than
// oldestToKeep, matching Stats.OldestChangeset retention. Errors removing
// an individual file are collected but don't stop the sweep, since a
// leftover old changes file is harmless clutter, not corruption.
func Prune(dir string, oldestToKeep uint32) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return xerrors.Wrap(xerrors.IO, err, "listing %s for changes pruning", dir)
	}
	var firstErr error
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		rev, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), filePrefix), 10, 32)
		if err != nil {
			continue
		}
		if uint32(rev) >= oldestToKeep {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && firstErr == nil {
			firstErr = xerrors.Wrap(xerrors.IO, err, "removing stale changes file %s", e.Name())
		}
	}
	return firstErr
}

// List returns the revisions with a changes file present in dir, sorted
// ascending.
func List(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IO, err, "listing %s", dir)
	}
	var revs []uint32
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		rev, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), filePrefix), 10, 32)
		if err != nil {
			continue
		}
		revs = append(revs, uint32(rev))
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i] < revs[j] })
	return revs, nil
}
