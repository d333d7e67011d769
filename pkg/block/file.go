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

package block

import (
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"

	"xapiancore.dev/pkg/xerrors"
)

// File is a single table's on-disk block store: a flat array of
// fixed-size blocks plus the freelist that tracks which of them are
// reusable. It corresponds to spec.md §4.1's "Block I/O and freelist"
// component.
//
// File does not know about revisions beyond stamping them into blocks it
// writes and validating them on read (spec.md invariant 2); the
// version/commit protocol around "what is the current revision" lives in
// pkg/version.
type File struct {
	path       string
	blockSize  int
	f          *os.File
	useMmap    bool
	mapping    mmap.MMap
	numBlocks  Number // one past the highest block number ever allocated
	readerRev  uint32 // revision this File was opened at, for DatabaseModified checks
	freelist   *Freelist
	lock       *FileLock
}

// Options configure how a File is opened.
type Options struct {
	BlockSize int  // must be a power of two in [MinSize, MaxSize]
	UseMmap   bool // best-effort; falls back to ReadAt on any mmap failure
}

func validSize(n int) bool {
	if n < MinSize || n > MaxSize {
		return false
	}
	return n&(n-1) == 0
}

// Create makes a new, empty table file at path.
func Create(path string, opts Options) (*File, error) {
	if !validSize(opts.BlockSize) {
		return nil, xerrors.New(xerrors.InvalidArgument, "block size %d must be a power of two in [%d,%d]", opts.BlockSize, MinSize, MaxSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_CLOEXEC, 0644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Opening, err, "creating table file %s", path)
	}
	return newFile(path, f, opts)
}

// Open opens an existing table file at path.
func Open(path string, opts Options) (*File, error) {
	if !validSize(opts.BlockSize) {
		return nil, xerrors.New(xerrors.InvalidArgument, "block size %d must be a power of two in [%d,%d]", opts.BlockSize, MinSize, MaxSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CLOEXEC, 0644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Opening, err, "opening table file %s", path)
	}
	return newFile(path, f, opts)
}

func newFile(path string, f *os.File, opts Options) (*File, error) {
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Wrap(xerrors.Opening, err, "stat %s", path)
	}
	tf := &File{
		path:      path,
		blockSize: opts.BlockSize,
		f:         f,
		useMmap:   opts.UseMmap,
		numBlocks: Number(fi.Size() / int64(opts.BlockSize)),
	}
	tf.freelist = newFreelist(tf)
	if opts.UseMmap && fi.Size() > 0 {
		tf.mapping, err = mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			// Best-effort: fall back to ReadAt.
			tf.useMmap = false
			tf.mapping = nil
		}
	}
	return tf, nil
}

// NumBlocks returns one past the highest block number ever allocated in
// this file (live or free).
func (f *File) NumBlocks() Number { return f.numBlocks }

func (f *File) BlockSize() int { return f.blockSize }

// remapForGrowth refreshes the read-only mmap after the file has grown,
// since edsrzf/mmap-go's mapping is fixed to the file's size at Map time.
func (f *File) remapForGrowth() {
	if !f.useMmap {
		return
	}
	if f.mapping != nil {
		f.mapping.Unmap()
	}
	m, err := mmap.Map(f.f, mmap.RDONLY, 0)
	if err != nil {
		f.useMmap = false
		f.mapping = nil
		return
	}
	f.mapping = m
}

// readRaw reads block n's bytes directly from the file or the mmap,
// without any revision or structural validation. Internal helper shared
// by ReadBlock and the freelist's own block accesses.
func (f *File) readRaw(n Number) ([]byte, error) {
	buf := make([]byte, f.blockSize)
	off := int64(n) * int64(f.blockSize)
	if f.useMmap && f.mapping != nil && off+int64(f.blockSize) <= int64(len(f.mapping)) {
		copy(buf, f.mapping[off:off+int64(f.blockSize)])
		return buf, nil
	}
	if _, err := f.f.ReadAt(buf, off); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, xerrors.New(xerrors.Corrupt, "block %d: short read, file truncated", n)
		}
		return nil, xerrors.Wrap(xerrors.IO, err, "reading block %d", n)
	}
	return buf, nil
}

// ReadBlock fetches block n into memory and validates its header.
func (f *File) ReadBlock(n Number) (*Block, error) {
	if n >= f.numBlocks {
		return nil, xerrors.New(xerrors.Corrupt, "block %d out of range (numBlocks=%d)", n, f.numBlocks)
	}
	buf, err := f.readRaw(n)
	if err != nil {
		return nil, err
	}
	b := FromBytes(n, buf)
	if f.readerRev != 0 && b.Revision() > f.readerRev {
		return nil, xerrors.New(xerrors.Modified, "block %d stamped revision %d newer than reader revision %d", n, b.Revision(), f.readerRev)
	}
	if b.Level() != LevelFreelist {
		if err := b.Validate(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// SetReaderRevision pins the revision this File's reads are validated
// against (spec.md §4.1: a block stamped with a newer revision than the
// reader's means the database was modified under a long-lived reader).
func (f *File) SetReaderRevision(rev uint32) { f.readerRev = rev }

// WriteBlock writes a block to the file, stamping it with revision.
// Writing past the current end of file grows the file.
func (f *File) WriteBlock(b *Block, revision uint32) error {
	if len(b.Bytes()) != f.blockSize {
		return xerrors.New(xerrors.InvalidArgument, "block %d has size %d, file block size is %d", b.Num, len(b.Bytes()), f.blockSize)
	}
	b.SetRevision(revision)
	off := int64(b.Num) * int64(f.blockSize)
	if _, err := f.f.WriteAt(b.Bytes(), off); err != nil {
		return xerrors.Wrap(xerrors.IO, err, "writing block %d", b.Num)
	}
	if b.Num >= f.numBlocks {
		f.numBlocks = b.Num + 1
	}
	b.ClearDirty()
	f.remapForGrowth()
	return nil
}

// growBlock reserves the next block number past the end of the file and
// returns it, without writing anything (the caller fills the block in and
// calls WriteBlock, which extends the file).
func (f *File) growBlock() Number {
	n := f.numBlocks
	f.numBlocks++
	return n
}

// NextFreeBlock returns a block number to write new data into: first
// satisfied from the freelist, else by growing the file.
func (f *File) NextFreeBlock(revision uint32) (Number, error) {
	n, ok, err := f.freelist.next(revision)
	if err != nil {
		return Invalid, err
	}
	if ok {
		return n, nil
	}
	return f.growBlock(), nil
}

// FreeBlock records that n is no longer needed after the current
// revision commits.
func (f *File) FreeBlock(n Number, revision uint32) error {
	return f.freelist.free(n, revision)
}

// CommitFreelist flushes any freelist blocks touched this revision and
// returns the Pointer to persist in this revision's RootInfo.
func (f *File) CommitFreelist(revision uint32) (Pointer, error) {
	return f.freelist.commit(revision)
}

// BeginRevision must be called once at the start of a writer's revision,
// with the Pointer read from the prior committed RootInfo, before any
// NextFreeBlock/FreeBlock calls for that revision.
func (f *File) BeginRevision(p Pointer) {
	f.freelist.begin(p)
}

// CurrentFreelistPointer returns the Pointer the freelist began this
// revision from, i.e. the state Cancel should rewind BeginRevision to
// when discarding uncommitted writes.
func (f *File) CurrentFreelistPointer() Pointer {
	return f.freelist.began
}

// AcquireWriteLock takes the single-writer advisory lock for this file,
// stored as path+".lock". It must be released by Close.
func (f *File) AcquireWriteLock() error {
	l, err := Lock(f.path + ".lock")
	if err != nil {
		return err
	}
	f.lock = l
	return nil
}

// Sync fsyncs the underlying file.
func (f *File) Sync() error {
	if err := f.f.Sync(); err != nil {
		return xerrors.Wrap(xerrors.IO, err, "fsync %s", f.path)
	}
	return nil
}

// Close releases the file handle and any mmap.
func (f *File) Close() error {
	if f.mapping != nil {
		f.mapping.Unmap()
		f.mapping = nil
	}
	if f.lock != nil {
		f.lock.Unlock()
		f.lock = nil
	}
	return f.f.Close()
}

func (f *File) String() string {
	return fmt.Sprintf("block.File(%s, blockSize=%d, numBlocks=%d)", f.path, f.blockSize, f.numBlocks)
}
