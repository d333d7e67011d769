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
	"encoding/binary"

	"xapiancore.dev/pkg/xerrors"
)

// Pointer is the persisted freelist state a writer resumes from: where to
// keep reading already-free blocks, and where to keep appending newly
// freed ones. Both halves are needed — reads must stop at whatever the
// write pointer was at the *start* of the revision that's reading, never
// at blocks freed during that same revision (spec.md §4.1: a block freed
// while writing a revision is not handed out again until that revision has
// committed). pkg/version's RootInfo carries one of these.
type Pointer struct {
	ReadBlock   Number
	ReadOffset  uint16
	WriteBlock  Number
	WriteOffset uint16
}

func (p Pointer) read() ptr  { return ptr{p.ReadBlock, int(p.ReadOffset)} }
func (p Pointer) write() ptr { return ptr{p.WriteBlock, int(p.WriteOffset)} }

type ptr struct {
	block  Number
	offset int
}

func (p ptr) pointer(read ptr, write ptr) Pointer {
	return Pointer{
		ReadBlock: read.block, ReadOffset: uint16(read.offset),
		WriteBlock: write.block, WriteOffset: uint16(write.offset),
	}
}

// Freelist block payload layout, within a block whose Level() ==
// LevelFreelist: the generic 11-byte header (DirEnd repurposed as "header
// size + 4*count", so the header format stays universal across all block
// kinds) followed by a flat array of 4-byte block numbers, with the last
// 4 bytes of the block reserved for the chain's next-block pointer.
const freelistEntrySize = 4

func freelistCapacity(b *Block) int {
	return (len(b.Bytes()) - HeaderSize - freelistEntrySize) / freelistEntrySize
}

func freelistCount(b *Block) int {
	return (b.DirEnd() - HeaderSize) / freelistEntrySize
}

func freelistSetCount(b *Block, n int) {
	b.setDirEnd(HeaderSize + n*freelistEntrySize)
}

func freelistEntry(b *Block, i int) Number {
	off := HeaderSize + i*freelistEntrySize
	return Number(binary.BigEndian.Uint32(b.Bytes()[off:]))
}

func freelistSetEntry(b *Block, i int, n Number) {
	off := HeaderSize + i*freelistEntrySize
	binary.BigEndian.PutUint32(b.Bytes()[off:], uint32(n))
}

func freelistNext(b *Block) Number {
	buf := b.Bytes()
	return Number(binary.BigEndian.Uint32(buf[len(buf)-4:]))
}

func freelistSetNext(b *Block, n Number) {
	buf := b.Bytes()
	binary.BigEndian.PutUint32(buf[len(buf)-4:], uint32(n))
}

// Freelist tracks which blocks of a File are free to reuse, via a chain
// of freelist blocks read and appended to at opposite ends (spec.md
// §4.1). It is owned by a single File and never used concurrently by more
// than one writer, matching the single-writer invariant the rest of the
// engine relies on.
type Freelist struct {
	f *File

	read  ptr // next unread entry, persisted across revisions
	write ptr // next slot to append to, persisted across revisions
	limit ptr // snapshot of write at the start of the current revision

	began Pointer // the exact Pointer begin() was called with, for Cancel

	revision uint32

	// pendingFree is a freelist block that was fully drained by next()
	// this revision and must itself be freed, deferred until the start of
	// the next call so draining doesn't recursively free mid-traversal.
	pendingFree Number

	cache map[Number]*Block
	dirty map[Number]bool
}

func newFreelist(f *File) *Freelist {
	return &Freelist{
		f:           f,
		read:        ptr{Invalid, 0},
		write:       ptr{Invalid, 0},
		limit:       ptr{Invalid, 0},
		pendingFree: Invalid,
		cache:       make(map[Number]*Block),
		dirty:       make(map[Number]bool),
	}
}

// begin must be called once per revision, with the Pointer read from the
// prior committed RootInfo (zero value for a brand new database).
func (fl *Freelist) begin(p Pointer) {
	if p == (Pointer{}) {
		// A committed write offset is never 0 once anything has been
		// freed, so the zero Pointer never names a real freelist position:
		// it means there is no freelist yet.
		p = Pointer{ReadBlock: Invalid, WriteBlock: Invalid}
	}
	fl.began = p
	fl.read = p.read()
	fl.write = p.write()
	fl.limit = fl.write
	fl.pendingFree = Invalid
	fl.cache = make(map[Number]*Block)
	fl.dirty = make(map[Number]bool)
}

func (fl *Freelist) getBlock(n Number) (*Block, error) {
	if b, ok := fl.cache[n]; ok {
		return b, nil
	}
	b, err := fl.f.ReadBlock(n)
	if err != nil {
		return nil, err
	}
	fl.cache[n] = b
	return b, nil
}

func (fl *Freelist) markDirty(b *Block) {
	b.MarkDirty()
	fl.dirty[b.Num] = true
}

// flushPending frees a freelist block drained on a prior call, now that
// we're at the start of a fresh public operation rather than mid-drain.
func (fl *Freelist) flushPending(revision uint32) error {
	if !fl.pendingFree.Valid() {
		return nil
	}
	n := fl.pendingFree
	fl.pendingFree = Invalid
	return fl.appendFree(n, revision)
}

// next returns a block free for reuse, if the read pointer has one
// available before the revision's limit; ok is false if the caller should
// grow the file instead.
func (fl *Freelist) next(revision uint32) (Number, bool, error) {
	fl.revision = revision
	if err := fl.flushPending(revision); err != nil {
		return Invalid, false, err
	}
	for {
		if fl.read == fl.limit {
			return Invalid, false, nil
		}
		if !fl.read.block.Valid() {
			return Invalid, false, nil
		}
		blk, err := fl.getBlock(fl.read.block)
		if err != nil {
			return Invalid, false, err
		}
		boundary := freelistCount(blk)
		if fl.read.block == fl.limit.block && fl.limit.offset < boundary {
			boundary = fl.limit.offset
		}
		if fl.read.offset < boundary {
			n := freelistEntry(blk, fl.read.offset)
			fl.read.offset++
			return n, true, nil
		}
		// This block is drained up to its live boundary. If it's the
		// limit block, there's nothing more to give this revision.
		if fl.read.block == fl.limit.block {
			return Invalid, false, nil
		}
		next := freelistNext(blk)
		drained := fl.read.block
		fl.read = ptr{next, 0}
		fl.pendingFree = drained
		if !next.Valid() {
			return Invalid, false, nil
		}
	}
}

// allocChainBlock obtains a block number to extend the freelist chain
// itself with, preferring an already-free block over growing the file.
// It does not touch fl.pendingFree bookkeeping beyond what next() does.
func (fl *Freelist) allocChainBlock(revision uint32) (Number, error) {
	n, ok, err := fl.next(revision)
	if err != nil {
		return Invalid, err
	}
	if ok {
		return n, nil
	}
	return fl.f.growBlock(), nil
}

// free records that n is no longer needed after revision commits, by
// appending it to the write end of the chain.
func (fl *Freelist) free(n Number, revision uint32) error {
	fl.revision = revision
	if err := fl.flushPending(revision); err != nil {
		return err
	}
	return fl.appendFree(n, revision)
}

func (fl *Freelist) appendFree(n Number, revision uint32) error {
	if !fl.write.block.Valid() {
		// Brand new database: allocate the very first freelist block.
		num := fl.f.growBlock()
		blk := New(num, fl.f.BlockSize())
		blk.Init(LevelFreelist, revision)
		freelistSetNext(blk, Invalid)
		freelistSetCount(blk, 0)
		fl.cache[num] = blk
		fl.markDirty(blk)
		fl.write = ptr{num, 0}
		if !fl.read.block.Valid() {
			fl.read = fl.write
		}
		if fl.limit.block == Invalid {
			fl.limit = fl.write
		}
	}
	blk, err := fl.getBlock(fl.write.block)
	if err != nil {
		return err
	}
	if fl.write.offset >= freelistCapacity(blk) {
		newNum, err := fl.allocChainBlock(revision)
		if err != nil {
			return err
		}
		newBlk := New(newNum, fl.f.BlockSize())
		newBlk.Init(LevelFreelist, revision)
		freelistSetNext(newBlk, Invalid)
		freelistSetCount(newBlk, 0)
		fl.cache[newNum] = newBlk
		freelistSetNext(blk, newNum)
		fl.markDirty(blk)
		fl.write = ptr{newNum, 0}
		blk = newBlk
	}
	freelistSetEntry(blk, fl.write.offset, n)
	fl.write.offset++
	freelistSetCount(blk, fl.write.offset)
	fl.markDirty(blk)
	return nil
}

// commit writes out every freelist block touched this revision and
// returns the Pointer to persist.
func (fl *Freelist) commit(revision uint32) (Pointer, error) {
	if err := fl.flushPending(revision); err != nil {
		return Pointer{}, err
	}
	for n := range fl.dirty {
		blk, ok := fl.cache[n]
		if !ok {
			return Pointer{}, xerrors.New(xerrors.Corrupt, "freelist block %d marked dirty but not cached", n)
		}
		if err := fl.f.WriteBlock(blk, revision); err != nil {
			return Pointer{}, err
		}
	}
	fl.dirty = make(map[Number]bool)
	return ptr{}.pointer(fl.read, fl.write), nil
}
