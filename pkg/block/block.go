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

// Size constraints from spec.md §3: a power of two between 2 KiB and
// 64 KiB.
const (
	MinSize = 2 << 10
	MaxSize = 64 << 10
)

// HeaderSize is the fixed size, in bytes, of the per-block header
// described in spec.md §6: revision (4), level (1), max free (2), total
// free (2), directory end (2).
const HeaderSize = 11

// Header field offsets, see spec.md §6's block format table.
const (
	offRevision  = 0
	offLevel     = 4
	offMaxFree   = 5
	offTotalFree = 7
	offDirEnd    = 9
)

// LevelFreelist is the reserved level-byte value marking a block as part
// of the freelist rather than the B-tree proper. It aliases no valid tree
// level: a B-tree of MaxTreeDepth levels never reaches 255.
const LevelFreelist = 0xFF

// MaxTreeDepth bounds how many internal levels a single B-tree may grow.
// Exceeding it is a structural corruption (spec.md §4.2.2).
const MaxTreeDepth = 10

// Block is one fixed-size page, held in memory, along with the block
// number it was read from (or will be written to) and a dirty bit.
//
// Block knows only about its own header; it has no notion of "items" —
// that's a slotted-page concept layered on top by Page (page.go), which
// pkg/btree uses for its leaf/internal nodes. A freelist block (block.go
// callers with Level() == LevelFreelist) never goes through Page at all;
// pkg/block's own Freelist type reads and writes its payload directly.
type Block struct {
	Num   Number
	buf   []byte
	dirty bool
}

// New allocates a zeroed block of the given size for number num.
func New(num Number, size int) *Block {
	return &Block{Num: num, buf: make([]byte, size)}
}

// FromBytes wraps an existing buffer (e.g. one just read from disk) as a
// Block. The buffer is retained, not copied.
func FromBytes(num Number, buf []byte) *Block {
	return &Block{Num: num, buf: buf}
}

// Bytes returns the block's raw backing buffer.
func (b *Block) Bytes() []byte { return b.buf }

// Size returns the block's size in bytes.
func (b *Block) Size() int { return len(b.buf) }

// Dirty reports whether the block has been modified since it was read (or
// created) and still needs to be written out.
func (b *Block) Dirty() bool { return b.dirty }

// MarkDirty flags the block as needing to be written out.
func (b *Block) MarkDirty() { b.dirty = true }

// ClearDirty resets the dirty bit, typically right after a successful
// write.
func (b *Block) ClearDirty() { b.dirty = false }

func (b *Block) Revision() uint32 {
	return binary.BigEndian.Uint32(b.buf[offRevision:])
}

func (b *Block) SetRevision(rev uint32) {
	binary.BigEndian.PutUint32(b.buf[offRevision:], rev)
	b.dirty = true
}

func (b *Block) Level() byte { return b.buf[offLevel] }

func (b *Block) SetLevel(level byte) {
	b.buf[offLevel] = level
	b.dirty = true
}

func (b *Block) IsLeaf() bool     { return b.Level() == 0 }
func (b *Block) IsFreelist() bool { return b.Level() == LevelFreelist }

func (b *Block) MaxFree() int {
	return int(binary.BigEndian.Uint16(b.buf[offMaxFree:]))
}

func (b *Block) setMaxFree(n int) {
	binary.BigEndian.PutUint16(b.buf[offMaxFree:], uint16(n))
}

func (b *Block) TotalFree() int {
	return int(binary.BigEndian.Uint16(b.buf[offTotalFree:]))
}

func (b *Block) setTotalFree(n int) {
	binary.BigEndian.PutUint16(b.buf[offTotalFree:], uint16(n))
}

func (b *Block) DirEnd() int {
	return int(binary.BigEndian.Uint16(b.buf[offDirEnd:]))
}

func (b *Block) setDirEnd(n int) {
	binary.BigEndian.PutUint16(b.buf[offDirEnd:], uint16(n))
}

// Validate checks the structural invariants read_block relies on: the
// directory end must lie within the block, after the header, and the
// reported free counters must be internally consistent. It does not
// validate item contents — that's pkg/btree's job, since pkg/block has no
// notion of items.
func (b *Block) Validate() error {
	size := len(b.buf)
	if size < HeaderSize {
		return xerrors.New(xerrors.Corrupt, "block %d smaller than header", b.Num)
	}
	dirEnd := b.DirEnd()
	if dirEnd < HeaderSize || dirEnd > size {
		return xerrors.New(xerrors.Corrupt, "block %d directory end %d out of range [%d,%d]", b.Num, dirEnd, HeaderSize, size)
	}
	if b.TotalFree() > size-HeaderSize {
		return xerrors.New(xerrors.Corrupt, "block %d total free %d exceeds capacity", b.Num, b.TotalFree())
	}
	if b.MaxFree() > b.TotalFree() {
		return xerrors.New(xerrors.Corrupt, "block %d max free %d exceeds total free %d", b.Num, b.MaxFree(), b.TotalFree())
	}
	return nil
}

// Init resets a freshly allocated block to an empty page at the given
// level and revision.
func (b *Block) Init(level byte, revision uint32) {
	for i := range b.buf {
		b.buf[i] = 0
	}
	b.SetRevision(revision)
	b.SetLevel(level)
	b.setDirEnd(HeaderSize)
	b.setTotalFree(len(b.buf) - HeaderSize)
	b.setMaxFree(len(b.buf) - HeaderSize)
	b.dirty = true
}

// Clone returns a deep copy of the block, used when a cursor needs to
// hold its own copy of a block independent of later writer mutations
// (spec.md §5: "Cursors copy blocks on open").
func (b *Block) Clone() *Block {
	cp := make([]byte, len(b.buf))
	copy(cp, b.buf)
	return &Block{Num: b.Num, buf: cp}
}
