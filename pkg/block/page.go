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
	"sort"

	"xapiancore.dev/pkg/xerrors"
)

// itemLenPrefix is the width, in bytes, of the length prefix every item
// in the item area carries (spec.md §6: "2-byte item length").
const itemLenPrefix = 2

// span describes a byte range [Offset, Offset+Length) within a block.
type span struct {
	Offset int
	Length int
}

// Page is the slotted-page view of a Block: a directory of offsets (kept
// in key order by the caller — Page itself does no comparisons, it only
// manages placement) plus an item area that grows down from the top of
// the block. It is the shared mechanism behind both B-tree leaf/internal
// nodes (pkg/btree adds key/tag semantics on top of each item's bytes).
//
// A freelist block (Block.IsFreelist()) never becomes a Page; its payload
// is a flat array the Freelist type reads directly.
type Page struct {
	b *Block

	// bottom is the lowest offset any item has ever occupied; the region
	// [DirEnd, bottom) is always free and was never written to.
	bottom int

	// holes are free spans strictly between bottom and the block's end,
	// left behind by deletions that weren't adjacent to bottom. Sorted
	// by Offset, kept coalesced.
	holes []span
}

// OpenPage derives a Page from a Block already holding a valid directory
// and item area (e.g. one just read from disk), by scanning the item area
// once to reconstruct the free-space bookkeeping that isn't itself
// persisted (only the live items and directory are).
func OpenPage(b *Block) (*Page, error) {
	p := &Page{b: b, bottom: len(b.Bytes())}
	n := p.Count()
	type item struct{ off, length int }
	items := make([]item, 0, n)
	for i := 0; i < n; i++ {
		off := p.dirOffset(i)
		if off < HeaderSize+2*n || off+itemLenPrefix > len(b.Bytes()) {
			return nil, xerrors.New(xerrors.Corrupt, "block %d slot %d offset %d out of range", b.Num, i, off)
		}
		l := int(binary.BigEndian.Uint16(b.Bytes()[off:]))
		if l < itemLenPrefix || off+l > len(b.Bytes()) {
			return nil, xerrors.New(xerrors.Corrupt, "block %d slot %d length %d out of range", b.Num, i, l)
		}
		items = append(items, item{off, l})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].off < items[j].off })
	prevEnd := len(b.Bytes())
	for _, it := range items {
		if it.off+it.length > prevEnd {
			return nil, xerrors.New(xerrors.Corrupt, "block %d items overlap at offset %d", b.Num, it.off)
		}
		if gap := prevEnd - (it.off + it.length); gap > 0 {
			p.holes = append(p.holes, span{Offset: it.off + it.length, Length: gap})
		}
		prevEnd = it.off
	}
	p.bottom = prevEnd
	return p, nil
}

// NewPage initializes b as an empty page (it calls Block.Init itself) and
// returns its Page view.
func NewPage(b *Block, level byte, revision uint32) *Page {
	b.Init(level, revision)
	return &Page{b: b, bottom: len(b.Bytes())}
}

func (p *Page) Block() *Block { return p.b }

// Count returns the number of items (directory slots) on the page.
func (p *Page) Count() int {
	return (p.b.DirEnd() - HeaderSize) / 2
}

func (p *Page) dirOffset(i int) int {
	return int(binary.BigEndian.Uint16(p.b.Bytes()[HeaderSize+2*i:]))
}

func (p *Page) setDirOffset(i, off int) {
	binary.BigEndian.PutUint16(p.b.Bytes()[HeaderSize+2*i:], uint16(off))
}

// Item returns the raw bytes of the item (including its 2-byte length
// prefix) at directory slot i.
func (p *Page) Item(i int) []byte {
	off := p.dirOffset(i)
	l := int(binary.BigEndian.Uint16(p.b.Bytes()[off:]))
	return p.b.Bytes()[off : off+l]
}

// ItemPayload returns the item's bytes without the length prefix — what
// pkg/btree actually decodes as key+tag or key+child-pointer.
func (p *Page) ItemPayload(i int) []byte {
	it := p.Item(i)
	return it[itemLenPrefix:]
}

func (p *Page) recomputeFree() {
	free := p.bottom - p.b.DirEnd()
	maxFree := free
	for _, h := range p.holes {
		free += h.Length
		if h.Length > maxFree {
			maxFree = h.Length
		}
	}
	p.b.setTotalFree(free)
	p.b.setMaxFree(maxFree)
	p.b.MarkDirty()
}

// allocate finds room for an item of the given total length (including
// its length prefix), returning the offset to place it at. It prefers an
// exact-or-best-fit hole before growing bottom downward.
func (p *Page) allocate(length int) (offset int, ok bool) {
	bestIdx := -1
	bestLen := -1
	for i, h := range p.holes {
		if h.Length >= length && (bestIdx == -1 || h.Length < bestLen) {
			bestIdx, bestLen = i, h.Length
		}
	}
	if bestIdx != -1 {
		h := p.holes[bestIdx]
		off := h.Offset
		if h.Length == length {
			p.holes = append(p.holes[:bestIdx], p.holes[bestIdx+1:]...)
		} else {
			p.holes[bestIdx] = span{Offset: h.Offset + length, Length: h.Length - length}
		}
		return off, true
	}
	if p.bottom-length < p.b.DirEnd() {
		return 0, false
	}
	p.bottom -= length
	return p.bottom, true
}

// InsertAt writes a new item (payload, not yet length-prefixed) into a
// fresh directory slot at index i (0 <= i <= Count()), shifting later
// slots up by one. It returns false if there isn't enough free space
// (total or contiguous) to place both the new directory entry and the
// item; the caller (pkg/btree) decides whether to Compact and retry or to
// split the block.
func (p *Page) InsertAt(i int, payload []byte) bool {
	total := itemLenPrefix + len(payload)
	newDirEnd := p.b.DirEnd() + 2
	if p.freeContiguousBelow(newDirEnd) < total {
		return false
	}
	n := p.Count()
	// Grow the directory first so allocate's boundary check (against the
	// current DirEnd) already accounts for the slot this insert adds —
	// otherwise a fresh-space allocation could land on the two bytes the
	// new slot itself needs.
	p.b.setDirEnd(newDirEnd)
	for j := n; j > i; j-- {
		p.setDirOffset(j, p.dirOffset(j-1))
	}

	off, ok := p.allocate(total)
	if !ok {
		// Should not happen given the freeContiguousBelow check above,
		// but undo the directory growth rather than leave it corrupt.
		for j := i; j < n; j++ {
			p.setDirOffset(j, p.dirOffset(j+1))
		}
		p.b.setDirEnd(newDirEnd - 2)
		return false
	}
	buf := p.b.Bytes()
	binary.BigEndian.PutUint16(buf[off:], uint16(total))
	copy(buf[off+itemLenPrefix:], payload)
	p.setDirOffset(i, off)
	p.recomputeFree()
	return true
}

// freeContiguousBelow reports the largest contiguous run available once
// the directory has grown to newDirEnd bytes: the larger of the virgin gap
// (bottom-newDirEnd, which growing the directory eats into) and the
// largest hole.
func (p *Page) freeContiguousBelow(newDirEnd int) int {
	if p.bottom < newDirEnd {
		return 0
	}
	contig := p.bottom - newDirEnd
	best := contig
	for _, h := range p.holes {
		if h.Length > best {
			best = h.Length
		}
	}
	return best
}

// ReplaceSameSize overwrites the item at slot i in place when the new
// payload has exactly the old item's size, and returns false (changing
// nothing) otherwise; items whose size changes go through
// DeleteAt+InsertAt, which is what pkg/btree does.
func (p *Page) ReplaceSameSize(i int, payload []byte) bool {
	off := p.dirOffset(i)
	old := int(binary.BigEndian.Uint16(p.b.Bytes()[off:]))
	total := itemLenPrefix + len(payload)
	if total != old {
		return false
	}
	buf := p.b.Bytes()
	copy(buf[off+itemLenPrefix:], payload)
	p.b.MarkDirty()
	return true
}

// DeleteAt removes the item at directory slot i, shifting later slots
// down, and returns its freed span to the hole pool (merging with bottom
// when adjacent).
func (p *Page) DeleteAt(i int) {
	off := p.dirOffset(i)
	l := int(binary.BigEndian.Uint16(p.b.Bytes()[off:]))
	n := p.Count()
	for j := i; j < n-1; j++ {
		p.setDirOffset(j, p.dirOffset(j+1))
	}
	p.b.setDirEnd(p.b.DirEnd() - 2)
	p.free(span{Offset: off, Length: l})
	p.recomputeFree()
}

func (p *Page) free(s span) {
	if s.Offset == p.bottom {
		p.bottom += s.Length
		// Chain-merge any holes that are now adjacent to the new bottom.
		for {
			merged := false
			for idx, h := range p.holes {
				if h.Offset == p.bottom {
					p.bottom += h.Length
					p.holes = append(p.holes[:idx], p.holes[idx+1:]...)
					merged = true
					break
				}
			}
			if !merged {
				break
			}
		}
		return
	}
	p.holes = append(p.holes, s)
	sort.Slice(p.holes, func(a, b int) bool { return p.holes[a].Offset < p.holes[b].Offset })
	// Coalesce adjacent holes.
	merged := p.holes[:0]
	for _, h := range p.holes {
		if len(merged) > 0 && merged[len(merged)-1].Offset+merged[len(merged)-1].Length == h.Offset {
			merged[len(merged)-1].Length += h.Length
		} else {
			merged = append(merged, h)
		}
	}
	p.holes = merged
}

// Compact rewrites every item contiguously from the top of the block
// downward, in current directory order, eliminating all holes. Used when
// total free space suffices for an insert but the largest contiguous run
// does not (spec.md §4.2.2).
func (p *Page) Compact() {
	n := p.Count()
	items := make([][]byte, n)
	for i := 0; i < n; i++ {
		items[i] = append([]byte(nil), p.Item(i)...)
	}
	size := len(p.b.Bytes())
	buf := p.b.Bytes()
	cursor := size
	for i := n - 1; i >= 0; i-- {
		cursor -= len(items[i])
		copy(buf[cursor:], items[i])
		p.setDirOffset(i, cursor)
	}
	p.bottom = cursor
	p.holes = nil
	p.recomputeFree()
}

// Capacity returns the usable item-area-plus-directory budget of the
// page: size minus header. Used by pkg/btree to compute max_item_size.
func (p *Page) Capacity() int { return len(p.b.Bytes()) - HeaderSize }

// Clone returns an independent copy of the page, backed by a cloned
// Block, for a cursor to hold (spec.md §5: "Cursors copy blocks on
// open"). Mutating the clone never affects the original page or vice
// versa.
func (p *Page) Clone() *Page {
	return &Page{
		b:      p.b.Clone(),
		bottom: p.bottom,
		holes:  append([]span(nil), p.holes...),
	}
}
