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

package btree

import (
	"bytes"

	"xapiancore.dev/pkg/block"
)

// cursorState is one of the three states spec.md §4.2.6 names.
type cursorState int

const (
	beforeStart cursorState = iota
	positioned
	atEnd
)

// cursorLevel is one level of a Cursor's path: the block number, the
// cursor's own copy of its contents (so writer mutations never invalidate
// an outstanding reader, spec.md §5), and the directory slot the cursor
// currently sits at.
type cursorLevel struct {
	blockNum block.Number
	page     *block.Page
	slot     int
}

// Cursor is a live, ordered iterator over a Table (spec.md §4.2.6). It
// holds one block per level, each an owned copy independent of the
// table's own in-memory cache, so a writer mutating the tree never
// disturbs a cursor opened before the mutation (spec.md §5). Staleness is
// instead detected via cursorVersion: an operation against a cursor whose
// version has fallen behind the table's current one re-reads its
// position from the root before proceeding.
type Cursor struct {
	t       *Table
	state   cursorState
	version uint64
	path    []cursorLevel
	key     []byte // the key the cursor currently sits at, once Positioned
}

// OpenCursor returns a cursor positioned before the first key.
func (t *Table) OpenCursor() *Cursor {
	return &Cursor{t: t, state: beforeStart, version: t.cursorVersion}
}

// Rewind returns the cursor to the Before-start state.
func (c *Cursor) Rewind() {
	c.state = beforeStart
	c.path = nil
	c.key = nil
}

// ToEnd positions the cursor at the At-end state.
func (c *Cursor) ToEnd() {
	c.state = atEnd
	c.path = nil
	c.key = nil
}

// AtEnd reports whether the cursor is in the At-end state.
func (c *Cursor) AtEnd() bool { return c.state == atEnd }

// Valid reports whether the cursor currently sits on a key (Positioned).
func (c *Cursor) Valid() bool { return c.state == positioned }

// Key returns the key the cursor currently sits at. Only valid when
// Valid() is true.
func (c *Cursor) Key() []byte { return c.key }

func (c *Cursor) stale() bool { return c.version != c.t.cursorVersion }

// refresh re-descends to the cursor's current key (if Positioned) after a
// mutation invalidated its cached path; Before-start/At-end have no
// position to lose and are left untouched.
func (c *Cursor) refresh() error {
	if !c.stale() {
		return nil
	}
	c.version = c.t.cursorVersion
	if c.state != positioned {
		c.path = nil
		return nil
	}
	key := c.key
	if err := c.findGE(key); err != nil {
		return err
	}
	if !c.Valid() || !bytes.Equal(c.key, key) {
		// The exact key the cursor sat on was deleted by the mutation;
		// land just past where it used to be, matching find_entry_ge's
		// own "smallest key >= target" contract.
		return nil
	}
	return nil
}

// clonedLeaf returns the cursor's current leaf level, refreshing first if
// the tree has mutated since the cursor last read its position.
func (c *Cursor) clonedLeaf() (*cursorLevel, error) {
	if err := c.refresh(); err != nil {
		return nil, err
	}
	if len(c.path) == 0 {
		return nil, nil
	}
	return &c.path[len(c.path)-1], nil
}

// findGE descends to the smallest key >= target, cloning every block
// visited into the cursor's own copy so later writer mutations can't
// disturb it.
func (c *Cursor) findGE(target []byte) error {
	c.path = nil
	if !c.t.root.Valid() {
		c.ToEnd()
		return nil
	}
	n := c.t.root
	for {
		orig, err := c.t.getPage(n)
		if err != nil {
			return err
		}
		page := orig.Clone()
		if page.Block().IsLeaf() {
			idx := leafSearchGE(page, target)
			c.path = append(c.path, cursorLevel{blockNum: n, page: page, slot: idx})
			if idx >= page.Count() {
				c.state = atEnd
				c.key = nil
				return nil
			}
			c.state = positioned
			c.key = append([]byte(nil), leafKey(page.ItemPayload(idx))...)
			return nil
		}
		idx := internalSearchGE(page, target)
		c.path = append(c.path, cursorLevel{blockNum: n, page: page, slot: idx})
		_, child, err := decodeInternal(page.ItemPayload(idx))
		if err != nil {
			return err
		}
		n = child
	}
}

func leafSearchGE(p *block.Page, target []byte) int {
	lo, hi := 0, p.Count()
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(leafKey(p.ItemPayload(mid)), target) >= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func internalSearchGE(p *block.Page, target []byte) int {
	lo, hi := 0, p.Count()
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(internalKey(p.ItemPayload(mid)), target) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo - 1
}

// firstChunkAt reports whether the item at a leaf slot begins a new
// logical entry (chunk 1) rather than continuing the previous entry's
// multi-chunk tag. Cursor iteration skips continuation chunks: callers
// see one entry per logical key, with ReadTag reassembling every chunk on
// demand.
func firstChunkAt(p *block.Page, slot int) bool {
	return !isContinuation(p.ItemPayload(slot))
}

// Next advances the cursor to the next logical key (skipping over any
// continuation chunks of a multi-chunk tag). From Before-start this reads
// the first key; from At-end it is a no-op.
func (c *Cursor) Next() error {
	if c.state == atEnd {
		return nil
	}
	if c.state == beforeStart {
		if err := c.findGE(nil); err != nil {
			return err
		}
		return c.skipContinuations()
	}
	if err := c.refresh(); err != nil {
		return err
	}
	if len(c.path) == 0 {
		c.ToEnd()
		return nil
	}
	leaf := &c.path[len(c.path)-1]
	leaf.slot++
	if leaf.slot >= leaf.page.Count() {
		if err := c.stepUpAndRight(); err != nil {
			return err
		}
	} else {
		c.state = positioned
		c.key = append([]byte(nil), leafKey(leaf.page.ItemPayload(leaf.slot))...)
	}
	if c.state != positioned {
		return nil
	}
	return c.skipContinuations()
}

// skipContinuations advances past any leaf items that are continuation
// chunks of the key the cursor just landed on, so Next()/Prev() always
// land on the start of a logical entry.
func (c *Cursor) skipContinuations() error {
	for c.state == positioned {
		leaf := &c.path[len(c.path)-1]
		if firstChunkAt(leaf.page, leaf.slot) {
			return nil
		}
		leaf.slot++
		if leaf.slot >= leaf.page.Count() {
			if err := c.stepUpAndRight(); err != nil {
				return err
			}
			continue
		}
		c.key = append([]byte(nil), leafKey(leaf.page.ItemPayload(leaf.slot))...)
	}
	return nil
}

// stepUpAndRight walks up the path until it finds a level with another
// entry to its right, then redescends down the leftmost path from there;
// it leaves the cursor At-end if no such level exists.
func (c *Cursor) stepUpAndRight() error {
	for level := len(c.path) - 2; level >= 0; level-- {
		entry := &c.path[level]
		if entry.slot+1 < entry.page.Count() {
			entry.slot++
			_, child, err := decodeInternal(entry.page.ItemPayload(entry.slot))
			if err != nil {
				return err
			}
			c.path = c.path[:level+1]
			return c.descendLeftmost(child)
		}
	}
	c.ToEnd()
	return nil
}

func (c *Cursor) descendLeftmost(n block.Number) error {
	for {
		orig, err := c.t.getPage(n)
		if err != nil {
			return err
		}
		page := orig.Clone()
		if page.Block().IsLeaf() {
			c.path = append(c.path, cursorLevel{blockNum: n, page: page, slot: 0})
			if page.Count() == 0 {
				c.ToEnd()
				return nil
			}
			c.state = positioned
			c.key = append([]byte(nil), leafKey(page.ItemPayload(0))...)
			return nil
		}
		c.path = append(c.path, cursorLevel{blockNum: n, page: page, slot: 0})
		_, child, err := decodeInternal(page.ItemPayload(0))
		if err != nil {
			return err
		}
		n = child
	}
}

// Prev moves the cursor to the previous logical key. From At-end this
// reads the last key.
func (c *Cursor) Prev() error {
	if c.state == beforeStart {
		return nil
	}
	if c.state == atEnd {
		if err := c.descendRightmost(); err != nil {
			return err
		}
	} else {
		if err := c.refresh(); err != nil {
			return err
		}
		if len(c.path) == 0 {
			c.Rewind()
			return nil
		}
		if err := c.stepBack(); err != nil {
			return err
		}
	}
	for c.state == positioned {
		leaf := &c.path[len(c.path)-1]
		if firstChunkAt(leaf.page, leaf.slot) {
			return nil
		}
		if err := c.stepBack(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cursor) stepBack() error {
	leaf := &c.path[len(c.path)-1]
	leaf.slot--
	if leaf.slot < 0 {
		return c.stepUpAndLeft()
	}
	c.state = positioned
	c.key = append([]byte(nil), leafKey(leaf.page.ItemPayload(leaf.slot))...)
	return nil
}

func (c *Cursor) stepUpAndLeft() error {
	for level := len(c.path) - 2; level >= 0; level-- {
		entry := &c.path[level]
		if entry.slot > 0 {
			entry.slot--
			_, child, err := decodeInternal(entry.page.ItemPayload(entry.slot))
			if err != nil {
				return err
			}
			c.path = c.path[:level+1]
			return c.descendRightmostFrom(child)
		}
	}
	c.Rewind()
	return nil
}

func (c *Cursor) descendRightmost() error {
	if !c.t.root.Valid() {
		c.Rewind()
		return nil
	}
	c.path = nil
	return c.descendRightmostFrom(c.t.root)
}

func (c *Cursor) descendRightmostFrom(n block.Number) error {
	for {
		orig, err := c.t.getPage(n)
		if err != nil {
			return err
		}
		page := orig.Clone()
		last := page.Count() - 1
		if page.Block().IsLeaf() {
			c.path = append(c.path, cursorLevel{blockNum: n, page: page, slot: last})
			if last < 0 {
				c.Rewind()
				return nil
			}
			c.state = positioned
			c.key = append([]byte(nil), leafKey(page.ItemPayload(last))...)
			return nil
		}
		c.path = append(c.path, cursorLevel{blockNum: n, page: page, slot: last})
		_, child, err := decodeInternal(page.ItemPayload(last))
		if err != nil {
			return err
		}
		n = child
	}
}

// FindEntryGE positions the cursor at the smallest key >= key, or at
// At-end if none exists.
func (c *Cursor) FindEntryGE(key []byte) error {
	if err := c.findGE(key); err != nil {
		return err
	}
	return c.skipContinuations()
}

// ReadTag reassembles (and, if needed, decompresses) the full tag at the
// cursor's current position. Only valid when Valid() is true.
func (c *Cursor) ReadTag() ([]byte, error) {
	if !c.Valid() {
		return nil, nil
	}
	tag, _, err := c.t.GetExactEntry(c.key)
	return tag, err
}

// ReadaheadKey is a best-effort hint that the leaf likely to hold key is
// about to be read: it resolves the one-level-above lookup and warms the
// table's block cache with that child, silently dropping any error
// (spec.md §4.2: "No semantic effect"). Grounded on original_source's
// GlassTable::readahead_key. Unlike a raw OS readahead syscall, this
// touches the table's own node cache, so — matching the single-writer
// assumption the rest of the engine relies on (spec.md §5) — it runs
// synchronously rather than on a detached goroutine, avoiding a data race
// against concurrent mutation of that same cache.
func (t *Table) ReadaheadKey(key []byte) {
	if !t.root.Valid() || len(key) == 0 {
		return
	}
	defer func() { recover() }()
	_, _ = t.descend(key)
}
