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
	"xapiancore.dev/pkg/changes"
	"xapiancore.dev/pkg/version"
	"xapiancore.dev/pkg/xerrors"
)

// insertLeafItem places one already-encoded leaf item (a whole chunk-1
// tag or one chunk of a split tag) under key, replacing any existing item
// with the same key. It grows the tree by splitting blocks bottom-up as
// needed (spec.md §4.2.2).
func (t *Table) insertLeafItem(key, payload []byte) error {
	if !t.root.Valid() {
		n, p, err := t.allocatePage(0)
		if err != nil {
			return err
		}
		if !p.InsertAt(0, payload) {
			return xerrors.New(xerrors.Corrupt, "item of %d bytes does not fit in an empty block", len(payload))
		}
		t.root = n
		t.rootLevel = 0
		t.bumpCursorVersion()
		t.updateSeqState(n, 0)
		return nil
	}

	path, err := t.descend(key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	replacing := leaf.slot < leaf.page.Count() && bytes.Equal(leafKey(leaf.page.ItemPayload(leaf.slot)), key)
	if replacing {
		leaf.page.DeleteAt(leaf.slot)
	}
	if err := t.insertAtLevel(path, len(path)-1, leaf.slot, payload); err != nil {
		return err
	}
	t.bumpCursorVersion()
	t.updateSeqState(leaf.blockNum, leaf.slot)
	// A split may have moved the new item into another block; the next
	// insert is compared against the position the item actually landed at.
	landed, err := t.descend(key)
	if err != nil {
		return err
	}
	at := landed[len(landed)-1]
	t.lastBlock, t.lastSlot = at.blockNum, at.slot
	return nil
}

// deleteLeafItem removes the item stored under key, if present. Deletion
// never merges underfull sibling blocks back together: a block left
// sparse by deletes is reclaimed whole the next time it's split or the
// database is compacted (pkg/compact), not rebalanced eagerly. This
// mirrors the original engine, which also defers reclaiming deleted space
// to compaction rather than merging on every delete. An emptied block is
// still freed outright (spec.md §4.2.4), just never merged with a
// non-empty sibling.
func (t *Table) deleteLeafItem(key []byte) error {
	if !t.root.Valid() {
		return nil
	}
	path, err := t.descend(key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	if leaf.slot >= leaf.page.Count() || !bytes.Equal(leafKey(leaf.page.ItemPayload(leaf.slot)), key) {
		return nil
	}
	leaf.page.DeleteAt(leaf.slot)
	t.markDirty(leaf.blockNum)
	t.bumpCursorVersion()
	return t.collapseLevel(path, len(path)-1)
}

// collapseLevel implements spec.md §4.2.4's post-delete cleanup: a block
// left empty by the deletion just applied at path[level] is freed and its
// separator removed from the parent, recursing upward as far as that
// keeps emptying blocks; a root that shrinks to a single internal entry
// is replaced by that entry's child, one level shallower. Plain underfill
// (a non-empty, merely sparse block) is left alone — no sibling merging.
func (t *Table) collapseLevel(path []pathEntry, level int) error {
	entry := path[level]
	if entry.page.Count() == 0 {
		if level == 0 {
			// The whole tree is now empty.
			if err := t.freePage(entry.blockNum); err != nil {
				return err
			}
			t.root = block.Invalid
			t.rootLevel = 0
			return nil
		}
		if err := t.freePage(entry.blockNum); err != nil {
			return err
		}
		parent := path[level-1]
		parent.page.DeleteAt(parent.slot)
		t.markDirty(parent.blockNum)
		if parent.slot == 0 && parent.page.Count() > 0 {
			// Slot 0 of an internal block carries no real separator key
			// (it's the implicit "-infinity" catch-all); whichever entry
			// is promoted into slot 0 must lose its key the same way, or
			// descend's "no catch-all entry" check can start rejecting
			// keys smaller than what used to be a real separator.
			_, child, err := decodeInternal(parent.page.ItemPayload(0))
			if err != nil {
				return err
			}
			parent.page.DeleteAt(0)
			if !parent.page.InsertAt(0, encodeInternal(nil, child)) {
				return xerrors.New(xerrors.Corrupt, "re-keying catch-all entry after delete doesn't fit")
			}
		}
		return t.collapseLevel(path, level-1)
	}
	if level == 0 && !entry.page.Block().IsLeaf() && entry.page.Count() == 1 {
		_, child, err := decodeInternal(entry.page.ItemPayload(0))
		if err != nil {
			return err
		}
		if err := t.freePage(entry.blockNum); err != nil {
			return err
		}
		t.root = child
		t.rootLevel--
		return nil
	}
	return nil
}

// insertAtLevel places payload at directory slot idx of path[level]'s
// block, splitting (and recursing upward to insert the new separator into
// the parent) if it doesn't fit even after compaction.
func (t *Table) insertAtLevel(path []pathEntry, level, idx int, payload []byte) error {
	entry := path[level]
	if entry.page.InsertAt(idx, payload) {
		t.markDirty(entry.blockNum)
		return nil
	}
	entry.page.Compact()
	if entry.page.InsertAt(idx, payload) {
		t.markDirty(entry.blockNum)
		return nil
	}
	return t.splitAndInsert(path, level, idx, payload)
}

// splitAndInsert splits path[level]'s overfull block in two, placing
// payload into whichever half it belongs in, then inserts a new separator
// entry for the right-hand block into the parent level (or grows a new
// root if level is the top of the path).
func (t *Table) splitAndInsert(path []pathEntry, level, idx int, payload []byte) error {
	entry := path[level]
	p := entry.page
	lvl := p.Block().Level()
	isLeaf := lvl == 0
	n := p.Count()

	items := make([][]byte, 0, n+1)
	for i := 0; i < idx; i++ {
		items = append(items, append([]byte(nil), p.ItemPayload(i)...))
	}
	items = append(items, payload)
	for i := idx; i < n; i++ {
		items = append(items, append([]byte(nil), p.ItemPayload(i)...))
	}
	total := len(items)

	splitIdx := total / 2
	if t.sequentialMode() && idx == n {
		// Appending strictly past the end of an already-full block: keep
		// everything but the new item on the left, so a long run of
		// ascending inserts fills blocks almost completely instead of
		// leaving every split half-empty.
		splitIdx = total - 1
	}
	if splitIdx < 1 {
		splitIdx = 1
	}
	if splitIdx > total-1 {
		splitIdx = total - 1
	}

	leftItems := items[:splitIdx]
	rightItems := items[splitIdx:]

	leftPage, err := t.replacePageContents(entry.blockNum, lvl, leftItems)
	if err != nil {
		return err
	}
	rightNum, rightPage, err := t.allocatePage(lvl)
	if err != nil {
		return err
	}
	for i, it := range rightItems {
		if !rightPage.InsertAt(i, it) {
			return xerrors.New(xerrors.Corrupt, "split right half still doesn't fit a fresh block")
		}
	}
	t.markDirty(rightNum)
	_ = leftPage

	var sepKey []byte
	if isLeaf {
		lowKey := leafKey(leftItems[len(leftItems)-1])
		highKey := leafKey(rightItems[0])
		sepKey = shortestSeparator(lowKey, highKey)
	} else {
		sepKey = append([]byte(nil), internalKey(rightItems[0])...)
	}
	newEntry := encodeInternal(sepKey, rightNum)

	if level == 0 {
		return t.growRoot(entry.blockNum, rightNum, sepKey, lvl)
	}
	parent := path[level-1]
	return t.insertAtLevel(path, level-1, parent.slot+1, newEntry)
}

// replacePageContents reinitializes the block at n (reusing its number,
// so no pointer to it elsewhere needs to change) with items as its sole
// contents, in order.
func (t *Table) replacePageContents(n block.Number, level byte, items [][]byte) (*block.Page, error) {
	b := t.nodes[n].Block()
	newPage := block.NewPage(b, level, t.revision+1)
	for i, it := range items {
		if !newPage.InsertAt(i, it) {
			return nil, xerrors.New(xerrors.Corrupt, "split left half still doesn't fit its own block")
		}
	}
	t.nodes[n] = newPage
	t.markDirty(n)
	return newPage, nil
}

// growRoot builds a fresh two-entry root one level above childLevel,
// pointing at left (entry 0, the conventional empty "-infinity" key) and
// right (keyed by sepKey, already computed by the caller's split).
func (t *Table) growRoot(left, right block.Number, sepKey []byte, childLevel byte) error {
	newLevel := childLevel + 1
	if int(newLevel) >= block.MaxTreeDepth {
		return xerrors.New(xerrors.Corrupt, "tree depth would exceed %d levels", block.MaxTreeDepth)
	}
	n, p, err := t.allocatePage(newLevel)
	if err != nil {
		return err
	}
	if !p.InsertAt(0, encodeInternal(nil, left)) {
		return xerrors.New(xerrors.Corrupt, "empty root doesn't have room for its first entry")
	}
	if !p.InsertAt(1, encodeInternal(sepKey, right)) {
		return xerrors.New(xerrors.Corrupt, "empty root doesn't have room for its second entry")
	}
	t.root = n
	t.rootLevel = newLevel
	t.markDirty(n)
	return nil
}

// shortestSeparator returns the shortest byte string k such that
// low < k <= high, by truncating high to the first byte where it departs
// from low (spec.md §4.2.1: leaf-level separators are the shortest
// distinguishing prefix; internal-level separators keep their full key).
func shortestSeparator(low, high []byte) []byte {
	i := 0
	for i < len(low) && i < len(high) && low[i] == high[i] {
		i++
	}
	if i >= len(high) {
		return append([]byte(nil), high...)
	}
	return append([]byte(nil), high[:i+1]...)
}

// updateSeqState tracks whether recent inserts have been a run of
// strictly-ascending appends to the same block, switching the table into
// sequential split mode once the run is long enough (spec.md §4.2.3).
func (t *Table) updateSeqState(blockNum block.Number, slot int) {
	if blockNum == t.lastBlock && slot == t.lastSlot+1 {
		t.seqCount++
	} else {
		t.seqCount = seqStartPoint
	}
	t.lastBlock = blockNum
	t.lastSlot = slot
}

// Commit writes every modified block to the underlying file, flushes the
// freelist, and returns the version.RootInfo this revision should publish
// for this table. If cw is non-nil, every B-tree block written here is
// also appended to the changes log under this table's name (spec.md
// §4.4); the freelist blocks CommitFreelist writes are not appended.
func (t *Table) Commit(newRevision uint32, cw *changes.Writer, tableName string) (version.RootInfo, error) {
	if cw != nil {
		if err := cw.BeginTable(tableName, t.file.BlockSize()); err != nil {
			return version.RootInfo{}, err
		}
	}
	for n := range t.dirty {
		p := t.nodes[n]
		if err := t.file.WriteBlock(p.Block(), newRevision); err != nil {
			return version.RootInfo{}, err
		}
		if cw != nil {
			if err := cw.AppendBlock(p.Block()); err != nil {
				return version.RootInfo{}, err
			}
		}
	}
	if cw != nil {
		if err := cw.EndTable(); err != nil {
			return version.RootInfo{}, err
		}
	}
	fl, err := t.file.CommitFreelist(newRevision)
	if err != nil {
		return version.RootInfo{}, err
	}
	t.dirty = make(map[block.Number]bool)
	t.revision = newRevision
	return version.RootInfo{
		RootBlock:   t.root,
		NumEntries:  t.numEntries,
		CompressMin: uint32(t.compressMin),
		Freelist:    fl,
	}, nil
}

// Cancel discards every change made since the table was opened (or since
// the last Commit), dropping the in-memory block cache so the next
// operation re-reads from disk.
func (t *Table) Cancel() {
	t.nodes = make(map[block.Number]*block.Page)
	t.dirty = make(map[block.Number]bool)
	t.file.BeginRevision(t.file.CurrentFreelistPointer())
}

// Close releases the underlying file.
func (t *Table) Close() error {
	return t.file.Close()
}
