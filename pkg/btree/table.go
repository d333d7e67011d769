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

// Package btree implements the ordered key/value B-tree table that sits
// on top of pkg/block (spec.md §4.2): lookup, insertion with mid-point or
// sequential splitting, deletion, multi-chunk tags, deflate compression
// and a cursor protocol that invalidates on mutation.
package btree

import (
	"bytes"
	"compress/flate"
	"sort"

	"xapiancore.dev/pkg/block"
	"xapiancore.dev/pkg/xerrors"
)

// seqStartPoint is the sentinel seq_count resets to on any non-sequential
// insertion; once enough consecutive in-order appends bring it up to 0,
// the table switches to sequential (append-optimized) block splitting
// (spec.md §4.2.3).
const seqStartPoint = -100

// Options configure a Table at creation time.
type Options struct {
	BlockSize   int
	CompressMin int // tags shorter than this are never compressed
}

// Table is an ordered key→tag map backed by a single block.File.
type Table struct {
	file *block.File

	root      block.Number
	rootLevel byte
	numEntries uint32

	revision uint32

	compressMin int

	nodes map[block.Number]*block.Page
	dirty map[block.Number]bool

	cursorVersion uint64

	// beginPointer is the freelist Pointer the table was created or opened
	// with. Cancel rewinds the freelist to the same Pointer, which it reads
	// back through block.File.CurrentFreelistPointer.
	beginPointer block.Pointer

	fullCompaction bool
	seqCount       int32
	lastBlock      block.Number
	lastSlot       int

	compressor   *flate.Writer
	compressBuf  bytes.Buffer
	decompressor interface {
		Read([]byte) (int, error)
	}
	decompressBuf []byte
}

// Create initializes a brand new, empty table file.
func Create(path string, opts Options) (*Table, error) {
	f, err := block.Create(path, block.Options{BlockSize: opts.BlockSize})
	if err != nil {
		return nil, err
	}
	t := newTable(f, opts)
	t.beginPointer = block.Pointer{ReadBlock: block.Invalid, WriteBlock: block.Invalid}
	f.BeginRevision(t.beginPointer)
	return t, nil
}

// Open opens an existing table file at the given root/revision, as
// recorded by the owning shard's version file. The root's level is read
// from the root block's own header rather than passed in — spec.md §6
// already stamps every block with its level, so the version file doesn't
// need to duplicate it.
func Open(path string, opts Options, root block.Number, numEntries uint32, fl block.Pointer, revision uint32) (*Table, error) {
	f, err := block.Open(path, block.Options{BlockSize: opts.BlockSize})
	if err != nil {
		return nil, err
	}
	f.SetReaderRevision(revision)
	t := newTable(f, opts)
	t.root = root
	t.numEntries = numEntries
	t.revision = revision
	t.beginPointer = fl
	f.BeginRevision(fl)
	if root.Valid() {
		p, err := t.getPage(root)
		if err != nil {
			return nil, err
		}
		t.rootLevel = p.Block().Level()
	}
	return t, nil
}

func newTable(f *block.File, opts Options) *Table {
	return &Table{
		file:        f,
		root:        block.Invalid,
		compressMin: opts.CompressMin,
		nodes:       make(map[block.Number]*block.Page),
		dirty:       make(map[block.Number]bool),
		seqCount:    seqStartPoint,
		lastBlock:   block.Invalid,
	}
}

// SetFullCompaction switches the table into sequential split mode
// regardless of the seq_count heuristic (spec.md §4.2's set_full_compaction).
func (t *Table) SetFullCompaction(on bool) { t.fullCompaction = on }

func (t *Table) sequentialMode() bool { return t.fullCompaction || t.seqCount >= 0 }

func (t *Table) bumpCursorVersion() { t.cursorVersion++ }

func (t *Table) getPage(n block.Number) (*block.Page, error) {
	if p, ok := t.nodes[n]; ok {
		return p, nil
	}
	b, err := t.file.ReadBlock(n)
	if err != nil {
		return nil, err
	}
	p, err := block.OpenPage(b)
	if err != nil {
		return nil, err
	}
	t.nodes[n] = p
	return p, nil
}

func (t *Table) allocatePage(level byte) (block.Number, *block.Page, error) {
	n, err := t.file.NextFreeBlock(t.revision + 1)
	if err != nil {
		return 0, nil, err
	}
	b := block.New(n, t.file.BlockSize())
	p := block.NewPage(b, level, t.revision+1)
	t.nodes[n] = p
	t.dirty[n] = true
	return n, p, nil
}

func (t *Table) markDirty(n block.Number) { t.dirty[n] = true }

func (t *Table) freePage(n block.Number) error {
	delete(t.nodes, n)
	delete(t.dirty, n)
	return t.file.FreeBlock(n, t.revision+1)
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return xerrors.New(xerrors.InvalidArgument, "key must not be empty")
	}
	if len(key) > MaxKeySize {
		return xerrors.New(xerrors.InvalidArgument, "key length %d exceeds MAX_KEY (%d)", len(key), MaxKeySize)
	}
	return nil
}

// pathEntry is one level visited while descending to a key: the block
// number, its page, and the directory slot the descent used (the chosen
// child at internal levels, the insertion/match point at the leaf).
type pathEntry struct {
	blockNum block.Number
	page     *block.Page
	slot     int
}

// descend walks from the root to the leaf that would hold key, recording
// the path taken. At each internal level it binds to the last entry whose
// key is <= target (entry 0's key is either the empty "-infinity" bound or
// the separator the parent routed on, which is <= target, so a match
// always exists once the tree is non-empty).
func (t *Table) descend(key []byte) ([]pathEntry, error) {
	var path []pathEntry
	n := t.root
	for {
		p, err := t.getPage(n)
		if err != nil {
			return nil, err
		}
		if p.Block().IsLeaf() {
			idx := sort.Search(p.Count(), func(i int) bool {
				return bytes.Compare(leafKey(p.ItemPayload(i)), key) >= 0
			})
			path = append(path, pathEntry{blockNum: n, page: p, slot: idx})
			return path, nil
		}
		// Internal: find the last entry whose key <= target.
		idx := sort.Search(p.Count(), func(i int) bool {
			return bytes.Compare(internalKey(p.ItemPayload(i)), key) > 0
		}) - 1
		if idx < 0 {
			return nil, xerrors.New(xerrors.Corrupt, "internal block %d has no catch-all entry", n)
		}
		_, child, err := decodeInternal(p.ItemPayload(idx))
		if err != nil {
			return nil, err
		}
		path = append(path, pathEntry{blockNum: n, page: p, slot: idx})
		n = child
	}
}

// findChunk1 locates the first chunk of key, if present.
func (t *Table) findChunk1(key []byte) (leafItem, bool, error) {
	if !t.root.Valid() {
		return leafItem{}, false, nil
	}
	path, err := t.descend(key)
	if err != nil {
		return leafItem{}, false, err
	}
	leaf := path[len(path)-1]
	if leaf.slot >= leaf.page.Count() {
		return leafItem{}, false, nil
	}
	payload := leaf.page.ItemPayload(leaf.slot)
	if !bytes.Equal(leafKey(payload), key) {
		return leafItem{}, false, nil
	}
	item, err := decodeLeafFirst(payload)
	if err != nil {
		return leafItem{}, false, err
	}
	return item, true, nil
}

// KeyExists reports whether key is present, without materializing its tag.
func (t *Table) KeyExists(key []byte) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	_, found, err := t.findChunk1(key)
	return found, err
}

// GetExactEntry performs a point lookup, reassembling and (if needed)
// decompressing a multi-chunk or compressed tag.
func (t *Table) GetExactEntry(key []byte) (tag []byte, found bool, err error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	first, found, err := t.findChunk1(key)
	if err != nil || !found {
		return nil, found, err
	}
	tag = append([]byte(nil), first.Payload...)
	for i := 2; i <= first.Total; i++ {
		ck := chunkKey(key, i)
		path, err := t.descend(ck)
		if err != nil {
			return nil, false, err
		}
		leaf := path[len(path)-1]
		if leaf.slot >= leaf.page.Count() {
			return nil, false, xerrors.New(xerrors.Corrupt, "missing chunk %d of key", i)
		}
		payload := leaf.page.ItemPayload(leaf.slot)
		if !bytes.Equal(leafKey(payload), ck) {
			return nil, false, xerrors.New(xerrors.Corrupt, "missing chunk %d of key", i)
		}
		chunk, err := decodeLeafChunk(payload)
		if err != nil {
			return nil, false, err
		}
		tag = append(tag, chunk.Payload...)
	}
	if first.Compressed {
		tag, err = t.decompressTag(tag)
		if err != nil {
			return nil, false, err
		}
	}
	return tag, true, nil
}

// maxChunkPayload bounds how much raw chunk payload a single item may
// carry, leaving headroom so at least a few items fit per block even in
// the worst case (spec.md's "max_item_size - overhead").
func (t *Table) maxChunkPayload() int {
	cap := t.file.BlockSize() - block.HeaderSize
	budget := cap / 4
	if budget < 64 {
		budget = 64
	}
	return budget
}

// Add inserts or replaces key's tag. alreadyCompressed lets a caller that
// knows its bytes are already a valid inflate stream (e.g. the compactor
// copying an existing chunk verbatim) skip recompression.
func (t *Table) Add(key, tag []byte, alreadyCompressed bool) error {
	if err := validateKey(key); err != nil {
		return err
	}
	compressed := alreadyCompressed
	payload := tag
	if !alreadyCompressed {
		if cp, ok := t.compressTag(tag); ok {
			payload, compressed = cp, true
		}
	}

	frameOverhead := 4 // flags + keylen + component-count, or the 2-byte chunk-key suffix on later chunks
	maxChunk := t.maxChunkPayload() - frameOverhead - len(key)
	if maxChunk < 1 {
		maxChunk = 1
	}

	var newTotal int
	if len(payload) == 0 {
		newTotal = 1
	} else {
		newTotal = (len(payload) + maxChunk - 1) / maxChunk
	}
	if newTotal < 1 {
		newTotal = 1
	}

	oldFirst, hadOld, err := t.findChunk1(key)
	if err != nil {
		return err
	}
	oldTotal := 0
	if hadOld {
		oldTotal = oldFirst.Total
	}

	maxI := newTotal
	if oldTotal > maxI {
		maxI = oldTotal
	}
	for i := 1; i <= maxI; i++ {
		var k []byte
		if i == 1 {
			k = key
		} else {
			k = chunkKey(key, i)
		}
		if i <= newTotal {
			start := (i - 1) * maxChunk
			end := start + maxChunk
			if end > len(payload) {
				end = len(payload)
			}
			var itemPayload []byte
			if i == 1 {
				itemPayload = encodeLeafFirst(key, compressed, newTotal, payload[start:end])
			} else {
				itemPayload = encodeLeafChunk(k, payload[start:end])
			}
			if err := t.insertLeafItem(k, itemPayload); err != nil {
				return err
			}
		} else {
			if err := t.deleteLeafItem(k); err != nil {
				return err
			}
		}
	}
	if !hadOld {
		t.numEntries++
	}
	return nil
}

// Del removes all chunks for key. It returns found=false rather than an
// error if the key wasn't present.
func (t *Table) Del(key []byte) (found bool, err error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	first, hadOld, err := t.findChunk1(key)
	if err != nil || !hadOld {
		return false, err
	}
	for i := 1; i <= first.Total; i++ {
		var k []byte
		if i == 1 {
			k = key
		} else {
			k = chunkKey(key, i)
		}
		if err := t.deleteLeafItem(k); err != nil {
			return false, err
		}
	}
	t.numEntries--
	return true, nil
}

// NumEntries returns the table's current entry count (distinct keys, not
// chunk count).
func (t *Table) NumEntries() uint32 { return t.numEntries }
