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
	"fmt"
	"path/filepath"
	"testing"

	"xapiancore.dev/pkg/block"
	"xapiancore.dev/pkg/xerrors"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t")
	tb, err := Create(path, Options{BlockSize: block.MinSize, CompressMin: 4})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { tb.Close() })
	return tb
}

// reopen commits tb at the given revision and reopens a fresh Table
// handle from the same file, to exercise P1's "including after commit()
// and reopen" clause.
func reopen(t *testing.T, tb *Table, path string, revision uint32) *Table {
	t.Helper()
	info, err := tb.Commit(revision, nil, "t")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := tb.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	reopened, err := Open(path, Options{BlockSize: block.MinSize, CompressMin: 4}, info.RootBlock, info.NumEntries, info.Freelist, revision)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { reopened.Close() })
	return reopened
}

// TestRoundTrip exercises P1: put/get survives commit and reopen.
func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t")
	tb, err := Create(path, Options{BlockSize: block.MinSize, CompressMin: 4})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := tb.Add([]byte("hello"), []byte("world"), false); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	tb = reopen(t, tb, path, 1)

	tag, found, err := tb.GetExactEntry([]byte("hello"))
	if err != nil || !found {
		t.Fatalf("GetExactEntry() = (%q,%v,%v), want (\"world\",true,nil)", tag, found, err)
	}
	if !bytes.Equal(tag, []byte("world")) {
		t.Fatalf("GetExactEntry() tag = %q, want %q", tag, "world")
	}
}

// TestSequentialInsertAndReopen is spec.md §8 scenario 1: 10,000 ordered
// keys, commit, reopen, forward and backward cursor scans.
func TestSequentialInsertAndReopen(t *testing.T) {
	const n = 10000
	path := filepath.Join(t.TempDir(), "t")
	tb, err := Create(path, Options{BlockSize: block.MinSize, CompressMin: 4})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%010d", i))
		val := []byte(fmt.Sprintf("%d", i))
		if err := tb.Add(key, val, false); err != nil {
			t.Fatalf("Add(%q) error = %v", key, err)
		}
	}
	tb = reopen(t, tb, path, 1)
	if tb.NumEntries() != n {
		t.Fatalf("NumEntries() = %d, want %d", tb.NumEntries(), n)
	}

	c := tb.OpenCursor()
	for i := 0; i < n; i++ {
		if err := c.Next(); err != nil {
			t.Fatalf("Next() error = %v at i=%d", err, i)
		}
		if !c.Valid() {
			t.Fatalf("Next() landed At-end at i=%d, want %d entries", i, n)
		}
		want := fmt.Sprintf("k%010d", i)
		if string(c.Key()) != want {
			t.Fatalf("forward scan key %d = %q, want %q", i, c.Key(), want)
		}
		tag, err := c.ReadTag()
		if err != nil {
			t.Fatalf("ReadTag() error = %v", err)
		}
		if string(tag) != fmt.Sprintf("%d", i) {
			t.Fatalf("forward scan tag %d = %q, want %q", i, tag, i)
		}
	}
	if err := c.Next(); err != nil {
		t.Fatalf("Next() past last error = %v", err)
	}
	if !c.AtEnd() {
		t.Fatalf("Next() past last key did not reach At-end")
	}

	c2 := tb.OpenCursor()
	c2.ToEnd()
	for i := n - 1; i >= 0; i-- {
		if err := c2.Prev(); err != nil {
			t.Fatalf("Prev() error = %v at i=%d", err, i)
		}
		if !c2.Valid() {
			t.Fatalf("Prev() landed Before-start at i=%d", i)
		}
		want := fmt.Sprintf("k%010d", i)
		if string(c2.Key()) != want {
			t.Fatalf("backward scan key %d = %q, want %q", i, c2.Key(), want)
		}
	}
}

// TestOversizedKeyRejected is spec.md §8 scenario 2.
func TestOversizedKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t")
	tb, err := Create(path, Options{BlockSize: block.MinSize, CompressMin: 4})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	oversized := bytes.Repeat([]byte("k"), MaxKeySize+1)
	err = tb.Add(oversized, []byte("x"), false)
	if !xerrors.Is(err, xerrors.InvalidArgument) {
		t.Fatalf("Add(oversized) error = %v, want InvalidArgument", err)
	}

	if err := tb.Add([]byte("ok"), []byte("v"), false); err != nil {
		t.Fatalf("Add(\"ok\") after rejected oversized key error = %v", err)
	}
	tb = reopen(t, tb, path, 1)
	tag, found, err := tb.GetExactEntry([]byte("ok"))
	if err != nil || !found || string(tag) != "v" {
		t.Fatalf("GetExactEntry(\"ok\") = (%q,%v,%v), want (\"v\",true,nil)", tag, found, err)
	}
}

// TestLargeTagCompresses is spec.md §8 scenario 3.
func TestLargeTagCompresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t")
	tb, err := Create(path, Options{BlockSize: block.MinSize, CompressMin: 4})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	big := bytes.Repeat([]byte{'x'}, 200000)
	if err := tb.Add([]byte("big"), big, false); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	tb = reopen(t, tb, path, 1)

	tag, found, err := tb.GetExactEntry([]byte("big"))
	if err != nil || !found {
		t.Fatalf("GetExactEntry() = (_,%v,%v), want found", found, err)
	}
	if !bytes.Equal(tag, big) {
		t.Fatalf("GetExactEntry() returned %d bytes, want %d identical bytes", len(tag), len(big))
	}
	first, found, err := tb.findChunk1([]byte("big"))
	if err != nil || !found || !first.Compressed {
		t.Fatalf("stored form of %q: found=%v compressed=%v err=%v, want compressed", "big", found, first.Compressed, err)
	}
}

// TestSmallTagNeverCompressed checks P7's second clause directly against
// the compressor, independent of the on-disk bit.
func TestSmallTagNeverCompressed(t *testing.T) {
	tb := newTestTable(t)
	small := []byte("ab")
	if _, compressed := tb.compressTag(small); compressed {
		t.Fatalf("compressTag(%q) reported compressed, want never-compressed below CompressMin", small)
	}
}

// TestDeleteAbsentKeyIsNoop is P3.
func TestDeleteAbsentKeyIsNoop(t *testing.T) {
	tb := newTestTable(t)
	found, err := tb.Del([]byte("nope"))
	if err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if found {
		t.Fatalf("Del() on absent key = true, want false")
	}
}

// TestDeleteEmptiesLeafAndCollapsesRoot exercises spec.md §4.2.4: deleting
// the sole remaining key frees its leaf and leaves the table empty and
// still usable for further inserts.
func TestDeleteEmptiesLeafAndCollapsesRoot(t *testing.T) {
	tb := newTestTable(t)
	if err := tb.Add([]byte("only"), []byte("v"), false); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	found, err := tb.Del([]byte("only"))
	if err != nil || !found {
		t.Fatalf("Del() = (%v,%v), want (true,nil)", found, err)
	}
	if tb.NumEntries() != 0 {
		t.Fatalf("NumEntries() after deleting the only key = %d, want 0", tb.NumEntries())
	}
	if tb.root.Valid() {
		t.Fatalf("root is still valid after deleting the only key, want an empty tree")
	}
	if found, err := tb.KeyExists([]byte("only")); err != nil || found {
		t.Fatalf("KeyExists() after delete = (%v,%v), want (false,nil)", found, err)
	}

	// The table must still accept further inserts after collapsing to empty.
	if err := tb.Add([]byte("again"), []byte("w"), false); err != nil {
		t.Fatalf("Add() after empty collapse error = %v", err)
	}
	tag, found, err := tb.GetExactEntry([]byte("again"))
	if err != nil || !found || string(tag) != "w" {
		t.Fatalf("GetExactEntry(\"again\") = (%q,%v,%v), want (\"w\",true,nil)", tag, found, err)
	}
}

// TestDeleteMiddleLeafPreservesTraversal forces a multi-level tree, empties
// one interior leaf entirely by deleting every key it holds, and checks
// that a full forward cursor scan still visits every surviving key exactly
// once in order (P2) — the regression this guards is a cursor silently
// reaching At-end early when it steps into an emptied, unpruned leaf.
func TestDeleteMiddleLeafPreservesTraversal(t *testing.T) {
	const n = 2000
	tb := newTestTable(t)
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%06d", i)
		keys = append(keys, key)
		if err := tb.Add([]byte(key), []byte(key), false); err != nil {
			t.Fatalf("Add(%q) error = %v", key, err)
		}
	}

	// Delete a contiguous band in the middle of the keyspace, which should
	// empty (and free) at least one whole leaf block.
	deleted := make(map[string]bool)
	for i := 900; i < 1100; i++ {
		key := keys[i]
		found, err := tb.Del([]byte(key))
		if err != nil || !found {
			t.Fatalf("Del(%q) = (%v,%v), want (true,nil)", key, found, err)
		}
		deleted[key] = true
	}

	var want []string
	for _, k := range keys {
		if !deleted[k] {
			want = append(want, k)
		}
	}

	var got []string
	c := tb.OpenCursor()
	for {
		if err := c.Next(); err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if !c.Valid() {
			break
		}
		got = append(got, string(c.Key()))
	}

	if len(got) != len(want) {
		t.Fatalf("cursor scan visited %d keys, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cursor scan[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestSplitCorrectness is P6: enough random-ish inserts to force multiple
// splits, then a full cursor scan must reproduce exactly the inserted set
// in order.
func TestSplitCorrectness(t *testing.T) {
	tb := newTestTable(t)
	const n = 5000
	inserted := make(map[string]string, n)
	for i := 0; i < n; i++ {
		// A multiplicative stride scatters insertion order across the
		// keyspace without needing math/rand (disallowed determinism
		// concerns aside, this is just simpler to keep deterministic).
		k := (i * 7919) % n
		key := fmt.Sprintf("key-%05d", k)
		val := fmt.Sprintf("val-%05d", k)
		if err := tb.Add([]byte(key), []byte(val), false); err != nil {
			t.Fatalf("Add(%q) error = %v", key, err)
		}
		inserted[key] = val
	}
	if int(tb.NumEntries()) != len(inserted) {
		t.Fatalf("NumEntries() = %d, want %d", tb.NumEntries(), len(inserted))
	}

	c := tb.OpenCursor()
	var prev []byte
	count := 0
	for {
		if err := c.Next(); err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if !c.Valid() {
			break
		}
		if prev != nil && bytes.Compare(prev, c.Key()) >= 0 {
			t.Fatalf("cursor order violation: %q did not strictly follow %q", c.Key(), prev)
		}
		prev = append([]byte(nil), c.Key()...)
		want, ok := inserted[string(c.Key())]
		if !ok {
			t.Fatalf("cursor produced unexpected key %q", c.Key())
		}
		tag, err := c.ReadTag()
		if err != nil {
			t.Fatalf("ReadTag() error = %v", err)
		}
		if string(tag) != want {
			t.Fatalf("ReadTag(%q) = %q, want %q", c.Key(), tag, want)
		}
		count++
	}
	if count != len(inserted) {
		t.Fatalf("cursor scan produced %d keys, want %d", count, len(inserted))
	}
}

// TestCursorStability is P8: a cursor opened before a write keeps
// returning its own snapshot; only a subsequent positional operation may
// observe the mutation (via staleness-triggered refresh), and it must
// never silently return wrong data.
func TestCursorStability(t *testing.T) {
	tb := newTestTable(t)
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := tb.Add([]byte(k), []byte(k), false); err != nil {
			t.Fatalf("Add(%q) error = %v", k, err)
		}
	}
	c := tb.OpenCursor()
	if err := c.Next(); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(c.Key()) != "a" {
		t.Fatalf("Next() = %q, want \"a\"", c.Key())
	}

	if err := tb.Add([]byte("aa"), []byte("aa"), false); err != nil {
		t.Fatalf("Add(\"aa\") error = %v", err)
	}

	// The cursor's own copy of its current block is untouched; it still
	// reports the key it was sitting on before the mutation.
	if string(c.Key()) != "a" {
		t.Fatalf("cursor key changed after writer mutation without a cursor op: got %q, want \"a\"", c.Key())
	}

	if err := c.Next(); err != nil {
		t.Fatalf("Next() after mutation error = %v", err)
	}
	if !c.Valid() {
		t.Fatalf("Next() after mutation landed At-end unexpectedly")
	}
	if string(c.Key()) != "aa" && string(c.Key()) != "b" {
		t.Fatalf("Next() after mutation = %q, want \"aa\" or \"b\" (both are valid post-mutation successors of \"a\")", c.Key())
	}
}

// TestMultiChunkTag checks that a tag large enough to need several chunks
// is reassembled in order and that replacing it with a shorter value
// trims the trailing chunks (spec.md §4.2's "the difference is handled as
// a run of deletes... at the tail").
func TestMultiChunkTag(t *testing.T) {
	// Compression is kept out of reach so the repetitive tag is stored
	// uncompressed and really spans several chunks.
	tb, err := Create(filepath.Join(t.TempDir(), "t"), Options{BlockSize: block.MinSize, CompressMin: 1 << 30})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { tb.Close() })
	long := bytes.Repeat([]byte("0123456789"), 2000) // far larger than one item
	if err := tb.Add([]byte("chunked"), long, false); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	first, found, err := tb.findChunk1([]byte("chunked"))
	if err != nil || !found || first.Total < 2 {
		t.Fatalf("stored %q as %d chunk(s) (found=%v, err=%v), want several", "chunked", first.Total, found, err)
	}
	got, found, err := tb.GetExactEntry([]byte("chunked"))
	if err != nil || !found {
		t.Fatalf("GetExactEntry() = (_,%v,%v), want found", found, err)
	}
	if !bytes.Equal(got, long) {
		t.Fatalf("GetExactEntry() returned %d bytes, want %d identical bytes", len(got), len(long))
	}

	short := []byte("short")
	if err := tb.Add([]byte("chunked"), short, false); err != nil {
		t.Fatalf("Add() replacement error = %v", err)
	}
	got2, found, err := tb.GetExactEntry([]byte("chunked"))
	if err != nil || !found {
		t.Fatalf("GetExactEntry() after shrink = (_,%v,%v), want found", found, err)
	}
	if !bytes.Equal(got2, short) {
		t.Fatalf("GetExactEntry() after shrink = %q, want %q", got2, short)
	}
	if exists, err := tb.KeyExists(chunkKey([]byte("chunked"), 2)); err != nil || exists {
		t.Fatalf("chunk 2 after shrink: exists=%v err=%v, want trimmed", exists, err)
	}
}

// TestKeyExistsIdempotent checks a quick KeyExists path doesn't disturb
// subsequent point lookups.
func TestKeyExistsIdempotent(t *testing.T) {
	tb := newTestTable(t)
	if err := tb.Add([]byte("k"), []byte("v"), false); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		found, err := tb.KeyExists([]byte("k"))
		if err != nil || !found {
			t.Fatalf("KeyExists() iteration %d = (%v,%v), want (true,nil)", i, found, err)
		}
	}
	tag, found, err := tb.GetExactEntry([]byte("k"))
	if err != nil || !found || string(tag) != "v" {
		t.Fatalf("GetExactEntry() after KeyExists probes = (%q,%v,%v), want (\"v\",true,nil)", tag, found, err)
	}
}

// TestCancelDiscardsUncommittedWrites exercises the pending-writes-cleared
// guarantee spec.md §7 calls out by name.
func TestCancelDiscardsUncommittedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t")
	tb, err := Create(path, Options{BlockSize: block.MinSize, CompressMin: 4})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := tb.Add([]byte("committed"), []byte("1"), false); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := tb.Commit(1, nil, "t"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := tb.Add([]byte("pending"), []byte("2"), false); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	tb.Cancel()

	found, err := tb.KeyExists([]byte("pending"))
	if err != nil {
		t.Fatalf("KeyExists() error = %v", err)
	}
	if found {
		t.Fatalf("KeyExists(\"pending\") after Cancel() = true, want false")
	}
	found, err = tb.KeyExists([]byte("committed"))
	if err != nil || !found {
		t.Fatalf("KeyExists(\"committed\") after Cancel() = (%v,%v), want (true,nil)", found, err)
	}
}

// TestSequentialModeTogglesOnBulkAppend checks spec.md §4.2.3's
// seq_count/SEQ_START_POINT state machine reaches sequential mode after
// enough consecutive ascending appends and resets on an out-of-order one.
func TestSequentialModeTogglesOnBulkAppend(t *testing.T) {
	tb := newTestTable(t)
	if tb.sequentialMode() {
		t.Fatalf("sequentialMode() = true on a fresh table, want false")
	}
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("k%06d", i))
		if err := tb.Add(key, key, false); err != nil {
			t.Fatalf("Add(%q) error = %v", key, err)
		}
	}
	if !tb.sequentialMode() {
		t.Fatalf("sequentialMode() = false after 200 ascending appends, want true")
	}
	if err := tb.Add([]byte("a-much-earlier-key"), []byte("x"), false); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if tb.sequentialMode() {
		t.Fatalf("sequentialMode() = true after an out-of-order insert, want false")
	}
}
