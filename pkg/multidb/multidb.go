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

// Package multidb implements spec.md §4.6's "multi" database: an ordered
// sequence of N sibling shards presented as a single logical database,
// with global document ids interleaved evenly across them.
//
// Grounded on pkg/blobserver/union (an N-backend overlay Storage) for the
// "fixed slice of backends behind one facade" shape, and
// pkg/blobserver/mergedenum.go's priority-queue merge-join for
// OpenAllTerms — rewritten here over synchronous per-shard postlist reads
// instead of goroutines-and-channels, since spec.md's multi-database has
// no concurrent-writer requirement (§5: "one writer at a time").
package multidb

import (
	"container/heap"
	"context"

	"golang.org/x/sync/errgroup"

	"xapiancore.dev/pkg/shard"
	"xapiancore.dev/pkg/xerrors"
)

// Multi is a read-only overlay over N shards (spec.md §4.6). It does not
// itself support writes: a multi-database is assembled from shards that
// are each written to individually, exactly as the compactor (pkg/compact)
// treats its inputs.
type Multi struct {
	shards []*shard.Database
}

// Open opens dirs as a Multi, one shard.Database per directory, opened
// concurrently via errgroup since each open is independent I/O (grounded
// on golang.org/x/sync/errgroup already in go.mod, the same fan-out shape
// pkg/blobserver/union.newFromConfig uses sequentially per-subset but
// generalized here to run concurrently since nothing serializes them).
func Open(ctx context.Context, dirs []string, opts shard.Options) (*Multi, error) {
	dbs := make([]*shard.Database, len(dirs))
	g, _ := errgroup.WithContext(ctx)
	for i, dir := range dirs {
		i, dir := i, dir
		g.Go(func() error {
			d, err := shard.Open(dir, opts, false)
			if err != nil {
				return err
			}
			dbs[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, d := range dbs {
			if d != nil {
				d.Close()
			}
		}
		return nil, err
	}
	return &Multi{shards: dbs}, nil
}

// Close closes every underlying shard.
func (m *Multi) Close() error {
	var firstErr error
	for _, d := range m.shards {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// N returns the number of shards in the overlay.
func (m *Multi) N() int { return len(m.shards) }

// ToGlobal maps a shard index and local docid to the global docid: the
// docid mapping spec.md §4.6 fixes as g = (d-1)*N + s + 1, chosen so a
// run of consecutive global docids spreads evenly across shards.
func (m *Multi) ToGlobal(shardIdx int, local uint32) uint32 {
	return (local-1)*uint32(len(m.shards)) + uint32(shardIdx) + 1
}

// ToLocal maps a global docid to its owning shard index and local docid:
// s = (g-1) mod N, d = (g-1) div N + 1 (spec.md §4.6, P9).
func (m *Multi) ToLocal(global uint32) (shardIdx int, local uint32) {
	n := uint32(len(m.shards))
	shardIdx = int((global - 1) % n)
	local = (global-1)/n + 1
	return shardIdx, local
}

// GetDocCount sums each shard's document count.
func (m *Multi) GetDocCount() uint32 {
	var n uint32
	for _, d := range m.shards {
		n += d.GetDocCount()
	}
	return n
}

// GetTotalLength sums each shard's total document length (the numerator
// behind a global average document length).
func (m *Multi) GetTotalLength() uint64 {
	var n uint64
	for _, d := range m.shards {
		n += d.Stats().TotalDocLen
	}
	return n
}

// GetAvLength returns the average document length across every shard.
func (m *Multi) GetAvLength() float64 {
	count := m.GetDocCount()
	if count == 0 {
		return 0
	}
	return float64(m.GetTotalLength()) / float64(count)
}

// OpenDocument resolves a global docid to its owning shard and returns
// that document's opaque data blob.
func (m *Multi) OpenDocument(globalDocID uint32) (data []byte, found bool, err error) {
	if globalDocID == 0 {
		return nil, false, xerrors.New(xerrors.InvalidArgument, "docid 0 is not valid")
	}
	idx, local := m.ToLocal(globalDocID)
	if idx >= len(m.shards) {
		return nil, false, nil
	}
	return m.shards[idx].OpenDocument(local)
}

// TermPosting is one posting in the merged, global-docid-space postlist
// OpenAllTerms yields for a single term.
type TermPosting struct {
	DocID uint32 // global docid
	WDF   uint32
}

// TermSummary is one distinct term's merged posting list across every
// shard that contains it, plus the aggregate frequencies spec.md §4.6
// requires ("summing term frequency and collection frequency across the
// shards that contain it").
type TermSummary struct {
	Term          string
	TermFreq      int // number of documents (globally) the term appears in
	CollFreq      uint32
	Postings      []TermPosting
}

// postingCursor walks one shard's already-fetched posting slice for a
// term, translating each local docid to global space as it's consumed.
type postingCursor struct {
	shardIdx int
	postings []shard.Posting
	pos      int
}

func (c *postingCursor) done() bool { return c.pos >= len(c.postings) }
func (c *postingCursor) head() shard.Posting { return c.postings[c.pos] }

// postingHeap orders live postingCursors by the global docid their head
// posting maps to, giving OpenAllTerms a real k-way merge instead of a
// per-shard concatenation — required because two shards' local docids
// interleave in global space (spec.md §4.6's P9 mapping), so shard
// discovery order is not global docid order.
type postingHeap struct {
	cursors []*postingCursor
	m       *Multi
}

func (h postingHeap) Len() int { return len(h.cursors) }
func (h postingHeap) Less(i, j int) bool {
	gi := h.m.ToGlobal(h.cursors[i].shardIdx, h.cursors[i].head().DocID)
	gj := h.m.ToGlobal(h.cursors[j].shardIdx, h.cursors[j].head().DocID)
	return gi < gj
}
func (h postingHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }
func (h *postingHeap) Push(x interface{}) {
	h.cursors = append(h.cursors, x.(*postingCursor))
}
func (h *postingHeap) Pop() interface{} {
	old := h.cursors
	n := len(old)
	e := old[n-1]
	h.cursors = old[:n-1]
	return e
}

// allTerms returns the full distinct term vocabulary across every shard,
// in ascending order: a k-way merge of each shard's own sorted AllTerms()
// list (pkg/shard.Database.AllTerms, itself one pass over that shard's
// postlist cursor). Merging the small in-memory term slices directly by
// string comparison sidesteps the docid-mapping entirely — unlike
// postings, a term string means the same thing in every shard.
func (m *Multi) allTerms() ([]string, error) {
	perShard := make([][]string, len(m.shards))
	for i, d := range m.shards {
		ts, err := d.AllTerms()
		if err != nil {
			return nil, err
		}
		perShard[i] = ts
	}
	idx := make([]int, len(perShard))
	var merged []string
	for {
		best := -1
		for i, ts := range perShard {
			if idx[i] >= len(ts) {
				continue
			}
			if best == -1 || ts[idx[i]] < perShard[best][idx[best]] {
				best = i
			}
		}
		if best == -1 {
			break
		}
		term := perShard[best][idx[best]]
		if len(merged) == 0 || merged[len(merged)-1] != term {
			merged = append(merged, term)
		}
		idx[best]++
	}
	return merged, nil
}

// OpenAllTerms merges every shard's postlists into global-docid-space
// TermSummary values, one per distinct term across the whole overlay
// (discovered via allTerms), each with its Postings in ascending global
// docid order and its TermFreq/CollFreq summed across every shard that
// contains the term (spec.md §4.6: "yielding each distinct term in sorted
// order and summing term frequency and collection frequency across the
// shards that contain it"). Grounded on pkg/blobserver/mergedenum.go's
// priority-queue merge-join, rewritten over synchronous per-shard
// postlist slices (already fetched, since pkg/shard's OpenPostList
// returns a materialized list rather than a live cursor) instead of
// channels-of-blobs, since there is no concurrent producer to merge-join
// against here.
func (m *Multi) OpenAllTerms() ([]TermSummary, error) {
	terms, err := m.allTerms()
	if err != nil {
		return nil, err
	}
	summaries := make([]TermSummary, 0, len(terms))
	for _, term := range terms {
		h := &postingHeap{m: m}
		for i, d := range m.shards {
			postings, err := d.OpenPostList(term)
			if err != nil {
				return nil, err
			}
			if len(postings) > 0 {
				h.cursors = append(h.cursors, &postingCursor{shardIdx: i, postings: postings})
			}
		}
		heap.Init(h)
		summary := TermSummary{Term: term}
		for h.Len() > 0 {
			c := h.cursors[0]
			p := c.head()
			summary.Postings = append(summary.Postings, TermPosting{
				DocID: m.ToGlobal(c.shardIdx, p.DocID),
				WDF:   p.WDF,
			})
			summary.CollFreq += p.WDF
			summary.TermFreq++
			c.pos++
			if c.done() {
				heap.Pop(h)
			} else {
				heap.Fix(h, 0)
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
