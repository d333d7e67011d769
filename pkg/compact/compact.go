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

// Package compact implements spec.md §4.7's compactor: merging N source
// shards into one destination shard, either renumbering documents into a
// contiguous range or preserving their existing docids when the sources'
// ranges don't overlap.
//
// Grounded on pkg/blobserver/diskpacked/reindex.go's scan-and-rebuild
// idiom for "read everything, write it back out compacted", and
// pkg/blobserver/sync.go's ListMissingDestinationBlobs two-pointer diff
// over sorted streams, generalized from two sources to N (mergeTables in
// merge.go) and from "emit the difference" to "emit everything,
// reducing entries that collide". Per-table merges fan out with
// golang.org/x/sync/errgroup since each table lives in its own file and
// nothing serializes them, the same concurrent-independent-I/O shape
// pkg/multidb.Open already uses for opening shards.
package compact

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"xapiancore.dev/pkg/shard"
	"xapiancore.dev/pkg/version"
	"xapiancore.dev/pkg/xerrors"
)

// Options configures a compaction run.
type Options struct {
	BlockSize   int
	CompressMin int

	// Preserve keeps each source's docids as-is instead of renumbering
	// (spec.md §4.7). Requires the sources' used-docid ranges to be
	// pairwise disjoint; Compact returns xerrors.InvalidOperation if they
	// overlap.
	Preserve bool

	// ResolveDuplicateMetadata reduces multiple sources' tags for the
	// same spelling/synonym key down to one. If nil, a source's tag is
	// kept only when no other source has the same key; a collision then
	// fails the run with an error wrapping xerrors.InvalidOperation, since
	// the default assumes
	// distinct shards don't duplicate spelling/synonym entries.
	ResolveDuplicateMetadata func(table string, key []byte, tags [][]byte) ([]byte, error)

	// SetStatus, if non-nil, is called as each table finishes merging
	// (spec.md §4.7's progress-reporting hook). The default is a no-op.
	SetStatus func(table, status string)

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.SetStatus == nil {
		o.SetStatus = func(string, string) {}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// docidMapping translates one source shard's local docids into the
// destination's docid space.
type docidMapping struct {
	offset uint32 // newDocID = offset + localDocID
}

func (m docidMapping) translate(local uint32) uint32 { return m.offset + local }

// Compact merges the shard directories in sources into a brand new shard
// directory at dest (which must not exist, and must not alias any
// source). On any failure the partially written dest directory is
// removed before the error is returned, so a failed run never leaves a
// half-built shard behind (spec.md §4.7).
func Compact(ctx context.Context, sources []string, dest string, opts Options) error {
	opts = opts.withDefaults()
	if len(sources) == 0 {
		return xerrors.New(xerrors.InvalidArgument, "compact requires at least one source shard")
	}
	destClean := filepath.Clean(dest)
	for _, src := range sources {
		if filepath.Clean(src) == destClean {
			return xerrors.New(xerrors.InvalidArgument, "destination %s aliases a source shard", dest)
		}
	}
	if _, err := os.Stat(dest); err == nil {
		return xerrors.New(xerrors.InvalidOperation, "destination %s already exists", dest)
	}

	srcOpts := shard.Options{BlockSize: opts.BlockSize, CompressMin: opts.CompressMin, Logger: opts.Logger}
	srcDBs := make([]*shard.Database, len(sources))
	for i, dir := range sources {
		d, err := shard.Open(dir, srcOpts, false)
		if err != nil {
			closeAll(srcDBs)
			return err
		}
		srcDBs[i] = d
	}
	defer closeAll(srcDBs)

	mappings, order, err := planMapping(srcDBs, opts.Preserve)
	if err != nil {
		return err
	}

	destDB, err := shard.Create(dest, shard.Options{BlockSize: opts.BlockSize, CompressMin: opts.CompressMin, Logger: opts.Logger})
	if err != nil {
		return err
	}
	destDB.SetFullCompaction(true)

	if err := mergeAllTables(ctx, srcDBs, mappings, destDB, opts); err != nil {
		destDB.Close()
		os.RemoveAll(dest)
		return err
	}

	destDB.SetStats(sumStats(srcDBs, order, opts.Preserve))

	if err := destDB.Commit(); err != nil {
		destDB.Close()
		os.RemoveAll(dest)
		return err
	}
	if err := destDB.Close(); err != nil {
		return err
	}
	opts.Logger.Info("compacted shards", zap.Int("sources", len(sources)), zap.String("dest", dest))
	return nil
}

func closeAll(dbs []*shard.Database) {
	for _, d := range dbs {
		if d != nil {
			d.Close()
		}
	}
}

// planMapping builds each source's docidMapping. Preserve mode validates
// the sources' used-docid ranges are pairwise disjoint up front (the
// decision already settled for this package: fail fast on overlap rather
// than discover a collision mid-merge) and leaves every offset at zero.
// Renumber mode (the default) gives source i an offset equal to the sum
// of every prior source's LastDocID, the same cumulative-offset scheme
// original_source's compaction tool uses to keep docids contiguous.
func planMapping(dbs []*shard.Database, preserve bool) (mappings []docidMapping, order []int, err error) {
	order = make([]int, len(dbs))
	for i := range order {
		order[i] = i
	}
	mappings = make([]docidMapping, len(dbs))

	if preserve {
		type span struct {
			idx         int
			first, last uint32
			used        bool
		}
		spans := make([]span, len(dbs))
		for i, d := range dbs {
			first, last, ok, err := d.GetUsedDocIDRange()
			if err != nil {
				return nil, nil, err
			}
			spans[i] = span{idx: i, first: first, last: last, used: ok}
		}
		sort.Slice(spans, func(i, j int) bool {
			if !spans[i].used {
				return false
			}
			if !spans[j].used {
				return true
			}
			return spans[i].first < spans[j].first
		})
		var prevLast uint32
		var havePrev bool
		for _, s := range spans {
			if !s.used {
				continue
			}
			if havePrev && s.first <= prevLast {
				return nil, nil, xerrors.New(xerrors.InvalidOperation,
					"preserving docids requires disjoint ranges, but shard %d's range [%d,%d] overlaps a prior source ending at %d",
					s.idx, s.first, s.last, prevLast)
			}
			prevLast = s.last
			havePrev = true
		}
		for i := range order {
			order[i] = spans[i].idx
		}
		// mappings stay zero-offset: Preserve keeps every docid as-is.
		return mappings, order, nil
	}

	var cumulative uint32
	for i, d := range dbs {
		mappings[i] = docidMapping{offset: cumulative}
		cumulative += d.GetLastDocID()
	}
	return mappings, order, nil
}

// sumStats combines every source's Stats into the merged shard's
// initial stats. LastDocID is summed under Renumber (each source's
// docids shift up by the prior sources' combined LastDocID, so the new
// high-water mark is the total) but taken as a plain max under Preserve
// (docids keep their original values, so the high-water mark is
// whichever source's was already highest).
func sumStats(dbs []*shard.Database, order []int, preserve bool) version.Stats {
	var out version.Stats
	for _, i := range order {
		s := dbs[i].Stats()
		out.DocCount += s.DocCount
		out.TotalDocLen += s.TotalDocLen
		if preserve {
			if s.LastDocID > out.LastDocID {
				out.LastDocID = s.LastDocID
			}
		} else {
			out.LastDocID += s.LastDocID
		}
		if s.DoclenLowerBound != 0 && (out.DoclenLowerBound == 0 || s.DoclenLowerBound < out.DoclenLowerBound) {
			out.DoclenLowerBound = s.DoclenLowerBound
		}
		if s.DoclenUpperBound > out.DoclenUpperBound {
			out.DoclenUpperBound = s.DoclenUpperBound
		}
		if s.WdfUpperBound > out.WdfUpperBound {
			out.WdfUpperBound = s.WdfUpperBound
		}
		if s.SpellingWordfreqUpperBound > out.SpellingWordfreqUpperBound {
			out.SpellingWordfreqUpperBound = s.SpellingWordfreqUpperBound
		}
		out.UniqueTermsLowerBound += s.UniqueTermsLowerBound
		out.UniqueTermsUpperBound += s.UniqueTermsUpperBound
		if out.OldestChangeset == 0 || (s.OldestChangeset != 0 && s.OldestChangeset < out.OldestChangeset) {
			out.OldestChangeset = s.OldestChangeset
		}
	}
	return out
}
