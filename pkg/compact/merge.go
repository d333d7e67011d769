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

package compact

import (
	"bytes"
	"context"

	"golang.org/x/sync/errgroup"

	"xapiancore.dev/pkg/btree"
	"xapiancore.dev/pkg/shard"
	"xapiancore.dev/pkg/version"
	"xapiancore.dev/pkg/xerrors"
)

// keyTranslator rewrites a source table's key (which may embed a local
// docid) into the destination's key space, given that source's index.
type keyTranslator func(srcIdx int, key []byte) []byte

// mergeAllTables runs one k-way merge per table in version.TableNames,
// fanned out across an errgroup since each table is an independent file
// (the same concurrent-independent-I/O shape pkg/multidb.Open uses for
// opening shards).
func mergeAllTables(ctx context.Context, srcs []*shard.Database, mappings []docidMapping, dest *shard.Database, opts Options) error {
	g, _ := errgroup.WithContext(ctx)
	for _, name := range version.TableNames {
		name := name
		g.Go(func() error {
			opts.SetStatus(name, "merging")
			translate := translatorFor(name, mappings)
			reduce := reducerFor(name, opts)
			srcTables := make([]*btree.Table, len(srcs))
			for i, d := range srcs {
				srcTables[i] = d.Table(name)
			}
			if err := mergeTables(srcTables, dest.Table(name), translate, reduce); err != nil {
				return xerrors.Wrap(xerrors.IO, err, "merging table %s", name)
			}
			opts.SetStatus(name, "done")
			return nil
		})
	}
	return g.Wait()
}

// translatorFor returns the key translator for table, rewriting the
// embedded docid through mappings for the four docid-bearing tables
// (spec.md §4.7: "postlist/position/termlist/docdata: keys embed
// docids; rewrite using the chosen mapping") and leaving spelling/
// synonym keys untouched, since those tables carry no docid.
func translatorFor(table string, mappings []docidMapping) keyTranslator {
	switch table {
	case "docdata":
		return func(srcIdx int, key []byte) []byte {
			docid := shard.DecodeDocDataKey(key)
			return shard.DocDataKey(mappings[srcIdx].translate(docid))
		}
	case "termlist":
		return func(srcIdx int, key []byte) []byte {
			docid := shard.DecodeTermListKey(key)
			return shard.TermListKey(mappings[srcIdx].translate(docid))
		}
	case "postlist":
		return func(srcIdx int, key []byte) []byte {
			term, docid := shard.DecodePostListKey(key)
			return shard.PostListKey(term, mappings[srcIdx].translate(docid))
		}
	case "position":
		return func(srcIdx int, key []byte) []byte {
			docid, term := shard.DecodePositionKey(key)
			return shard.PositionKey(mappings[srcIdx].translate(docid), term)
		}
	default: // spelling, synonym: opaque metadata keys, no docid to rewrite
		return func(_ int, key []byte) []byte { return key }
	}
}

// reducerFor returns the duplicate-key reducer for table. The four
// docid-bearing tables never collide across sources once keys are
// translated (each source owns a disjoint docid range by construction),
// so a collision there indicates corruption. spelling/synonym entries
// legitimately repeat across shards (many shards learn the same
// misspelling or synonym independently), so those use the caller's
// ResolveDuplicateMetadata, or the conservative default below.
func reducerFor(table string, opts Options) reduceFunc {
	switch table {
	case "spelling", "synonym":
		if opts.ResolveDuplicateMetadata != nil {
			t := table
			return func(key []byte, tags [][]byte) ([]byte, error) {
				return opts.ResolveDuplicateMetadata(t, key, tags)
			}
		}
		return func(key []byte, tags [][]byte) ([]byte, error) {
			return nil, xerrors.New(xerrors.InvalidOperation,
				"table %s: key collides across sources and no ResolveDuplicateMetadata was given", table)
		}
	default:
		return nil // nil reduceFunc: mergeTables treats any collision as corruption
	}
}

type reduceFunc func(key []byte, tags [][]byte) ([]byte, error)

// mergeTables performs an N-way merge of srcs' entries into dest, in
// ascending translated-key order. It is the general form of
// pkg/blobserver/sync.go's ListMissingDestinationBlobs two-pointer diff:
// instead of two sorted streams compared for presence/absence, this
// walks len(srcs) sorted streams simultaneously and, at each distinct
// key, either copies the sole entry across or — if more than one source
// currently holds that exact translated key — folds their tags together
// via reduce before writing once.
func mergeTables(srcs []*btree.Table, dest *btree.Table, translate keyTranslator, reduce reduceFunc) error {
	cursors := make([]*btree.Cursor, len(srcs))
	keys := make([][]byte, len(srcs))
	valid := make([]bool, len(srcs))
	for i, t := range srcs {
		c := t.OpenCursor()
		if err := c.Next(); err != nil {
			return err
		}
		cursors[i] = c
		if c.Valid() {
			keys[i] = translate(i, c.Key())
			valid[i] = true
		}
	}

	for {
		minIdx := -1
		for i := range cursors {
			if !valid[i] {
				continue
			}
			if minIdx == -1 || bytes.Compare(keys[i], keys[minIdx]) < 0 {
				minIdx = i
			}
		}
		if minIdx == -1 {
			return nil
		}
		minKey := keys[minIdx]

		var tags [][]byte
		var matched []int
		for i := range cursors {
			if valid[i] && bytes.Equal(keys[i], minKey) {
				tag, err := cursors[i].ReadTag()
				if err != nil {
					return err
				}
				tags = append(tags, tag)
				matched = append(matched, i)
			}
		}

		outTag := tags[0]
		if len(tags) > 1 {
			if reduce == nil {
				return xerrors.New(xerrors.Corrupt,
					"unexpected duplicate key %x across %d sources", minKey, len(tags))
			}
			merged, err := reduce(minKey, tags)
			if err != nil {
				return err
			}
			outTag = merged
		}
		if err := dest.Add(minKey, outTag, false); err != nil {
			return err
		}

		for _, i := range matched {
			if err := cursors[i].Next(); err != nil {
				return err
			}
			if cursors[i].Valid() {
				keys[i] = translate(i, cursors[i].Key())
			} else {
				valid[i] = false
			}
		}
	}
}
