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

// Package shard implements a single self-contained database directory —
// spec.md §4.5's "Database (shard)" — aggregating the fixed, ordered set
// of named B-tree tables (postlist, termlist, position, docdata,
// spelling, synonym) over one directory, and exposing the higher-level
// document operations the query engine (out of scope here) would build
// on: add/replace/delete a document, look up its postings/termlist/
// positions/data, and commit a batch of such mutations atomically.
//
// Grounded on pkg/blobserver/localdisk (fixed directory + one file per
// logical unit) and pkg/blobserver/diskpacked (a single logical store
// backed by several files opened together) for the "a shard owns a fixed
// file set" shape, and pkg/index/keys.go for the per-table key-schema
// idiom (pkg/shard/keys.go).
package shard

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"xapiancore.dev/pkg/block"
	"xapiancore.dev/pkg/btree"
	"xapiancore.dev/pkg/changes"
	"xapiancore.dev/pkg/version"
	"xapiancore.dev/pkg/xerrors"
)

// Options configure a Database at creation/open time.
type Options struct {
	BlockSize    int  // default block.MinSize if zero
	CompressMin  int  // tags shorter than this are never deflated
	WriteChanges bool // append a changes log per commit (spec.md §4.4)
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.BlockSize == 0 {
		o.BlockSize = block.MinSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func tablePath(dir, name string) string { return filepath.Join(dir, name+".tbl") }

// Database is one open shard directory: its version file, its six
// tables, and (for writers) the advisory lock and pending changes log
// for the revision currently being built.
type Database struct {
	dir     string
	opts    Options
	ver     *version.File
	tables  map[string]*btree.Table
	lock    *block.FileLock
	writer  bool
	changes *changes.Writer
	log     *zap.Logger
}

// Create initializes a brand new shard directory: a fresh version file
// at revision 0 and an empty table file for each of version.TableNames.
// The returned Database holds the writer lock.
func Create(dir string, opts Options) (*Database, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Wrap(xerrors.Opening, err, "creating shard directory %s", dir)
	}
	lock, err := block.Lock(filepath.Join(dir, "db.lock"))
	if err != nil {
		return nil, err
	}
	ver, err := version.Create(dir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	d := &Database{dir: dir, opts: opts, ver: ver, tables: make(map[string]*btree.Table), lock: lock, writer: true, log: opts.Logger}
	for _, name := range version.TableNames {
		t, err := btree.Create(tablePath(dir, name), btree.Options{BlockSize: opts.BlockSize, CompressMin: opts.CompressMin})
		if err != nil {
			d.Close()
			return nil, err
		}
		d.tables[name] = t
	}
	return d, nil
}

// Open opens an existing shard directory. If forWrite is true it takes
// the single-writer advisory lock, failing with xerrors.Lock if another
// writer already holds it (spec.md §4.5).
func Open(dir string, opts Options, forWrite bool) (*Database, error) {
	opts = opts.withDefaults()
	var lock *block.FileLock
	if forWrite {
		l, err := block.Lock(filepath.Join(dir, "db.lock"))
		if err != nil {
			return nil, err
		}
		lock = l
	}
	ver, err := version.Open(dir)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		return nil, err
	}
	d := &Database{dir: dir, opts: opts, ver: ver, tables: make(map[string]*btree.Table), lock: lock, writer: forWrite, log: opts.Logger}
	for _, name := range version.TableNames {
		root := ver.Root(name)
		t, err := btree.Open(tablePath(dir, name), btree.Options{BlockSize: opts.BlockSize, CompressMin: int(root.CompressMin)},
			root.RootBlock, root.NumEntries, root.Freelist, ver.Revision())
		if err != nil {
			d.Close()
			return nil, err
		}
		d.tables[name] = t
	}
	return d, nil
}

// Close releases every table file and the writer lock, if held.
func (d *Database) Close() error {
	var firstErr error
	for _, t := range d.tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.lock != nil {
		if err := d.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Database) table(name string) *btree.Table { return d.tables[name] }

// Table exposes a named table's underlying B-tree directly, for callers
// operating below the document API: pkg/compact's merge needs raw
// key/tag access to rewrite docid-bearing keys and to reduce duplicate
// spelling/synonym metadata keys across sources, neither of which fits
// the Document-shaped methods below.
func (d *Database) Table(name string) *btree.Table { return d.tables[name] }

// Dir returns the shard's directory, so callers comparing sources and
// destinations (pkg/compact) can detect aliasing.
func (d *Database) Dir() string { return d.dir }

// Stats returns the shard's full version.Stats, including the fields
// (wdf bounds, oldest changeset, ...) the summary accessors below don't
// expose individually. pkg/compact sums these across sources to seed a
// merged shard's stats.
func (d *Database) Stats() version.Stats { return d.ver.Stats() }

// SetStats overwrites the shard's stats outright, bypassing the
// incremental AddDocument/DeleteDocument bookkeeping below. Only
// pkg/compact uses this, to seed a freshly merged shard with the summed
// stats of its sources before its first Commit.
func (d *Database) SetStats(s version.Stats) { d.ver.SetStats(s) }

// SetFullCompaction switches every table's block splits into full
// compaction mode for the inserts that follow
// (btree.Table.SetFullCompaction), the mode pkg/compact always
// wants for the fresh tables it writes (spec.md §4.7: compacted output
// is written with every block packed as full as possible).
func (d *Database) SetFullCompaction(on bool) {
	for _, t := range d.tables {
		t.SetFullCompaction(on)
	}
}

// GetDocCount returns the number of documents currently in the database.
func (d *Database) GetDocCount() uint32 { return d.ver.Stats().DocCount }

// GetLastDocID returns the highest document id ever assigned.
func (d *Database) GetLastDocID() uint32 { return d.ver.Stats().LastDocID }

// GetAvLength returns the average document length (0 if empty).
func (d *Database) GetAvLength() float64 {
	s := d.ver.Stats()
	if s.DocCount == 0 {
		return 0
	}
	return float64(s.TotalDocLen) / float64(s.DocCount)
}

// GetUsedDocIDRange returns the smallest and largest docid with a live
// docdata entry. It reads only the first and last entries of the docdata
// table's cursor (two block descents, not a full scan), trusting that
// table's own key ordering rather than re-deriving the bounds by
// inspecting every document — the same trust-stored-bounds spirit as
// original_source's DatabaseReplicator, adapted here to a pair of cheap
// cursor reads instead of a persisted field, since pkg/btree already
// keeps its leftmost/rightmost leaf one descent away.
func (d *Database) GetUsedDocIDRange() (first, last uint32, ok bool, err error) {
	t := d.table("docdata")
	c := t.OpenCursor()
	if err := c.Next(); err != nil {
		return 0, 0, false, err
	}
	if !c.Valid() {
		return 0, 0, false, nil
	}
	first = DecodeDocDataKey(c.Key())
	c2 := t.OpenCursor()
	c2.ToEnd()
	if err := c2.Prev(); err != nil {
		return 0, 0, false, err
	}
	if !c2.Valid() {
		return 0, 0, false, nil
	}
	last = DecodeDocDataKey(c2.Key())
	return first, last, true, nil
}

// AddDocument assigns the next docid and writes doc's docdata, termlist,
// postlist and position rows. It does not commit; call Commit to publish
// the new revision.
func (d *Database) AddDocument(doc Document) (uint32, error) {
	stats := d.ver.Stats()
	docid := stats.NextDocID()
	if err := d.writeDocument(docid, doc); err != nil {
		return 0, err
	}
	stats.AddDocument(doc.Length())
	d.ver.SetStats(stats)
	return docid, nil
}

// ReplaceDocument overwrites the document at docid with doc, retracting
// whatever postlist/position rows the prior revision of the document
// held but the new one doesn't. docid 0 is invalid (spec.md §6:
// InvalidOperation "replacing docid 0").
func (d *Database) ReplaceDocument(docid uint32, doc Document) error {
	if docid == 0 {
		return xerrors.New(xerrors.InvalidOperation, "cannot replace docid 0")
	}
	oldLen, hadOld, err := d.retractDocument(docid)
	if err != nil {
		return err
	}
	if err := d.writeDocument(docid, doc); err != nil {
		return err
	}
	stats := d.ver.Stats()
	if hadOld {
		stats.DeleteDocument(oldLen)
	}
	// Replacing a docid that didn't exist still grows doccount, by the one
	// AddDocument adds.
	stats.AddDocument(doc.Length())
	if docid > stats.LastDocID {
		stats.LastDocID = docid
	}
	d.ver.SetStats(stats)
	return nil
}

// DeleteDocumentByID removes the document at docid, along with its
// postlist and position rows. It is a no-op (not an error) if docid
// doesn't exist.
func (d *Database) DeleteDocumentByID(docid uint32) error {
	oldLen, hadOld, err := d.retractDocument(docid)
	if err != nil {
		return err
	}
	if !hadOld {
		return nil
	}
	stats := d.ver.Stats()
	stats.DeleteDocument(oldLen)
	d.ver.SetStats(stats)
	return nil
}

// DeleteDocumentsByTerm deletes every document currently posted under
// term (spec.md §4.5's delete_document(term) form), e.g. to implement
// "delete all documents with this unique id term".
func (d *Database) DeleteDocumentsByTerm(term string) error {
	docids, err := d.docidsForTerm(term)
	if err != nil {
		return err
	}
	for _, id := range docids {
		if err := d.DeleteDocumentByID(id); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) docidsForTerm(term string) ([]uint32, error) {
	t := d.table("postlist")
	c := t.OpenCursor()
	if err := c.FindEntryGE(PostListPrefix(term)); err != nil {
		return nil, err
	}
	var docids []uint32
	prefix := PostListPrefix(term)
	for c.Valid() && bytes.HasPrefix(c.Key(), prefix) {
		keyTerm, id := DecodePostListKey(c.Key())
		if keyTerm == term {
			docids = append(docids, id)
		}
		if err := c.Next(); err != nil {
			return nil, err
		}
	}
	return docids, nil
}

// writeDocument writes doc's docdata/termlist/postlist/position rows for
// docid, assuming any prior revision has already been retracted.
func (d *Database) writeDocument(docid uint32, doc Document) error {
	if err := d.table("docdata").Add(DocDataKey(docid), doc.Data, false); err != nil {
		return err
	}
	if err := d.table("termlist").Add(TermListKey(docid), encodeTermList(doc.Terms), false); err != nil {
		return err
	}
	for term, te := range doc.Terms {
		if err := d.table("postlist").Add(PostListKey(term, docid), postingTag(te.WDF), false); err != nil {
			return err
		}
		if len(te.Positions) > 0 {
			if err := d.table("position").Add(PositionKey(docid, term), te.Positions, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// retractDocument removes docid's docdata/termlist/postlist/position
// rows, returning the document length it had (for Stats bookkeeping) and
// whether it existed at all.
func (d *Database) retractDocument(docid uint32) (oldLen uint32, existed bool, err error) {
	tlTag, found, err := d.table("termlist").GetExactEntry(TermListKey(docid))
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	terms, err := decodeTermList(tlTag)
	if err != nil {
		return 0, false, err
	}
	for term, te := range terms {
		oldLen += te.WDF
		if _, err := d.table("postlist").Del(PostListKey(term, docid)); err != nil {
			return 0, false, err
		}
		if len(te.Positions) > 0 {
			if _, err := d.table("position").Del(PositionKey(docid, term)); err != nil {
				return 0, false, err
			}
		}
	}
	if _, err := d.table("termlist").Del(TermListKey(docid)); err != nil {
		return 0, false, err
	}
	if _, err := d.table("docdata").Del(DocDataKey(docid)); err != nil {
		return 0, false, err
	}
	return oldLen, true, nil
}

// Posting is one (docid, wdf) pair returned by OpenPostList.
type Posting struct {
	DocID uint32
	WDF   uint32
}

// OpenPostList returns every posting currently stored for term, in
// ascending docid order.
func (d *Database) OpenPostList(term string) ([]Posting, error) {
	t := d.table("postlist")
	c := t.OpenCursor()
	prefix := PostListPrefix(term)
	if err := c.FindEntryGE(prefix); err != nil {
		return nil, err
	}
	var out []Posting
	for c.Valid() && bytes.HasPrefix(c.Key(), prefix) {
		keyTerm, docid := DecodePostListKey(c.Key())
		if keyTerm != term {
			// A longer term sharing this prefix (e.g. "ab" under "a").
			if err := c.Next(); err != nil {
				return nil, err
			}
			continue
		}
		tag, err := c.ReadTag()
		if err != nil {
			return nil, err
		}
		wdf, err := decodePostingTag(tag)
		if err != nil {
			return nil, err
		}
		out = append(out, Posting{DocID: docid, WDF: wdf})
		if err := c.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AllTerms returns every distinct term with at least one posting in this
// shard, in ascending order, by walking the whole postlist table's cursor
// once and grouping adjacent entries that decode to the same term
// (pkg/shard/keys.go's PostListKey packs term||docid, so every posting
// for one term normally sorts together). Used by pkg/multidb.OpenAllTerms
// to discover the term vocabulary instead of requiring a caller-supplied
// term list — spec.md §4.6's all-terms iterator yields "each distinct
// term in sorted order" on its own.
func (d *Database) AllTerms() ([]string, error) {
	t := d.table("postlist")
	c := t.OpenCursor()
	if err := c.Next(); err != nil {
		return nil, err
	}
	var terms []string
	var last string
	haveLast := false
	for c.Valid() {
		term, _ := DecodePostListKey(c.Key())
		if !haveLast || term != last {
			terms = append(terms, term)
			last = term
			haveLast = true
		}
		if err := c.Next(); err != nil {
			return nil, err
		}
	}
	return terms, nil
}

// TermListEntry is one (term, wdf) pair returned by OpenTermList.
type TermListEntry struct {
	Term string
	WDF  uint32
}

// OpenTermList returns docid's term list, or found=false if no such
// document exists.
func (d *Database) OpenTermList(docid uint32) (entries []TermListEntry, found bool, err error) {
	tag, found, err := d.table("termlist").GetExactEntry(TermListKey(docid))
	if err != nil || !found {
		return nil, found, err
	}
	terms, err := decodeTermList(tag)
	if err != nil {
		return nil, false, err
	}
	for term, te := range terms {
		entries = append(entries, TermListEntry{Term: term, WDF: te.WDF})
	}
	return entries, true, nil
}

// OpenPositionList returns the opaque position-list blob for (docid,
// term), or found=false if none was stored.
func (d *Database) OpenPositionList(docid uint32, term string) (positions []byte, found bool, err error) {
	return d.table("position").GetExactEntry(PositionKey(docid, term))
}

// OpenDocument returns docid's opaque data blob, or found=false if no
// such document exists.
func (d *Database) OpenDocument(docid uint32) (data []byte, found bool, err error) {
	return d.table("docdata").GetExactEntry(DocDataKey(docid))
}

// Commit calls Commit on each table in version.TableNames order, then
// writes the new version file, matching spec.md §4.5: "commit() calls
// commit on each modified table in a fixed order, then writes the new
// version file. If any table's commit fails, the shard is left at the
// prior revision; partial state of later tables must be rolled back by
// rereading their bases." Since pkg/btree.Table.Cancel rereads its own
// base cheaply, a failure partway through is handled by canceling every
// table (including ones that already committed their blocks but not yet
// a new version file naming them) and leaving the old version file, still
// pointing at the old roots, as the durable truth.
func (d *Database) Commit() error {
	if !d.writer {
		return xerrors.New(xerrors.InvalidOperation, "database was opened read-only")
	}
	newRevision := d.ver.Revision() + 1

	var cw *changes.Writer
	if d.opts.WriteChanges {
		w, err := changes.Create(d.dir, newRevision)
		if err != nil {
			return err
		}
		cw = w
	}

	for _, name := range version.TableNames {
		root, err := d.table(name).Commit(newRevision, cw, name)
		if err != nil {
			d.cancelAll()
			if cw != nil {
				cw.Close()
			}
			return fmt.Errorf("committing table %s: %w", name, err)
		}
		d.ver.SetRoot(name, root)
	}

	if cw != nil {
		if err := cw.Sync(); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
	}

	if err := d.ver.Commit(newRevision); err != nil {
		d.cancelAll()
		return err
	}
	d.log.Debug("committed revision", zap.Uint32("revision", newRevision), zap.String("dir", d.dir))
	return nil
}

// Cancel discards every uncommitted mutation across all tables, rereading
// each table's base (spec.md §4.2/§7: "always safe to call").
func (d *Database) Cancel() { d.cancelAll() }

func (d *Database) cancelAll() {
	for _, t := range d.tables {
		t.Cancel()
	}
}
