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

package shard

import (
	"encoding/binary"

	"xapiancore.dev/pkg/xerrors"
)

// TermEntry is one document's contribution to a single term: its
// within-document frequency and, optionally, an opaque position-list
// blob (spec.md §1: positions are "opaque byte strings as far as the
// core is concerned" — the shard stores and returns them verbatim,
// never interpreting their contents).
type TermEntry struct {
	WDF       uint32
	Positions []byte
}

// Document is the caller-facing unit AddDocument/ReplaceDocument accept:
// an opaque data blob (spec.md's docdata) plus the set of terms it
// contains. The shard derives the postlist, position and termlist table
// rows from this, and uses the same shape to know what to retract on
// ReplaceDocument/DeleteDocument.
type Document struct {
	Data  []byte
	Terms map[string]TermEntry
}

// Length is the document length spec.md §4.3's statistics track: the sum
// of within-document term frequencies, following the usual Xapian
// convention that doclen is the sum of wdf over a document's terms (see
// original_source's Xapian::termcount usage in honey_postlist.cc).
func (d Document) Length() uint32 {
	var n uint32
	for _, te := range d.Terms {
		n += te.WDF
	}
	return n
}

// encodeTermList writes the shard's own concrete wire encoding for the termlist
// table's otherwise-opaque per-document blob: a varint count followed by
// (length-prefixed term, wdf varint, length-prefixed positions) tuples.
// Nothing outside pkg/shard needs to parse this — it exists purely so
// ReplaceDocument/DeleteDocument can recover which postlist/position rows
// a prior revision of the document wrote, without requiring the caller to
// resupply the old Document.
func encodeTermList(terms map[string]TermEntry) []byte {
	buf := make([]byte, 0, 16*len(terms))
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(terms)))
	buf = append(buf, scratch[:n]...)
	for term, te := range terms {
		n = binary.PutUvarint(scratch[:], uint64(len(term)))
		buf = append(buf, scratch[:n]...)
		buf = append(buf, term...)
		n = binary.PutUvarint(scratch[:], uint64(te.WDF))
		buf = append(buf, scratch[:n]...)
		n = binary.PutUvarint(scratch[:], uint64(len(te.Positions)))
		buf = append(buf, scratch[:n]...)
		buf = append(buf, te.Positions...)
	}
	return buf
}

func decodeTermList(data []byte) (map[string]TermEntry, error) {
	r := newByteReader(data)
	count, err := r.uvarint()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Corrupt, err, "decoding termlist entry count")
	}
	terms := make(map[string]TermEntry, count)
	for i := uint64(0); i < count; i++ {
		termLen, err := r.uvarint()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Corrupt, err, "decoding termlist term length")
		}
		term, err := r.bytes(int(termLen))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Corrupt, err, "decoding termlist term")
		}
		wdf, err := r.uvarint()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Corrupt, err, "decoding termlist wdf")
		}
		posLen, err := r.uvarint()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Corrupt, err, "decoding termlist positions length")
		}
		positions, err := r.bytes(int(posLen))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Corrupt, err, "decoding termlist positions")
		}
		terms[string(term)] = TermEntry{WDF: uint32(wdf), Positions: positions}
	}
	return terms, nil
}

// byteReader is a tiny cursor over a byte slice used only by the
// termlist codec above.
type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, xerrors.New(xerrors.Corrupt, "truncated varint")
	}
	r.pos += n
	return v, nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, xerrors.New(xerrors.Corrupt, "truncated byte field")
	}
	b := append([]byte(nil), r.data[r.pos:r.pos+n]...)
	r.pos += n
	return b, nil
}

// postingTag/decodePostingTag encode the postlist table's tag: just the
// wdf, since the docid already lives in the key (shard/keys.go).
func postingTag(wdf uint32) []byte {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(wdf))
	return append([]byte(nil), scratch[:n]...)
}

func decodePostingTag(tag []byte) (uint32, error) {
	v, n := binary.Uvarint(tag)
	if n <= 0 {
		return 0, xerrors.New(xerrors.Corrupt, "truncated posting wdf")
	}
	return uint32(v), nil
}
