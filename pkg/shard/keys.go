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
)

// Key schemas for the four tables spec.md §4.7 names as "keys embed
// docids": postlist, position, termlist, docdata. Grounded on
// pkg/index/keys.go's build()-style key/prefix encoder idiom, but
// simplified to fixed-width docid suffixes/prefixes since the compactor
// (pkg/compact) needs to parse and rewrite the docid portion of these
// keys mechanically, without a schema registry.
//
// docdata and termlist are keyed purely by docid, so their tag is an
// opaque per-document blob (spec.md §1: "opaque byte strings as far as
// the core is concerned"). postlist and position additionally embed a
// term, so a whole term's (or document's) postings can be range-scanned
// by prefix.

const docidWidth = 4

func encodeDocID(docid uint32) []byte {
	var b [docidWidth]byte
	binary.BigEndian.PutUint32(b[:], docid)
	return b[:]
}

func decodeDocID(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// DocDataKey returns the docdata table key for docid.
func DocDataKey(docid uint32) []byte { return encodeDocID(docid) }

// DecodeDocDataKey recovers the docid from a docdata table key.
func DecodeDocDataKey(key []byte) uint32 { return decodeDocID(key) }

// TermListKey returns the termlist table key for docid.
func TermListKey(docid uint32) []byte { return encodeDocID(docid) }

// DecodeTermListKey recovers the docid from a termlist table key.
func DecodeTermListKey(key []byte) uint32 { return decodeDocID(key) }

// PostListKey returns the postlist table key for a (term, docid) pair:
// the term bytes followed by the docid, so every posting for one term
// sorts together and OpenPostList can range-scan by term prefix.
func PostListKey(term string, docid uint32) []byte {
	key := make([]byte, len(term)+docidWidth)
	copy(key, term)
	copy(key[len(term):], encodeDocID(docid))
	return key
}

// DecodePostListKey splits a postlist key back into its term and docid.
func DecodePostListKey(key []byte) (term string, docid uint32) {
	n := len(key) - docidWidth
	return string(key[:n]), decodeDocID(key[n:])
}

// PostListPrefix returns the range-scan prefix for every posting of term.
func PostListPrefix(term string) []byte { return []byte(term) }

// PositionKey returns the position table key for a (docid, term) pair:
// the docid followed by the term, so every position list for one
// document sorts together.
func PositionKey(docid uint32, term string) []byte {
	key := make([]byte, docidWidth+len(term))
	copy(key, encodeDocID(docid))
	copy(key[docidWidth:], term)
	return key
}

// DecodePositionKey splits a position key back into its docid and term.
func DecodePositionKey(key []byte) (docid uint32, term string) {
	return decodeDocID(key[:docidWidth]), string(key[docidWidth:])
}

// PositionPrefix returns the range-scan prefix for every position list of
// docid.
func PositionPrefix(docid uint32) []byte { return encodeDocID(docid) }
