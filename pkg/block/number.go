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

// Package block implements the fixed-size block I/O layer and the
// per-table freelist that sits underneath the B-tree (pkg/btree).
package block

// Number identifies a block within a table file. It is a distinct type,
// not a bare uint32, specifically so that "no block" has one spelling
// (Invalid) instead of being a magic constant compared inline wherever a
// freelist pointer is read — spec.md §9 flags the original (uint32)-1
// sentinel for exactly this reason.
type Number uint32

// Invalid is the sentinel meaning "no block" — the end of a freelist
// chain, or an as-yet-unallocated root. It occupies the same 4 bytes on
// disk that the original engine used for its -1 sentinel, so the on-disk
// format is unchanged; only the in-memory spelling is safer.
const Invalid Number = ^Number(0)

// Valid reports whether n refers to an actual block.
func (n Number) Valid() bool { return n != Invalid }
