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
	"xapiancore.dev/pkg/block"
	"xapiancore.dev/pkg/xerrors"
)

// MaxKeySize bounds a key's length; longer keys are rejected with
// InvalidArgument (spec.md §4.2's add/del contract).
const MaxKeySize = 255

const (
	flagCompressed = 1 << 0
	flagChunked    = 1 << 1
	// flagContinuation marks an item as chunk 2..C of a split tag, as
	// opposed to chunk 1 (which may itself carry flagChunked to say "more
	// chunks follow"). A cursor walking leaf items in order uses this bit
	// alone to tell where one logical entry ends and the next begins,
	// without needing to carry the chunk-1 total-components count
	// forward across arbitrarily many items.
	flagContinuation = 1 << 2
)

// leafItem is the decoded form of one on-disk leaf item: either a whole
// tag (Total==1) or one component of a split tag (spec.md
// §4.2: "shared key and trailing 2-byte counter").
type leafItem struct {
	Key        []byte
	Compressed bool // only meaningful on the first chunk
	Total      int  // total component count; 1 if not chunked
	Payload    []byte
}

// encodeLeafFirst builds the on-disk payload for a tag's first (or only)
// chunk, carrying the component count and compression flag.
func encodeLeafFirst(key []byte, compressed bool, total int, payload []byte) []byte {
	flags := byte(0)
	if compressed {
		flags |= flagCompressed
	}
	if total > 1 {
		flags |= flagChunked
	}
	out := make([]byte, 0, 3+len(key)+1+len(payload))
	out = append(out, flags, byte(len(key)))
	out = append(out, key...)
	if total > 1 {
		out = append(out, byte(total))
	}
	out = append(out, payload...)
	return out
}

// encodeLeafChunk builds the on-disk payload for chunk index (2-based) of
// a split tag: same flags/key framing, no component-count byte (that only
// lives on chunk 1).
func encodeLeafChunk(key []byte, payload []byte) []byte {
	out := make([]byte, 0, 2+len(key)+len(payload))
	out = append(out, flagChunked|flagContinuation, byte(len(key)))
	out = append(out, key...)
	out = append(out, payload...)
	return out
}

// isContinuation reports whether a raw leaf item payload is chunk 2..C of
// a split tag rather than the start of a logical entry.
func isContinuation(payload []byte) bool {
	return len(payload) > 0 && payload[0]&flagContinuation != 0
}

// chunkKey derives the distinguishing key used to store chunk index i
// (i starting at 2) of a multi-chunk tag under rawKey.
func chunkKey(rawKey []byte, i int) []byte {
	k := make([]byte, len(rawKey)+2)
	copy(k, rawKey)
	k[len(rawKey)] = byte(i >> 8)
	k[len(rawKey)+1] = byte(i)
	return k
}

// decodeLeafFirst decodes a chunk-1 (or unsplit) item, which alone carries
// both the compression flag and, when chunked, the component count.
func decodeLeafFirst(payload []byte) (leafItem, error) {
	if len(payload) < 2 {
		return leafItem{}, xerrors.New(xerrors.Corrupt, "leaf item too short (%d bytes)", len(payload))
	}
	flags := payload[0]
	keyLen := int(payload[1])
	rest := payload[2:]
	if keyLen > len(rest) {
		return leafItem{}, xerrors.New(xerrors.Corrupt, "leaf item key length %d exceeds item", keyLen)
	}
	key := rest[:keyLen]
	rest = rest[keyLen:]
	total := 1
	if flags&flagChunked != 0 {
		if len(rest) < 1 {
			return leafItem{}, xerrors.New(xerrors.Corrupt, "leaf item missing component count")
		}
		total = int(rest[0])
		rest = rest[1:]
	}
	return leafItem{Key: key, Compressed: flags&flagCompressed != 0, Total: total, Payload: rest}, nil
}

// decodeLeafChunk decodes chunk index >= 2, which has no component-count
// byte.
func decodeLeafChunk(payload []byte) (leafItem, error) {
	if len(payload) < 2 {
		return leafItem{}, xerrors.New(xerrors.Corrupt, "leaf item too short (%d bytes)", len(payload))
	}
	keyLen := int(payload[1])
	rest := payload[2:]
	if keyLen > len(rest) {
		return leafItem{}, xerrors.New(xerrors.Corrupt, "leaf item key length %d exceeds item", keyLen)
	}
	key := rest[:keyLen]
	rest = rest[keyLen:]
	return leafItem{Key: key, Payload: rest}, nil
}

func leafKey(payload []byte) []byte {
	if len(payload) < 2 {
		return nil
	}
	keyLen := int(payload[1])
	rest := payload[2:]
	if keyLen > len(rest) {
		return nil
	}
	return rest[:keyLen]
}

// internal node items: [keyLen:1][key][child block number: 4 bytes BE].
func encodeInternal(key []byte, child block.Number) []byte {
	out := make([]byte, 0, 1+len(key)+4)
	out = append(out, byte(len(key)))
	out = append(out, key...)
	out = append(out, byte(child>>24), byte(child>>16), byte(child>>8), byte(child))
	return out
}

func decodeInternal(payload []byte) (key []byte, child block.Number, err error) {
	if len(payload) < 5 {
		return nil, 0, xerrors.New(xerrors.Corrupt, "internal item too short (%d bytes)", len(payload))
	}
	keyLen := int(payload[0])
	if keyLen+5 > len(payload) {
		return nil, 0, xerrors.New(xerrors.Corrupt, "internal item key length %d exceeds item", keyLen)
	}
	key = payload[1 : 1+keyLen]
	c := payload[1+keyLen:]
	child = block.Number(uint32(c[0])<<24 | uint32(c[1])<<16 | uint32(c[2])<<8 | uint32(c[3]))
	return key, child, nil
}

func internalKey(payload []byte) []byte {
	if len(payload) < 1 {
		return nil
	}
	keyLen := int(payload[0])
	if keyLen+5 > len(payload) {
		return nil
	}
	return payload[1 : 1+keyLen]
}
