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
	"compress/flate"
	"io"

	"xapiancore.dev/pkg/xerrors"
)

// compressTag deflates tag with a lazily-allocated, per-table writer reset
// between calls (spec.md §4.2.5), returning ok=false if the result isn't
// smaller than the input (in which case the tag is stored uncompressed).
// compress/flate's raw stream is exactly the "deflate, raw 32 KiB window"
// codec the spec names — no header to strip, nothing to configure.
func (t *Table) compressTag(tag []byte) (out []byte, ok bool) {
	if len(tag) < t.compressMin {
		return nil, false
	}
	t.compressBuf.Reset()
	if t.compressor == nil {
		t.compressor, _ = flate.NewWriter(&t.compressBuf, flate.DefaultCompression)
	} else {
		t.compressor.Reset(&t.compressBuf)
	}
	if _, err := t.compressor.Write(tag); err != nil {
		return nil, false
	}
	if err := t.compressor.Close(); err != nil {
		return nil, false
	}
	if t.compressBuf.Len() >= len(tag) {
		return nil, false
	}
	cp := make([]byte, t.compressBuf.Len())
	copy(cp, t.compressBuf.Bytes())
	return cp, true
}

// decompressTag inflates data into a fresh buffer, streaming through a
// reusable 8 KiB copy buffer (spec.md §4.2.5).
func (t *Table) decompressTag(data []byte) ([]byte, error) {
	if t.decompressor == nil {
		t.decompressor = flate.NewReader(bytes.NewReader(data))
	} else {
		r, ok := t.decompressor.(flate.Resetter)
		if !ok {
			t.decompressor = flate.NewReader(bytes.NewReader(data))
		} else if err := r.Reset(bytes.NewReader(data), nil); err != nil {
			return nil, xerrors.Wrap(xerrors.Corrupt, err, "resetting inflater")
		}
	}
	if t.decompressBuf == nil {
		t.decompressBuf = make([]byte, 8<<10)
	}
	var out bytes.Buffer
	if _, err := io.CopyBuffer(&out, t.decompressor, t.decompressBuf); err != nil {
		return nil, xerrors.Wrap(xerrors.Corrupt, err, "inflating tag")
	}
	return out.Bytes(), nil
}
