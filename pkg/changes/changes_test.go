package changes

import (
	"bytes"
	"testing"

	"xapiancore.dev/pkg/block"
)

func makeBlock(num block.Number, fill byte) *block.Block {
	b := block.New(num, 64)
	for i := range b.Bytes() {
		b.Bytes()[i] = fill
	}
	return b
}

func TestWriteAndWalkSingleTable(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 5)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.BeginTable("postlist", 64); err != nil {
		t.Fatalf("BeginTable() error = %v", err)
	}
	blocks := []*block.Block{makeBlock(1, 'a'), makeBlock(2, 'b')}
	for _, b := range blocks {
		if err := w.AppendBlock(b); err != nil {
			t.Fatalf("AppendBlock() error = %v", err)
		}
	}
	if err := w.EndTable(); err != nil {
		t.Fatalf("EndTable() error = %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var got []Record
	if err := Walk(dir, 5, func(r Record) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(got) != len(blocks) {
		t.Fatalf("Walk() produced %d records, want %d", len(got), len(blocks))
	}
	for i, r := range got {
		if r.Table != "postlist" {
			t.Fatalf("record %d table = %q, want postlist", i, r.Table)
		}
		if r.Block.Num != blocks[i].Num || !bytes.Equal(r.Block.Bytes(), blocks[i].Bytes()) {
			t.Fatalf("record %d = %v, want %v", i, r.Block.Num, blocks[i].Num)
		}
	}
}

func TestWriteAndWalkMultipleTables(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.BeginTable("postlist", 64); err != nil {
		t.Fatalf("BeginTable() error = %v", err)
	}
	if err := w.AppendBlock(makeBlock(1, 'a')); err != nil {
		t.Fatalf("AppendBlock() error = %v", err)
	}
	if err := w.EndTable(); err != nil {
		t.Fatalf("EndTable() error = %v", err)
	}
	if err := w.BeginTable("docdata", 64); err != nil {
		t.Fatalf("BeginTable() error = %v", err)
	}
	if err := w.AppendBlock(makeBlock(9, 'z')); err != nil {
		t.Fatalf("AppendBlock() error = %v", err)
	}
	if err := w.EndTable(); err != nil {
		t.Fatalf("EndTable() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	tables := map[string][]block.Number{}
	if err := Walk(dir, 1, func(r Record) error {
		tables[r.Table] = append(tables[r.Table], r.Block.Num)
		return nil
	}); err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(tables["postlist"]) != 1 || tables["postlist"][0] != 1 {
		t.Fatalf("postlist records = %v, want [1]", tables["postlist"])
	}
	if len(tables["docdata"]) != 1 || tables["docdata"][0] != 9 {
		t.Fatalf("docdata records = %v, want [9]", tables["docdata"])
	}
}

func TestPruneRemovesOldRevisionsOnly(t *testing.T) {
	dir := t.TempDir()
	for _, rev := range []uint32{1, 2, 3, 4} {
		w, err := Create(dir, rev)
		if err != nil {
			t.Fatalf("Create(%d) error = %v", rev, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}
	if err := Prune(dir, 3); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	remaining, err := List(dir)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []uint32{3, 4}
	if len(remaining) != len(want) {
		t.Fatalf("List() after prune = %v, want %v", remaining, want)
	}
	for i, w := range want {
		if remaining[i] != w {
			t.Fatalf("List() after prune = %v, want %v", remaining, want)
		}
	}
}
