package block

import (
	"path/filepath"
	"testing"
)

func TestFreelistManyFreesAndReusesExhaustFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.glass")
	f, err := Create(path, testOptions())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer f.Close()

	f.BeginRevision(Pointer{})

	var allocated []Number
	for i := 0; i < 10; i++ {
		n, err := f.NextFreeBlock(1)
		if err != nil {
			t.Fatalf("NextFreeBlock() error = %v", err)
		}
		allocated = append(allocated, n)
	}
	for _, n := range allocated {
		if err := f.FreeBlock(n, 1); err != nil {
			t.Fatalf("FreeBlock(%d) error = %v", n, err)
		}
	}
	ptr, err := f.CommitFreelist(1)
	if err != nil {
		t.Fatalf("CommitFreelist() error = %v", err)
	}

	numBlocksAfterFree := f.NumBlocks()

	f.BeginRevision(ptr)
	seen := make(map[Number]bool)
	for i := 0; i < len(allocated); i++ {
		n, err := f.NextFreeBlock(2)
		if err != nil {
			t.Fatalf("NextFreeBlock() reuse pass error = %v", err)
		}
		if seen[n] {
			t.Fatalf("NextFreeBlock() returned block %d twice", n)
		}
		seen[n] = true
	}
	if _, err := f.CommitFreelist(2); err != nil {
		t.Fatalf("CommitFreelist() error = %v", err)
	}
	// Reusing 10 freed blocks should not have required growing the file.
	if f.NumBlocks() > numBlocksAfterFree {
		t.Fatalf("NumBlocks() grew unexpectedly: before=%d after=%d", numBlocksAfterFree, f.NumBlocks())
	}
	for _, n := range allocated {
		if !seen[n] {
			t.Fatalf("block %d freed but never handed back out", n)
		}
	}
}

func TestFreelistDoesNotReuseWithinSameRevision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.glass")
	f, err := Create(path, testOptions())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer f.Close()

	f.BeginRevision(Pointer{})
	n1, err := f.NextFreeBlock(1)
	if err != nil {
		t.Fatalf("NextFreeBlock() error = %v", err)
	}
	if err := f.FreeBlock(n1, 1); err != nil {
		t.Fatalf("FreeBlock() error = %v", err)
	}
	n2, err := f.NextFreeBlock(1)
	if err != nil {
		t.Fatalf("NextFreeBlock() error = %v", err)
	}
	if n2 == n1 {
		t.Fatalf("block freed this revision was reused within the same revision")
	}
}
