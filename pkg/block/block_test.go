package block

import "testing"

func TestBlockInitAndHeader(t *testing.T) {
	b := New(5, MinSize)
	b.Init(0, 1)
	if b.Revision() != 1 {
		t.Fatalf("Revision() = %d, want 1", b.Revision())
	}
	if !b.IsLeaf() {
		t.Fatalf("IsLeaf() = false, want true for level 0")
	}
	if b.DirEnd() != HeaderSize {
		t.Fatalf("DirEnd() = %d, want %d", b.DirEnd(), HeaderSize)
	}
	if b.TotalFree() != MinSize-HeaderSize || b.MaxFree() != MinSize-HeaderSize {
		t.Fatalf("fresh block free counters = (%d,%d), want (%d,%d)", b.TotalFree(), b.MaxFree(), MinSize-HeaderSize, MinSize-HeaderSize)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestBlockLevelFreelistMarker(t *testing.T) {
	b := New(0, MinSize)
	b.Init(LevelFreelist, 1)
	if !b.IsFreelist() {
		t.Fatalf("IsFreelist() = false, want true")
	}
	if b.IsLeaf() {
		t.Fatalf("IsLeaf() = true for a freelist block")
	}
}

func TestBlockValidateRejectsCorruptCounters(t *testing.T) {
	b := New(0, MinSize)
	b.Init(0, 1)
	b.setMaxFree(b.TotalFree() + 1)
	if err := b.Validate(); err == nil {
		t.Fatalf("Validate() = nil, want error for maxFree > totalFree")
	}
}

func TestBlockClone(t *testing.T) {
	b := New(3, MinSize)
	b.Init(0, 1)
	c := b.Clone()
	c.SetRevision(2)
	if b.Revision() == c.Revision() {
		t.Fatalf("Clone() shares storage with original")
	}
}

func TestNumberInvalid(t *testing.T) {
	if Invalid.Valid() {
		t.Fatalf("Invalid.Valid() = true")
	}
	if !Number(0).Valid() {
		t.Fatalf("Number(0).Valid() = false")
	}
}
