package block

import (
	"bytes"
	"testing"
)

func newTestPage(t *testing.T) *Page {
	t.Helper()
	b := New(0, MinSize)
	return NewPage(b, 0, 1)
}

func TestPageInsertAndRead(t *testing.T) {
	p := newTestPage(t)
	items := [][]byte{[]byte("alpha"), []byte("bravo"), []byte("charlie")}
	for i, it := range items {
		if !p.InsertAt(i, it) {
			t.Fatalf("InsertAt(%d) failed", i)
		}
	}
	if p.Count() != len(items) {
		t.Fatalf("Count() = %d, want %d", p.Count(), len(items))
	}
	for i, want := range items {
		if got := p.ItemPayload(i); !bytes.Equal(got, want) {
			t.Fatalf("ItemPayload(%d) = %q, want %q", i, got, want)
		}
	}
}

func TestPageInsertAtMiddleShiftsSlots(t *testing.T) {
	p := newTestPage(t)
	p.InsertAt(0, []byte("a"))
	p.InsertAt(1, []byte("c"))
	p.InsertAt(1, []byte("b"))
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if got := string(p.ItemPayload(i)); got != w {
			t.Fatalf("slot %d = %q, want %q", i, got, w)
		}
	}
}

func TestPageDeleteFreesSpaceForReuse(t *testing.T) {
	p := newTestPage(t)
	for i := 0; i < 5; i++ {
		if !p.InsertAt(i, bytes.Repeat([]byte{byte('a' + i)}, 20)) {
			t.Fatalf("InsertAt(%d) failed", i)
		}
	}
	freeBefore := p.b.TotalFree()
	p.DeleteAt(2)
	if p.Count() != 4 {
		t.Fatalf("Count() after delete = %d, want 4", p.Count())
	}
	if p.b.TotalFree() <= freeBefore {
		t.Fatalf("TotalFree() did not grow after delete: before=%d after=%d", freeBefore, p.b.TotalFree())
	}
	if !p.InsertAt(2, bytes.Repeat([]byte{'z'}, 20)) {
		t.Fatalf("InsertAt after delete failed to reuse freed space")
	}
}

func TestPageFragmentationRequiresCompact(t *testing.T) {
	p := newTestPage(t)
	payload := bytes.Repeat([]byte{'x'}, 200)
	inserted := 0
	for p.InsertAt(inserted, payload) {
		inserted++
	}
	if inserted < 3 {
		t.Fatalf("only managed %d inserts, test needs headroom", inserted)
	}
	// Delete every other item, fragmenting free space into many small
	// holes rather than one contiguous run.
	for i := inserted - 2; i >= 0; i -= 2 {
		p.DeleteAt(i)
	}
	big := bytes.Repeat([]byte{'y'}, len(payload)*2)
	if p.InsertAt(p.Count(), big) {
		t.Fatalf("InsertAt of an oversized item unexpectedly succeeded without compaction")
	}
	if p.b.TotalFree() < itemLenPrefix+len(big) {
		t.Skip("not enough total free to exercise compaction in this configuration")
	}
	p.Compact()
	if !p.InsertAt(p.Count(), big) {
		t.Fatalf("InsertAt still fails after Compact despite sufficient total free")
	}
}

func TestOpenPageRoundTrip(t *testing.T) {
	p := newTestPage(t)
	p.InsertAt(0, []byte("one"))
	p.InsertAt(1, []byte("two"))
	p.DeleteAt(0)
	p.InsertAt(0, []byte("three"))

	reopened, err := OpenPage(p.Block())
	if err != nil {
		t.Fatalf("OpenPage() error = %v", err)
	}
	if reopened.Count() != p.Count() {
		t.Fatalf("reopened Count() = %d, want %d", reopened.Count(), p.Count())
	}
	for i := 0; i < p.Count(); i++ {
		if !bytes.Equal(reopened.ItemPayload(i), p.ItemPayload(i)) {
			t.Fatalf("slot %d mismatch after reopen", i)
		}
	}
	// A freshly reopened page with no delete history should still be able
	// to insert into its virgin space.
	if !reopened.InsertAt(reopened.Count(), []byte("four")) {
		t.Fatalf("InsertAt on reopened page failed")
	}
}

func TestPageCapacity(t *testing.T) {
	p := newTestPage(t)
	if got, want := p.Capacity(), MinSize-HeaderSize; got != want {
		t.Fatalf("Capacity() = %d, want %d", got, want)
	}
}
