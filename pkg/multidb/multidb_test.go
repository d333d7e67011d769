package multidb

import (
	"context"
	"testing"

	"xapiancore.dev/pkg/shard"
)

func buildShard(t *testing.T, docs []shard.Document) string {
	t.Helper()
	dir := t.TempDir()
	d, err := shard.Create(dir, shard.Options{})
	if err != nil {
		t.Fatalf("shard.Create() error = %v", err)
	}
	for _, doc := range docs {
		if _, err := d.AddDocument(doc); err != nil {
			t.Fatalf("AddDocument() error = %v", err)
		}
	}
	if err := d.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return dir
}

func TestDocIDMappingRoundTrips(t *testing.T) {
	dirs := []string{
		buildShard(t, []shard.Document{{Data: []byte("s0d1")}, {Data: []byte("s0d2")}}),
		buildShard(t, []shard.Document{{Data: []byte("s1d1")}}),
	}
	m, err := Open(context.Background(), dirs, shard.Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer m.Close()

	if m.N() != 2 {
		t.Fatalf("N() = %d, want 2", m.N())
	}
	for shardIdx := 0; shardIdx < 2; shardIdx++ {
		for local := uint32(1); local <= 2; local++ {
			g := m.ToGlobal(shardIdx, local)
			gotShard, gotLocal := m.ToLocal(g)
			if gotShard != shardIdx || gotLocal != local {
				t.Fatalf("ToLocal(ToGlobal(%d,%d)=%d) = (%d,%d), want (%d,%d)",
					shardIdx, local, g, gotShard, gotLocal, shardIdx, local)
			}
		}
	}
}

func TestOpenDocumentResolvesAcrossShards(t *testing.T) {
	dirs := []string{
		buildShard(t, []shard.Document{{Data: []byte("shard0-doc1")}}),
		buildShard(t, []shard.Document{{Data: []byte("shard1-doc1")}}),
	}
	m, err := Open(context.Background(), dirs, shard.Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer m.Close()

	g0 := m.ToGlobal(0, 1)
	g1 := m.ToGlobal(1, 1)
	data0, found, err := m.OpenDocument(g0)
	if err != nil || !found || string(data0) != "shard0-doc1" {
		t.Fatalf("OpenDocument(%d) = %q, %v, %v, want shard0-doc1", g0, data0, found, err)
	}
	data1, found, err := m.OpenDocument(g1)
	if err != nil || !found || string(data1) != "shard1-doc1" {
		t.Fatalf("OpenDocument(%d) = %q, %v, %v, want shard1-doc1", g1, data1, found, err)
	}
}

func TestOpenAllTermsMergesAcrossShardsByGlobalDocID(t *testing.T) {
	dirs := []string{
		buildShard(t, []shard.Document{
			{Data: []byte("a"), Terms: map[string]shard.TermEntry{"cat": {WDF: 1}}},
			{Data: []byte("b"), Terms: map[string]shard.TermEntry{"cat": {WDF: 3}}},
		}),
		buildShard(t, []shard.Document{
			{Data: []byte("c"), Terms: map[string]shard.TermEntry{"cat": {WDF: 2}}},
		}),
	}
	m, err := Open(context.Background(), dirs, shard.Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer m.Close()

	summaries, err := m.OpenAllTerms()
	if err != nil {
		t.Fatalf("OpenAllTerms() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("len(summaries) = %d, want 1", len(summaries))
	}
	s := summaries[0]
	if s.Term != "cat" {
		t.Fatalf("Term = %q, want \"cat\"", s.Term)
	}
	if s.TermFreq != 3 {
		t.Fatalf("TermFreq = %d, want 3", s.TermFreq)
	}
	if s.CollFreq != 6 {
		t.Fatalf("CollFreq = %d, want 6", s.CollFreq)
	}
	for i := 1; i < len(s.Postings); i++ {
		if s.Postings[i-1].DocID >= s.Postings[i].DocID {
			t.Fatalf("Postings not in ascending global docid order: %+v", s.Postings)
		}
	}
}

// TestOpenAllTermsDiscoversFullVocabulary checks that OpenAllTerms finds
// every distinct term across all shards, in sorted order, without being
// told any term names up front.
func TestOpenAllTermsDiscoversFullVocabulary(t *testing.T) {
	dirs := []string{
		buildShard(t, []shard.Document{
			{Data: []byte("a"), Terms: map[string]shard.TermEntry{"dog": {WDF: 1}, "zebra": {WDF: 1}}},
		}),
		buildShard(t, []shard.Document{
			{Data: []byte("b"), Terms: map[string]shard.TermEntry{"ant": {WDF: 1}, "dog": {WDF: 1}}},
		}),
	}
	m, err := Open(context.Background(), dirs, shard.Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer m.Close()

	summaries, err := m.OpenAllTerms()
	if err != nil {
		t.Fatalf("OpenAllTerms() error = %v", err)
	}
	var got []string
	for _, s := range summaries {
		got = append(got, s.Term)
	}
	want := []string{"ant", "dog", "zebra"}
	if len(got) != len(want) {
		t.Fatalf("terms = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("terms = %v, want %v", got, want)
		}
	}
	for _, s := range summaries {
		if s.Term == "dog" && s.TermFreq != 2 {
			t.Fatalf("dog TermFreq = %d, want 2 (one posting per shard)", s.TermFreq)
		}
	}
}
