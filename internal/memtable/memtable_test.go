package memtable

import (
	"bytes"
	"testing"
)

func TestPutGet(t *testing.T) {
	m := New()
	m.Put([]byte("a"), 1, []byte("1"))
	m.Put([]byte("b"), 2, []byte("2"))

	found, val, deleted := m.Get([]byte("a"))
	if !found || deleted || !bytes.Equal(val, []byte("1")) {
		t.Fatalf("get a: found=%v deleted=%v val=%q", found, deleted, val)
	}

	found, _, _ = m.Get([]byte("missing"))
	if found {
		t.Fatalf("expected miss for absent key")
	}
}

func TestNewerSequenceWins(t *testing.T) {
	m := New()
	m.Put([]byte("a"), 1, []byte("old"))
	m.Put([]byte("a"), 5, []byte("new"))

	found, val, deleted := m.Get([]byte("a"))
	if !found || deleted || !bytes.Equal(val, []byte("new")) {
		t.Fatalf("get a: found=%v deleted=%v val=%q, want new", found, deleted, val)
	}
}

func TestDeleteShadowsOlderPut(t *testing.T) {
	m := New()
	m.Put([]byte("a"), 1, []byte("v"))
	m.Delete([]byte("a"), 2)

	found, _, deleted := m.Get([]byte("a"))
	if !found || !deleted {
		t.Fatalf("expected tombstone hit, got found=%v deleted=%v", found, deleted)
	}
}

func TestShouldFlush(t *testing.T) {
	m := New()
	if m.ShouldFlush(1) {
		t.Fatalf("empty memtable should not need flush")
	}
	m.Put([]byte("a"), 1, bytes.Repeat([]byte("x"), 100))
	if !m.ShouldFlush(10) {
		t.Fatalf("memtable past threshold should need flush")
	}
}

func TestForEachFlushEmitsLatestPerKeyInOrder(t *testing.T) {
	m := New()
	m.Put([]byte("b"), 1, []byte("b1"))
	m.Put([]byte("a"), 1, []byte("a1"))
	m.Put([]byte("a"), 2, []byte("a2"))
	m.Delete([]byte("c"), 1)

	var got []FlushEntry
	if err := m.ForEachFlush(func(e FlushEntry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("for each flush: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3: %+v", len(got), got)
	}
	if !bytes.Equal(got[0].UserKey, []byte("a")) || !bytes.Equal(got[0].Value, []byte("a2")) {
		t.Fatalf("entry 0 = %+v, want a=a2 (latest version)", got[0])
	}
	if !bytes.Equal(got[1].UserKey, []byte("b")) {
		t.Fatalf("entry 1 = %+v, want key b", got[1])
	}
	if !bytes.Equal(got[2].UserKey, []byte("c")) || !got[2].Tombstone {
		t.Fatalf("entry 2 = %+v, want tombstone for c", got[2])
	}
}
